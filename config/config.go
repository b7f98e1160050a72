// Package config loads runtime bus parameters from an INI file: interface
// names, timeouts, and the distributed-clock cycle geometry.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config carries every tunable the master runtime reads at startup.
type Config struct {
	// Interface is the nominal network interface name; Redundancy names
	// the backup interface, empty for none.
	Interface  string
	Redundancy string

	LinkTimeout    time.Duration
	InitTimeout    time.Duration
	MailboxTimeout time.Duration

	CycleTime    time.Duration
	DCShift      time.Duration
	DCStartDelay time.Duration
}

// Default returns the configuration used when no file (or key) is given.
func Default() Config {
	return Config{
		Interface:      "eth0",
		LinkTimeout:    2 * time.Millisecond,
		InitTimeout:    5 * time.Second,
		MailboxTimeout: 100 * time.Millisecond,
		CycleTime:      time.Millisecond,
	}
}

// Load reads path and overlays its keys on the defaults. Sections:
// [link] interface, redundancy, timeout; [bus] init_timeout,
// mailbox_timeout; [dc] cycle_time, shift, start_delay.
func Load(path string) (Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return cfg, err
	}

	link := file.Section("link")
	cfg.Interface = link.Key("interface").MustString(cfg.Interface)
	cfg.Redundancy = link.Key("redundancy").MustString(cfg.Redundancy)
	cfg.LinkTimeout = link.Key("timeout").MustDuration(cfg.LinkTimeout)

	bus := file.Section("bus")
	cfg.InitTimeout = bus.Key("init_timeout").MustDuration(cfg.InitTimeout)
	cfg.MailboxTimeout = bus.Key("mailbox_timeout").MustDuration(cfg.MailboxTimeout)

	dc := file.Section("dc")
	cfg.CycleTime = dc.Key("cycle_time").MustDuration(cfg.CycleTime)
	cfg.DCShift = dc.Key("shift").MustDuration(cfg.DCShift)
	cfg.DCStartDelay = dc.Key("start_delay").MustDuration(cfg.DCStartDelay)

	return cfg, nil
}
