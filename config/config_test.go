package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[link]
interface = enp3s0
redundancy = enp4s0
timeout = 5ms

[bus]
mailbox_timeout = 250ms

[dc]
cycle_time = 500us
shift = 100us
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "enp3s0", cfg.Interface)
	require.Equal(t, "enp4s0", cfg.Redundancy)
	require.Equal(t, 5*time.Millisecond, cfg.LinkTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.MailboxTimeout)
	require.Equal(t, 500*time.Microsecond, cfg.CycleTime)
	require.Equal(t, 100*time.Microsecond, cfg.DCShift)
	// Keys absent from the file keep their defaults.
	require.Equal(t, 5*time.Second, cfg.InitTimeout)
	require.Equal(t, time.Duration(0), cfg.DCStartDelay)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	require.Error(t, err)
	require.Equal(t, Default(), cfg)
}
