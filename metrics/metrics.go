// Package metrics exposes a bus's health counters as a Prometheus
// collector: frames and datagrams sent, lost datagrams, working-counter
// mismatches, redundancy activations and mailbox timeouts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethercatgo/ethercat"
)

// Source supplies the counter snapshots the collector scrapes. It is
// satisfied by *ethercat.Bus.
type Source interface {
	LinkStats() ethercat.LinkStats
	MailboxTimeouts() uint64
}

type info struct {
	description *prometheus.Desc
	supplier    func(stats ethercat.LinkStats, mailboxTimeouts uint64) prometheus.Metric
}

// BusCollector implements prometheus.Collector over a Source.
type BusCollector struct {
	source Source
	infos  []info
}

// NewBusCollector builds a collector whose metric names carry the given
// prefix and constant labels.
func NewBusCollector(prefix string, constLabels prometheus.Labels, source Source) *BusCollector {
	c := &BusCollector{source: source}
	c.addMetrics(prefix, constLabels)
	return c
}

func (c *BusCollector) addMetrics(prefix string, constLabels prometheus.Labels) {
	counter := func(name, help string, value func(ethercat.LinkStats, uint64) uint64) info {
		desc := prometheus.NewDesc(prefix+name, help, nil, constLabels)
		return info{
			description: desc,
			supplier: func(stats ethercat.LinkStats, mailboxTimeouts uint64) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value(stats, mailboxTimeouts)))
			},
		}
	}
	c.infos = []info{
		counter("frames_sent_total", "Ethernet frames written to the nominal interface.",
			func(s ethercat.LinkStats, _ uint64) uint64 { return s.FramesSent }),
		counter("datagrams_sent_total", "EtherCAT datagrams dispatched.",
			func(s ethercat.LinkStats, _ uint64) uint64 { return s.DatagramsSent }),
		counter("datagrams_lost_total", "Datagrams resolved through the error path (lost or timed out).",
			func(s ethercat.LinkStats, _ uint64) uint64 { return s.DatagramsLost }),
		counter("wkc_mismatches_total", "Datagrams whose received working counter differed from the expected value.",
			func(s ethercat.LinkStats, _ uint64) uint64 { return s.WKCMismatches }),
		counter("redundancy_activations_total", "Successful retransmits over the redundancy interface after a cable cut.",
			func(s ethercat.LinkStats, _ uint64) uint64 { return s.RedundancyActivations }),
		counter("mailbox_timeouts_total", "Mailbox messages reaped past their deadline.",
			func(_ ethercat.LinkStats, t uint64) uint64 { return t }),
	}
}

func (c *BusCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *BusCollector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.source.LinkStats()
	timeouts := c.source.MailboxTimeouts()
	for _, info := range c.infos {
		metrics <- info.supplier(stats, timeouts)
	}
}
