// Package tcpmetrics is a Prometheus collector over a usertcp connection
// table (SPEC_FULL S4). Grounded on
// runZeroInc-sockstats/pkg/exporter/exporter.go's shape: a mutex-guarded
// collector whose Collect walks a live source and emits gauges/counters,
// rather than registering metrics eagerly per connection.
package tcpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quadstack/usertcp"
	"github.com/quadstack/usertcp/tcp"
)

// Source supplies the current snapshot. *usertcp.Interface's Stats method
// has exactly this signature, so tcpmetrics.New(ns, ifc.Stats) is the usual
// call site; package usertcp never imports tcpmetrics, so this is not a
// cycle.
type Source func() usertcp.Stats

// Collector is a prometheus.Collector that reports, on every scrape: a
// gauge of live connections per TCP state, counters for bytes read/written
// and segments dropped as unacceptable by the RFC 793 acceptability test,
// and a counter of completed passive opens.
type Collector struct {
	source Source

	stateDesc        *prometheus.Desc
	bytesReadDesc    *prometheus.Desc
	bytesWriteDesc   *prometheus.Desc
	droppedDesc      *prometheus.Desc
	passiveOpensDesc *prometheus.Desc
}

// New builds a Collector that reads from source on every Collect call. It
// is the caller's responsibility to register it with a
// prometheus.Registerer.
func New(namespace string, source Source) *Collector {
	return &Collector{
		source: source,
		stateDesc: prometheus.NewDesc(
			namespace+"_connections",
			"Number of TCP connections currently in the given state.",
			[]string{"state"}, nil,
		),
		bytesReadDesc: prometheus.NewDesc(
			namespace+"_bytes_read_total",
			"Total payload bytes delivered to the application across all connections.",
			nil, nil,
		),
		bytesWriteDesc: prometheus.NewDesc(
			namespace+"_bytes_written_total",
			"Total payload bytes accepted from the application for transmission.",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			namespace+"_dropped_unacceptable_total",
			"Segments dropped because they failed the RFC 793 acceptability test.",
			nil, nil,
		),
		passiveOpensDesc: prometheus.NewDesc(
			namespace+"_passive_opens_total",
			"Completed passive opens (connections that reached SYN-RECEIVED).",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.stateDesc
	descs <- c.bytesReadDesc
	descs <- c.bytesWriteDesc
	descs <- c.droppedDesc
	descs <- c.passiveOpensDesc
}

// Collect implements prometheus.Collector: it takes one snapshot from
// Source and emits it as the current metric values (no state is kept
// between scrapes, matching exporter.go's TCPInfoCollector.Collect, which
// also re-derives every metric from a live source rather than caching).
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.source()
	for i, n := range stats.StateCounts {
		metrics <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, float64(n), tcp.State(i).String())
	}
	metrics <- prometheus.MustNewConstMetric(c.bytesReadDesc, prometheus.CounterValue, float64(stats.BytesRead))
	metrics <- prometheus.MustNewConstMetric(c.bytesWriteDesc, prometheus.CounterValue, float64(stats.BytesWritten))
	metrics <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(stats.DroppedUnacceptable))
	metrics <- prometheus.MustNewConstMetric(c.passiveOpensDesc, prometheus.CounterValue, float64(stats.PassiveOpens))
}
