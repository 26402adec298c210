package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Stats record as Prometheus metrics.  Because the
// record is only ever touched between pump invocations, Collect reads it
// without locking; register one collector per live session.
type Collector struct {
	stats *Stats

	bytesTotal    *prometheus.Desc
	bytesTransfer *prometheus.Desc
	blockSize     *prometheus.Desc
	errorCount    *prometheus.Desc
	state         *prometheus.Desc
}

// NewCollector creates a collector over stats.  The session ID and
// protocol name become constant labels.
func NewCollector(stats *Stats) *Collector {
	labels := prometheus.Labels{
		"session":  stats.ID,
		"protocol": stats.ProtocolName,
	}
	return &Collector{
		stats: stats,
		bytesTotal: prometheus.NewDesc(
			"xfer_bytes_total",
			"Total size in bytes of the file currently transferring.",
			nil, labels),
		bytesTransfer: prometheus.NewDesc(
			"xfer_bytes_transferred",
			"Bytes moved so far for the current file.",
			nil, labels),
		blockSize: prometheus.NewDesc(
			"xfer_block_size_bytes",
			"Current negotiated block size.",
			nil, labels),
		errorCount: prometheus.NewDesc(
			"xfer_errors_total",
			"Recoverable protocol errors seen during the current file.",
			nil, labels),
		state: prometheus.NewDesc(
			"xfer_state",
			"Transfer state as an enum value (0=INIT .. 5=ABORT).",
			nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesTotal
	ch <- c.bytesTransfer
	ch <- c.blockSize
	ch <- c.errorCount
	ch <- c.state
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.GaugeValue, float64(c.stats.BytesTotal))
	ch <- prometheus.MustNewConstMetric(c.bytesTransfer, prometheus.GaugeValue, float64(c.stats.BytesTransfer))
	ch <- prometheus.MustNewConstMetric(c.blockSize, prometheus.GaugeValue, float64(c.stats.BlockSize))
	ch <- prometheus.MustNewConstMetric(c.errorCount, prometheus.CounterValue, float64(c.stats.ErrorCount))
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(c.stats.State))
}
