// Package metrics exports link statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/transport"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "aapbridge"

// Source supplies a statistics snapshot on each scrape.
type Source interface {
	Stats() transport.Stats
}

// Collector reads a Source at scrape time. Counters come straight from the
// snapshot, so nothing is double counted across scrapes.
type Collector struct {
	src Source

	dispatched *prometheus.Desc
	dropped    *prometheus.Desc
	depth      *prometheus.Desc

	frames      *prometheus.Desc
	rejected    *prometheus.Desc
	resyncBytes *prometheus.Desc

	completions    *prometheus.Desc
	readBytes      *prometheus.Desc
	transferErrors *prometheus.Desc
	resubmits      *prometheus.Desc

	writes        *prometheus.Desc
	writtenBytes  *prometheus.Desc
	writeTimeouts *prometheus.Desc
	writeErrors   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for src. labels are attached to every
// metric and may be nil.
func NewCollector(namespace string, src Source, labels prometheus.Labels) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(subsystem, name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, variable, labels)
	}
	return &Collector{
		src: src,

		dispatched: desc("dispatch", "dispatched_total", "Messages delivered to a class handler.", "class"),
		dropped:    desc("dispatch", "dropped_total", "Messages evicted from a full class queue.", "class"),
		depth:      desc("dispatch", "queue_depth", "Messages waiting in a class queue.", "class"),

		frames:      desc("framer", "frames_total", "Frames emitted by the framer."),
		rejected:    desc("framer", "rejected_headers_total", "Invalid headers that started a resynchronization."),
		resyncBytes: desc("framer", "resync_bytes_total", "Bytes skipped while resynchronizing."),

		completions:    desc("transport", "completions_total", "Bulk IN completions handled."),
		readBytes:      desc("transport", "read_bytes_total", "Bytes received on bulk IN."),
		transferErrors: desc("transport", "transfer_errors_total", "Bulk IN transfers or resubmits that failed."),
		resubmits:      desc("transport", "resubmits_total", "Bulk IN slots resubmitted."),

		writes:        desc("transport", "writes_total", "Successful bulk OUT transfers."),
		writtenBytes:  desc("transport", "written_bytes_total", "Bytes sent on bulk OUT."),
		writeTimeouts: desc("transport", "write_timeouts_total", "Bulk OUT transfers that timed out."),
		writeErrors:   desc("transport", "write_errors_total", "Bulk OUT transfers that failed."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.dispatched, c.dropped, c.depth,
		c.frames, c.rejected, c.resyncBytes,
		c.completions, c.readBytes, c.transferErrors, c.resubmits,
		c.writes, c.writtenBytes, c.writeTimeouts, c.writeErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for _, cl := range channel.Classes {
		cs := s.Dispatch.Class(cl)
		name := cl.String()
		ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(cs.Dispatched), name)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(cs.Dropped), name)
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(cs.Depth), name)
	}

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.frames, s.Framer.Frames)
	counter(c.rejected, s.Framer.Rejected)
	counter(c.resyncBytes, s.Framer.ResyncBytes)
	counter(c.completions, s.Completions)
	counter(c.readBytes, s.BytesRead)
	counter(c.transferErrors, s.TransferErrors)
	counter(c.resubmits, s.Resubmits)
	counter(c.writes, s.Writes)
	counter(c.writtenBytes, s.BytesWritten)
	counter(c.writeTimeouts, s.WriteTimeouts)
	counter(c.writeErrors, s.WriteErrors)
}

// Handler returns an HTTP handler serving the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
