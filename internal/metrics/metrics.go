// Package metrics exports link statistics to Prometheus.
//
// Values are read from the statistics blocks at scrape time; nothing is
// updated on the buffer path.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/visionlink/internal/stats"
)

const namespace = "visionlink"

// StatsSource lists the statistics of the live links.
type StatsSource interface {
	Snapshots() []stats.Snapshot
}

type linkCounter struct {
	desc  *prometheus.Desc
	value func(stats.Snapshot) uint64
}

type channelCounter struct {
	desc  *prometheus.Desc
	value func(stats.ChannelSnapshot) uint64
}

// LinkCollector is a prometheus.Collector over a StatsSource.
type LinkCollector struct {
	src      StatsSource
	links    []linkCounter
	channels []channelCounter
	latency  *prometheus.Desc
	samples  *prometheus.Desc
	elapsed  *prometheus.Desc
}

func linkDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", name), help, []string{"link"}, nil)
}

func channelDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "channel", name), help, []string{"link", "channel"}, nil)
}

// NewLinkCollector creates a collector reading src on every scrape.
func NewLinkCollector(src StatsSource) *LinkCollector {
	return &LinkCollector{
		src: src,
		links: []linkCounter{
			{linkDesc("new_data_cmds_total", "NEW_DATA batches handled"), func(s stats.Snapshot) uint64 { return s.NewDataCmds }},
			{linkDesc("release_cmds_total", "Release batches handled"), func(s stats.Snapshot) uint64 { return s.ReleaseCmds }},
			{linkDesc("get_full_calls_total", "Calls to get full buffers"), func(s stats.Snapshot) uint64 { return s.GetFullCalls }},
			{linkDesc("put_empty_calls_total", "Calls to put empty buffers"), func(s stats.Snapshot) uint64 { return s.PutEmptyCalls }},
			{linkDesc("notify_events_total", "Doorbell notifications received"), func(s stats.Snapshot) uint64 { return s.NotifyEvents }},
			{linkDesc("in_buf_errors_total", "Input buffers that could not be handled"), func(s stats.Snapshot) uint64 { return s.InBufErrors }},
			{linkDesc("forced_reclaims_total", "IPC indices reclaimed without a release"), func(s stats.Snapshot) uint64 { return s.ForcedReclaims }},
		},
		channels: []channelCounter{
			{channelDesc("in_recv_total", "Buffers received"), func(c stats.ChannelSnapshot) uint64 { return c.InRecv }},
			{channelDesc("in_drop_backpressure_total", "Buffers dropped because no output buffer was free"), func(c stats.ChannelSnapshot) uint64 { return c.InDropBackpressure }},
			{channelDesc("in_drop_rate_gate_total", "Buffers skipped by the frame-rate gate"), func(c stats.ChannelSnapshot) uint64 { return c.InDropRateGate }},
			{channelDesc("in_processed_total", "Buffers processed"), func(c stats.ChannelSnapshot) uint64 { return c.InProcessed }},
			{channelDesc("out_total", "Buffers sent downstream"), func(c stats.ChannelSnapshot) uint64 { return c.OutCount }},
			{channelDesc("out_drop_total", "Output buffers dropped"), func(c stats.ChannelSnapshot) uint64 { return c.OutDrop }},
		},
		latency: prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", "latency_microseconds"),
			"Latency aggregate since the last statistics reset",
			[]string{"link", "span", "stat"}, nil),
		samples: prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", "latency_samples_total"),
			"Latency samples since the last statistics reset",
			[]string{"link", "span"}, nil),
		elapsed: linkDesc("statistics_elapsed_seconds", "Time since the last statistics reset"),
	}
}

// Describe implements prometheus.Collector.
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.links {
		ch <- m.desc
	}
	for _, m := range c.channels {
		ch <- m.desc
	}
	ch <- c.latency
	ch <- c.samples
	ch <- c.elapsed
}

// Collect implements prometheus.Collector.
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Snapshots() {
		for _, m := range c.links {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(s)), s.Link)
		}
		for _, cs := range s.Channels {
			channel := strconv.FormatUint(uint64(cs.Channel), 10)
			for _, m := range c.channels {
				ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(cs)), s.Link, channel)
			}
		}
		c.collectLatency(ch, s.Link, "local", s.LocalLatency)
		c.collectLatency(ch, s.Link, "src_to_link", s.SrcToLink)
		c.collectLatency(ch, s.Link, "ipc", s.IPCLatency)
		ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Elapsed.Seconds(), s.Link)
	}
}

func (c *LinkCollector) collectLatency(ch chan<- prometheus.Metric, link, span string, l stats.LatencySnapshot) {
	ch <- prometheus.MustNewConstMetric(c.samples, prometheus.CounterValue, float64(l.Count), link, span)
	if l.Count == 0 {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, float64(l.Min), link, span, "min")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, float64(l.Avg), link, span, "avg")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, float64(l.Max), link, span, "max")
}

// Options selects what a registry exports.
type Options struct {
	Stats StatsSource
	// Doorbells reports notifier counters when set.
	Doorbells func() (sent, coalesced uint64)
	// IPCChannels reports the number of allocated ipc channels when set.
	IPCChannels func() int
	// Runtime adds the Go and process collectors.
	Runtime bool
}

// NewRegistry creates a dedicated registry with the link collector.
func NewRegistry(opts Options) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if opts.Stats != nil {
		reg.MustRegister(NewLinkCollector(opts.Stats))
	}
	if opts.Doorbells != nil {
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "doorbell",
				Name:      "sent_total",
				Help:      "Doorbell notifications sent",
			}, func() float64 {
				sent, _ := opts.Doorbells()
				return float64(sent)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "doorbell",
				Name:      "coalesced_total",
				Help:      "Doorbell notifications merged into a pending one",
			}, func() float64 {
				_, coalesced := opts.Doorbells()
				return float64(coalesced)
			}),
		)
	}
	if opts.IPCChannels != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "channels",
			Help:      "Allocated ipc channels",
		}, func() float64 { return float64(opts.IPCChannels()) }))
	}
	if opts.Runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
