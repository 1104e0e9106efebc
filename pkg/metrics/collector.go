// Package metrics exports the node counters to Prometheus.
package metrics

import (
	"net/http"
	"sort"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tpmeter"

// MeterSource is read at scrape time.
type MeterSource interface {
	Metrics() tp.Metrics
	Sessions() []tp.SessionInfo
}

// LinkSource is a link with counters.
type LinkSource interface {
	Metrics() core.LinkMetrics
}

// DispatcherSource is a dispatcher with named counters.
type DispatcherSource interface {
	Metrics() map[string]uint64
}

type meterCounter struct {
	desc  *prometheus.Desc
	value func(tp.Metrics) float64
}

type linkCounter struct {
	desc  *prometheus.Desc
	value func(core.LinkMetrics) float64
}

func counterDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// Collector implements prometheus.Collector over the meter, link and
// dispatcher counters.
type Collector struct {
	meter      MeterSource
	link       LinkSource
	dispatcher DispatcherSource

	meterCounters  []meterCounter
	activeSessions *prometheus.Desc
	sessionCwnd    *prometheus.Desc
	sessionSRTT    *prometheus.Desc
	sessionBytes   *prometheus.Desc
	linkCounters   []linkCounter
	dispatchEvents *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. link and dispatcher may be nil.
func NewCollector(meter MeterSource, link LinkSource, dispatcher DispatcherSource) *Collector {
	c := &Collector{
		meter:      meter,
		link:       link,
		dispatcher: dispatcher,
		activeSessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "active_sessions"),
			"Number of sessions in the session table.", nil, nil),
		sessionCwnd: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "cwnd_bytes"),
			"Congestion window of a sender session.", []string{"peer"}, nil),
		sessionSRTT: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "srtt_seconds"),
			"Smoothed round trip time of a sender session.", []string{"peer"}, nil),
		sessionBytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "bytes"),
			"Bytes acknowledged (sender) or received in order (receiver) so far.", []string{"peer", "role"}, nil),
		dispatchEvents: counterDesc("dispatcher", "events_total",
			"Dispatcher events by kind.", "event"),
	}

	c.meterCounters = []meterCounter{
		{counterDesc("", "segments_sent_total", "Test segments sent."), func(m tp.Metrics) float64 { return float64(m.SegmentsSent) }},
		{counterDesc("", "retransmits_total", "Segments retransmitted after a timeout."), func(m tp.Metrics) float64 { return float64(m.Retransmits) }},
		{counterDesc("", "fast_retransmits_total", "Fast retransmissions after duplicate acknowledgements."), func(m tp.Metrics) float64 { return float64(m.FastRetransmits) }},
		{counterDesc("", "rto_events_total", "Retransmission timer expirations."), func(m tp.Metrics) float64 { return float64(m.RTOEvents) }},
		{counterDesc("", "acks_received_total", "Acknowledgements received."), func(m tp.Metrics) float64 { return float64(m.AcksReceived) }},
		{counterDesc("", "dup_acks_total", "Duplicate acknowledgements received."), func(m tp.Metrics) float64 { return float64(m.DupAcks) }},
		{counterDesc("", "msgs_received_total", "Test segments received."), func(m tp.Metrics) float64 { return float64(m.MsgsReceived) }},
		{counterDesc("", "out_of_order_total", "Test segments received out of order."), func(m tp.Metrics) float64 { return float64(m.OutOfOrder) }},
		{counterDesc("", "acks_sent_total", "Acknowledgements sent."), func(m tp.Metrics) float64 { return float64(m.AcksSent) }},
		{counterDesc("", "sessions_started_total", "Sessions started in either role."), func(m tp.Metrics) float64 { return float64(m.SessionsStarted) }},
		{counterDesc("", "sessions_finished_total", "Sessions finished in either role."), func(m tp.Metrics) float64 { return float64(m.SessionsFinished) }},
		{counterDesc("", "send_errors_total", "Frames the router refused."), func(m tp.Metrics) float64 { return float64(m.SendErrors) }},
		{counterDesc("", "dropped_frames_total", "Received frames that were not processed."), func(m tp.Metrics) float64 { return float64(m.DroppedFrames) }},
	}

	c.linkCounters = []linkCounter{
		{counterDesc("link", "packets_received_total", "Frames received from the link."), func(m core.LinkMetrics) float64 { return float64(m.PacketsReceived) }},
		{counterDesc("link", "packets_sent_total", "Frames sent over the link."), func(m core.LinkMetrics) float64 { return float64(m.PacketsSent) }},
		{counterDesc("link", "bytes_received_total", "Bytes received from the link."), func(m core.LinkMetrics) float64 { return float64(m.BytesReceived) }},
		{counterDesc("link", "bytes_sent_total", "Bytes sent over the link."), func(m core.LinkMetrics) float64 { return float64(m.BytesSent) }},
		{counterDesc("link", "unreachable_total", "Sends to an unknown destination."), func(m core.LinkMetrics) float64 { return float64(m.Unreachable) }},
		{counterDesc("link", "errors_total", "Link errors."), func(m core.LinkMetrics) float64 { return float64(m.Errors) }},
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, mc := range c.meterCounters {
		ch <- mc.desc
	}
	ch <- c.activeSessions
	ch <- c.sessionCwnd
	ch <- c.sessionSRTT
	ch <- c.sessionBytes
	if c.link != nil {
		for _, lc := range c.linkCounters {
			ch <- lc.desc
		}
	}
	if c.dispatcher != nil {
		ch <- c.dispatchEvents
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.meter.Metrics()
	for _, mc := range c.meterCounters {
		ch <- prometheus.MustNewConstMetric(mc.desc, prometheus.CounterValue, mc.value(m))
	}
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(m.ActiveSessions))

	for _, s := range c.meter.Sessions() {
		peer := s.Peer.String()
		ch <- prometheus.MustNewConstMetric(c.sessionBytes, prometheus.GaugeValue, float64(s.Bytes), peer, s.Role.String())
		if s.Role == tp.RoleSender {
			ch <- prometheus.MustNewConstMetric(c.sessionCwnd, prometheus.GaugeValue, float64(s.Cwnd), peer)
			ch <- prometheus.MustNewConstMetric(c.sessionSRTT, prometheus.GaugeValue, s.SRTT.Seconds(), peer)
		}
	}

	if c.link != nil {
		lm := c.link.Metrics()
		for _, lc := range c.linkCounters {
			ch <- prometheus.MustNewConstMetric(lc.desc, prometheus.CounterValue, lc.value(lm))
		}
	}

	if c.dispatcher != nil {
		dm := c.dispatcher.Metrics()
		keys := make([]string, 0, len(dm))
		for k := range dm {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ch <- prometheus.MustNewConstMetric(c.dispatchEvents, prometheus.CounterValue, float64(dm[k]), k)
		}
	}
}

// NewRegistry returns a registry with c and the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
