// Package metrics exposes connection-manager counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"screenlink/network"
)

// Collector bridges the manager's counters into Prometheus metrics. The
// manager stays free of any Prometheus dependency; the collector pulls a
// snapshot on every scrape.
type Collector struct {
	Snapshot       func() network.StatsSnapshot
	ActiveSessions func() int
	Mode           func() network.Mode

	sessionsActive   *prometheus.Desc
	sessionsAccepted *prometheus.Desc
	sessionsClosed   *prometheus.Desc
	framesPushed     *prometheus.Desc
	framesSkipped    *prometheus.Desc
	framesReceived   *prometheus.Desc
	eventsSent       *prometheus.Desc
	eventsApplied    *prometheus.Desc
	sinkFailures     *prometheus.Desc
	captureFailures  *prometheus.Desc
	protocolErrors   *prometheus.Desc
	handshakesDenied *prometheus.Desc
	hosting          *prometheus.Desc
	connected        *prometheus.Desc
}

// NewCollector creates a collector over the given providers.
func NewCollector(snapshot func() network.StatsSnapshot, activeSessions func() int, mode func() network.Mode) *Collector {
	return &Collector{
		Snapshot:       snapshot,
		ActiveSessions: activeSessions,
		Mode:           mode,

		sessionsActive: prometheus.NewDesc(
			"screenlink_sessions_active", "Currently tracked peer sessions.", nil, nil),
		sessionsAccepted: prometheus.NewDesc(
			"screenlink_sessions_accepted_total", "Sessions whose handshake completed.", nil, nil),
		sessionsClosed: prometheus.NewDesc(
			"screenlink_sessions_closed_total", "Sessions that reached Closed.", nil, nil),
		framesPushed: prometheus.NewDesc(
			"screenlink_frames_pushed_total", "Screen frames written to peers.", nil, nil),
		framesSkipped: prometheus.NewDesc(
			"screenlink_frames_skipped_total", "Screen frames dropped by latest-wins throttling.", nil, nil),
		framesReceived: prometheus.NewDesc(
			"screenlink_frames_received_total", "Screen frames received from peers.", nil, nil),
		eventsSent: prometheus.NewDesc(
			"screenlink_input_events_sent_total", "Input events written to peers.", nil, nil),
		eventsApplied: prometheus.NewDesc(
			"screenlink_input_events_applied_total", "Peer input events replayed locally.", nil, nil),
		sinkFailures: prometheus.NewDesc(
			"screenlink_input_sink_failures_total", "Input events dropped by sink failures.", nil, nil),
		captureFailures: prometheus.NewDesc(
			"screenlink_capture_failures_total", "Screen capture failures.", nil, nil),
		protocolErrors: prometheus.NewDesc(
			"screenlink_protocol_errors_total", "Malformed frames that terminated a session.", nil, nil),
		handshakesDenied: prometheus.NewDesc(
			"screenlink_handshakes_denied_total", "Inbound handshakes rejected at admission.", nil, nil),
		hosting: prometheus.NewDesc(
			"screenlink_hosting", "1 while hosting, 0 otherwise.", nil, nil),
		connected: prometheus.NewDesc(
			"screenlink_connected", "1 while connected as client, 0 otherwise.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActive
	ch <- c.sessionsAccepted
	ch <- c.sessionsClosed
	ch <- c.framesPushed
	ch <- c.framesSkipped
	ch <- c.framesReceived
	ch <- c.eventsSent
	ch <- c.eventsApplied
	ch <- c.sinkFailures
	ch <- c.captureFailures
	ch <- c.protocolErrors
	ch <- c.handshakesDenied
	ch <- c.hosting
	ch <- c.connected
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.Snapshot()
	mode := c.Mode()

	ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue, float64(c.ActiveSessions()))
	ch <- prometheus.MustNewConstMetric(c.sessionsAccepted, prometheus.CounterValue, float64(snapshot.SessionsAccepted))
	ch <- prometheus.MustNewConstMetric(c.sessionsClosed, prometheus.CounterValue, float64(snapshot.SessionsClosed))
	ch <- prometheus.MustNewConstMetric(c.framesPushed, prometheus.CounterValue, float64(snapshot.FramesPushed))
	ch <- prometheus.MustNewConstMetric(c.framesSkipped, prometheus.CounterValue, float64(snapshot.FramesSkipped))
	ch <- prometheus.MustNewConstMetric(c.framesReceived, prometheus.CounterValue, float64(snapshot.FramesReceived))
	ch <- prometheus.MustNewConstMetric(c.eventsSent, prometheus.CounterValue, float64(snapshot.EventsSent))
	ch <- prometheus.MustNewConstMetric(c.eventsApplied, prometheus.CounterValue, float64(snapshot.EventsApplied))
	ch <- prometheus.MustNewConstMetric(c.sinkFailures, prometheus.CounterValue, float64(snapshot.SinkFailures))
	ch <- prometheus.MustNewConstMetric(c.captureFailures, prometheus.CounterValue, float64(snapshot.CaptureFailures))
	ch <- prometheus.MustNewConstMetric(c.protocolErrors, prometheus.CounterValue, float64(snapshot.ProtocolErrors))
	ch <- prometheus.MustNewConstMetric(c.handshakesDenied, prometheus.CounterValue, float64(snapshot.HandshakesDenied))

	hosting, connected := 0.0, 0.0
	switch mode {
	case network.ModeHosting:
		hosting = 1
	case network.ModeClient:
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.hosting, prometheus.GaugeValue, hosting)
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected)
}
