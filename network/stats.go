package network

import "sync/atomic"

// Stats aggregates lifetime counters for the metrics collector. All fields
// are updated with atomics; a zero value is ready to use.
type Stats struct {
	sessionsAccepted atomic.Uint64
	sessionsClosed   atomic.Uint64
	framesPushed     atomic.Uint64
	framesSkipped    atomic.Uint64
	framesReceived   atomic.Uint64
	eventsSent       atomic.Uint64
	eventsApplied    atomic.Uint64
	sinkFailures     atomic.Uint64
	captureFailures  atomic.Uint64
	protocolErrors   atomic.Uint64
	handshakesDenied atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	SessionsAccepted uint64
	SessionsClosed   uint64
	FramesPushed     uint64
	FramesSkipped    uint64
	FramesReceived   uint64
	EventsSent       uint64
	EventsApplied    uint64
	SinkFailures     uint64
	CaptureFailures  uint64
	ProtocolErrors   uint64
	HandshakesDenied uint64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionsAccepted: s.sessionsAccepted.Load(),
		SessionsClosed:   s.sessionsClosed.Load(),
		FramesPushed:     s.framesPushed.Load(),
		FramesSkipped:    s.framesSkipped.Load(),
		FramesReceived:   s.framesReceived.Load(),
		EventsSent:       s.eventsSent.Load(),
		EventsApplied:    s.eventsApplied.Load(),
		SinkFailures:     s.sinkFailures.Load(),
		CaptureFailures:  s.captureFailures.Load(),
		ProtocolErrors:   s.protocolErrors.Load(),
		HandshakesDenied: s.handshakesDenied.Load(),
	}
}
