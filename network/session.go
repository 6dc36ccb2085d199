package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSessionClosed indicates the session is no longer active.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrEventQueueFull indicates the outbound event queue is saturated.
	ErrEventQueueFull = errors.New("network: outbound event queue full")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// SessionState represents the lifecycle state of one peer session.
type SessionState string

const (
	StateHandshaking SessionState = "HANDSHAKING"
	StateActive      SessionState = "ACTIVE"
	StateClosing     SessionState = "CLOSING"
	StateClosed      SessionState = "CLOSED"
)

const (
	defaultEventQueueSize = 512
	// closeFlushTimeout bounds the best-effort event flush before DISCONNECT.
	closeFlushTimeout = 500 * time.Millisecond
)

// disconnectRequest rides the outbound event queue so DISCONNECT is written
// only after every event queued before it.
type disconnectRequest struct{}

func (disconnectRequest) isEvent() {}

// meteredReader counts consumed bytes so the read loop can tell a timeout
// on an idle stream from one that struck mid-frame.
type meteredReader struct {
	conn net.Conn
	n    atomic.Uint64
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 {
		r.n.Add(uint64(n))
	}
	return n, err
}

func (r *meteredReader) count() uint64 { return r.n.Load() }

// SessionOptions controls runtime behavior of a Session.
type SessionOptions struct {
	Sink InputSink

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	EventQueueSize    int

	Stats   *Stats
	Report  func(error)
	OnClose func(*Session)
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.EventQueueSize <= 0 {
		out.EventQueueSize = defaultEventQueueSize
	}
	if out.Report == nil {
		out.Report = func(error) {}
	}
	return out
}

// Session manages one framed TCP connection end-to-end: an inbound loop
// decoding and dispatching peer messages, and an outbound loop draining
// the strict-FIFO event queue plus a one-slot latest-wins screen frame cell.
type Session struct {
	conn        net.Conn
	reader      *meteredReader
	addr        string
	connectedAt time.Time

	sink    InputSink
	stats   *Stats
	report  func(error)
	onClose func(*Session)

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	stateMu sync.RWMutex
	state   SessionState

	// sendMu serializes every frame write, including the PONG answered
	// directly from the inbound loop.
	sendMu sync.Mutex

	events chan Event

	frameMu      sync.Mutex
	pendingFrame []byte
	frameReady   chan struct{}

	cacheMu     sync.RWMutex
	cachedFrame []byte
	cachedAt    time.Time

	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	disconnectOnce sync.Once
	disconnectSent chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// newSession wraps a transport connection that has not completed its
// handshake yet. The caller runs the HELLO/HELLO_ACK exchange on the raw
// connection and then calls activate; until then no loops run.
func newSession(conn net.Conn, options SessionOptions) *Session {
	opts := options.withDefaults()

	s := &Session{
		conn:              conn,
		reader:            &meteredReader{conn: conn},
		addr:              conn.RemoteAddr().String(),
		sink:              opts.Sink,
		stats:             opts.Stats,
		report:            opts.Report,
		onClose:           opts.OnClose,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		frameReadTimeout:  opts.FrameReadTimeout,
		state:             StateHandshaking,
		events:            make(chan Event, opts.EventQueueSize),
		frameReady:        make(chan struct{}, 1),
		disconnectSent:    make(chan struct{}),
		closed:            make(chan struct{}),
	}
	s.touchActivity()
	return s
}

// activate marks the handshake complete and starts the session loops.
func (s *Session) activate() {
	s.stateMu.Lock()
	s.state = StateActive
	s.connectedAt = time.Now()
	s.stateMu.Unlock()

	if s.stats != nil {
		s.stats.sessionsAccepted.Add(1)
	}

	go s.readLoop()
	go s.writeLoop()
	go s.keepAliveLoop()
}

// Addr returns the peer's network endpoint.
func (s *Session) Addr() string {
	return s.addr
}

// ConnectedAt returns the handshake completion time.
func (s *Session) ConnectedAt() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.connectedAt
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// LastError returns the terminal session error, if any.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// EnqueueEvent appends an input event to the outbound FIFO queue. Event
// order is preserved exactly; a saturated queue fails fast instead of
// blocking the caller.
func (s *Session) EnqueueEvent(event Event) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	select {
	case s.events <- event:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrEventQueueFull
	}
}

// OfferFrame hands the outbound loop a freshly captured screen frame.
// At most one frame waits to be sent: offering while a previous frame is
// still pending replaces it, so a slow link sees stale frames dropped
// rather than queued.
func (s *Session) OfferFrame(frame []byte) {
	if s.State() != StateActive {
		return
	}

	s.frameMu.Lock()
	replaced := s.pendingFrame != nil
	s.pendingFrame = frame
	s.frameMu.Unlock()

	if replaced {
		if s.stats != nil {
			s.stats.framesSkipped.Add(1)
		}
		return
	}
	select {
	case s.frameReady <- struct{}{}:
	default:
	}
}

// LatestFrame returns the most recent SCREEN_FRAME received from the peer.
func (s *Session) LatestFrame() ([]byte, time.Time) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cachedFrame, s.cachedAt
}

// CloseGraceful flushes queued events best-effort, sends DISCONNECT, and
// closes the session. The disconnect marker rides the outbound queue so
// events enqueued before the close are still delivered in order.
func (s *Session) CloseGraceful() {
	s.disconnectOnce.Do(func() {
		if s.State() != StateActive {
			return
		}
		s.setState(StateClosing)

		select {
		case s.events <- disconnectRequest{}:
			select {
			case <-s.disconnectSent:
			case <-time.After(closeFlushTimeout):
			case <-s.closed:
			}
		default:
			// Queue saturated; skip the flush rather than block.
			_ = s.writeMessage(TypeDisconnect, nil)
		}
	})
	s.closeWithError(nil)
}

// Close terminates the session immediately.
func (s *Session) Close() {
	s.closeWithError(nil)
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		consumed := s.reader.count()
		if err := s.conn.SetReadDeadline(time.Now().Add(s.frameReadTimeout)); err != nil {
			s.closeWithError(fmt.Errorf("set read deadline: %w", err))
			return
		}
		msg, err := ReadMessage(s.reader)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.reader.count() == consumed {
					continue
				}
				// The deadline struck mid-frame; resuming the loop here
				// would pick up the stream at an arbitrary byte offset.
				s.failProtocol(fmt.Errorf("%w: read timed out mid-frame from %s", ErrProtocol, s.addr))
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}
			if errors.Is(err, ErrProtocol) && s.stats != nil {
				s.stats.protocolErrors.Add(1)
			}
			s.closeWithError(fmt.Errorf("read from %s: %w", s.addr, err))
			return
		}

		s.touchActivity()

		switch msg.Type {
		case TypePing:
			// Answered directly so a large in-flight screen frame in the
			// outbound queue cannot delay the liveness reply.
			if err := s.writeMessage(TypePong, nil); err != nil {
				return
			}
		case TypePong:
			s.ackPong()
		case TypeScreenFrame:
			s.cacheMu.Lock()
			s.cachedFrame = msg.Payload
			s.cachedAt = time.Now()
			s.cacheMu.Unlock()
			if s.stats != nil {
				s.stats.framesReceived.Add(1)
			}
		case TypeMouseEvent:
			event, err := DecodeMouseEvent(msg.Payload)
			if err != nil {
				s.failProtocol(err)
				return
			}
			s.applyEvent(event)
		case TypeKeyEvent:
			event, err := DecodeKeyEvent(msg.Payload)
			if err != nil {
				s.failProtocol(err)
				return
			}
			s.applyEvent(event)
		case TypeDisconnect:
			s.setState(StateClosing)
			s.closeWithError(nil)
			return
		default:
			// HELLO or HELLO_ACK after the handshake completed.
			s.failProtocol(fmt.Errorf("%w: unexpected %s after handshake", ErrProtocol, msg.Type))
			return
		}
	}
}

func (s *Session) applyEvent(event Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Apply(event); err != nil {
		if s.stats != nil {
			s.stats.sinkFailures.Add(1)
		}
		s.report(fmt.Errorf("apply input event from %s: %w", s.addr, err))
		return
	}
	if s.stats != nil {
		s.stats.eventsApplied.Add(1)
	}
}

func (s *Session) writeLoop() {
	for {
		// Drain queued events before considering a frame so input relay
		// is never head-of-line blocked behind screen data.
		select {
		case event := <-s.events:
			if err := s.writeEvent(event); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-s.closed:
			return
		case event := <-s.events:
			if err := s.writeEvent(event); err != nil {
				return
			}
		case <-s.frameReady:
			if err := s.sendPendingFrame(); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeEvent(event Event) error {
	var err error
	switch ev := event.(type) {
	case MouseEvent:
		err = s.writeMessage(TypeMouseEvent, EncodeMouseEvent(ev))
	case KeyEvent:
		err = s.writeMessage(TypeKeyEvent, EncodeKeyEvent(ev))
	case disconnectRequest:
		if err := s.writeMessage(TypeDisconnect, nil); err != nil {
			return err
		}
		close(s.disconnectSent)
		return nil
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.eventsSent.Add(1)
	}
	return nil
}

func (s *Session) sendPendingFrame() error {
	s.frameMu.Lock()
	frame := s.pendingFrame
	s.pendingFrame = nil
	s.frameMu.Unlock()

	if frame == nil {
		return nil
	}
	if err := s.writeMessage(TypeScreenFrame, frame); err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.framesPushed.Add(1)
	}
	return nil
}

func (s *Session) writeMessage(msgType MessageType, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := WriteMessage(s.conn, msgType, payload); err != nil {
		s.closeWithError(fmt.Errorf("write %s to %s: %w", msgType, s.addr, err))
		return err
	}
	s.touchActivity()
	return nil
}

func (s *Session) keepAliveLoop() {
	checkEvery := s.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.waitingPongExpired() {
				s.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idleFor < s.keepAliveInterval || s.isWaitingPong() {
				continue
			}

			if err := s.writeMessage(TypePing, nil); err != nil {
				return
			}
			s.setWaitingPong(time.Now().Add(s.keepAliveTimeout))
		case <-s.closed:
			return
		}
	}
}

func (s *Session) failProtocol(err error) {
	if s.stats != nil {
		s.stats.protocolErrors.Add(1)
	}
	s.closeWithError(err)
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setWaitingPong(deadline time.Time) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = true
	s.pongDeadline = deadline
}

func (s *Session) ackPong() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = false
	s.pongDeadline = time.Time{}
}

func (s *Session) isWaitingPong() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong
}

func (s *Session) waitingPongExpired() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong && time.Now().After(s.pongDeadline)
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.setState(StateClosing)
		_ = s.conn.Close()
		close(s.closed)

		s.stateMu.Lock()
		s.state = StateClosed
		s.stateMu.Unlock()

		if s.stats != nil && !s.ConnectedAt().IsZero() {
			s.stats.sessionsClosed.Add(1)
		}
		if err != nil {
			s.report(err)
		}
		if s.onClose != nil {
			go s.onClose(s)
		}
	})
}
