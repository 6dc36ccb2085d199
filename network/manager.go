package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyActive indicates the manager is already hosting or connected.
	ErrAlreadyActive = errors.New("network: already hosting or connected")
	// ErrNotConnected indicates no active session exists for the operation.
	ErrNotConnected = errors.New("network: not connected")
)

// Mode is the manager's exclusive top-level state.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeHosting Mode = "hosting"
	ModeClient  Mode = "client"
)

const (
	defaultFrameInterval = 100 * time.Millisecond
	defaultFrameQuality  = 75
)

// ManagerOptions configures a connection manager.
type ManagerOptions struct {
	// Source captures the local screen; required.
	Source ScreenSource
	// Sink replays peer input locally; required.
	Sink InputSink

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// FrameInterval paces the hosting-side screen push loop.
	FrameInterval time.Duration
	// FrameQuality is the JPEG quality of pushed frames, clamped to 1..100.
	FrameQuality int
}

// HostConfig parameterizes one hosting period.
type HostConfig struct {
	ListenAddress string
	// HostID is the identity viewers must present. Empty generates a fresh
	// one, so each hosting period advertises a new identity by default.
	HostID string
}

// SessionInfo is a point-in-time view of one session for listings.
type SessionInfo struct {
	Address     string       `json:"address"`
	ConnectedAt time.Time    `json:"connected_at"`
	State       SessionState `json:"state"`
}

// Status is a consistent snapshot of the manager's public state.
type Status struct {
	Mode          Mode          `json:"mode"`
	HostID        string        `json:"host_id,omitempty"`
	RemoteAddress string        `json:"remote_address,omitempty"`
	ListenAddress string        `json:"listen_address,omitempty"`
	Sessions      []SessionInfo `json:"sessions"`
}

// Manager owns host-mode listening and client-mode connecting: it tracks
// every session's lifecycle, runs the hosting-side frame push loop, and
// exposes the query/command operations the control surface calls. All
// operations are safe to call while network I/O proceeds on other sessions.
type Manager struct {
	options ManagerOptions
	stats   Stats

	mu         sync.Mutex
	mode       Mode
	hostID     string
	remoteAddr string
	listenAddr string
	sessions   map[string]*Session
	server     *Server
	pushStop   chan struct{}
	busy       bool

	wg   sync.WaitGroup
	errs chan error
}

// NewManager validates the injected capabilities and returns an idle manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Source == nil {
		return nil, errors.New("network: screen source is required")
	}
	if options.Sink == nil {
		return nil, errors.New("network: input sink is required")
	}
	if options.FrameInterval <= 0 {
		options.FrameInterval = defaultFrameInterval
	}
	if options.FrameQuality == 0 {
		options.FrameQuality = defaultFrameQuality
	}
	options.FrameQuality = ClampQuality(options.FrameQuality)

	return &Manager{
		options:  options,
		mode:     ModeIdle,
		sessions: make(map[string]*Session),
		errs:     make(chan error, 64),
	}, nil
}

// StartHosting binds the listen address and begins accepting viewers.
// The mode changes to Hosting only after the bind fully succeeds.
func (m *Manager) StartHosting(cfg HostConfig) error {
	m.mu.Lock()
	if m.mode != ModeIdle || m.busy {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.busy = true
	m.mu.Unlock()
	defer m.clearBusy()

	hostID := cfg.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}

	server, err := Listen(cfg.ListenAddress, hostID, m.options.HandshakeTimeout, m.sessionOptions())
	if err != nil {
		return fmt.Errorf("start hosting: %w", err)
	}

	stop := make(chan struct{})

	m.mu.Lock()
	m.mode = ModeHosting
	m.hostID = hostID
	m.listenAddr = server.Addr().String()
	m.server = server
	m.pushStop = stop
	m.mu.Unlock()

	m.wg.Add(2)
	go m.serverLoop(server)
	go m.pushLoop(stop)
	return nil
}

// StopHosting closes every session and returns to Idle. Calling it while
// not hosting is a no-op, not an error.
func (m *Manager) StopHosting() {
	m.mu.Lock()
	if m.mode != ModeHosting {
		m.mu.Unlock()
		return
	}
	server := m.server
	stop := m.pushStop
	sessions := m.takeSessionsLocked()
	m.server = nil
	m.pushStop = nil
	m.mode = ModeIdle
	m.hostID = ""
	m.listenAddr = ""
	m.mu.Unlock()

	close(stop)
	_ = server.Close()
	for _, session := range sessions {
		session.CloseGraceful()
	}
}

// Connect dials a host and waits for the handshake outcome. The mode
// changes to Client only after the handshake is accepted.
func (m *Manager) Connect(address, hostID string) error {
	m.mu.Lock()
	if m.mode != ModeIdle || m.busy {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.busy = true
	m.mu.Unlock()
	defer m.clearBusy()

	session, err := Dial(address, hostID, m.options.HandshakeTimeout, m.sessionOptions())
	if err != nil {
		if errors.Is(err, ErrHandshakeRejected) {
			return err
		}
		return fmt.Errorf("connect to %q: %w", address, err)
	}

	m.mu.Lock()
	m.mode = ModeClient
	m.remoteAddr = address
	m.sessions[session.Addr()] = session
	m.mu.Unlock()

	// The session may have died between activate and the insert above, in
	// which case its onClose already ran against an empty map. Re-run the
	// removal so a Closed record never lingers.
	if session.State() == StateClosed {
		m.removeSession(session)
	}
	return nil
}

// Disconnect closes the client session and returns to Idle. Calling it
// while not connected is a no-op, not an error.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.mode != ModeClient {
		m.mu.Unlock()
		return
	}
	sessions := m.takeSessionsLocked()
	m.mode = ModeIdle
	m.remoteAddr = ""
	m.mu.Unlock()

	for _, session := range sessions {
		session.CloseGraceful()
	}
}

// IsHosting reports whether the manager is accepting viewers.
func (m *Manager) IsHosting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModeHosting
}

// IsConnected reports whether a client session is established.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModeClient
}

// HostID returns the identity advertised for the current hosting period.
func (m *Manager) HostID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostID
}

// RemoteAddress returns the connected host's address in client mode.
func (m *Manager) RemoteAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteAddr
}

// Mode returns the manager's current top-level state.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Snapshot returns the manager state plus a per-session listing.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Mode:          m.mode,
		HostID:        m.hostID,
		RemoteAddress: m.remoteAddr,
		ListenAddress: m.listenAddr,
		Sessions:      make([]SessionInfo, 0, len(m.sessions)),
	}
	for _, session := range m.sessions {
		status.Sessions = append(status.Sessions, SessionInfo{
			Address:     session.Addr(),
			ConnectedAt: session.ConnectedAt(),
			State:       session.State(),
		})
	}
	return status
}

// GetRemoteScreen returns screen bytes for the control surface: a fresh
// local capture while hosting, or the latest cached frame from the host
// while connected as client. Quality is clamped into 1..100 before the
// screen source ever observes it.
func (m *Manager) GetRemoteScreen(quality int) ([]byte, error) {
	quality = ClampQuality(quality)

	m.mu.Lock()
	mode := m.mode
	var session *Session
	for _, s := range m.sessions {
		session = s
		break
	}
	m.mu.Unlock()

	switch mode {
	case ModeHosting:
		frame, err := m.options.Source.Capture(quality)
		if err != nil {
			m.stats.captureFailures.Add(1)
			return nil, fmt.Errorf("capture screen: %w", err)
		}
		if len(frame) > MaxFramePayload {
			return nil, ErrPayloadTooLarge
		}
		return frame, nil
	case ModeClient:
		if session == nil {
			return nil, nil
		}
		frame, _ := session.LatestFrame()
		return frame, nil
	default:
		return nil, ErrNotConnected
	}
}

// SendMouseEvent relays a mouse event to the connected host, or broadcasts
// it to every active viewer while hosting.
func (m *Manager) SendMouseEvent(event MouseEvent) error {
	return m.broadcastEvent(event)
}

// SendKeyEvent relays a keyboard event like SendMouseEvent.
func (m *Manager) SendKeyEvent(event KeyEvent) error {
	return m.broadcastEvent(event)
}

func (m *Manager) broadcastEvent(event Event) error {
	m.mu.Lock()
	if m.mode == ModeIdle {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		if session.State() != StateActive {
			continue
		}
		if err := session.EnqueueEvent(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Errors returns asynchronous manager, server, and session errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Stats returns a snapshot of the lifetime counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}

// ActiveSessions returns the number of tracked sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears the manager down completely and waits for its workers.
func (m *Manager) Close() {
	m.StopHosting()
	m.Disconnect()
	m.wg.Wait()
}

func (m *Manager) serverLoop(server *Server) {
	defer m.wg.Done()
	for {
		select {
		case session, ok := <-server.Incoming():
			if !ok {
				return
			}
			m.adoptHosted(session)
		case err, ok := <-server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		}
	}
}

func (m *Manager) adoptHosted(session *Session) {
	m.mu.Lock()
	if m.mode != ModeHosting {
		m.mu.Unlock()
		session.CloseGraceful()
		return
	}
	m.sessions[session.Addr()] = session
	m.mu.Unlock()

	// A session that closed before adoption already fired onClose against
	// an empty map; drop it again so the record does not outlive Closed.
	if session.State() == StateClosed {
		m.removeSession(session)
	}
}

// pushLoop drives hosting-side screen distribution: capture once per tick
// when at least one viewer is active, then offer the frame to every session
// (latest-wins per session, so slow links drop frames instead of queueing).
func (m *Manager) pushLoop(stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		sessions := m.activeSessions()
		if len(sessions) == 0 {
			continue
		}

		frame, err := m.options.Source.Capture(m.options.FrameQuality)
		if err != nil {
			m.stats.captureFailures.Add(1)
			m.reportError(fmt.Errorf("capture screen for push: %w", err))
			continue
		}
		for _, session := range sessions {
			session.OfferFrame(frame)
		}
	}
}

func (m *Manager) activeSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.State() == StateActive {
			out = append(out, session)
		}
	}
	return out
}

// removeSession runs when a session reaches Closed. A client-mode session
// ending for any reason returns the manager to Idle.
func (m *Manager) removeSession(session *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[session.Addr()]; ok && current == session {
		delete(m.sessions, session.Addr())
	}
	if m.mode == ModeClient && len(m.sessions) == 0 {
		m.mode = ModeIdle
		m.remoteAddr = ""
	}
	m.mu.Unlock()
}

func (m *Manager) sessionOptions() SessionOptions {
	return SessionOptions{
		Sink:              m.options.Sink,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
		Stats:             &m.stats,
		Report:            m.reportError,
		OnClose:           m.removeSession,
	}
}

func (m *Manager) takeSessionsLocked() []*Session {
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	return sessions
}

func (m *Manager) clearBusy() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}
