package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Server accepts inbound TCP connections while hosting and upgrades each
// one to an Active Session after the HELLO/HELLO_ACK admission exchange.
type Server struct {
	listener net.Listener
	hostID   string

	handshakeTimeout time.Duration
	sessionOptions   SessionOptions
	stats            *Stats

	incoming chan *Session
	errs     chan error

	// pending holds connections still inside the handshake; Close closes
	// them so a silent peer cannot hold teardown for the handshake timeout.
	pendingMu sync.Mutex
	pending   map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a TCP listener and starts the accept loop. Inbound peers
// must present the advertised host ID in their HELLO to be admitted.
func Listen(address, hostID string, handshakeTimeout time.Duration, sessionOptions SessionOptions) (*Server, error) {
	if hostID == "" {
		return nil, errors.New("network: host ID is required")
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:         listener,
		hostID:           hostID,
		handshakeTimeout: handshakeTimeout,
		sessionOptions:   sessionOptions,
		stats:            sessionOptions.Stats,
		incoming:         make(chan *Session, 16),
		errs:             make(chan error, 16),
		pending:          make(map[net.Conn]struct{}),
		closed:           make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and handshaked sessions.
func (s *Server) Incoming() <-chan *Session {
	return s.incoming
}

// Errors returns asynchronous accept/handshake errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, aborts in-flight handshakes, and closes all
// server channels. Sessions already handed out stay open; the manager owns
// their teardown.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.pendingMu.Lock()
		for conn := range s.pending {
			_ = conn.Close()
		}
		s.pendingMu.Unlock()

		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) trackConn(conn net.Conn) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	select {
	case <-s.closed:
		_ = conn.Close()
	default:
	}
	s.pending[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, conn)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

// handleInboundConn runs the acceptor side of the handshake. The session
// starts in Handshaking and either reaches Active and is handed to the
// manager, or goes straight to Closed without ever entering the session map.
func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	s.trackConn(conn)
	defer s.untrackConn(conn)

	session := newSession(conn, s.sessionOptions)

	if err := conn.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		session.closeWithError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	msg, err := ReadMessage(conn)
	if err != nil {
		session.closeWithError(fmt.Errorf("read HELLO from %s: %w", conn.RemoteAddr(), err))
		s.reportError(session.LastError())
		return
	}
	if msg.Type != TypeHello {
		session.closeWithError(fmt.Errorf("%w: expected HELLO, got %s", ErrProtocol, msg.Type))
		s.reportError(session.LastError())
		return
	}

	presentedID, err := DecodeHello(msg.Payload)
	if err != nil {
		session.closeWithError(err)
		s.reportError(err)
		return
	}

	if presentedID != s.hostID {
		// The only admission-control point: reject and close without Active.
		_ = WriteMessage(conn, TypeHelloAck, EncodeHelloAck(false))
		if s.stats != nil {
			s.stats.handshakesDenied.Add(1)
		}
		session.closeWithError(nil)
		s.reportError(fmt.Errorf("network: rejected peer %s: host ID mismatch", conn.RemoteAddr()))
		return
	}

	if err := WriteMessage(conn, TypeHelloAck, EncodeHelloAck(true)); err != nil {
		session.closeWithError(fmt.Errorf("write HELLO_ACK to %s: %w", conn.RemoteAddr(), err))
		s.reportError(session.LastError())
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		session.closeWithError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	session.activate()
	// The manager owns the session from here; Close must not touch its conn.
	s.untrackConn(conn)

	select {
	case s.incoming <- session:
	case <-s.closed:
		session.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
