package network

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrHandshakeRejected indicates the host answered HELLO_ACK{accepted=false},
// either because the presented host ID did not match or the host is not
// accepting viewers.
var ErrHandshakeRejected = errors.New("network: handshake rejected by host")

// Dial connects to a hosting peer, runs the initiator side of the
// HELLO/HELLO_ACK exchange, and returns an Active session. The session is
// Handshaking from the instant the transport connects; a rejected or failed
// handshake closes it without it ever reaching Active.
func Dial(address, hostID string, handshakeTimeout time.Duration, sessionOptions SessionOptions) (*Session, error) {
	if hostID == "" {
		return nil, errors.New("network: host ID is required")
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}

	conn, err := net.DialTimeout("tcp", address, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	session := newSession(conn, sessionOptions)

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		session.closeWithError(nil)
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	if err := WriteMessage(conn, TypeHello, EncodeHello(hostID)); err != nil {
		session.closeWithError(nil)
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	msg, err := ReadMessage(conn)
	if err != nil {
		session.closeWithError(nil)
		return nil, fmt.Errorf("read HELLO_ACK: %w", err)
	}
	if msg.Type != TypeHelloAck {
		session.closeWithError(nil)
		return nil, fmt.Errorf("%w: expected HELLO_ACK, got %s", ErrProtocol, msg.Type)
	}

	accepted, err := DecodeHelloAck(msg.Payload)
	if err != nil {
		session.closeWithError(nil)
		return nil, err
	}
	if !accepted {
		session.closeWithError(nil)
		return nil, ErrHandshakeRejected
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		session.closeWithError(nil)
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	session.activate()
	return session, nil
}
