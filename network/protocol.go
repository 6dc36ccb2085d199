package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFramePayload is the maximum accepted frame payload size (8 MB).
	MaxFramePayload = 8 * 1024 * 1024
	// DefaultHandshakeTimeout bounds TCP dial plus HELLO/HELLO_ACK exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 20 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// MessageType tags one wire frame.
type MessageType byte

const (
	TypeHello       MessageType = 0x01
	TypeHelloAck    MessageType = 0x02
	TypeScreenFrame MessageType = 0x03
	TypeMouseEvent  MessageType = 0x04
	TypeKeyEvent    MessageType = 0x05
	TypeDisconnect  MessageType = 0x06
	TypePing        MessageType = 0x07
	TypePong        MessageType = 0x08
)

var (
	// ErrPayloadTooLarge indicates an outbound payload exceeds MaxFramePayload.
	ErrPayloadTooLarge = errors.New("network: payload exceeds max frame size")
	// ErrProtocol indicates a malformed or truncated inbound frame.
	ErrProtocol = errors.New("network: protocol error")
)

// String returns the wire name of a message type.
func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeScreenFrame:
		return "SCREEN_FRAME"
	case TypeMouseEvent:
		return "MOUSE_EVENT"
	case TypeKeyEvent:
		return "KEY_EVENT"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

func knownMessageType(t MessageType) bool {
	return t >= TypeHello && t <= TypePong
}

// Message is one decoded wire frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage writes one frame: 4-byte big-endian length, 1-byte type tag,
// payload. The length field counts the tag byte plus the payload.
func WriteMessage(w io.Writer, msgType MessageType, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return ErrPayloadTooLarge
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)+1))
	header[4] = byte(msgType)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadMessage blocks until one full frame is available and returns it.
//
// A clean stream end between frames returns io.EOF. A stream that ends in
// the middle of a frame, an oversized length field, or an unknown type tag
// all return an error wrapping ErrProtocol.
func ReadMessage(r io.Reader) (Message, error) {
	lengthField := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthField); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated frame header", ErrProtocol)
		}
		return Message{}, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthField)
	if length == 0 {
		return Message{}, fmt.Errorf("%w: zero-length frame", ErrProtocol)
	}
	if length > MaxFramePayload+1 {
		return Message{}, fmt.Errorf("%w: frame length %d exceeds maximum", ErrProtocol, length)
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated frame body", ErrProtocol)
		}
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}

	msgType := MessageType(body[0])
	if !knownMessageType(msgType) {
		return Message{}, fmt.Errorf("%w: unknown message type 0x%02x", ErrProtocol, body[0])
	}

	return Message{Type: msgType, Payload: body[1:]}, nil
}

// ReadMessageWithTimeout reads a frame with an optional read deadline.
func ReadMessageWithTimeout(conn net.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadMessage(conn)
}

const (
	mouseEventSize = 10
	keyEventSize   = 5
	helloAckSize   = 1
)

// EncodeHello builds a HELLO payload carrying the UTF-8 host ID.
func EncodeHello(hostID string) []byte {
	return []byte(hostID)
}

// DecodeHello extracts the host ID from a HELLO payload.
func DecodeHello(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty HELLO payload", ErrProtocol)
	}
	return string(payload), nil
}

// EncodeHelloAck builds a HELLO_ACK payload.
func EncodeHelloAck(accepted bool) []byte {
	if accepted {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeHelloAck extracts the accepted flag from a HELLO_ACK payload.
func DecodeHelloAck(payload []byte) (bool, error) {
	if len(payload) != helloAckSize {
		return false, fmt.Errorf("%w: HELLO_ACK payload must be %d byte, got %d", ErrProtocol, helloAckSize, len(payload))
	}
	return payload[0] == 1, nil
}

// EncodeMouseEvent packs a mouse event into its fixed wire layout:
// int32 x, int32 y, uint8 button mask, uint8 action, all big-endian.
func EncodeMouseEvent(event MouseEvent) []byte {
	payload := make([]byte, mouseEventSize)
	binary.BigEndian.PutUint32(payload[0:4], uint32(event.X))
	binary.BigEndian.PutUint32(payload[4:8], uint32(event.Y))
	payload[8] = byte(event.Buttons)
	payload[9] = byte(event.Action)
	return payload
}

// DecodeMouseEvent unpacks a MOUSE_EVENT payload.
func DecodeMouseEvent(payload []byte) (MouseEvent, error) {
	if len(payload) != mouseEventSize {
		return MouseEvent{}, fmt.Errorf("%w: MOUSE_EVENT payload must be %d bytes, got %d", ErrProtocol, mouseEventSize, len(payload))
	}
	event := MouseEvent{
		X:       int32(binary.BigEndian.Uint32(payload[0:4])),
		Y:       int32(binary.BigEndian.Uint32(payload[4:8])),
		Buttons: ButtonMask(payload[8]),
		Action:  Action(payload[9]),
	}
	if !event.Action.valid() {
		return MouseEvent{}, fmt.Errorf("%w: invalid mouse action 0x%02x", ErrProtocol, payload[9])
	}
	return event, nil
}

// EncodeKeyEvent packs a key event: uint32 keycode, uint8 action.
func EncodeKeyEvent(event KeyEvent) []byte {
	payload := make([]byte, keyEventSize)
	binary.BigEndian.PutUint32(payload[0:4], event.Keycode)
	payload[4] = byte(event.Action)
	return payload
}

// DecodeKeyEvent unpacks a KEY_EVENT payload.
func DecodeKeyEvent(payload []byte) (KeyEvent, error) {
	if len(payload) != keyEventSize {
		return KeyEvent{}, fmt.Errorf("%w: KEY_EVENT payload must be %d bytes, got %d", ErrProtocol, keyEventSize, len(payload))
	}
	event := KeyEvent{
		Keycode: binary.BigEndian.Uint32(payload[0:4]),
		Action:  Action(payload[4]),
	}
	if event.Action != ActionDown && event.Action != ActionUp {
		return KeyEvent{}, fmt.Errorf("%w: invalid key action 0x%02x", ErrProtocol, payload[4])
	}
	return event, nil
}
