package network

// Action describes what an input event does.
type Action uint8

const (
	ActionMove Action = iota
	ActionDown
	ActionUp
	ActionScroll
)

func (a Action) valid() bool {
	return a <= ActionScroll
}

// String returns a stable lowercase name used in logs and the control surface.
func (a Action) String() string {
	switch a {
	case ActionMove:
		return "move"
	case ActionDown:
		return "down"
	case ActionUp:
		return "up"
	case ActionScroll:
		return "scroll"
	default:
		return "invalid"
	}
}

// ButtonMask is a bitmask of mouse buttons involved in an event.
type ButtonMask uint8

const (
	ButtonLeft   ButtonMask = 1 << 0
	ButtonRight  ButtonMask = 1 << 1
	ButtonMiddle ButtonMask = 1 << 2
)

// MouseEvent is a pointer event relayed between peers.
type MouseEvent struct {
	X       int32
	Y       int32
	Buttons ButtonMask
	Action  Action
}

// KeyEvent is a keyboard event relayed between peers.
type KeyEvent struct {
	Keycode uint32
	Action  Action
}

// Event is the closed set of values a session's outbound queue can carry.
// MouseEvent and KeyEvent are the wire-visible input events; the network
// package adds internal markers.
type Event interface {
	isEvent()
}

func (MouseEvent) isEvent() {}
func (KeyEvent) isEvent()   {}

// ScreenSource captures the local display as a JPEG at the given quality.
// Callers clamp quality into 1..100 before invoking Capture; the source
// never sees an out-of-range value. Capture may block for the platform's
// capture latency and is always called off a session's read loop.
type ScreenSource interface {
	Capture(quality int) ([]byte, error)
}

// InputSink replays one input event on the local machine. A sink failure
// is reported and the event dropped; it never tears down the session.
type InputSink interface {
	Apply(event Event) error
}

// ScreenSourceFunc adapts a function to the ScreenSource interface.
type ScreenSourceFunc func(quality int) ([]byte, error)

// Capture implements ScreenSource.
func (f ScreenSourceFunc) Capture(quality int) ([]byte, error) { return f(quality) }

// InputSinkFunc adapts a function to the InputSink interface.
type InputSinkFunc func(event Event) error

// Apply implements InputSink.
func (f InputSinkFunc) Apply(event Event) error { return f(event) }

// ClampQuality bounds a JPEG quality value into the 1..100 contract.
func ClampQuality(quality int) int {
	if quality < 1 {
		return 1
	}
	if quality > 100 {
		return 100
	}
	return quality
}
