// Package input replays relayed mouse and keyboard events on the local
// machine. It implements network.InputSink on top of robotgo.
package input

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"screenlink/network"
)

// Sink injects synthetic input events into the local desktop session.
type Sink struct{}

// New returns a ready input sink.
func New() *Sink {
	return &Sink{}
}

// Apply replays one event. Unsupported actions or keycodes fail with an
// error; the session layer logs and drops those without tearing down.
func (s *Sink) Apply(event network.Event) error {
	switch ev := event.(type) {
	case network.MouseEvent:
		return s.applyMouse(ev)
	case network.KeyEvent:
		return s.applyKey(ev)
	default:
		return fmt.Errorf("input: unsupported event %T", event)
	}
}

func (s *Sink) applyMouse(event network.MouseEvent) error {
	switch event.Action {
	case network.ActionMove:
		robotgo.Move(int(event.X), int(event.Y))
		return nil
	case network.ActionDown:
		robotgo.Move(int(event.X), int(event.Y))
		robotgo.Toggle(buttonName(event.Buttons), "down")
		return nil
	case network.ActionUp:
		robotgo.Toggle(buttonName(event.Buttons), "up")
		return nil
	case network.ActionScroll:
		robotgo.Scroll(int(event.X), int(event.Y))
		return nil
	default:
		return fmt.Errorf("input: unsupported mouse action %s", event.Action)
	}
}

func (s *Sink) applyKey(event network.KeyEvent) error {
	name, ok := keyName(event.Keycode)
	if !ok {
		return fmt.Errorf("input: unsupported keycode %d", event.Keycode)
	}

	switch event.Action {
	case network.ActionDown:
		return robotgo.KeyToggle(name, "down")
	case network.ActionUp:
		return robotgo.KeyToggle(name, "up")
	default:
		return fmt.Errorf("input: unsupported key action %s", event.Action)
	}
}

func buttonName(buttons network.ButtonMask) string {
	switch {
	case buttons&network.ButtonLeft != 0:
		return "left"
	case buttons&network.ButtonRight != 0:
		return "right"
	case buttons&network.ButtonMiddle != 0:
		return "center"
	default:
		return "left"
	}
}

// specialKeys maps the non-printable portion of the wire keycode space
// (JavaScript KeyboardEvent.keyCode values, matching what control-surface
// clients send) to robotgo key names.
var specialKeys = map[uint32]string{
	8:   "backspace",
	9:   "tab",
	13:  "enter",
	16:  "shift",
	17:  "ctrl",
	18:  "alt",
	20:  "capslock",
	27:  "esc",
	32:  "space",
	33:  "pageup",
	34:  "pagedown",
	35:  "end",
	36:  "home",
	37:  "left",
	38:  "up",
	39:  "right",
	40:  "down",
	45:  "insert",
	46:  "delete",
	91:  "cmd",
	112: "f1",
	113: "f2",
	114: "f3",
	115: "f4",
	116: "f5",
	117: "f6",
	118: "f7",
	119: "f8",
	120: "f9",
	121: "f10",
	122: "f11",
	123: "f12",
}

func keyName(keycode uint32) (string, bool) {
	if name, ok := specialKeys[keycode]; ok {
		return name, true
	}
	// Digits and letters map straight to their lowercase character.
	switch {
	case keycode >= '0' && keycode <= '9':
		return string(rune(keycode)), true
	case keycode >= 'A' && keycode <= 'Z':
		return string(rune(keycode + 32)), true
	}
	return "", false
}
