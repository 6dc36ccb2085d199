package input

import (
	"testing"

	"screenlink/network"
)

func TestKeyNameMapping(t *testing.T) {
	cases := []struct {
		keycode uint32
		want    string
	}{
		{13, "enter"},
		{27, "esc"},
		{32, "space"},
		{65, "a"},
		{90, "z"},
		{48, "0"},
		{57, "9"},
		{112, "f1"},
		{123, "f12"},
	}
	for _, tc := range cases {
		got, ok := keyName(tc.keycode)
		if !ok {
			t.Errorf("keyName(%d) unsupported, want %q", tc.keycode, tc.want)
			continue
		}
		if got != tc.want {
			t.Errorf("keyName(%d) = %q, want %q", tc.keycode, got, tc.want)
		}
	}
}

func TestKeyNameUnknownKeycode(t *testing.T) {
	if _, ok := keyName(250); ok {
		t.Error("keycode 250 was mapped, want unsupported")
	}
}

func TestButtonName(t *testing.T) {
	cases := []struct {
		buttons network.ButtonMask
		want    string
	}{
		{network.ButtonLeft, "left"},
		{network.ButtonRight, "right"},
		{network.ButtonMiddle, "center"},
		{network.ButtonLeft | network.ButtonRight, "left"},
		{0, "left"},
	}
	for _, tc := range cases {
		if got := buttonName(tc.buttons); got != tc.want {
			t.Errorf("buttonName(%b) = %q, want %q", tc.buttons, got, tc.want)
		}
	}
}

func TestApplyRejectsUnknownKeycode(t *testing.T) {
	sink := New()
	err := sink.Apply(network.KeyEvent{Keycode: 250, Action: network.ActionDown})
	if err == nil {
		t.Fatal("unknown keycode was accepted")
	}
}
