package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetSetting("frame_quality", "80"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	value, err := store.GetSetting("frame_quality")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "80" {
		t.Errorf("got %q, want %q", value, "80")
	}
}

func TestSetSettingUpserts(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetSetting("theme", "light"); err != nil {
		t.Fatalf("first SetSetting failed: %v", err)
	}
	if err := store.SetSetting("theme", "dark"); err != nil {
		t.Fatalf("second SetSetting failed: %v", err)
	}
	value, err := store.GetSetting("theme")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "dark" {
		t.Errorf("got %q, want the updated value", value)
	}
}

func TestGetSettingMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetSetting("absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSetSettingRequiresKey(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetSetting("  ", "value"); err == nil {
		t.Fatal("blank key was accepted")
	}
}

func TestLogAndListSecurityEvents(t *testing.T) {
	store := newTestStore(t)

	// Timestamps stay inside the retention window; pruning applies to
	// caller-supplied timestamps too.
	base := time.Now().UnixMilli()
	events := []SecurityEvent{
		{EventType: "handshake_denied", PeerAddress: "10.0.0.5:4242", Severity: SeverityWarning, Timestamp: base - 300},
		{EventType: "protocol_error", PeerAddress: "10.0.0.6:4242", Severity: SeverityError, Timestamp: base - 200},
		{EventType: "session_error", Details: "pong timeout", Timestamp: base - 100},
	}
	for _, event := range events {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("LogSecurityEvent(%s) failed: %v", event.EventType, err)
		}
	}

	listed, err := store.ListSecurityEvents(10)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("got %d events, want 3", len(listed))
	}
	if listed[0].EventType != "session_error" {
		t.Errorf("first event = %s, want the newest", listed[0].EventType)
	}
	if listed[0].Severity != SeverityInfo {
		t.Errorf("severity = %q, empty severity was not defaulted to info", listed[0].Severity)
	}
	if listed[2].PeerAddress != "10.0.0.5:4242" {
		t.Errorf("oldest event peer = %q, want 10.0.0.5:4242", listed[2].PeerAddress)
	}
}

func TestListSecurityEventsLimit(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		err := store.LogSecurityEvent(SecurityEvent{EventType: "e", Timestamp: base - int64(5-i)})
		if err != nil {
			t.Fatalf("LogSecurityEvent failed: %v", err)
		}
	}

	listed, err := store.ListSecurityEvents(2)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("got %d events, want 2", len(listed))
	}
}

func TestLogSecurityEventValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogSecurityEvent(SecurityEvent{}); err == nil {
		t.Error("event without type was accepted")
	}
	err := store.LogSecurityEvent(SecurityEvent{EventType: "x", Severity: "critical"})
	if err == nil {
		t.Error("unknown severity was accepted")
	}
}

func TestSecurityEventRetentionPrunes(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(time.Hour)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "old", Timestamp: old}); err != nil {
		t.Fatalf("log old event: %v", err)
	}
	// The next insert prunes anything past the retention horizon.
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "fresh"}); err != nil {
		t.Fatalf("log fresh event: %v", err)
	}

	listed, err := store.ListSecurityEvents(10)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("got %d events, want the expired one pruned", len(listed))
	}
	if listed[0].EventType != "fresh" {
		t.Errorf("surviving event = %s, want fresh", listed[0].EventType)
	}
}
