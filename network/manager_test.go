package network

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeScreen is a ScreenSource returning a fixed frame while recording the
// quality of every capture call.
type fakeScreen struct {
	mu        sync.Mutex
	frame     []byte
	qualities []int
	err       error
}

func (f *fakeScreen) Capture(quality int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qualities = append(f.qualities, quality)
	if f.err != nil {
		return nil, f.err
	}
	return f.frame, nil
}

func (f *fakeScreen) lastQuality() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.qualities) == 0 {
		return 0, false
	}
	return f.qualities[len(f.qualities)-1], true
}

// fakeSink records applied events.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Apply(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func newTestManager(t *testing.T, screen *fakeScreen, sink *fakeSink) *Manager {
	t.Helper()

	if screen == nil {
		screen = &fakeScreen{frame: []byte("test-frame")}
	}
	if sink == nil {
		sink = &fakeSink{}
	}
	manager, err := NewManager(ManagerOptions{
		Source:        screen,
		Sink:          sink,
		FrameInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

func startHost(t *testing.T, manager *Manager, hostID string) string {
	t.Helper()

	err := manager.StartHosting(HostConfig{ListenAddress: "127.0.0.1:0", HostID: hostID})
	if err != nil {
		t.Fatalf("StartHosting failed: %v", err)
	}
	return manager.Snapshot().ListenAddress
}

func TestManagerRequiresCapabilities(t *testing.T) {
	if _, err := NewManager(ManagerOptions{Sink: &fakeSink{}}); err == nil {
		t.Error("missing screen source was accepted")
	}
	if _, err := NewManager(ManagerOptions{Source: &fakeScreen{}}); err == nil {
		t.Error("missing input sink was accepted")
	}
}

func TestStartHostingWhileActive(t *testing.T) {
	manager := newTestManager(t, nil, nil)
	startHost(t, manager, "host-a")

	err := manager.StartHosting(HostConfig{ListenAddress: "127.0.0.1:0"})
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("got %v, want ErrAlreadyActive", err)
	}
	err = manager.Connect("127.0.0.1:1", "host-a")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("connect while hosting: got %v, want ErrAlreadyActive", err)
	}
}

func TestStartHostingGeneratesHostID(t *testing.T) {
	manager := newTestManager(t, nil, nil)
	startHost(t, manager, "")

	if manager.HostID() == "" {
		t.Fatal("no host ID was generated")
	}
}

func TestHostingFailedBindStaysIdle(t *testing.T) {
	manager := newTestManager(t, nil, nil)

	err := manager.StartHosting(HostConfig{ListenAddress: "256.0.0.1:0"})
	if err == nil {
		t.Fatal("bind to an invalid address succeeded")
	}
	if got := manager.Mode(); got != ModeIdle {
		t.Errorf("mode after failed bind = %s, want idle", got)
	}
}

func TestHostClientSessionExchange(t *testing.T) {
	hostScreen := &fakeScreen{frame: []byte("host-frame")}
	hostSink := &fakeSink{}
	host := newTestManager(t, hostScreen, hostSink)
	addr := startHost(t, host, "host-secret")

	client := newTestManager(t, nil, nil)
	if err := client.Connect(addr, "host-secret"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("client is not in connected mode")
	}
	if got := client.RemoteAddress(); got != addr {
		t.Errorf("remote address = %q, want the dialed address %q", got, addr)
	}
	waitFor(t, "host to adopt the session", func() bool {
		return host.ActiveSessions() == 1
	})

	// Viewer input reaches the host's sink.
	want := MouseEvent{X: 10, Y: 20, Buttons: ButtonLeft, Action: ActionDown}
	if err := client.SendMouseEvent(want); err != nil {
		t.Fatalf("SendMouseEvent failed: %v", err)
	}
	waitFor(t, "host sink to receive the event", func() bool {
		events := hostSink.snapshot()
		return len(events) == 1 && events[0] == want
	})

	if err := client.SendKeyEvent(KeyEvent{Keycode: 65, Action: ActionDown}); err != nil {
		t.Fatalf("SendKeyEvent failed: %v", err)
	}
	waitFor(t, "host sink to receive the key event", func() bool {
		return len(hostSink.snapshot()) == 2
	})

	// Host frames arrive at the client's cache via the push loop.
	waitFor(t, "client to receive a pushed frame", func() bool {
		frame, err := client.GetRemoteScreen(70)
		return err == nil && string(frame) == "host-frame"
	})

	client.Disconnect()
	if client.IsConnected() {
		t.Error("client still connected after Disconnect")
	}
	waitFor(t, "host to drop the closed session", func() bool {
		return host.ActiveSessions() == 0
	})
}

func TestStopHostingPromptWithStalledHandshake(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		Source:           &fakeScreen{frame: []byte("f")},
		Sink:             &fakeSink{},
		HandshakeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)
	addr := startHost(t, manager, "host-secret")

	// A peer that connects and then sends nothing sits inside the
	// handshake read until its deadline.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	manager.StopHosting()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("StopHosting took %v with a stalled handshake, want prompt return", elapsed)
	}
}

func TestAdoptedSessionClosedBeforeInsertIsDropped(t *testing.T) {
	manager := newTestManager(t, nil, nil)
	startHost(t, manager, "host-secret")

	local, remote := net.Pipe()
	defer remote.Close()
	session := newSession(local, manager.sessionOptions())
	session.activate()
	session.Close()
	<-session.Done()

	// The close above already ran the removal callback against an empty
	// map; adoption must not leave the dead record behind.
	manager.adoptHosted(session)

	waitFor(t, "closed session to leave the map", func() bool {
		return manager.ActiveSessions() == 0
	})
}

func TestConnectRejectedOnHostIDMismatch(t *testing.T) {
	host := newTestManager(t, nil, nil)
	addr := startHost(t, host, "host-secret")

	client := newTestManager(t, nil, nil)
	err := client.Connect(addr, "wrong-id")
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("got %v, want ErrHandshakeRejected", err)
	}
	if got := client.Mode(); got != ModeIdle {
		t.Errorf("client mode after rejection = %s, want idle", got)
	}
	if got := host.Stats().HandshakesDenied; got != 1 {
		t.Errorf("handshakes denied = %d, want 1", got)
	}
	if got := host.ActiveSessions(); got != 0 {
		t.Errorf("rejected peer entered the session map: %d sessions", got)
	}
}

func TestStopHostingClosesClientSessions(t *testing.T) {
	host := newTestManager(t, nil, nil)
	addr := startHost(t, host, "host-secret")

	client := newTestManager(t, nil, nil)
	if err := client.Connect(addr, "host-secret"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	host.StopHosting()
	if host.IsHosting() {
		t.Error("host still hosting after StopHosting")
	}

	// Losing the session for any reason returns the client to idle.
	waitFor(t, "client to return to idle", func() bool {
		return client.Mode() == ModeIdle
	})
}

func TestHostingCanRestartAfterStop(t *testing.T) {
	manager := newTestManager(t, nil, nil)
	startHost(t, manager, "first")
	manager.StopHosting()

	addr := startHost(t, manager, "second")
	if addr == "" {
		t.Fatal("second hosting period has no listen address")
	}
	if got := manager.HostID(); got != "second" {
		t.Errorf("host ID = %q, want %q", got, "second")
	}
}

func TestGetRemoteScreenClampsQuality(t *testing.T) {
	screen := &fakeScreen{frame: []byte("x")}
	manager := newTestManager(t, screen, nil)
	startHost(t, manager, "host")

	if _, err := manager.GetRemoteScreen(500); err != nil {
		t.Fatalf("GetRemoteScreen failed: %v", err)
	}
	if quality, ok := screen.lastQuality(); !ok || quality != 100 {
		t.Errorf("capture quality = %d, want clamped to 100", quality)
	}

	if _, err := manager.GetRemoteScreen(-3); err != nil {
		t.Fatalf("GetRemoteScreen failed: %v", err)
	}
	if quality, _ := screen.lastQuality(); quality != 1 {
		t.Errorf("capture quality = %d, want clamped to 1", quality)
	}
}

func TestGetRemoteScreenRejectsOversizedFrame(t *testing.T) {
	screen := &fakeScreen{frame: make([]byte, MaxFramePayload+1)}
	manager := newTestManager(t, screen, nil)
	startHost(t, manager, "host")

	if _, err := manager.GetRemoteScreen(70); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestGetRemoteScreenWhileIdle(t *testing.T) {
	manager := newTestManager(t, nil, nil)

	if _, err := manager.GetRemoteScreen(70); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestSendEventWhileIdle(t *testing.T) {
	manager := newTestManager(t, nil, nil)

	err := manager.SendMouseEvent(MouseEvent{Action: ActionMove})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestStopHostingWhileIdleIsNoOp(t *testing.T) {
	manager := newTestManager(t, nil, nil)
	manager.StopHosting()
	manager.Disconnect()

	if got := manager.Mode(); got != ModeIdle {
		t.Errorf("mode = %s, want idle", got)
	}
}
