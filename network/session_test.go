package network

import (
	"errors"
	"net"
	"testing"
	"time"
)

// startTestSession activates a session over an in-memory pipe and returns
// the raw peer side for driving the wire directly.
func startTestSession(t *testing.T, options SessionOptions) (*Session, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	if options.KeepAliveInterval == 0 {
		options.KeepAliveInterval = time.Minute
	}
	if options.FrameReadTimeout == 0 {
		options.FrameReadTimeout = 250 * time.Millisecond
	}

	session := newSession(local, options)
	session.activate()
	t.Cleanup(func() {
		session.Close()
		remote.Close()
	})
	return session, remote
}

func readFrame(t *testing.T, conn net.Conn) Message {
	t.Helper()

	msg, err := ReadMessageWithTimeout(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("read frame from session: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionSendsEventsInOrder(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	for i := int32(0); i < 5; i++ {
		err := session.EnqueueEvent(MouseEvent{X: i, Y: i, Action: ActionMove})
		if err != nil {
			t.Fatalf("EnqueueEvent(%d) failed: %v", i, err)
		}
	}

	for i := int32(0); i < 5; i++ {
		msg := readFrame(t, remote)
		if msg.Type != TypeMouseEvent {
			t.Fatalf("frame %d: got type %s, want MOUSE_EVENT", i, msg.Type)
		}
		event, err := DecodeMouseEvent(msg.Payload)
		if err != nil {
			t.Fatalf("frame %d: decode failed: %v", i, err)
		}
		if event.X != i {
			t.Fatalf("frame %d: got X=%d, out of order", i, event.X)
		}
	}
}

func TestSessionAnswersPing(t *testing.T) {
	_, remote := startTestSession(t, SessionOptions{})

	if err := WriteMessage(remote, TypePing, nil); err != nil {
		t.Fatalf("send PING: %v", err)
	}
	if msg := readFrame(t, remote); msg.Type != TypePong {
		t.Fatalf("got type %s, want PONG", msg.Type)
	}
}

func TestSessionCachesInboundFrames(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	frame := []byte("jpeg-data")
	if err := WriteMessage(remote, TypeScreenFrame, frame); err != nil {
		t.Fatalf("send SCREEN_FRAME: %v", err)
	}

	waitFor(t, "frame cache", func() bool {
		cached, _ := session.LatestFrame()
		return string(cached) == string(frame)
	})
}

func TestSessionAppliesInboundEvents(t *testing.T) {
	received := make(chan Event, 1)
	_, remote := startTestSession(t, SessionOptions{
		Sink: InputSinkFunc(func(event Event) error {
			received <- event
			return nil
		}),
	})

	want := MouseEvent{X: 10, Y: 20, Buttons: ButtonLeft, Action: ActionDown}
	if err := WriteMessage(remote, TypeMouseEvent, EncodeMouseEvent(want)); err != nil {
		t.Fatalf("send MOUSE_EVENT: %v", err)
	}

	select {
	case event := <-received:
		if event != want {
			t.Fatalf("got %+v, want %+v", event, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the event")
	}
}

func TestSessionSinkFailureDoesNotTearDown(t *testing.T) {
	var stats Stats
	reported := make(chan error, 1)
	session, remote := startTestSession(t, SessionOptions{
		Sink: InputSinkFunc(func(Event) error {
			return errors.New("injection refused")
		}),
		Stats:  &stats,
		Report: func(err error) { reported <- err },
	})

	event := KeyEvent{Keycode: 13, Action: ActionDown}
	if err := WriteMessage(remote, TypeKeyEvent, EncodeKeyEvent(event)); err != nil {
		t.Fatalf("send KEY_EVENT: %v", err)
	}

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("sink failure was never reported")
	}

	if got := session.State(); got != StateActive {
		t.Errorf("session state = %s, want ACTIVE", got)
	}
	if got := stats.Snapshot().SinkFailures; got != 1 {
		t.Errorf("sink failures = %d, want 1", got)
	}
}

func TestOfferFrameLatestWins(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	var stats Stats
	session := newSession(local, SessionOptions{Stats: &stats})
	// Mark Active without starting loops so the pending slot stays put.
	session.stateMu.Lock()
	session.state = StateActive
	session.stateMu.Unlock()

	session.OfferFrame([]byte("stale"))
	session.OfferFrame([]byte("fresh"))

	session.frameMu.Lock()
	pending := string(session.pendingFrame)
	session.frameMu.Unlock()

	if pending != "fresh" {
		t.Errorf("pending frame = %q, want the newest offer", pending)
	}
	if got := stats.Snapshot().FramesSkipped; got != 1 {
		t.Errorf("frames skipped = %d, want 1", got)
	}
}

func TestSessionDisconnectMessageClosesCleanly(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	if err := WriteMessage(remote, TypeDisconnect, nil); err != nil {
		t.Fatalf("send DISCONNECT: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after DISCONNECT")
	}
	if err := session.LastError(); err != nil {
		t.Errorf("clean disconnect recorded error: %v", err)
	}
	if got := session.State(); got != StateClosed {
		t.Errorf("session state = %s, want CLOSED", got)
	}
}

func TestSessionMalformedEventClosesWithProtocolError(t *testing.T) {
	var stats Stats
	session, remote := startTestSession(t, SessionOptions{Stats: &stats})

	if err := WriteMessage(remote, TypeMouseEvent, []byte{1, 2, 3}); err != nil {
		t.Fatalf("send malformed MOUSE_EVENT: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after malformed event")
	}
	if err := session.LastError(); !errors.Is(err, ErrProtocol) {
		t.Errorf("got close error %v, want ErrProtocol", err)
	}
	if got := stats.Snapshot().ProtocolErrors; got != 1 {
		t.Errorf("protocol errors = %d, want 1", got)
	}
}

func TestSessionHelloAfterHandshakeIsProtocolError(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	if err := WriteMessage(remote, TypeHello, EncodeHello("again")); err != nil {
		t.Fatalf("send HELLO: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after post-handshake HELLO")
	}
	if err := session.LastError(); !errors.Is(err, ErrProtocol) {
		t.Errorf("got close error %v, want ErrProtocol", err)
	}
}

func TestEnqueueEventAfterCloseFails(t *testing.T) {
	session, _ := startTestSession(t, SessionOptions{})

	session.Close()
	<-session.Done()

	err := session.EnqueueEvent(MouseEvent{Action: ActionMove})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}
}

func TestReadTimeoutMidFrameClosesSession(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{
		FrameReadTimeout: 100 * time.Millisecond,
	})

	// Half a frame header, then silence: the stream can never resync.
	if _, err := remote.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("write partial header: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session kept running after a mid-frame read timeout")
	}
	if err := session.LastError(); !errors.Is(err, ErrProtocol) {
		t.Errorf("got close error %v, want ErrProtocol", err)
	}
}

func TestReadTimeoutOnIdleStreamKeepsSessionAlive(t *testing.T) {
	session, _ := startTestSession(t, SessionOptions{
		FrameReadTimeout: 50 * time.Millisecond,
	})

	// Several deadline expiries with no bytes on the wire are routine idle.
	time.Sleep(200 * time.Millisecond)

	if got := session.State(); got != StateActive {
		t.Fatalf("session state = %s after idle timeouts, want ACTIVE", got)
	}
}

func TestCloseGracefulFlushesQueuedEvents(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	types := make(chan MessageType, 8)
	go func() {
		defer close(types)
		for {
			msg, err := ReadMessageWithTimeout(remote, 2*time.Second)
			if err != nil {
				return
			}
			types <- msg.Type
		}
	}()

	for i := int32(0); i < 3; i++ {
		if err := session.EnqueueEvent(MouseEvent{X: i, Action: ActionMove}); err != nil {
			t.Fatalf("EnqueueEvent(%d) failed: %v", i, err)
		}
	}
	session.CloseGraceful()

	var got []MessageType
	for msgType := range types {
		got = append(got, msgType)
	}
	want := []MessageType{TypeMouseEvent, TypeMouseEvent, TypeMouseEvent, TypeDisconnect}
	if len(got) != len(want) {
		t.Fatalf("got %d messages %v, want %v", len(got), got, want)
	}
	for i, msgType := range want {
		if got[i] != msgType {
			t.Fatalf("message %d = %s, want %s (sequence %v)", i, got[i], msgType, got)
		}
	}
}

func TestCloseGracefulSendsDisconnect(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	got := make(chan MessageType, 1)
	go func() {
		msg, err := ReadMessageWithTimeout(remote, 2*time.Second)
		if err != nil {
			return
		}
		got <- msg.Type
	}()

	session.CloseGraceful()

	select {
	case msgType := <-got:
		if msgType != TypeDisconnect {
			t.Fatalf("got type %s, want DISCONNECT", msgType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DISCONNECT was never written")
	}
}

func TestSessionClosesOnPeerEOF(t *testing.T) {
	session, remote := startTestSession(t, SessionOptions{})

	remote.Close()

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after peer EOF")
	}
}
