package mobile

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory wsConn driven by the test.
type fakeConn struct {
	mu      sync.Mutex
	written []Frame
	inbound chan Frame
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan Frame, 16)}
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	frame, ok := <-f.inbound
	if !ok {
		return errors.New("connection closed")
	}
	*(v.(*Frame)) = frame
	return nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.written = append(f.written, v.(Frame))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

// push delivers a server frame to the client.
func (f *fakeConn) push(t *testing.T, frameType string, data interface{}) {
	t.Helper()
	frame, err := NewFrame(frameType, data)
	if err != nil {
		t.Fatalf("build %s frame: %v", frameType, err)
	}
	f.inbound <- frame
}

func (f *fakeConn) sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.written))
	copy(out, f.written)
	return out
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAuthed(t *testing.T, c *Client, conn *fakeConn) {
	t.Helper()
	if err := c.Connect(ClientConfig{URL: "ws://test", Password: "hunter2"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State(); got != StateAuthenticating {
		t.Fatalf("expected authenticating after connect, got %v", got)
	}
	conn.push(t, TypeAuth, AuthResult{Success: true})
	waitFor(t, func() bool { return c.State() == StateConnected }, "connected state")
}

func TestClient_AuthHandshake(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(ClientOpts{Dial: func(url string) (wsConn, error) { return conn, nil }})
	connectAuthed(t, c, conn)

	sent := conn.sent()
	if len(sent) == 0 || sent[0].Type != TypeAuth {
		t.Fatalf("expected auth frame first, got %+v", sent)
	}
	var req AuthRequest
	if err := json.Unmarshal(sent[0].Data, &req); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if req.Password != "hunter2" {
		t.Errorf("expected configured password sent, got %q", req.Password)
	}
}

func TestClient_StateChangesObservedInOrder(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var observed []ClientState
	c := NewClient(ClientOpts{
		Dial: func(url string) (wsConn, error) { return conn, nil },
		Hooks: ClientHooks{OnStateChange: func(s ClientState) {
			mu.Lock()
			observed = append(observed, s)
			mu.Unlock()
		}},
	})
	connectAuthed(t, c, conn)

	want := []ClientState{StateConnecting, StateAuthenticating, StateConnected}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == len(want)
	}, "state notifications")

	mu.Lock()
	defer mu.Unlock()
	for i, s := range want {
		if observed[i] != s {
			t.Fatalf("transition %d: expected %v, got %v (sequence %v)", i, s, observed[i], observed)
		}
	}
}

func TestClient_AuthFailure(t *testing.T) {
	conn := newFakeConn()
	var gotErr error
	var mu sync.Mutex
	c := NewClient(ClientOpts{
		Dial: func(url string) (wsConn, error) { return conn, nil },
		Hooks: ClientHooks{OnError: func(err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		}},
	})
	if err := c.Connect(ClientConfig{URL: "ws://test", Password: "wrong"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.push(t, TypeAuth, AuthResult{Success: false, Error: "bad password"})
	waitFor(t, func() bool { return c.State() == StateError }, "error state")

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Error("expected OnError for auth failure")
	}
}

func TestClient_OfflineQueueFlushedInOrder(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(ClientOpts{Dial: func(url string) (wsConn, error) { return conn, nil }})

	// Queue while disconnected.
	c.SendMessage("first")
	c.SendMessage("second")
	if got := c.QueuedSends(); got != 2 {
		t.Fatalf("expected 2 queued sends, got %d", got)
	}

	connectAuthed(t, c, conn)
	waitFor(t, func() bool { return c.QueuedSends() == 0 }, "queue flush")

	var contents []string
	for _, frame := range conn.sent() {
		if frame.Type != TypeMessage {
			continue
		}
		var data MessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		contents = append(contents, data.Content)
	}
	if len(contents) != 2 || contents[0] != "first" || contents[1] != "second" {
		t.Fatalf("expected FIFO flush [first second], got %v", contents)
	}
}

func TestClient_DedupBroadcasts(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(ClientOpts{Dial: func(url string) (wsConn, error) { return conn, nil }})
	connectAuthed(t, c, conn)

	msg := ChatMessage{ID: "m1", Role: "assistant", Content: "hi", Timestamp: time.Now()}
	conn.push(t, TypeMessage, msg)
	conn.push(t, TypeMessage, msg) // idempotent rebroadcast
	conn.push(t, TypeResponse, ChatMessage{ID: "m2", Role: "assistant", Content: "more"})

	waitFor(t, func() bool { return len(c.Messages()) == 2 }, "two unique messages")
	time.Sleep(10 * time.Millisecond)
	if got := len(c.Messages()); got != 2 {
		t.Fatalf("expected duplicate id dropped, got %d messages", got)
	}
}

func TestClient_HistoryReplacesTimeline(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(ClientOpts{Dial: func(url string) (wsConn, error) { return conn, nil }})
	connectAuthed(t, c, conn)

	conn.push(t, TypeMessage, ChatMessage{ID: "old", Role: "user", Content: "stale"})
	waitFor(t, func() bool { return len(c.Messages()) == 1 }, "initial message")

	conn.push(t, TypeHistory, HistoryData{
		{ID: "h1", Role: "user", Content: "one"},
		{ID: "h2", Role: "assistant", Content: "two"},
		{ID: "h2", Role: "assistant", Content: "two again"}, // dropped
	})
	waitFor(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 2 && msgs[0].ID == "h1" && msgs[1].ID == "h2"
	}, "history replacement")
}

func TestClient_ReconnectCeiling(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	var terminal error
	c := NewClient(ClientOpts{
		ReconnectInterval: 2 * time.Millisecond,
		MaxReconnects:     3,
		Dial: func(url string) (wsConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		},
		Hooks: ClientHooks{OnError: func(err error) {
			mu.Lock()
			terminal = err
			mu.Unlock()
		}},
	})

	c.Connect(ClientConfig{URL: "ws://down"})
	waitFor(t, func() bool { return c.State() == StateError }, "terminal error state")

	mu.Lock()
	gotDials, gotErr := dials, terminal
	mu.Unlock()

	// Initial attempt plus exactly 3 reconnects.
	if gotDials != 4 {
		t.Errorf("expected 4 dial attempts, got %d", gotDials)
	}
	if !errors.Is(gotErr, ErrReconnectExhausted) {
		t.Errorf("expected ErrReconnectExhausted, got %v", gotErr)
	}

	// No further dials after the terminal error.
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != gotDials {
		t.Errorf("expected no dials after exhaustion, got %d more", dials-gotDials)
	}
}

func TestClient_DisconnectCancelsReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	c := NewClient(ClientOpts{
		ReconnectInterval: 20 * time.Millisecond,
		Dial: func(url string) (wsConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		},
	})

	c.Connect(ClientConfig{URL: "ws://down"}) // fails, schedules a reconnect
	c.Disconnect()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("expected reconnect timer canceled after Disconnect, got %d dials", dials)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("expected disconnected state, got %v", got)
	}
}

func TestClient_SeenSetResetOnReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	conns := []*fakeConn{conn1, conn2}
	var mu sync.Mutex
	c := NewClient(ClientOpts{
		ReconnectInterval: 2 * time.Millisecond,
		Dial: func(url string) (wsConn, error) {
			mu.Lock()
			defer mu.Unlock()
			conn := conns[0]
			if len(conns) > 1 {
				conns = conns[1:]
			}
			return conn, nil
		},
	})
	connectAuthed(t, c, conn1)

	conn1.push(t, TypeMessage, ChatMessage{ID: "m1", Role: "assistant", Content: "hi"})
	waitFor(t, func() bool { return len(c.Messages()) == 1 }, "first message")

	// Drop the connection; the client reconnects and may be resent history.
	conn1.Close()
	waitFor(t, func() bool { return c.State() == StateAuthenticating }, "reconnect handshake")
	conn2.push(t, TypeAuth, AuthResult{Success: true})
	waitFor(t, func() bool { return c.State() == StateConnected }, "reconnected")

	// Same id again on the fresh link: the seen set was reset, so it lands.
	conn2.push(t, TypeMessage, ChatMessage{ID: "m1", Role: "assistant", Content: "hi"})
	waitFor(t, func() bool { return len(c.Messages()) == 2 }, "resent message accepted")
}

func TestClient_SelectConversationClearsState(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(ClientOpts{Dial: func(url string) (wsConn, error) { return conn, nil }})
	connectAuthed(t, c, conn)

	conn.push(t, TypeMessage, ChatMessage{ID: "m1", Role: "user", Content: "before"})
	waitFor(t, func() bool { return len(c.Messages()) == 1 }, "message before switch")

	if err := c.SelectConversation("conv-2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := len(c.Messages()); got != 0 {
		t.Fatalf("expected timeline cleared on conversation switch, got %d", got)
	}

	var found bool
	for _, frame := range conn.sent() {
		if frame.Type == TypeSelectConversation {
			var data SelectConversationData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				t.Fatalf("decode select: %v", err)
			}
			if data.ConversationID != "conv-2" {
				t.Errorf("expected conv-2, got %q", data.ConversationID)
			}
			found = true
		}
	}
	if !found {
		t.Error("expected select_conversation frame sent")
	}
}
