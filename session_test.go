package sockethub

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsWrite struct {
	kind int
	data []byte
}

// mockWs scripts the peer side of a session: frames pushed into in come
// out of wsReadMessage, frames the session writes land on out. Closing
// in looks like the peer going away.
type mockWs struct {
	in  chan []byte
	out chan wsWrite
}

func newMockWs() *mockWs {
	return &mockWs{
		in:  make(chan []byte, 16),
		out: make(chan wsWrite, 64),
	}
}

func (m *mockWs) wsSetReadLimit()     {}
func (m *mockWs) wsSetReadDeadline()  {}
func (m *mockWs) wsSetPongHandler()   {}
func (m *mockWs) wsSetWriteDeadline() {}
func (m *mockWs) wsClose()            {}

func (m *mockWs) wsReadMessage() (int, []byte, error) {
	b, ok := <-m.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, b, nil
}

func (m *mockWs) wsWriteMessage(kind int, payload []byte) error {
	m.out <- wsWrite{kind: kind, data: payload}
	return nil
}

// brokenWs is a mockWs whose write side is already dead, scripting a
// peer that disconnected mid-write.
type brokenWs struct {
	*mockWs
}

func (b *brokenWs) wsWriteMessage(kind int, payload []byte) error {
	return errors.New("peer gone")
}

func newTestSession(h *Hub[testCtx], ctx *testCtx) (*session[testCtx], *mockWs) {
	ws := newMockWs()
	s := newSession(h, ws, newClientID(), ctx)
	go s.run()
	return s, ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for", what)
}

// expectMsg waits for the next data frame written to the peer and
// returns its raw msg payload. Ping frames are skipped.
func expectMsg(t *testing.T, ws *mockWs) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case w := <-ws.out:
			if w.kind != websocket.TextMessage {
				continue
			}
			f, err := decodeFrame(w.data)
			if err != nil || f.Msg == nil {
				t.Fatal("Expectation: data frame, Received:", string(w.data), err)
			}
			return string(f.Msg.Msg)
		case <-deadline:
			t.Fatal("Timed out waiting for a data frame")
		}
	}
}

func expectNoMsg(t *testing.T, ws *mockWs) {
	t.Helper()
	select {
	case w := <-ws.out:
		if w.kind == websocket.TextMessage {
			t.Fatal("Expectation: no delivery, Received:", string(w.data))
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionSubscribePublish(t *testing.T) {
	h := NewHub[testCtx]()
	sub, subWs := newTestSession(h, &testCtx{user: "alice"})
	_, pubWs := newTestSession(h, &testCtx{user: "bob"})
	defer close(subWs.in)
	defer close(pubWs.in)

	subWs.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, sub) == 1 })

	pubWs.in <- []byte(`{"Msg":{"key":{"room_id":"r1"},"msg":{"text":"hi"}}}`)

	if got := expectMsg(t, subWs); got != `{"text":"hi"}` {
		t.Fatal(`Expectation: {"text":"hi"}, Received:`, got)
	}
	// The publisher never subscribed, so it hears nothing back.
	expectNoMsg(t, pubWs)
}

func TestSessionMalformedFrameIsRecoverable(t *testing.T) {
	h := NewHub[testCtx]()
	s, ws := newTestSession(h, &testCtx{})
	defer close(ws.in)

	// Garbage must be logged and skipped, not kill the decode loop.
	ws.in <- []byte(`{{{not json`)
	ws.in <- []byte(`{"Ping":{}}`)
	ws.in <- []byte(`{"Subscribe":{"key":"lobby"}}`)
	waitFor(t, "subscription after garbage", func() bool { return taskCount(h, s) == 1 })

	h.Publish("lobby", "still alive")
	if got := expectMsg(t, ws); got != `"still alive"` {
		t.Fatal("Expectation: still alive, Received:", got)
	}
}

func TestSessionDenyCreatesNoTask(t *testing.T) {
	h := NewHub[testCtx]()
	AddPermissionFilter(h, func(k roomKey, c *testCtx) Level { return Deny })
	s, ws := newTestSession(h, &testCtx{})
	defer close(ws.in)

	ws.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	// Denial is a silent no-op: no task, no receiver, no reply.
	time.Sleep(50 * time.Millisecond)
	if n := taskCount(h, s); n != 0 {
		t.Fatal("Expectation: 0 tasks, Received:", n)
	}
	if n := receiverCount(h, `{"room_id":"r1"}`); n != 0 {
		t.Fatal("Expectation: 0 receivers, Received:", n)
	}

	h.Publish(roomKey{RoomID: "r1"}, chatText{Text: "hi"})
	expectNoMsg(t, ws)
}

func TestSessionReadOnlyCannotPublish(t *testing.T) {
	h := NewHub[testCtx]()
	AddPermissionFilter(h, func(k roomKey, c *testCtx) Level { return ReadOnly })
	reader, readerWs := newTestSession(h, &testCtx{})
	defer close(readerWs.in)

	readerWs.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	waitFor(t, "read-only subscription", func() bool { return taskCount(h, reader) == 1 })

	// The same read-only session may not publish.
	readerWs.in <- []byte(`{"Msg":{"key":{"room_id":"r1"},"msg":{"text":"nope"}}}`)
	expectNoMsg(t, readerWs)
}

func TestSessionMapperVetoReachesNoSubscriber(t *testing.T) {
	h := NewHub[testCtx]()
	AddSendMapper(h, func(k roomKey, m chatText, c *testCtx) (chatText, bool) {
		return chatText{}, false
	})
	sub, subWs := newTestSession(h, &testCtx{})
	_, pubWs := newTestSession(h, &testCtx{})
	defer close(subWs.in)
	defer close(pubWs.in)

	subWs.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, sub) == 1 })

	pubWs.in <- []byte(`{"Msg":{"key":{"room_id":"r1"},"msg":{"text":"hi"}}}`)
	expectNoMsg(t, subWs)
}

func TestSessionFirstMapperWinsEndToEnd(t *testing.T) {
	h := NewHub[testCtx]()
	AddSendMapper(h, func(k roomKey, m chatText, c *testCtx) (chatText, bool) {
		m.Text += "-A"
		return m, true
	})
	AddSendMapper(h, func(k roomKey, m chatText, c *testCtx) (chatText, bool) {
		m.Text += "-B"
		return m, true
	})
	sub, subWs := newTestSession(h, &testCtx{})
	_, pubWs := newTestSession(h, &testCtx{})
	defer close(subWs.in)
	defer close(pubWs.in)

	subWs.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, sub) == 1 })

	pubWs.in <- []byte(`{"Msg":{"key":{"room_id":"r1"},"msg":{"text":"x"}}}`)
	if got := expectMsg(t, subWs); got != `{"text":"x-A"}` {
		t.Fatal(`Expectation: {"text":"x-A"}, Received:`, got)
	}
}

func TestSessionUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub[testCtx]()
	s, ws := newTestSession(h, &testCtx{})
	defer close(ws.in)

	ws.in <- []byte(`{"Subscribe":{"key":"lobby"}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, s) == 1 })

	ws.in <- []byte(`{"Unsubscribe":{"key":"lobby"}}`)
	waitFor(t, "unsubscribe", func() bool { return taskCount(h, s) == 0 })

	// Publishing immediately after the unsubscribe completes delivers
	// nothing to the former subscriber.
	h.Publish("lobby", "late")
	expectNoMsg(t, ws)
}

func TestSessionUnsubscribeWithoutSubscription(t *testing.T) {
	h := NewHub[testCtx]()
	s, ws := newTestSession(h, &testCtx{})
	defer close(ws.in)

	// Idempotent no-op.
	ws.in <- []byte(`{"Unsubscribe":{"key":"lobby"}}`)
	time.Sleep(50 * time.Millisecond)
	if n := taskCount(h, s); n != 0 {
		t.Fatal("Expectation: 0 tasks, Received:", n)
	}
}

func TestSessionDirectDelivery(t *testing.T) {
	h := NewHub[testCtx]()
	a, aWs := newTestSession(h, &testCtx{})
	b, bWs := newTestSession(h, &testCtx{})
	defer close(aWs.in)
	defer close(bWs.in)

	// Both subscribe to the same room; direct delivery must still reach
	// only the addressed connection.
	aWs.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	bWs.in <- []byte(`{"Subscribe":{"key":{"room_id":"r1"}}}`)
	waitFor(t, "subscriptions", func() bool { return taskCount(h, a) == 1 && taskCount(h, b) == 1 })

	if err := h.SendDirect(a.id, roomKey{RoomID: "r1"}, chatText{Text: "just you"}); err != nil {
		t.Fatal("Expectation: no error, Received:", err)
	}
	if got := expectMsg(t, aWs); got != `{"text":"just you"}` {
		t.Fatal(`Expectation: {"text":"just you"}, Received:`, got)
	}
	expectNoMsg(t, bWs)
}

func TestSessionTeardownCleansUp(t *testing.T) {
	h := NewHub[testCtx]()
	s, ws := newTestSession(h, &testCtx{})

	ws.in <- []byte(`{"Subscribe":{"key":"lobby"}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, s) == 1 })
	id := s.id

	// Peer goes away: every task cancelled, direct entry removed.
	close(ws.in)
	waitFor(t, "teardown", func() bool {
		h.mu.Lock()
		_, ok := h.tasks[s]
		h.mu.Unlock()
		return !ok
	})

	if n := receiverCount(h, `"lobby"`); n != 0 {
		t.Fatal("Expectation: 0 receivers after close, Received:", n)
	}
	if err := h.SendDirect(id, "lobby", "gone"); !errors.Is(err, ErrUnknownClient) {
		t.Fatal("Expectation: ErrUnknownClient after close, Received:", err)
	}
	if sessionState(s.state.Load()) != stateClosed {
		t.Fatal("Expectation: closed state, Received:", s.state.Load())
	}
}

func TestSessionKeysCanonicalized(t *testing.T) {
	h := NewHub[testCtx]()
	s, ws := newTestSession(h, &testCtx{})
	_, pubWs := newTestSession(h, &testCtx{})
	defer close(ws.in)
	defer close(pubWs.in)

	// Field order and whitespace differ between subscriber and
	// publisher; canonicalization makes them the same topic.
	ws.in <- []byte(`{"Subscribe":{"key":{"b": 2, "a": 1}}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, s) == 1 })

	pubWs.in <- []byte(`{"Msg":{"key":{"a":1,"b":2},"msg":"hi"}}`)
	if got := expectMsg(t, ws); got != `"hi"` {
		t.Fatal("Expectation: hi, Received:", got)
	}
}

func TestSessionWriteFailureTearsDown(t *testing.T) {
	h := NewHub[testCtx]()
	ws := &brokenWs{mockWs: newMockWs()}
	s := newSession(h, ws, newClientID(), &testCtx{})
	go s.run()
	defer close(ws.in)

	ws.in <- []byte(`{"Subscribe":{"key":"lobby"}}`)
	waitFor(t, "subscription", func() bool { return taskCount(h, s) == 1 })
	id := s.id

	// The first delivery hits the dead write side; that is session
	// teardown, same as a peer disconnect on the read side.
	h.Publish("lobby", "unwritable")
	waitFor(t, "teardown after write failure", func() bool {
		h.mu.Lock()
		_, ok := h.tasks[s]
		h.mu.Unlock()
		return !ok
	})

	if n := receiverCount(h, `"lobby"`); n != 0 {
		t.Fatal("Expectation: 0 receivers after write failure, Received:", n)
	}
	if err := h.SendDirect(id, "lobby", "gone"); !errors.Is(err, ErrUnknownClient) {
		t.Fatal("Expectation: ErrUnknownClient after write failure, Received:", err)
	}
	if sessionState(s.state.Load()) != stateClosed {
		t.Fatal("Expectation: closed state, Received:", s.state.Load())
	}
}
