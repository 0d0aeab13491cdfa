package sockethub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// sessionState tracks the connection lifecycle:
// Connecting -> Open -> Closed.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosed
)

// session is the per-connection state machine. While Open it runs the
// inbound decode loop (reader), a single writer goroutine that owns the
// websocket's write side, a direct-delivery relay, and one forwarding
// goroutine per active subscription. Everything funnels into s.send, so
// concurrent producers never touch the websocket itself; the writer is
// the one place frames leave the process.
type session[C any] struct {
	hub *Hub[C]
	w   websocketManager
	id  ClientID
	ctx *C

	send   chan []byte
	direct chan []byte
	done   chan struct{}

	closeOnce sync.Once

	// state records the lifecycle for logs and inspection. Behavior is
	// gated by done and closeOnce, never by reading state.
	state atomic.Int32
}

func newSession[C any](h *Hub[C], w websocketManager, id ClientID, ctx *C) *session[C] {
	s := &session[C]{
		hub:    h,
		w:      w,
		id:     id,
		ctx:    ctx,
		send:   make(chan []byte, 256),
		direct: make(chan []byte, directCapacity),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(stateConnecting))
	return s
}

// run drives the session to completion. It blocks until the peer goes
// away (close frame, EOF, read error) or a write fails, then tears the
// whole session down: all forwarding tasks cancelled, direct map entry
// removed.
func (s *session[C]) run() {
	s.hub.addSession(s)
	s.state.Store(int32(stateOpen))
	slog.Debug("sockethub: session open", "client", s.id)

	sub := s.hub.pings.subscribe()
	go s.writer(sub)
	go s.relay()
	s.reader()
	s.teardown()
	s.hub.pings.unsubscribe(sub)
}

func (s *session[C]) reader() {
	s.w.wsSetReadLimit()
	s.w.wsSetReadDeadline()
	s.w.wsSetPongHandler()
	for {
		_, data, err := s.w.wsReadMessage()
		if err != nil {
			return
		}
		incr("conn.recv", 1)
		s.dispatch(data)
	}
}

// dispatch decodes and handles one inbound control frame. A frame that
// does not decode is logged and skipped; bad input from one peer must
// never take the process down.
func (s *session[C]) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		incr("frames.bad", 1)
		slog.Warn("sockethub: skipping malformed frame", "client", s.id, "error", err)
		return
	}
	switch {
	case f.Subscribe != nil:
		s.handleSubscribe(f.Subscribe.Key)
	case f.Unsubscribe != nil:
		s.handleUnsubscribe(f.Unsubscribe.Key)
	case f.Msg != nil:
		s.handlePublish(f.Msg.Key, f.Msg.Msg)
	}
}

func (s *session[C]) handleSubscribe(rawKey json.RawMessage) {
	canon, err := canonicalKey(rawKey)
	if err != nil {
		incr("frames.bad", 1)
		slog.Warn("sockethub: skipping subscribe", "client", s.id, "error", err)
		return
	}
	// Denied subscribes are a silent no-op toward the peer so that probing
	// cannot reveal which topics exist.
	if !s.hub.Evaluate(rawKey, s.ctx).CanSubscribe() {
		slog.Debug("sockethub: subscribe denied", "client", s.id, "key", canon)
		return
	}
	rcv := s.hub.subscribe(canon)
	task := &forwardTask{rcv: rcv, stop: make(chan struct{})}
	go s.forward(canon, task)
	s.hub.rememberTask(s, canon, task)
}

func (s *session[C]) handleUnsubscribe(rawKey json.RawMessage) {
	canon, err := canonicalKey(rawKey)
	if err != nil {
		incr("frames.bad", 1)
		slog.Warn("sockethub: skipping unsubscribe", "client", s.id, "error", err)
		return
	}
	s.hub.unsubscribe(s, canon)
}

func (s *session[C]) handlePublish(rawKey, rawMsg json.RawMessage) {
	canon, err := canonicalKey(rawKey)
	if err != nil {
		incr("frames.bad", 1)
		slog.Warn("sockethub: skipping publish", "client", s.id, "error", err)
		return
	}
	if !s.hub.Evaluate(rawKey, s.ctx).CanSend() {
		slog.Debug("sockethub: publish denied", "client", s.id, "key", canon)
		return
	}
	out, ok := s.hub.applyOutbound(rawKey, rawMsg, s.ctx)
	if !ok {
		slog.Debug("sockethub: publish vetoed by mapper", "client", s.id, "key", canon)
		return
	}
	s.hub.publishRaw(canon, out)
}

// forward drains one topic receiver into the session's outbound queue
// until the subscription is cancelled or the session closes. It detaches
// its receiver on the way out, whatever the reason.
func (s *session[C]) forward(canon string, t *forwardTask) {
	defer s.hub.detach(canon, t.rcv)
	for {
		select {
		case <-t.stop:
			return
		case <-s.done:
			return
		case b := <-t.rcv.ch:
			select {
			case s.send <- b:
			case <-t.stop:
				return
			case <-s.done:
				return
			}
		}
	}
}

// relay forwards direct-delivery messages to the outbound queue,
// independent of any topic subscription.
func (s *session[C]) relay() {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.direct:
			select {
			case s.send <- b:
			case <-s.done:
				return
			}
		}
	}
}

// writer is the session's single writer. A failed write means the peer
// is gone; that is session teardown, not a retry.
func (s *session[C]) writer(sub *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.send:
			s.w.wsSetWriteDeadline()
			if err := s.w.wsWriteMessage(websocket.TextMessage, b); err != nil {
				s.teardown()
				return
			}
			incr("conn.send", 1)
		case _, ok := <-sub.tick:
			if !ok {
				return
			}
			s.w.wsSetWriteDeadline()
			if err := s.w.wsWriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown()
				return
			}
		}
	}
}

func (s *session[C]) teardown() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.done)
		s.hub.closeSession(s)
		s.w.wsClose()
		slog.Debug("sockethub: session closed", "client", s.id)
	})
}
