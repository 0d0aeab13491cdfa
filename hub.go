package sockethub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

const (
	// topicCapacity bounds each subscriber's receive buffer. A receiver
	// that falls further behind loses its oldest buffered messages.
	topicCapacity = 16

	// directCapacity bounds a session's direct-delivery channel.
	directCapacity = 64
)

// ErrUnknownClient is returned by SendDirect for a ClientID with no live
// connection. Unlike topic publish, direct delivery is not
// fire-and-forget: the caller asked for one specific connection and gets
// told when it is gone.
var ErrUnknownClient = errors.New("sockethub: unknown or disconnected client")

// Hub is the topic registry: it owns every topic's broadcast channel,
// every live subscription's forwarding task, the permission filter and
// send mapper chains, and the ClientID direct-delivery map. Construct
// one with NewHub at startup and pass it by reference to every handler
// and every call site that publishes; there is no ambient singleton.
//
// C is the per-connection context type handed to filters and mappers.
// Applications with one notion of "who is this connection" use that
// type; applications with several use a tagged variant over the known
// shapes.
type Hub[C any] struct {
	mu      sync.Mutex
	topics  map[string]*topic
	tasks   map[*session[C]]map[string]*forwardTask
	direct  map[ClientID]chan []byte
	filters []permissionFilter[C]
	mappers []sendMapper[C]

	pings *mticker
}

// topic is one registry entry: a canonical key and the receivers
// currently attached to it. Topics are created lazily and live for the
// rest of the process; an idle topic is just an empty receiver set.
type topic struct {
	name      string
	receivers map[*receiver]struct{}
}

type receiver struct {
	ch chan []byte
}

// forwardTask is the cancellation handle for one (session, topic)
// subscription. Closing stop aborts the forwarding goroutine promptly;
// the receiver is detached from the topic under the hub lock so a
// concurrently arriving publish cannot race past an unsubscribe.
type forwardTask struct {
	rcv  *receiver
	stop chan struct{}
}

// NewHub returns an empty hub ready to accept connections and hooks.
func NewHub[C any]() *Hub[C] {
	return &Hub[C]{
		topics: make(map[string]*topic),
		tasks:  make(map[*session[C]]map[string]*forwardTask),
		direct: make(map[ClientID]chan []byte),
		pings:  newMTicker(pingPeriod),
	}
}

// Close stops the hub's shared ping ticker and releases its goroutine.
// Sessions still running stop sending keepalive pings and wind down as
// their peers time out; call Close only on shutdown, after the listener
// has stopped accepting connections. Idempotent.
func (h *Hub[C]) Close() {
	h.pings.stop()
}

// ensureTopic returns the topic for a canonical key, creating it on
// first use. Callers hold h.mu. It cannot fail and topics are never
// removed.
func (h *Hub[C]) ensureTopic(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{name: name, receivers: make(map[*receiver]struct{})}
		h.topics[name] = t
		incr("topics", 1)
	}
	return t
}

// Publish encodes (key, msg) and fans the frame out to every current
// subscriber of the key's topic. With no subscribers the message is
// silently discarded; a subscriber whose buffer is full loses its oldest
// pending message instead of stalling the topic. The only error paths
// are encoding failures of the caller's own values.
func (h *Hub[C]) Publish(key, msg any) error {
	_, canon, err := encodeKey(key)
	if err != nil {
		return err
	}
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sockethub: encode message: %w", err)
	}
	h.publishRaw(canon, rawMsg)
	return nil
}

// publishRaw delivers an already-encoded payload to the canonical
// topic's receivers. The canonical key doubles as the frame key.
func (h *Hub[C]) publishRaw(canon string, rawMsg json.RawMessage) {
	b, err := encodeMsgFrame(json.RawMessage(canon), rawMsg)
	if err != nil {
		// Inputs are valid JSON by construction; nothing sane to do.
		slog.Error("sockethub: encode outbound frame", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.ensureTopic(canon)
	if len(t.receivers) == 0 {
		incr("msgs.dropped", 1)
		return
	}
	incr("msgs.published", 1)
	for r := range t.receivers {
		select {
		case r.ch <- b:
		default:
			// Receiver saturated: shed its oldest message to make room.
			select {
			case <-r.ch:
				incr("msgs.lagged", 1)
			default:
			}
			select {
			case r.ch <- b:
			default:
			}
		}
	}
}

// subscribe attaches a fresh receiver to the topic. The receiver only
// sees messages published after it attaches; there is no replay.
func (h *Hub[C]) subscribe(canon string) *receiver {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &receiver{ch: make(chan []byte, topicCapacity)}
	h.ensureTopic(canon).receivers[r] = struct{}{}
	incr("subscriptions", 1)
	return r
}

// detach removes a receiver from its topic. Idempotent: forwarding
// goroutines detach themselves on exit and unsubscribe detaches eagerly.
func (h *Hub[C]) detach(canon string, r *receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(canon, r)
}

func (h *Hub[C]) detachLocked(canon string, r *receiver) {
	t, ok := h.topics[canon]
	if !ok {
		return
	}
	if _, ok := t.receivers[r]; ok {
		delete(t.receivers, r)
		decr("subscriptions", 1)
	}
}

// rememberTask records the forwarding task for (session, key) so a later
// unsubscribe can cancel it. Re-subscribing to the same key without
// unsubscribing first overwrites the handle; the orphaned task keeps
// forwarding until the session closes. Known wart, kept deliberately:
// clients are expected to unsubscribe before re-subscribing.
func (h *Hub[C]) rememberTask(s *session[C], canon string, task *forwardTask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.tasks[s]
	if !ok {
		// Session already torn down; cancel immediately.
		h.detachLocked(canon, task.rcv)
		close(task.stop)
		return
	}
	m[canon] = task
}

// unsubscribe cancels and forgets the forwarding task for (session,
// key), if any. The receiver is detached before the lock is released, so
// a publish that starts after unsubscribe returns delivers nothing to
// the former subscriber.
func (h *Hub[C]) unsubscribe(s *session[C], canon string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.tasks[s][canon]
	if !ok {
		return
	}
	delete(h.tasks[s], canon)
	h.detachLocked(canon, task.rcv)
	close(task.stop)
}

// addSession registers a session's direct channel and task table.
func (h *Hub[C]) addSession(s *session[C]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[s] = make(map[string]*forwardTask)
	h.direct[s.id] = s.direct
	incr("sessions", 1)
}

// closeSession cancels all of a session's forwarding tasks and drops it
// from the direct-delivery map. All of the session's goroutines observe
// the cancellation and terminate together.
func (h *Hub[C]) closeSession(s *session[C]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tasks[s]; !ok {
		return
	}
	for canon, task := range h.tasks[s] {
		h.detachLocked(canon, task.rcv)
		close(task.stop)
	}
	delete(h.tasks, s)
	delete(h.direct, s.id)
	decr("sessions", 1)
}

// SendDirect delivers (key, msg) to exactly the connection identified by
// id, bypassing topic subscription entirely. Unknown or disconnected
// clients are an error, and so is a direct channel too backed up to
// accept the message; neither is retried here.
func (h *Hub[C]) SendDirect(id ClientID, key, msg any) error {
	_, canon, err := encodeKey(key)
	if err != nil {
		return err
	}
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sockethub: encode message: %w", err)
	}
	b, err := encodeMsgFrame(json.RawMessage(canon), rawMsg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	ch, ok := h.direct[id]
	h.mu.Unlock()
	if !ok {
		incr("direct.missed", 1)
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	select {
	case ch <- b:
		incr("direct.sent", 1)
		return nil
	default:
		incr("direct.missed", 1)
		return fmt.Errorf("sockethub: direct channel full for client %s", id)
	}
}

// SendToCaller resolves the identity cookie on r and sends (key, msg)
// directly to the connection that set it. This is how a plain HTTP
// handler replies to the browser tab that called it.
func (h *Hub[C]) SendToCaller(r *http.Request, key, msg any) error {
	id, err := ClientIDFromRequest(r)
	if err != nil {
		return err
	}
	return h.SendDirect(id, key, msg)
}
