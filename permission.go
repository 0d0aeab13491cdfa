package sockethub

import (
	"encoding/json"
)

// Level is the access grade a filter chain computes for one (key,
// connection context) pair. Levels are totally ordered; when several
// filters apply to the same key the most restrictive one wins.
type Level int

const (
	Deny Level = iota
	ReadOnly
	Allow
)

func (l Level) String() string {
	switch l {
	case Deny:
		return "deny"
	case ReadOnly:
		return "read-only"
	case Allow:
		return "allow"
	}
	return "unknown"
}

// CanSubscribe reports whether the level permits receiving topic messages.
func (l Level) CanSubscribe() bool { return l >= ReadOnly }

// CanSend reports whether the level permits publishing to the topic.
func (l Level) CanSend() bool { return l == Allow }

// permissionFilter and sendMapper are the type-erased forms the hub
// stores. A filter that cannot decode the key abstains with Allow. A
// mapper reports applied=false when the (key, msg) shapes are not its
// own, ok=false to veto the message outright.
type permissionFilter[C any] func(key json.RawMessage, ctx *C) Level

type sendMapper[C any] func(key, msg json.RawMessage, ctx *C) (out json.RawMessage, ok, applied bool)

// AddPermissionFilter registers fn to grade subscribe and publish
// attempts for keys of type K. Keys that do not strictly decode into K
// are none of fn's business: the filter abstains and contributes Allow.
// Filters compose by minimum, so any applicable Deny wins over any
// number of Allows.
func AddPermissionFilter[C, K any](h *Hub[C], fn func(key K, ctx *C) Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filters = append(h.filters, func(raw json.RawMessage, ctx *C) Level {
		var key K
		if !strictUnmarshal(raw, &key) {
			return Allow
		}
		return fn(key, ctx)
	})
}

// AddSendMapper registers fn to rewrite or veto outbound messages whose
// key decodes as K and payload as M. Return ok=false to veto. Register
// at most one mapper per message type: if several mappers match the same
// shape, only the first registered one ever runs and the rest are
// silently shadowed.
func AddSendMapper[C, K, M any](h *Hub[C], fn func(key K, msg M, ctx *C) (M, bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mappers = append(h.mappers, func(rawKey, rawMsg json.RawMessage, ctx *C) (json.RawMessage, bool, bool) {
		var key K
		var msg M
		if !strictUnmarshal(rawKey, &key) || !strictUnmarshal(rawMsg, &msg) {
			return nil, false, false
		}
		mapped, ok := fn(key, msg, ctx)
		if !ok {
			return nil, false, true
		}
		out, err := json.Marshal(mapped)
		if err != nil {
			// A payload that decoded cannot normally fail to re-encode;
			// treat it as a veto rather than publish something broken.
			return nil, false, true
		}
		return out, true, true
	})
}

// Evaluate folds every registered filter over (key, ctx) with min,
// starting from Allow. No filters means everything is allowed.
func (h *Hub[C]) Evaluate(key json.RawMessage, ctx *C) Level {
	h.mu.Lock()
	filters := h.filters
	h.mu.Unlock()

	level := Allow
	for _, f := range filters {
		if l := f(key, ctx); l < level {
			level = l
		}
	}
	return level
}

// applyOutbound runs the first mapper matching (key, msg) and returns the
// possibly rewritten payload, or ok=false if the mapper vetoed it. With
// no matching mapper the payload passes through unchanged.
func (h *Hub[C]) applyOutbound(key, msg json.RawMessage, ctx *C) (json.RawMessage, bool) {
	h.mu.Lock()
	mappers := h.mappers
	h.mu.Unlock()

	for _, m := range mappers {
		out, ok, applied := m(key, msg, ctx)
		if applied {
			return out, ok
		}
	}
	return msg, true
}
