package sockethub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// frame is one control frame on the wire. Exactly one field is set,
// mirroring an externally tagged enum:
//
//	{"Msg":         {"key": ..., "msg": ...}}
//	{"Subscribe":   {"key": ...}}
//	{"Unsubscribe": {"key": ...}}
type frame struct {
	Msg         *msgFrame `json:"Msg,omitempty"`
	Subscribe   *keyFrame `json:"Subscribe,omitempty"`
	Unsubscribe *keyFrame `json:"Unsubscribe,omitempty"`
}

type msgFrame struct {
	Key json.RawMessage `json:"key"`
	Msg json.RawMessage `json:"msg"`
}

type keyFrame struct {
	Key json.RawMessage `json:"key"`
}

var errAmbiguousFrame = errors.New("sockethub: frame must carry exactly one of Msg, Subscribe, Unsubscribe")

// decodeFrame parses an inbound text frame. A malformed frame is a
// per-frame error for the caller to log and skip, never a reason to tear
// down the process.
func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("sockethub: malformed frame: %w", err)
	}
	n := 0
	if f.Msg != nil {
		n++
	}
	if f.Subscribe != nil {
		n++
	}
	if f.Unsubscribe != nil {
		n++
	}
	if n != 1 {
		return frame{}, errAmbiguousFrame
	}
	return f, nil
}

// encodeMsgFrame builds the outbound data frame for a (key, msg) pair.
// The key is already canonical by the time anything is fanned out.
func encodeMsgFrame(key, msg json.RawMessage) ([]byte, error) {
	return json.Marshal(frame{Msg: &msgFrame{Key: key, Msg: msg}})
}
