package sockethub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// canonicalKey reduces a raw JSON key to its canonical encoding so that
// keys arriving from the wire and keys built from Go values name the same
// topic regardless of field order or whitespace. Decoding through `any`
// and re-encoding normalizes both: Go marshals map keys sorted.
func canonicalKey(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("sockethub: undecodable key %q: %w", raw, err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sockethub: re-encode key: %w", err)
	}
	return string(b), nil
}

// encodeKey marshals an application key value and returns both the raw
// encoding (carried in frames) and the canonical topic name.
func encodeKey(key any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, "", fmt.Errorf("sockethub: encode key: %w", err)
	}
	canon, err := canonicalKey(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, canon, nil
}

// strictUnmarshal decodes raw into v, rejecting unknown fields and
// trailing data. Hooks use it to decide whether a key or payload shape
// applies to them, so the match has to be structural, not best-effort.
func strictUnmarshal(raw json.RawMessage, v any) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return false
	}
	return !dec.More()
}
