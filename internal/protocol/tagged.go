// Package protocol holds the wire format between server and clients and the
// relay messages clients exchange through the server.
//
// Every enum is encoded externally tagged with snake_case tags: a variant with
// a body is a single-key object ({"join":{"hash":"…"}}), a variant without a
// body is a bare string ("ping"). Decoders also accept {"ping":null}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownVariant = errors.New("unknown variant")
	ErrMalformed      = errors.New("malformed tagged value")
)

// decodeTagged splits an externally tagged value into its tag and body.
// body is nil for bare-string variants.
func decodeTagged(data []byte) (string, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return tag, nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one key, got %d", ErrMalformed, len(m))
	}
	for tag, body := range m {
		if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
			body = nil
		}
		return tag, body, nil
	}
	panic("unreachable")
}

func encodeTagged(tag string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{tag: b})
}

func encodeUnit(tag string) ([]byte, error) {
	return json.Marshal(tag)
}

func unmarshalBody(tag string, body json.RawMessage, v any) error {
	if body == nil {
		return fmt.Errorf("%w: %s has no body", ErrMalformed, tag)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	return nil
}

// decodeInto decodes the body as T and returns it as the variant interface I.
func decodeInto[T any, I any](tag string, body json.RawMessage) (I, error) {
	var v T
	var zero I
	if err := unmarshalBody(tag, body, &v); err != nil {
		return zero, err
	}
	return any(v).(I), nil
}
