// Package message implements the typed envelope exchanged between
// processes. The framework never interprets payload bytes; codecs are
// supplied by the caller.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned when a message payload does not parse to the
// requested type.
var ErrDecode = errors.New("dsbuild: payload does not decode to requested type")

// Codec encodes and decodes message payloads. Implementations must be pure
// and deterministic so the simulator's trace stays reproducible.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the default Codec, backed by encoding/json.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// Default is the Codec used by FromValue/Into when none is supplied.
var Default Codec = JSONCodec{}

// Message is an immutable envelope: a short kind tag and an opaque byte
// payload. Messages are cheap to clone — Payload is never mutated after
// construction, so sharing the underlying slice across copies is safe.
type Message struct {
	kind    string
	payload []byte
}

// New builds a Message from raw bytes tagged with kind.
func New(kind string, payload []byte) Message {
	return Message{kind: kind, payload: payload}
}

// FromValue serializes v with codec and tags the result with kind.
func FromValue(kind string, v any, codec Codec) (Message, error) {
	if codec == nil {
		codec = Default
	}
	data, err := codec.Encode(v)
	if err != nil {
		return Message{}, fmt.Errorf("dsbuild: encode %s: %w", kind, err)
	}
	return New(kind, data), nil
}

// Kind reports the message's kind tag.
func (m Message) Kind() string { return m.kind }

// Payload returns the raw opaque payload bytes.
func (m Message) Payload() []byte { return m.payload }

// Into decodes m's payload into a value of type T using codec.
func Into[T any](m Message, codec Codec) (T, error) {
	var out T
	if codec == nil {
		codec = Default
	}
	if err := codec.Decode(m.payload, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// Equal reports whether m and other carry the same kind and payload.
func (m Message) Equal(other Message) bool {
	return m.kind == other.kind && bytes.Equal(m.payload, other.payload)
}

func (m Message) String() string {
	return fmt.Sprintf("Message{kind=%s, payload=%d bytes}", m.kind, len(m.payload))
}
