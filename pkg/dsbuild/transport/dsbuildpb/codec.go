package dsbuildpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets Transport run over gRPC's framing and HTTP/2 transport
// without a protoc-generated marshaler: messages are plain Go structs
// encoded with encoding/json instead of the protobuf wire format. Wiring
// a generated protobuf codec later only means swapping this file and the
// CallContentSubtype option in transport_grpc.go — callers never see the
// difference.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name must match the content-subtype registered on both client and
// server calls (codecName below); gRPC selects a codec per-call from
// this registry keyed by lowercased name.
func (jsonCodec) Name() string { return codecName }

const codecName = "dsbuildjson"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
