package grpcdevice

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the broker dial devices without a compiled protobuf
// service definition: message schemas for the device ingress surface
// are deployment-specific, so wire framing is plain JSON over gRPC's
// HTTP/2 transport rather than a fixed .proto contract. Registered
// once under the "json" content-subtype; callers opt in per-RPC via
// grpc.CallContentSubtype(codecName).
type jsonCodec struct{}

const codecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
