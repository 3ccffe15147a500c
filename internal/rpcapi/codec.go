// Package rpcapi implements the gRPC adapter: the same Registry and
// Executor operations as internal/httpapi, exposed as a grpc.Server
// service.
//
// The message types here are plain Go structs, not generated protobuf
// bindings: wire encoding is JSON, registered as a custom grpc codec
// (see jsonCodec below). This is a legitimate grpc-go extension point
// (google.golang.org/grpc/encoding.RegisterCodec) and avoids depending on
// the protoc/protoc-gen-go toolchain. The service is wired up by hand as a
// grpc.ServiceDesc/MethodDesc table instead of protoc-gen-go-grpc output;
// see service.go.
package rpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype grpc-go negotiates for this codec. A
// client dialing this server must register the same codec under the same
// name (grpc.CallContentSubtype("sandboxd-json") or a matching
// encoding.RegisterCodec on the client side).
const codecName = "sandboxd-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshaling messages as JSON
// instead of protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: json codec: marshal: %w", err)
	}

	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcapi: json codec: unmarshal: %w", err)
	}

	return nil
}
