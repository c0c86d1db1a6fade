// Package transport carries control-plane RPCs (join, expel, instance
// update, CAS, wait-index) between meshdb instances over gRPC, encoding
// messages as JSON rather than protobuf so the wire types can be shared
// directly with the catalog and CAS packages without a .proto build step.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated per-call via grpc.CallContentSubtype and
// registered globally in init, mirroring how grpc-go ships its own
// "proto" codec.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
