package handler

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// cborCodec carries the stock service messages over gRPC as CBOR, so the
// service needs no generated protobuf types.
type cborCodec struct{}

var _ encoding.Codec = cborCodec{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return "cbor"
}
