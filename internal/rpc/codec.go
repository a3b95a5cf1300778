package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as "proto" - grpc-go's transport picks the
// codec by name from the request's content-subtype, defaulting to
// "proto" when the caller sets none. Registering a gob codec under that
// name lets plain Go structs travel over grpc without protoc-generated
// types.
const codecName = "proto"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpc: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpc: gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }
