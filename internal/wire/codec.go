package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which this package's codec is registered.
// Client stubs request it per call, and the gRPC server picks it from the registry based
// on the content-type the client sends.
const CodecName = "qlwire"

// Codec adapts this package's hand-written encoders to gRPC's message codec interface.
// The generated-protobuf codec cannot be used here because the messages are plain
// structs, not protoc output, but the bytes produced are ordinary protobuf wire format.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire codec: cannot marshal %T", v)
	}
	return Marshal(m), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire codec: cannot unmarshal into %T", v)
	}
	return Unmarshal(data, m)
}

// Name implements encoding.Codec.
func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
