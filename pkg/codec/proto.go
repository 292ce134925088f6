package codec

import (
	"errors"
	"reflect"

	"google.golang.org/protobuf/proto"
)

const protoContentType = "application/x-protobuf"

// ErrNotProtoMessage is returned when a value handed to the proto codec does
// not implement proto.Message.
var ErrNotProtoMessage = errors.New("codec: value does not implement proto.Message")

// ProtoCodec uses Protocol Buffers for marshaling and unmarshaling.
type ProtoCodec struct {
	Options proto.MarshalOptions
}

// Proto is the default Protocol Buffers codec.
var Proto = &ProtoCodec{}

// NewProtoCodec creates a Protocol Buffers codec.
func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{}
}

// ContentType implements Codec.
func (c *ProtoCodec) ContentType() string { return protoContentType }

// Marshal implements Codec. v must be a proto.Message.
func (c *ProtoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return c.Options.Marshal(msg)
}

// Unmarshal implements Codec. v must be a proto.Message, or a pointer to a
// nil message pointer, in which case a new message is allocated.
func (c *ProtoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}

	// Handle **Msg as produced by Decode[*Msg].
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Pointer {
		return ErrNotProtoMessage
	}
	elem := rv.Elem()
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	msg, ok := elem.Interface().(proto.Message)
	if !ok {
		return ErrNotProtoMessage
	}
	return proto.Unmarshal(data, msg)
}
