package codec

import "github.com/vmihailenco/msgpack/v5"

const msgpackContentType = "application/msgpack"

// MsgpackCodec uses MessagePack for marshaling and unmarshaling.
type MsgpackCodec struct{}

// Msgpack is the default MessagePack codec.
var Msgpack = &MsgpackCodec{}

// ContentType implements Codec.
func (c *MsgpackCodec) ContentType() string { return msgpackContentType }

// Marshal implements Codec.
func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal implements Codec.
func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
