package codec

import "encoding/json"

const jsonContentType = "application/json"

// JSONCodec uses encoding/json for marshaling and unmarshaling.
type JSONCodec struct {
	// Indent, when set, pretty-prints marshaled output.
	Indent string
}

// JSON is the default JSON codec.
var JSON = &JSONCodec{}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// ContentType implements Codec.
func (c *JSONCodec) ContentType() string { return jsonContentType }

// Marshal implements Codec.
func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	if c.Indent != "" {
		return json.MarshalIndent(v, "", c.Indent)
	}
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
