// Package codec provides encoding and decoding functionality for different data formats.
package codec

import (
	"errors"
	"fmt"
	"io"
)

// Codec marshals response payloads and unmarshals request bodies for one
// wire format.
type Codec interface {
	// ContentType is the media type written with encoded payloads.
	ContentType() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into the value pointed to by v.
	Unmarshal(data []byte, v any) error
}

// ErrEmptyBody is returned by Decode when there is nothing to decode.
var ErrEmptyBody = errors.New("codec: empty body")

// Decode reads r to the end and decodes it into a value of type T.
// T may be a pointer type for the proto codec; a fresh message is allocated.
func Decode[T any](c Codec, r io.Reader) (T, error) {
	var data T
	if r == nil {
		return data, ErrEmptyBody
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return data, err
	}
	if len(body) == 0 {
		return data, ErrEmptyBody
	}

	if err := c.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("codec: decode %s: %w", c.ContentType(), err)
	}
	return data, nil
}

// Encode marshals v and returns the payload along with its content type.
func Encode(c Codec, v any) ([]byte, string, error) {
	body, err := c.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return body, c.ContentType(), nil
}

// ForContentType picks a codec from a Content-Type or Accept value.
// JSON is returned when nothing else matches.
func ForContentType(contentType string) Codec {
	switch mediaType(contentType) {
	case protoContentType, "application/protobuf", "application/vnd.google.protobuf":
		return Proto
	case msgpackContentType, "application/x-msgpack":
		return Msgpack
	default:
		return JSON
	}
}

func mediaType(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] == ';' || v[i] == ',' {
			v = v[:i]
			break
		}
	}
	start, end := 0, len(v)
	for start < end && v[start] == ' ' {
		start++
	}
	for end > start && v[end-1] == ' ' {
		end--
	}
	return v[start:end]
}
