package common

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Suhaibinator/thor/pkg/codec"
)

// streamChunkSize bounds each response.body message of a streaming response.
const streamChunkSize = 32 * 1024

// Response is the outcome of handling a request.
// Exactly one of Body and Stream is used; Stream wins when both are set.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.Reader // Streamed in chunks; closed after writing if it is an io.Closer
}

// NewResponse creates a response with the given status, body and content type.
func NewResponse(status int, body []byte, contentType string) *Response {
	r := &Response{Status: status, Header: make(http.Header), Body: body}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	return r
}

// Text creates a text/plain response.
func Text(status int, body string) *Response {
	return NewResponse(status, []byte(body), "text/plain; charset=utf-8")
}

// Bytes creates an application/octet-stream response.
func Bytes(status int, body []byte) *Response {
	return NewResponse(status, body, "application/octet-stream")
}

// Encoded marshals v with c.
func Encoded(status int, c codec.Codec, v any) (*Response, error) {
	body, contentType, err := codec.Encode(c, v)
	if err != nil {
		return nil, err
	}
	return NewResponse(status, body, contentType), nil
}

// JSON creates an application/json response.
func JSON(status int, v any) (*Response, error) {
	return Encoded(status, codec.JSON, v)
}

// Proto creates a protobuf response. v must be a proto.Message.
func Proto(status int, v any) (*Response, error) {
	return Encoded(status, codec.Proto, v)
}

// Msgpack creates a MessagePack response.
func Msgpack(status int, v any) (*Response, error) {
	return Encoded(status, codec.Msgpack, v)
}

// NoContent creates an empty 204 response.
func NoContent() *Response {
	return &Response{Status: http.StatusNoContent, Header: make(http.Header)}
}

// Redirect creates a redirect to location. A status outside 3xx becomes 307.
func Redirect(location string, status int) *Response {
	if status < 300 || status > 399 {
		status = http.StatusTemporaryRedirect
	}
	r := &Response{Status: status, Header: make(http.Header)}
	r.Header.Set("Location", location)
	return r
}

// Streaming creates a response whose body is read from stream as it is sent.
func Streaming(status int, stream io.Reader, contentType string) *Response {
	r := NewResponse(status, nil, contentType)
	r.Stream = stream
	return r
}

// SetHeader sets a response header and returns the response.
func (r *Response) SetHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
	return r
}

// SetCookie adds a Set-Cookie header. Invalid cookies are dropped.
func (r *Response) SetCookie(c *http.Cookie) *Response {
	if v := c.String(); v != "" {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Add("Set-Cookie", v)
	}
	return r
}

// header returns the headers to send, with Content-Length for fixed bodies.
func (r *Response) header() http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if r.Stream == nil && r.Status != http.StatusNoContent && r.Status != http.StatusNotModified {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	return h
}

func (r *Response) status() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}

// WriteTo sends the response over conn: a response.start message followed by
// one or more response.body messages, the last with More unset.
func (r *Response) WriteTo(ctx context.Context, conn Conn) error {
	if err := conn.Send(ctx, Message{
		Type:   MessageResponseStart,
		Status: r.status(),
		Header: r.header(),
	}); err != nil {
		return err
	}

	if r.Stream == nil {
		return conn.Send(ctx, Message{Type: MessageResponseBody, Body: r.Body})
	}
	if c, ok := r.Stream.(io.Closer); ok {
		defer c.Close()
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := conn.Send(ctx, Message{Type: MessageResponseBody, Body: chunk, More: true}); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return conn.Send(ctx, Message{Type: MessageResponseBody})
		}
		if err != nil {
			return err
		}
	}
}

// WriteHTTP writes the response to a net/http ResponseWriter, flushing after
// each chunk of a streaming body.
func (r *Response) WriteHTTP(w http.ResponseWriter) error {
	dst := w.Header()
	for k, v := range r.header() {
		dst[k] = v
	}
	w.WriteHeader(r.status())

	if r.Stream == nil {
		_, err := w.Write(r.Body)
		return err
	}
	if c, ok := r.Stream.(io.Closer); ok {
		defer c.Close()
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
