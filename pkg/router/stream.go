package router

import (
	"context"
	"errors"

	"github.com/Suhaibinator/thor/pkg/common"
)

// Close codes sent with stream.close, as defined for websockets.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// ErrStreamClosed is returned by Stream.Receive once the peer has closed the
// stream or disconnected.
var ErrStreamClosed = errors.New("router: stream closed")

// ErrNoConn is returned when a stream interaction carries no connection.
var ErrNoConn = errors.New("router: stream interaction without a connection")

// StreamHandlerFunc handles a bidirectional message stream. Returning closes
// the stream: normally on nil, with an internal-error code otherwise.
type StreamHandlerFunc func(ctx context.Context, s *Stream) error

// Stream is the application side of a bidirectional message stream.
type Stream struct {
	in     *common.Interaction
	conn   common.Conn
	closed bool
}

// Interaction returns the interaction that opened the stream.
func (s *Stream) Interaction() *common.Interaction { return s.in }

// Receive waits for the next message from the peer.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	for {
		msg, err := s.conn.Receive(ctx)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case common.MessageStreamReceive:
			return msg.Body, nil
		case common.MessageStreamClose, common.MessageDisconnect:
			s.closed = true
			return nil, ErrStreamClosed
		}
	}
}

// Send delivers data to the peer.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	if s.closed {
		return ErrStreamClosed
	}
	return s.conn.Send(ctx, common.Message{Type: common.MessageStreamSend, Body: data})
}

// Close ends the stream with the given close code.
func (s *Stream) Close(ctx context.Context, code int, reason string) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Send(ctx, common.Message{Type: common.MessageStreamClose, Code: code, Reason: reason})
}

// Stream registers a stream handler at path and panics on error.
func (r *Router) Stream(path string, h StreamHandlerFunc, opts ...RouteOption) *Route {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}

	handler := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		if in.Conn == nil {
			return nil, ErrNoConn
		}
		s := &Stream{in: in, conn: in.Conn}
		err := h(ctx, s)
		if errors.Is(err, ErrStreamClosed) {
			err = nil
		}

		code, reason := CloseNormal, ""
		if err != nil {
			code, reason = CloseInternalError, "internal error"
		}
		if cerr := s.Close(ctx, code, reason); cerr != nil && err == nil {
			err = cerr
		}
		return nil, err
	})

	route, err := r.insert([]string{MethodStream}, path, handler, o)
	if err != nil {
		panic(err)
	}
	return route
}

// rejectStream closes an unmatched stream with a policy-violation code.
func rejectStream(ctx context.Context, in *common.Interaction) error {
	if in.Conn == nil {
		return common.NotFound()
	}
	return in.Conn.Send(ctx, common.Message{
		Type:   common.MessageStreamClose,
		Code:   ClosePolicyViolation,
		Reason: "no route",
	})
}
