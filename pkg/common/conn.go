package common

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// MessageType identifies a message exchanged with the driver.
type MessageType string

const (
	MessageStartup          MessageType = "lifecycle.startup"
	MessageStartupComplete  MessageType = "lifecycle.startup.complete"
	MessageStartupFailed    MessageType = "lifecycle.startup.failed"
	MessageShutdown         MessageType = "lifecycle.shutdown"
	MessageShutdownComplete MessageType = "lifecycle.shutdown.complete"

	MessageRequestBody   MessageType = "request.body"
	MessageResponseStart MessageType = "response.start"
	MessageResponseBody  MessageType = "response.body"
	MessageDisconnect    MessageType = "disconnect"

	MessageStreamReceive MessageType = "stream.receive"
	MessageStreamSend    MessageType = "stream.send"
	MessageStreamClose   MessageType = "stream.close"
)

// Message is one unit exchanged over a Conn.
type Message struct {
	Type   MessageType // Message type
	Status int         // Response status for response.start
	Header http.Header // Response headers for response.start
	Body   []byte      // Payload for body and stream messages
	More   bool        // More body chunks follow
	Code   int         // Close code for stream.close
	Reason string      // Failure text for *.failed, close reason for stream.close
}

// Conn is the asynchronous channel between the dispatcher and its driver.
type Conn interface {
	// Receive blocks until the driver delivers the next message.
	Receive(ctx context.Context) (Message, error)
	// Send delivers a message to the driver.
	Send(ctx context.Context, msg Message) error
}

// ErrConnClosed is returned when a ChanConn has been closed.
var ErrConnClosed = errors.New("common: connection closed")

// ErrDisconnected is returned by a body reader when the client goes away mid-body.
var ErrDisconnected = errors.New("common: client disconnected")

// ChanConn is an in-memory Conn backed by two channels. The application side
// uses Receive/Send; the driver side uses Push/Next.
type ChanConn struct {
	in        chan Message
	out       chan Message
	closeOnce sync.Once
	closed    chan struct{}
}

// NewChanConn creates a ChanConn whose channels hold up to buffer messages.
func NewChanConn(buffer int) *ChanConn {
	return &ChanConn{
		in:     make(chan Message, buffer),
		out:    make(chan Message, buffer),
		closed: make(chan struct{}),
	}
}

// Receive implements Conn.
func (c *ChanConn) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return Message{}, ErrConnClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send implements Conn.
func (c *ChanConn) Send(ctx context.Context, msg Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push delivers a message from the driver to the application.
func (c *ChanConn) Push(ctx context.Context, msg Message) error {
	select {
	case c.in <- msg:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next message the application sent to the driver.
func (c *ChanConn) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.out:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close unblocks pending Receive and Send calls. Messages already sent to
// the driver can still be read with Next.
func (c *ChanConn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// bodyReader adapts a stream of request.body messages to io.Reader.
type bodyReader struct {
	ctx  context.Context
	conn Conn
	buf  []byte
	done bool
}

// NewBodyReader returns a reader over the request.body messages delivered by
// conn. The reader reports io.EOF after the chunk whose More flag is false.
func NewBodyReader(ctx context.Context, conn Conn) io.Reader {
	return &bodyReader{ctx: ctx, conn: conn}
}

func (r *bodyReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		msg, err := r.conn.Receive(r.ctx)
		if err != nil {
			return 0, err
		}
		switch msg.Type {
		case MessageRequestBody:
			r.buf = msg.Body
			r.done = !msg.More
		case MessageDisconnect:
			return 0, ErrDisconnected
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
