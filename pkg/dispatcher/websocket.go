package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// wsConn bridges a websocket to the stream messages of common.Conn.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Receive reads the next data frame. A close frame from the peer becomes
// stream.close and any other read failure becomes disconnect.
func (c *wsConn) Receive(ctx context.Context) (common.Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return common.Message{Type: common.MessageStreamClose, Code: closeErr.Code, Reason: closeErr.Text}, nil
		}
		return common.Message{Type: common.MessageDisconnect}, nil
	}
	return common.Message{Type: common.MessageStreamReceive, Body: data}, nil
}

// Send writes stream.send as a text frame when the payload is valid UTF-8
// and as a binary frame otherwise. stream.close sends a close frame.
func (c *wsConn) Send(ctx context.Context, msg common.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return common.ErrConnClosed
	}

	switch msg.Type {
	case common.MessageStreamSend:
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.ws.SetWriteDeadline(deadline)
		}
		kind := websocket.BinaryMessage
		if utf8.Valid(msg.Body) {
			kind = websocket.TextMessage
		}
		return c.ws.WriteMessage(kind, msg.Body)

	case common.MessageStreamClose:
		c.closed = true
		payload := websocket.FormatCloseMessage(msg.Code, msg.Reason)
		return c.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(closeWriteTimeout))
	}
	return nil
}

// Close releases the underlying connection.
func (c *wsConn) Close() error {
	return c.ws.Close()
}
