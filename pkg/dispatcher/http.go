package dispatcher

import (
	"net/http"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/router"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// ServeHTTP implements http.Handler. Paths are cleaned before routing, and
// websocket upgrade requests are served by stream routes.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	in := &common.Interaction{
		Kind:       common.KindRequest,
		Method:     req.Method,
		Path:       httprouter.CleanPath(req.URL.Path),
		RawQuery:   req.URL.RawQuery,
		Header:     req.Header,
		RemoteAddr: req.RemoteAddr,
		Body:       req.Body,
	}
	if req.Body == http.NoBody {
		in.Body = nil
	}

	if websocket.IsWebSocketUpgrade(req) {
		d.serveWebSocket(w, req, in)
		return
	}

	_ = d.inflight.Track(func() error {
		resp, err := d.Serve(req.Context(), in)
		if err != nil {
			// Only reachable with the error handler disabled.
			writeError(w, err)
			return err
		}
		if resp == nil {
			resp = common.NoContent()
		}
		if err := resp.WriteHTTP(w); err != nil {
			d.logger.Debug("Failed to write response",
				zap.String("method", in.Method),
				zap.String("path", in.Path),
				zap.Error(err),
			)
		}
		return nil
	})
}

// serveWebSocket upgrades the connection and runs the matching stream route.
func (d *Dispatcher) serveWebSocket(w http.ResponseWriter, req *http.Request, in *common.Interaction) {
	if _, _, err := d.router.Lookup(in.Path, router.MethodStream); err != nil {
		writeError(w, common.NotFound())
		return
	}

	ws, err := d.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already replied with an error status.
		d.logger.Warn("Websocket upgrade failed", zap.String("path", in.Path), zap.Error(err))
		return
	}

	conn := newWSConn(ws)
	defer conn.Close()

	in.Kind = common.KindStream
	in.Body = nil
	if err := d.Handle(req.Context(), in, conn); err != nil {
		d.logger.Warn("Stream failed", zap.String("path", in.Path), zap.Error(err))
	}
}

// writeError writes err as a plain-text response.
func writeError(w http.ResponseWriter, err error) {
	httpErr, ok := common.AsHTTPError(err)
	if !ok {
		httpErr = common.InternalServerError()
	}
	for key, values := range httpErr.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	http.Error(w, httpErr.Message, httpErr.StatusCode)
}

var _ http.Handler = (*Dispatcher)(nil)
