package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunServer runs the startup hooks, then serves srv until ctx is cancelled.
// On cancellation the listener is closed and the dispatcher drains in-flight
// requests and runs the shutdown hooks. srv.Handler defaults to d.
func (d *Dispatcher) RunServer(ctx context.Context, srv *http.Server) error {
	addr := srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return d.RunListener(ctx, srv, ln)
}

// RunListener is RunServer on an existing listener.
func (d *Dispatcher) RunListener(ctx context.Context, srv *http.Server, ln net.Listener) error {
	if srv.Handler == nil {
		srv.Handler = d
	}
	if err := d.Startup(ctx); err != nil {
		ln.Close()
		return err
	}
	d.logger.Info("Server listening", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("Shutting down server")

		// Stop accepting connections while the protocol handler drains
		// requests already admitted, both bounded by the shutdown timeout.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.protocol.ShutdownTimeout())
		defer cancel()

		var sg errgroup.Group
		sg.Go(func() error { return srv.Shutdown(shutdownCtx) })
		sg.Go(func() error { return d.Shutdown(context.WithoutCancel(ctx)) })
		return sg.Wait()
	})
	return g.Wait()
}
