// Package dispatcher is the single entry point of a thor application. It
// hands lifecycle signals to the protocol handler and everything else to the
// cached processor pipeline in front of the router.
package dispatcher

import (
	"context"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/lifecycle"
	"github.com/Suhaibinator/thor/pkg/metrics"
	"github.com/Suhaibinator/thor/pkg/middleware"
	"github.com/Suhaibinator/thor/pkg/pipeline"
	"github.com/Suhaibinator/thor/pkg/router"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config defines the dispatcher's behaviour.
type Config struct {
	// Logger for the dispatcher and its default processors.
	// A production logger is created when nil.
	Logger *zap.Logger

	// ShutdownTimeout bounds the drain of in-flight requests.
	// lifecycle.DefaultShutdownTimeout when zero.
	ShutdownTimeout time.Duration

	// DisableErrorHandler leaves error rendering to the caller. By default
	// the error-handling processor is installed as the outermost processor.
	DisableErrorHandler bool

	// TrustRequestID reuses well-formed X-Request-ID headers sent by clients.
	TrustRequestID bool

	// RejectWhileDraining answers new requests with 503 once shutdown began.
	RejectWhileDraining bool

	// Metrics, when set, records request metrics, the in-flight gauge and
	// the lifecycle state.
	Metrics *metrics.Collector
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithRouter uses r as the route table instead of a new one.
func WithRouter(r *router.Router) Option {
	return func(d *Dispatcher) { d.router = r }
}

// WithManager uses m for lifecycle hooks and application state.
func WithManager(m *lifecycle.Manager) Option {
	return func(d *Dispatcher) { d.manager = m }
}

// WithUpgrader sets the websocket upgrader used for stream routes.
func WithUpgrader(u *websocket.Upgrader) Option {
	return func(d *Dispatcher) { d.upgrader = u }
}

// Dispatcher routes interactions to the protocol handler or the pipeline.
type Dispatcher struct {
	config   Config
	logger   *zap.Logger
	router   *router.Router
	pipeline *pipeline.Builder
	manager  *lifecycle.Manager
	inflight *lifecycle.InFlight
	protocol *lifecycle.ProtocolHandler
	upgrader *websocket.Upgrader
}

// New creates a dispatcher.
func New(config Config, opts ...Option) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	d := &Dispatcher{
		config:   config,
		logger:   logger,
		upgrader: &websocket.Upgrader{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.router == nil {
		d.router = router.NewRouter(router.RouterConfig{Logger: logger})
	}
	if d.manager == nil {
		d.manager = lifecycle.NewManager(logger)
	}

	var inflightObserver func(int64)
	protocolOpts := []lifecycle.Option{lifecycle.WithLogger(logger)}
	if config.ShutdownTimeout > 0 {
		protocolOpts = append(protocolOpts, lifecycle.WithShutdownTimeout(config.ShutdownTimeout))
	}
	if c := config.Metrics; c != nil {
		inflightObserver = c.SetInFlight
		c.SetLifecycleState("", lifecycle.StatusInit.String())
		protocolOpts = append(protocolOpts, lifecycle.WithStatusObserver(func(from, to lifecycle.Status) {
			c.SetLifecycleState(from.String(), to.String())
		}))
	}
	d.inflight = lifecycle.NewInFlight(inflightObserver)
	d.protocol = lifecycle.NewProtocolHandler(d.manager, d.inflight, protocolOpts...)

	d.pipeline = pipeline.New(d.router)
	if !config.DisableErrorHandler {
		pipeline.Add(d.pipeline, "error_handler", middleware.ErrorHandler, middleware.ErrorHandlerConfig{
			Logger:         logger,
			TrustRequestID: config.TrustRequestID,
		})
	}
	if config.RejectWhileDraining {
		pipeline.Add(d.pipeline, "reject_while_draining", rejectWhileDraining, d.protocol)
	}
	if config.Metrics != nil {
		pipeline.Add(d.pipeline, "metrics", middleware.Metrics, middleware.MetricsConfig{Collector: config.Metrics})
	}
	return d
}

// rejectWhileDraining fails requests with 503 once shutdown has begun.
func rejectWhileDraining(next common.Handler, p *lifecycle.ProtocolHandler) (common.Handler, error) {
	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		if p.ShuttingDown() {
			return nil, common.ServiceUnavailable("Service is shutting down")
		}
		return next.Serve(ctx, in)
	}), nil
}

// Router returns the route table.
func (d *Dispatcher) Router() *router.Router { return d.router }

// Pipeline returns the processor pipeline. Processors added through it are
// placed inside the default processors.
func (d *Dispatcher) Pipeline() *pipeline.Builder { return d.pipeline }

// Manager returns the lifecycle manager.
func (d *Dispatcher) Manager() *lifecycle.Manager { return d.manager }

// Protocol returns the lifecycle protocol handler.
func (d *Dispatcher) Protocol() *lifecycle.ProtocolHandler { return d.protocol }

// InFlight returns the in-flight request counter.
func (d *Dispatcher) InFlight() *lifecycle.InFlight { return d.inflight }

// Metrics returns the metrics collector, or nil.
func (d *Dispatcher) Metrics() *metrics.Collector { return d.config.Metrics }

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *zap.Logger { return d.logger }

// State returns the application state shared with lifecycle hooks.
func (d *Dispatcher) State() *common.State { return d.manager.State() }

// Use appends middlewares to the pipeline.
func (d *Dispatcher) Use(middlewares ...common.Middleware) { d.pipeline.Use(middlewares...) }

// OnStartup registers startup hooks.
func (d *Dispatcher) OnStartup(hooks ...lifecycle.Hook) { d.manager.OnStartup(hooks...) }

// OnShutdown registers shutdown hooks.
func (d *Dispatcher) OnShutdown(hooks ...lifecycle.Hook) { d.manager.OnShutdown(hooks...) }

// Bracket registers a startup hook together with the teardown it returns.
func (d *Dispatcher) Bracket(hook lifecycle.BracketHook) { d.manager.Bracket(hook) }

// Get registers a GET route.
func (d *Dispatcher) Get(path string, h router.HandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Get(path, h, opts...)
}

// Post registers a POST route.
func (d *Dispatcher) Post(path string, h router.HandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Post(path, h, opts...)
}

// Put registers a PUT route.
func (d *Dispatcher) Put(path string, h router.HandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Put(path, h, opts...)
}

// Patch registers a PATCH route.
func (d *Dispatcher) Patch(path string, h router.HandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Patch(path, h, opts...)
}

// Delete registers a DELETE route.
func (d *Dispatcher) Delete(path string, h router.HandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Delete(path, h, opts...)
}

// Route registers h for several methods.
func (d *Dispatcher) Route(methods []string, path string, h router.HandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Route(methods, path, h, opts...)
}

// Stream registers a stream route.
func (d *Dispatcher) Stream(path string, h router.StreamHandlerFunc, opts ...router.RouteOption) *router.Route {
	return d.router.Stream(path, h, opts...)
}

// Group returns a router registering under prefix.
func (d *Dispatcher) Group(prefix string, middlewares ...common.Middleware) *router.Router {
	return d.router.Group(prefix, middlewares...)
}

// Mount copies the routes of sub under prefix.
func (d *Dispatcher) Mount(prefix string, sub *router.Router) error {
	return d.router.Mount(prefix, sub)
}

// URLFor builds the path of a named route.
func (d *Dispatcher) URLFor(name string, params map[string]any) (string, error) {
	return d.router.URLFor(name, params)
}

// Startup runs the startup hooks through the protocol handler.
func (d *Dispatcher) Startup(ctx context.Context) error { return d.protocol.Startup(ctx) }

// Shutdown drains in-flight requests and runs the shutdown hooks.
func (d *Dispatcher) Shutdown(ctx context.Context) error { return d.protocol.Shutdown(ctx) }

// Run serves lifecycle signals from conn until shutdown completes.
func (d *Dispatcher) Run(ctx context.Context, conn common.Conn) error { return d.protocol.Run(ctx, conn) }

// Serve runs in through the pipeline without tracking or writing the
// response. It is meant for in-process callers and tests.
func (d *Dispatcher) Serve(ctx context.Context, in *common.Interaction) (*common.Response, error) {
	if in.State == nil {
		in.State = d.manager.State()
	}
	return d.pipeline.Serve(common.WithState(ctx, in.State), in)
}

// Handle is the entry point for drivers. Lifecycle signals go to the
// protocol handler, which acknowledges them over conn. Requests and streams
// are counted as in flight while the pipeline runs; a request's response is
// written to conn, and its body is read from conn when in.Body is nil.
func (d *Dispatcher) Handle(ctx context.Context, in *common.Interaction, conn common.Conn) error {
	if in.Kind == common.KindLifecycle {
		return d.protocol.Handle(ctx, in.Phase, conn)
	}
	if in.Conn == nil {
		in.Conn = conn
	}
	if in.Kind == common.KindRequest && in.Body == nil && conn != nil {
		in.Body = common.NewBodyReader(ctx, conn)
	}

	return d.inflight.Track(func() error {
		resp, err := d.Serve(ctx, in)
		if err != nil {
			return err
		}
		if in.Kind == common.KindStream {
			return nil
		}
		if resp == nil {
			resp = common.NoContent()
		}
		return resp.WriteTo(ctx, conn)
	})
}
