package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/lifecycle"
	"github.com/Suhaibinator/thor/pkg/metrics"
	"github.com/Suhaibinator/thor/pkg/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	return New(cfg)
}

func next(t *testing.T, conn *common.ChanConn) common.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := conn.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestHandleRequestWritesResponse(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	d.Get("/users/{id:int}", func(ctx context.Context, in *common.Interaction) (any, error) {
		id, _ := in.Params.Int("id")
		return map[string]int{"id": id}, nil
	})

	conn := common.NewChanConn(8)
	require.NoError(t, d.Handle(context.Background(), common.NewRequest("GET", "/users/7", nil), conn))

	start := next(t, conn)
	assert.Equal(t, common.MessageResponseStart, start.Type)
	assert.Equal(t, http.StatusOK, start.Status)
	assert.Equal(t, "application/json", start.Header.Get("Content-Type"))
	assert.NotEmpty(t, start.Header.Get("X-Request-ID"))

	body := next(t, conn)
	assert.Equal(t, common.MessageResponseBody, body.Type)
	assert.False(t, body.More)
	assert.JSONEq(t, `{"id":7}`, string(body.Body))
}

func TestHandleReadsBodyFromConn(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	d.Post("/echo", func(ctx context.Context, in *common.Interaction) (any, error) {
		return in.ReadBody()
	})

	conn := common.NewChanConn(8)
	ctx := context.Background()
	require.NoError(t, conn.Push(ctx, common.Message{Type: common.MessageRequestBody, Body: []byte("hello "), More: true}))
	require.NoError(t, conn.Push(ctx, common.Message{Type: common.MessageRequestBody, Body: []byte("world")}))

	require.NoError(t, d.Handle(ctx, common.NewRequest("POST", "/echo", nil), conn))
	assert.Equal(t, http.StatusOK, next(t, conn).Status)
	assert.Equal(t, "hello world", string(next(t, conn).Body))
}

func TestHandleErrorsBecomeJSON(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	d.Get("/items", func(ctx context.Context, in *common.Interaction) (any, error) { return "ok", nil })

	tests := []struct {
		method string
		path   string
		status int
		allow  string
	}{
		{"GET", "/missing", http.StatusNotFound, ""},
		{"DELETE", "/items", http.StatusMethodNotAllowed, "GET"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			conn := common.NewChanConn(8)
			require.NoError(t, d.Handle(context.Background(), common.NewRequest(tt.method, tt.path, nil), conn))

			start := next(t, conn)
			assert.Equal(t, tt.status, start.Status)
			assert.Equal(t, tt.allow, start.Header.Get("Allow"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(next(t, conn).Body, &body))
			assert.Equal(t, float64(tt.status), body["status_code"])
			assert.Equal(t, start.Header.Get("X-Request-ID"), body["request_id"])
		})
	}
}

func TestHandleLifecycleSignals(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	var events []string
	d.OnStartup(func(ctx context.Context, s *common.State) error {
		s.Set("db", "connected")
		events = append(events, "startup")
		return nil
	})
	d.OnShutdown(func(ctx context.Context, s *common.State) error {
		events = append(events, "shutdown")
		return nil
	})
	d.Get("/db", func(ctx context.Context, in *common.Interaction) (any, error) {
		v, _ := common.Value[string](in.State, "db")
		return v, nil
	})

	ctx := context.Background()
	conn := common.NewChanConn(8)

	require.NoError(t, d.Handle(ctx, &common.Interaction{Kind: common.KindLifecycle, Phase: common.PhaseStartup}, conn))
	assert.Equal(t, common.MessageStartupComplete, next(t, conn).Type)
	assert.Equal(t, lifecycle.StatusRunning, d.Protocol().Status())

	resp, err := d.Serve(ctx, common.NewRequest("GET", "/db", nil))
	require.NoError(t, err)
	assert.Equal(t, "connected", string(resp.Body))

	require.NoError(t, d.Handle(ctx, &common.Interaction{Kind: common.KindLifecycle, Phase: common.PhaseShutdown}, conn))
	assert.Equal(t, common.MessageShutdownComplete, next(t, conn).Type)
	assert.Equal(t, []string{"startup", "shutdown"}, events)

	err = d.Handle(ctx, &common.Interaction{Kind: common.KindLifecycle, Phase: common.PhaseStartup}, conn)
	assert.ErrorIs(t, err, lifecycle.ErrUnexpectedSignal)
}

func TestShutdownWaitsForInFlightRequests(t *testing.T) {
	d := newTestDispatcher(t, Config{ShutdownTimeout: 5 * time.Second})
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	d.Get("/slow", func(ctx context.Context, in *common.Interaction) (any, error) {
		close(started)
		<-release
		finished.Store(true)
		return "done", nil
	})
	hookSawFinished := false
	d.OnShutdown(func(ctx context.Context, s *common.State) error {
		hookSawFinished = finished.Load()
		return nil
	})

	ctx := context.Background()
	require.NoError(t, d.Startup(ctx))

	reqDone := make(chan error, 1)
	go func() {
		reqDone <- d.Handle(ctx, common.NewRequest("GET", "/slow", nil), common.NewChanConn(8))
	}()
	<-started
	assert.Equal(t, int64(1), d.InFlight().Count())

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- d.Shutdown(ctx) }()

	assert.Eventually(t, func() bool { return d.Protocol().Status() == lifecycle.StatusDraining }, time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-reqDone)
	require.NoError(t, <-shutdownDone)
	assert.True(t, hookSawFinished)
	assert.Equal(t, lifecycle.StatusShutdown, d.Protocol().Status())
}

func TestShutdownTimeoutAbandonsStuckRequests(t *testing.T) {
	d := newTestDispatcher(t, Config{ShutdownTimeout: 20 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	d.Get("/stuck", func(ctx context.Context, in *common.Interaction) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	hookRan := false
	d.OnShutdown(func(ctx context.Context, s *common.State) error {
		hookRan = true
		return nil
	})

	ctx := context.Background()
	require.NoError(t, d.Startup(ctx))
	go func() { _ = d.Handle(ctx, common.NewRequest("GET", "/stuck", nil), common.NewChanConn(8)) }()
	<-started

	start := time.Now()
	require.NoError(t, d.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, hookRan)
}

func TestRejectWhileDraining(t *testing.T) {
	d := newTestDispatcher(t, Config{RejectWhileDraining: true})
	d.Get("/", func(ctx context.Context, in *common.Interaction) (any, error) { return "ok", nil })

	ctx := context.Background()
	require.NoError(t, d.Startup(ctx))
	resp, err := d.Serve(ctx, common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	require.NoError(t, d.Shutdown(ctx))
	resp, err = d.Serve(ctx, common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestDisableErrorHandler(t *testing.T) {
	d := newTestDispatcher(t, Config{DisableErrorHandler: true})
	assert.Equal(t, 0, d.Pipeline().Len())

	_, err := d.Serve(context.Background(), common.NewRequest("GET", "/missing", nil))
	httpErr, ok := common.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	err = d.Handle(context.Background(), common.NewRequest("GET", "/missing", nil), common.NewChanConn(1))
	assert.Error(t, err)
}

func TestUseAddsProcessorsInsideDefaults(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	d.Use(func(next common.Handler) common.Handler {
		return common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
			return nil, errors.New("rejected by processor")
		})
	})

	resp, err := d.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	// The error handler is outermost and renders the processor's error.
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	names := []string{}
	for _, e := range d.Pipeline().Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"error_handler", "middleware"}, names)
}

func TestMetricsWiring(t *testing.T) {
	collector, err := metrics.NewCollector(metrics.Config{Namespace: "thor", Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	d := newTestDispatcher(t, Config{Metrics: collector})
	d.Get("/ping", func(ctx context.Context, in *common.Interaction) (any, error) { return "pong", nil })

	ctx := context.Background()
	require.NoError(t, d.Startup(ctx))
	require.NoError(t, d.Handle(ctx, common.NewRequest("GET", "/ping", nil), common.NewChanConn(8)))

	expected := `
# HELP thor_lifecycle_state Current lifecycle state (1 for the active state).
# TYPE thor_lifecycle_state gauge
thor_lifecycle_state{state="init"} 0
thor_lifecycle_state{state="running"} 1
thor_lifecycle_state{state="starting"} 0
# HELP thor_requests_total Total number of requests by method, route and status.
# TYPE thor_requests_total counter
thor_requests_total{method="GET",route="/ping",status="200"} 1
# HELP thor_inflight_requests Number of requests currently being processed.
# TYPE thor_inflight_requests gauge
thor_inflight_requests 0
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected),
		"thor_lifecycle_state", "thor_requests_total", "thor_inflight_requests"))
}

func TestRouteForwarding(t *testing.T) {
	d := New(Config{Logger: zap.NewNop()})
	api := d.Group("/api")
	api.Get("/users/{id:int}", func(ctx context.Context, in *common.Interaction) (any, error) { return nil, nil }, router.WithName("user"))

	sub := router.New()
	sub.Get("/health", func(ctx context.Context, in *common.Interaction) (any, error) { return "ok", nil })
	require.NoError(t, d.Mount("/ops", sub))

	u, err := d.URLFor("user", map[string]any{"id": 5})
	require.NoError(t, err)
	assert.Equal(t, "/api/users/5", u)

	resp, err := d.Serve(context.Background(), common.NewRequest("GET", "/ops/health", nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Same(t, d.State(), d.Manager().State())
}
