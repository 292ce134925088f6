package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() common.Handler {
	return common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		return common.Text(http.StatusOK, "OK"), nil
	})
}

func errHandler(err error) common.Handler {
	return common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		return nil, err
	})
}

func mustBuild[C any](t *testing.T, factory func(common.Handler, C) (common.Handler, error), next common.Handler, cfg C) common.Handler {
	t.Helper()
	h, err := factory(next, cfg)
	require.NoError(t, err)
	return h
}

func TestBind(t *testing.T) {
	mw := Bind(BodyLimit, BodyLimitConfig{MaxBytes: 4})
	h := mw(okHandler())

	in := common.NewRequest("POST", "/", strings.NewReader("hi"))
	resp, err := h.Serve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	assert.Panics(t, func() {
		Bind(BodyLimit, BodyLimitConfig{})(okHandler())
	})
}

func TestProcessorsForwardLifecycleInteractions(t *testing.T) {
	called := false
	next := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		called = true
		return nil, nil
	})
	h := mustBuild(t, ErrorHandler, next, ErrorHandlerConfig{})

	resp, err := h.Serve(context.Background(), &common.Interaction{Kind: common.KindLifecycle, Phase: common.PhaseStartup})
	require.NoError(t, err)
	assert.True(t, called)
	// The error handler would have turned nil into 204 for a request.
	assert.Nil(t, resp)
}

func TestErrorHandlerHTTPError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	next := errHandler(common.MethodNotAllowed([]string{"GET", "POST"}))
	h := mustBuild(t, ErrorHandler, next, ErrorHandlerConfig{Logger: zap.New(core)})

	resp, err := h.Serve(context.Background(), common.NewRequest("DELETE", "/items", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "GET, POST", resp.Header.Get("Allow"))

	id := resp.Header.Get(RequestIDHeader)
	assert.True(t, validRequestID(id))
	assert.JSONEq(t, `{"error":"Method Not Allowed","status_code":405,"request_id":"`+id+`"}`, string(resp.Body))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestErrorHandlerHidesInternalErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := mustBuild(t, ErrorHandler, errHandler(errors.New("db password is hunter2")), ErrorHandlerConfig{Logger: zap.New(core)})

	resp, err := h.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotContains(t, string(resp.Body), "hunter2")
	assert.Contains(t, string(resp.Body), "Internal Server Error")

	entries := logs.FilterMessage("Unhandled error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	next := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		panic("boom")
	})
	h := mustBuild(t, ErrorHandler, next, ErrorHandlerConfig{Logger: zap.New(core)})

	resp, err := h.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestErrorHandlerRequestID(t *testing.T) {
	incoming := NewRequestID()
	var seen string
	next := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		seen = RequestIDFromContext(ctx)
		return nil, nil
	})

	tests := []struct {
		name   string
		trust  bool
		header string
		reuse  bool
	}{
		{"trusted valid id", true, incoming, true},
		{"trusted malformed id", true, "not-an-id", false},
		{"untrusted id", false, incoming, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mustBuild(t, ErrorHandler, next, ErrorHandlerConfig{TrustRequestID: tt.trust})
			in := common.NewRequest("GET", "/", nil)
			in.Header.Set(RequestIDHeader, tt.header)

			resp, err := h.Serve(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, http.StatusNoContent, resp.Status)
			assert.Equal(t, seen, resp.Header.Get(RequestIDHeader))
			assert.Equal(t, tt.reuse, seen == tt.header)
		})
	}
}

func TestRequestLoggingLevels(t *testing.T) {
	tests := []struct {
		name    string
		next    common.Handler
		level   zapcore.Level
		message string
		status  int64
	}{
		{"success", okHandler(), zapcore.InfoLevel, "Request", 200},
		{"client error", errHandler(common.NotFound()), zapcore.WarnLevel, "Client error", 404},
		{"server error", errHandler(errors.New("boom")), zapcore.ErrorLevel, "Server error", 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			h := mustBuild(t, RequestLogging, tt.next, LoggingConfig{Logger: zap.New(core)})

			in := common.NewRequest("GET", "/things", nil)
			in.RemoteAddr = "10.0.0.1:5000"
			_, _ = h.Serve(WithRequestID(context.Background(), "req-1"), in)

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, tt.message, entry.Message)
			fields := entry.ContextMap()
			assert.Equal(t, tt.status, fields["status"])
			assert.Equal(t, "/things", fields["path"])
			assert.Equal(t, "req-1", fields["request_id"])
			assert.Equal(t, "10.0.0.1", fields["client_ip"])
		})
	}
}

func TestRequestLoggingSlowRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	next := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		time.Sleep(5 * time.Millisecond)
		return common.Text(http.StatusOK, "late"), nil
	})
	h := mustBuild(t, RequestLogging, next, LoggingConfig{Logger: zap.New(core), SlowThreshold: time.Millisecond})

	_, err := h.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Slow request").Len())
}

func TestBodyLimit(t *testing.T) {
	read := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		body, err := in.ReadBody()
		if err != nil {
			return nil, err
		}
		return common.Bytes(http.StatusOK, body), nil
	})
	h := mustBuild(t, BodyLimit, read, BodyLimitConfig{MaxBytes: 5})

	t.Run("within limit", func(t *testing.T) {
		resp, err := h.Serve(context.Background(), common.NewRequest("POST", "/", strings.NewReader("hello")))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(resp.Body))
	})

	t.Run("declared length over limit", func(t *testing.T) {
		in := common.NewRequest("POST", "/", strings.NewReader("x"))
		in.Header.Set("Content-Length", "1000")
		_, err := h.Serve(context.Background(), in)
		httpErr, ok := common.AsHTTPError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusRequestEntityTooLarge, httpErr.StatusCode)
	})

	t.Run("streamed body over limit", func(t *testing.T) {
		_, err := h.Serve(context.Background(), common.NewRequest("POST", "/", strings.NewReader("hello world")))
		httpErr, ok := common.AsHTTPError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusRequestEntityTooLarge, httpErr.StatusCode)
	})
}

func TestLimitedReaderExactLimit(t *testing.T) {
	r := &limitedReader{r: strings.NewReader("abc"), remaining: 3}
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}

func TestTimeout(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	release := make(chan struct{})
	defer close(release)

	slow := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return common.Text(http.StatusOK, "too late"), nil
	})
	h := mustBuild(t, Timeout, slow, TimeoutConfig{Timeout: 20 * time.Millisecond, Logger: zap.New(core)})

	start := time.Now()
	resp, err := h.Serve(context.Background(), common.NewRequest("GET", "/slow", nil))
	assert.Nil(t, resp)
	httpErr, ok := common.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusGatewayTimeout, httpErr.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, logs.FilterMessage("Request timed out").Len())
}

func TestTimeoutFastHandlerAndPanic(t *testing.T) {
	h := mustBuild(t, Timeout, okHandler(), TimeoutConfig{Timeout: time.Second})
	resp, err := h.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "OK", string(resp.Body))

	panicky := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		panic("in goroutine")
	})
	h = mustBuild(t, Timeout, panicky, TimeoutConfig{Timeout: time.Second})
	_, err = h.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "in goroutine", panicErr.Value)

	// The error handler renders the panic from the timeout goroutine as a 500.
	outer := mustBuild(t, ErrorHandler, h, ErrorHandlerConfig{})
	resp, err = outer.Serve(context.Background(), common.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestTimeoutRejectsNonPositiveDuration(t *testing.T) {
	_, err := Timeout(okHandler(), TimeoutConfig{})
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		config IPConfig
		remote string
		header map[string]string
		want   string
	}{
		{"remote addr", DefaultIPConfig(), "192.0.2.1:1234", nil, "192.0.2.1"},
		{"ipv6 remote addr", DefaultIPConfig(), "[2001:db8::1]:443", nil, "2001:db8::1"},
		{"untrusted forwarded for", IPConfig{Source: IPSourceXForwardedFor}, "192.0.2.1:1", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1"},
		{"trusted forwarded for", IPConfig{Source: IPSourceXForwardedFor, TrustProxy: true}, "192.0.2.1:1", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"real ip", IPConfig{Source: IPSourceXRealIP, TrustProxy: true}, "192.0.2.1:1", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"custom header", IPConfig{Source: IPSourceCustomHeader, CustomHeader: "CF-Connecting-IP", TrustProxy: true}, "192.0.2.1:1", map[string]string{"CF-Connecting-IP": "198.51.100.2"}, "198.51.100.2"},
		{"missing header", IPConfig{Source: IPSourceXRealIP, TrustProxy: true}, "192.0.2.1:1", nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			next := common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
				got = ClientIPFromContext(ctx)
				return nil, nil
			})
			h := mustBuild(t, ClientIP, next, tt.config)

			in := common.NewRequest("GET", "/", nil)
			in.RemoteAddr = tt.remote
			for k, v := range tt.header {
				in.Header.Set(k, v)
			}
			_, err := h.Serve(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientKeyFallback(t *testing.T) {
	in := common.NewRequest("GET", "/", nil)
	assert.Equal(t, "unknown", clientKey(context.Background(), in))
	in.RemoteAddr = "127.0.0.1:80"
	assert.Equal(t, "127.0.0.1", clientKey(context.Background(), in))
}
