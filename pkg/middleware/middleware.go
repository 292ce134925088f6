package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"go.uber.org/zap"
)

// Use the Middleware type from the common package
type Middleware = common.Middleware

// Bind turns a processor factory and its configuration into a Middleware for
// per-route use. It panics if the factory rejects the configuration.
func Bind[C any](factory func(common.Handler, C) (common.Handler, error), cfg C) Middleware {
	return func(next common.Handler) common.Handler {
		h, err := factory(next, cfg)
		if err != nil {
			panic(err)
		}
		return h
	}
}

// PanicError carries a panic recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// recoverPanic converts a recovered value into a *PanicError.
func recoverPanic(rec any) *PanicError {
	return &PanicError{Value: rec, Stack: debug.Stack()}
}

// statusOf returns the status a response or error will be reported with.
func statusOf(resp *common.Response, err error) int {
	if err != nil {
		if httpErr, ok := common.AsHTTPError(err); ok {
			return httpErr.StatusCode
		}
		return http.StatusInternalServerError
	}
	if resp == nil || resp.Status == 0 {
		return http.StatusOK
	}
	return resp.Status
}

// LoggingConfig configures RequestLogging.
type LoggingConfig struct {
	Logger        *zap.Logger
	SlowThreshold time.Duration // Requests slower than this are logged at Warn; 1s when zero
}

// RequestLogging is a processor factory that writes one access log entry per
// request. Server errors are logged at Error level, client errors and slow
// requests at Warn level, everything else at Info level.
func RequestLogging(next common.Handler, cfg LoggingConfig) (common.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = time.Second
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		start := time.Now()
		resp, err := next.Serve(ctx, in)
		duration := time.Since(start)
		status := statusOf(resp, err)

		fields := []zap.Field{
			zap.String("method", in.Method),
			zap.String("path", in.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", clientKey(ctx, in)),
		}
		if id := RequestIDFromContext(ctx); id != "" {
			fields = append([]zap.Field{zap.String("request_id", id)}, fields...)
		}

		switch {
		case status >= 500:
			logger.Error("Server error", fields...)
		case status >= 400:
			logger.Warn("Client error", fields...)
		case duration > slow:
			logger.Warn("Slow request", fields...)
		default:
			logger.Info("Request", fields...)
		}
		return resp, err
	}), nil
}

// BodyLimitConfig configures BodyLimit.
type BodyLimitConfig struct {
	MaxBytes int64
}

// BodyLimit is a processor factory that rejects bodies larger than MaxBytes
// with 413. A declared Content-Length over the limit is rejected before the
// handler runs; otherwise reads past the limit fail with the 413 error.
func BodyLimit(next common.Handler, cfg BodyLimitConfig) (common.Handler, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("middleware: body limit must be positive, got %d", cfg.MaxBytes)
	}
	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		if cl := in.GetHeader("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > cfg.MaxBytes {
				return nil, common.PayloadTooLarge()
			}
		}
		if in.Body != nil {
			in.Body = &limitedReader{r: in.Body, remaining: cfg.MaxBytes}
		}
		return next.Serve(ctx, in)
	}), nil
}

// limitedReader fails once more than the allowed number of bytes is read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, common.PayloadTooLarge()
	}
	// Read one byte past the limit to detect oversized bodies.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n + int(l.remaining), common.PayloadTooLarge()
	}
	return n, err
}

// TimeoutConfig configures Timeout.
type TimeoutConfig struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Timeout is a processor factory that races the rest of the chain against a
// timer. When the timer wins, the downstream context is cancelled, the call is
// abandoned and a 504 error is returned.
func Timeout(next common.Handler, cfg TimeoutConfig) (common.Handler, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("middleware: timeout must be positive, got %s", cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	type result struct {
		resp *common.Response
		err  error
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		// Buffered so an abandoned call can still finish without blocking.
		done := make(chan result, 1)
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					done <- result{err: recoverPanic(rec)}
				}
			}()
			resp, err := next.Serve(ctx, in)
			done <- result{resp: resp, err: err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			logger.Warn("Request timed out",
				zap.String("method", in.Method),
				zap.String("path", in.Path),
				zap.Duration("timeout", cfg.Timeout),
				zap.String("request_id", RequestIDFromContext(ctx)),
			)
			return nil, common.RequestTimeout()
		}
	}), nil
}
