package middleware

import (
	"context"

	"github.com/google/uuid"
)

// RequestIDHeader is the response header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the key used to store the request ID in the context
type requestIDKey struct{}

// NewRequestID generates a unique request ID.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext extracts the request ID from a context.
// Returns an empty string if no request ID is found.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// validRequestID reports whether an incoming request ID may be reused.
func validRequestID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
