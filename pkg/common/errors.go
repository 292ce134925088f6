package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError represents an HTTP error with a status code and message.
// When returned from a handler or processor, the error-handling processor
// uses the status code, message and headers to build the response. Any
// other error becomes a generic 500.
type HTTPError struct {
	StatusCode int         // HTTP status code (e.g., 400, 404, 500)
	Message    string      // Error message to be sent in the response body
	Header     http.Header // Extra response headers (Allow, Retry-After, ...)
}

// Error implements the error interface.
// It returns a string representation of the HTTP error in the format "status: message".
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// WithHeader returns the error with an extra response header set.
func (e *HTTPError) WithHeader(key, value string) *HTTPError {
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Set(key, value)
	return e
}

// NewHTTPError creates a new HTTPError with the specified status code and message.
// An empty message defaults to the status text.
func NewHTTPError(statusCode int, message string) *HTTPError {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// AsHTTPError unwraps err to an *HTTPError.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// BadRequest returns a 400 error.
func BadRequest(message string) *HTTPError {
	return NewHTTPError(http.StatusBadRequest, message)
}

// Unauthorized returns a 401 error carrying a Bearer challenge.
func Unauthorized(message string) *HTTPError {
	return NewHTTPError(http.StatusUnauthorized, message).WithHeader("WWW-Authenticate", "Bearer")
}

// Forbidden returns a 403 error.
func Forbidden(message string) *HTTPError {
	return NewHTTPError(http.StatusForbidden, message)
}

// NotFound returns a 404 error.
func NotFound() *HTTPError {
	return NewHTTPError(http.StatusNotFound, "Not Found")
}

// MethodNotAllowed returns a 405 error listing the allowed methods in the
// Allow header.
func MethodNotAllowed(allowed []string) *HTTPError {
	return NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed").
		WithHeader("Allow", strings.Join(allowed, ", "))
}

// PayloadTooLarge returns a 413 error.
func PayloadTooLarge() *HTTPError {
	return NewHTTPError(http.StatusRequestEntityTooLarge, "Request Entity Too Large")
}

// TooManyRequests returns a 429 error. A positive retryAfter sets the
// Retry-After header, rounded up to whole seconds.
func TooManyRequests(retryAfter time.Duration) *HTTPError {
	err := NewHTTPError(http.StatusTooManyRequests, "Too Many Requests")
	if retryAfter > 0 {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		err.WithHeader("Retry-After", strconv.Itoa(secs))
	}
	return err
}

// RequestTimeout returns the error used when a request exceeds its deadline.
// It is reported as 504 since the server, not the client, ran out of time.
func RequestTimeout() *HTTPError {
	return NewHTTPError(http.StatusGatewayTimeout, "Request Timeout")
}

// ServiceUnavailable returns a 503 error.
func ServiceUnavailable(message string) *HTTPError {
	return NewHTTPError(http.StatusServiceUnavailable, message)
}

// InternalServerError returns a 500 error. The message is always generic.
func InternalServerError() *HTTPError {
	return NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
}
