package common

import "context"

// MiddlewareChain represents a chain of middleware
type MiddlewareChain []Middleware

// NewMiddlewareChain creates a new middleware chain
func NewMiddlewareChain(middlewares ...Middleware) MiddlewareChain {
	return middlewares
}

// Append adds middleware to the end of the chain
func (c MiddlewareChain) Append(middlewares ...Middleware) MiddlewareChain {
	return append(c, middlewares...)
}

// Prepend adds middleware to the beginning of the chain
func (c MiddlewareChain) Prepend(middlewares ...Middleware) MiddlewareChain {
	result := make(MiddlewareChain, len(middlewares)+len(c))
	copy(result, middlewares)
	copy(result[len(middlewares):], c)
	return result
}

// Then applies the middleware chain to a handler.
// The first middleware in the chain becomes the outermost wrapper.
func (c MiddlewareChain) Then(h Handler) Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}

// ThenFunc applies the middleware chain to a handler function
func (c MiddlewareChain) ThenFunc(fn HandlerFunc) Handler {
	return c.Then(fn)
}

// RequestOnly wraps a processor body so that non-request interactions bypass
// it and are forwarded to next unchanged.
func RequestOnly(next Handler, process HandlerFunc) Handler {
	return HandlerFunc(func(ctx context.Context, in *Interaction) (*Response, error) {
		if in.Kind != KindRequest {
			return next.Serve(ctx, in)
		}
		return process(ctx, in)
	})
}
