package router

import (
	"context"

	"github.com/Suhaibinator/thor/pkg/codec"
	"github.com/Suhaibinator/thor/pkg/common"
	"go.uber.org/zap"
)

// MethodStream is the pseudo method under which stream routes are registered.
const MethodStream = "STREAM"

// HandlerFunc is an application handler. Its result is converted to a
// response by the terminal dispatcher:
//   - *common.Response or common.Response is passed through unchanged
//   - nil yields an empty 204 No Content
//   - string yields text/plain
//   - []byte yields application/octet-stream
//   - proto.Message yields application/x-protobuf
//   - anything else (maps, slices, structs) is encoded as JSON
type HandlerFunc func(ctx context.Context, in *common.Interaction) (any, error)

// GenericHandler defines a handler function with typed request and response
// data. The request body is decoded with the route's codec before the handler
// is called, and the returned value is encoded with the same codec.
type GenericHandler[T any, U any] func(ctx context.Context, in *common.Interaction, data T) (U, error)

// Middleware is an alias for common.Middleware.
type Middleware = common.Middleware

// RouterConfig defines the configuration for a router.
type RouterConfig struct {
	Logger      *zap.Logger         // Logger for registration events; nil disables logging
	SubRouters  []SubRouterConfig   // Groups registered when the router is created
	Middlewares []common.Middleware // Wrappers applied to every route registered through this router
}

// SubRouterConfig defines a group of routes with a common path prefix.
type SubRouterConfig struct {
	PathPrefix  string              // Common path prefix for all routes in this sub-router
	Routes      []RouteConfig       // Routes in this sub-router
	Middlewares []common.Middleware // Middlewares applied to all routes in this sub-router
}

// RouteConfig defines one route registration.
type RouteConfig struct {
	Path        string              // Route template (prefixed with the sub-router path prefix if applicable)
	Methods     []string            // Methods this route handles, GET when empty
	Name        string              // Optional name for reverse routing
	Handler     HandlerFunc         // Handler function
	Middlewares []common.Middleware // Middlewares applied to this specific route
}

// GenericRouteConfig defines a route with typed request and response data.
type GenericRouteConfig[T any, U any] struct {
	Path        string
	Methods     []string
	Name        string
	Codec       codec.Codec // Codec for the request body and the response; JSON when nil
	Handler     GenericHandler[T, U]
	Middlewares []common.Middleware
}

// RouteOption customises a single registration.
type RouteOption func(*routeOptions)

type routeOptions struct {
	name        string
	middlewares []common.Middleware
}

// WithName names the route for URLFor.
func WithName(name string) RouteOption {
	return func(o *routeOptions) { o.name = name }
}

// WithMiddleware wraps the route's handler. The first middleware given is the
// outermost.
func WithMiddleware(middlewares ...common.Middleware) RouteOption {
	return func(o *routeOptions) { o.middlewares = append(o.middlewares, middlewares...) }
}
