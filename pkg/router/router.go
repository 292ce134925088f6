// Package router provides the route table and the terminal dispatcher.
// Routes are registered into a typed path matcher, composed into nested
// groups sharing a prefix, and served by converting handler results into
// responses.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Suhaibinator/thor/pkg/codec"
	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/matcher"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Route is a registered route. Its handler already includes any per-route
// middleware.
type Route = matcher.Route[common.Handler]

var (
	// ErrDuplicateName is returned when a route name is already taken.
	ErrDuplicateName = errors.New("router: duplicate route name")
	// ErrUnknownRoute is returned by URLFor for a name that was never registered.
	ErrUnknownRoute = errors.New("router: unknown route name")
	// ErrMissingParam is returned by URLFor when a template parameter has no value.
	ErrMissingParam = errors.New("router: missing route parameter")
	// ErrInvalidParam is returned by URLFor when a value does not satisfy the parameter type.
	ErrInvalidParam = errors.New("router: invalid route parameter")
	// ErrSelfMount is returned when a router is mounted onto a router sharing its table.
	ErrSelfMount = errors.New("router: cannot mount a router onto its own table")
)

// table is the route storage shared by a router and all of its groups.
type table struct {
	mu    sync.RWMutex
	tree  *matcher.Tree[common.Handler]
	names map[string]*Route
}

// Router is a route table. Groups created with Group share the same table.
// Lookups are safe for concurrent use; registration takes a write lock.
type Router struct {
	table       *table
	prefix      string
	middlewares []common.Middleware
	logger      *zap.Logger
}

// NewRouter creates a router and registers the routes of config's sub-routers.
// It panics if a sub-router route cannot be registered.
func NewRouter(config RouterConfig) *Router {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		table: &table{
			tree:  matcher.New[common.Handler](),
			names: make(map[string]*Route),
		},
		middlewares: append([]common.Middleware(nil), config.Middlewares...),
		logger:      logger,
	}

	for _, sr := range config.SubRouters {
		r.registerSubRouter(sr)
	}
	return r
}

// New creates an empty router.
func New() *Router {
	return NewRouter(RouterConfig{})
}

// registerSubRouter registers all routes in a sub-router.
func (r *Router) registerSubRouter(sr SubRouterConfig) {
	g := r.Group(sr.PathPrefix, sr.Middlewares...)
	for _, route := range sr.Routes {
		if err := g.RegisterRoute(route); err != nil {
			panic(err)
		}
	}
}

// Group returns a router that registers into the same table under prefix.
// Middlewares given here wrap every route registered through the group, inside
// the middlewares of the parent.
func (r *Router) Group(prefix string, middlewares ...common.Middleware) *Router {
	mws := make([]common.Middleware, 0, len(r.middlewares)+len(middlewares))
	mws = append(mws, r.middlewares...)
	mws = append(mws, middlewares...)
	return &Router{
		table:       r.table,
		prefix:      strings.TrimSuffix(joinPath(r.prefix, prefix), "/"),
		middlewares: mws,
		logger:      r.logger,
	}
}

// Prefix returns the path prefix of the router.
func (r *Router) Prefix() string { return r.prefix }

// Register adds a route serving methods at path.
// Methods are upper-cased; an empty list means GET.
func (r *Router) Register(methods []string, path string, h HandlerFunc, opts ...RouteOption) (*Route, error) {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return r.insert(methods, path, r.adapt(h), o)
}

// RegisterRoute registers a route described by a RouteConfig.
func (r *Router) RegisterRoute(route RouteConfig) error {
	_, err := r.Register(route.Methods, route.Path, route.Handler,
		WithName(route.Name), WithMiddleware(route.Middlewares...))
	return err
}

// RegisterGenericRoute registers a route with typed request and response data.
// This is a standalone function rather than a method because Go methods cannot
// have type parameters.
func RegisterGenericRoute[T any, U any](r *Router, route GenericRouteConfig[T, U]) (*Route, error) {
	c := route.Codec
	if c == nil {
		c = codec.JSON
	}

	handler := func(ctx context.Context, in *common.Interaction) (any, error) {
		data, err := codec.Decode[T](c, in.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.BadRequest("Failed to decode request"), err)
		}

		resp, err := route.Handler(ctx, in, data)
		if err != nil {
			return nil, err
		}
		return common.Encoded(http.StatusOK, c, resp)
	}

	return r.Register(route.Methods, route.Path, handler,
		WithName(route.Name), WithMiddleware(route.Middlewares...))
}

// Route registers a handler for several methods and panics on error.
func (r *Router) Route(methods []string, path string, h HandlerFunc, opts ...RouteOption) *Route {
	route, err := r.Register(methods, path, h, opts...)
	if err != nil {
		panic(err)
	}
	return route
}

// Get registers a GET route and panics on error.
func (r *Router) Get(path string, h HandlerFunc, opts ...RouteOption) *Route {
	return r.Route([]string{http.MethodGet}, path, h, opts...)
}

// Post registers a POST route and panics on error.
func (r *Router) Post(path string, h HandlerFunc, opts ...RouteOption) *Route {
	return r.Route([]string{http.MethodPost}, path, h, opts...)
}

// Put registers a PUT route and panics on error.
func (r *Router) Put(path string, h HandlerFunc, opts ...RouteOption) *Route {
	return r.Route([]string{http.MethodPut}, path, h, opts...)
}

// Patch registers a PATCH route and panics on error.
func (r *Router) Patch(path string, h HandlerFunc, opts ...RouteOption) *Route {
	return r.Route([]string{http.MethodPatch}, path, h, opts...)
}

// Delete registers a DELETE route and panics on error.
func (r *Router) Delete(path string, h HandlerFunc, opts ...RouteOption) *Route {
	return r.Route([]string{http.MethodDelete}, path, h, opts...)
}

// Mount copies every route of sub into this router under prefix. Routes
// registered on sub afterwards are not picked up.
func (r *Router) Mount(prefix string, sub *Router) error {
	if sub.table == r.table {
		return ErrSelfMount
	}

	sub.table.mu.RLock()
	routes := sub.table.tree.Routes()
	sub.table.mu.RUnlock()

	g := r.Group(prefix)

	r.table.mu.Lock()
	defer r.table.mu.Unlock()

	// A conflicting route leaves the table untouched.
	if err := g.checkMount(routes); err != nil {
		return err
	}
	for _, route := range routes {
		if _, err := g.insertLocked(route.Methods(), route.Template(), route.Handler(), routeOptions{name: route.Name()}); err != nil {
			return fmt.Errorf("router: mount %s: %w", route.Template(), err)
		}
	}
	return nil
}

// checkMount replays the table and routes into a scratch tree and reports
// the first conflict. The caller holds the table's write lock.
func (r *Router) checkMount(routes []*Route) error {
	scratch := matcher.New[common.Handler]()
	for _, existing := range r.table.tree.Routes() {
		if _, err := scratch.Insert(existing.Methods(), existing.Template(), existing.Handler(), existing.Name()); err != nil {
			return err
		}
	}
	names := make(map[string]bool, len(r.table.names))
	for name := range r.table.names {
		names[name] = true
	}

	for _, route := range routes {
		if name := route.Name(); name != "" {
			if names[name] {
				return fmt.Errorf("router: mount %s: %w: %q", route.Template(), ErrDuplicateName, name)
			}
			names[name] = true
		}
		template := joinPath(r.prefix, route.Template())
		if _, err := scratch.Insert(route.Methods(), template, route.Handler(), route.Name()); err != nil {
			return fmt.Errorf("router: mount %s: %w", route.Template(), err)
		}
	}
	return nil
}

// Routes returns every registered route in registration order.
func (r *Router) Routes() []*Route {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	return r.table.tree.Routes()
}

// Lookup finds the route serving method at path.
func (r *Router) Lookup(path, method string) (*Route, matcher.Params, error) {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	return r.table.tree.Lookup(path, method)
}

// URLFor builds the path of the named route from params. Values are
// formatted with fmt.Sprint and must satisfy the parameter's type.
func (r *Router) URLFor(name string, params map[string]any) (string, error) {
	r.table.mu.RLock()
	route, ok := r.table.names[name]
	r.table.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoute, name)
	}

	var b strings.Builder
	for _, seg := range route.Segments() {
		b.WriteByte('/')
		if !seg.IsParam() {
			b.WriteString(url.PathEscape(seg.Literal))
			continue
		}

		v, ok := params[seg.Param.Name]
		if !ok {
			return "", fmt.Errorf("%w: %s in %q", ErrMissingParam, seg.Param.Name, name)
		}
		s := fmt.Sprint(v)
		if _, ok := seg.Param.Match(s); !ok {
			return "", fmt.Errorf("%w: %s=%q does not match %s", ErrInvalidParam, seg.Param.Name, s, seg)
		}
		if seg.Param.Type == matcher.TypePath {
			parts := strings.Split(s, "/")
			for i, p := range parts {
				parts[i] = url.PathEscape(p)
			}
			b.WriteString(strings.Join(parts, "/"))
		} else {
			b.WriteString(url.PathEscape(s))
		}
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

// Serve is the terminal dispatcher. It looks up the route for the
// interaction, binds the path parameters and invokes the handler.
// A missing route yields a 404 HTTPError; a path served only under other
// methods yields a 405 HTTPError carrying the Allow header. Lifecycle
// interactions are ignored.
func (r *Router) Serve(ctx context.Context, in *common.Interaction) (*common.Response, error) {
	method := in.Method
	switch in.Kind {
	case common.KindLifecycle:
		return nil, nil
	case common.KindStream:
		method = MethodStream
	}

	route, params, err := r.Lookup(in.Path, method)
	if err != nil {
		if in.Kind == common.KindStream {
			return nil, rejectStream(ctx, in)
		}
		var mismatch *matcher.MethodMismatchError
		if errors.As(err, &mismatch) {
			return nil, common.MethodNotAllowed(mismatch.Allowed)
		}
		return nil, common.NotFound()
	}

	in.Params = params
	in.Route = route.Template()
	return route.Handler().Serve(ctx, in)
}

func (r *Router) insert(methods []string, path string, h common.Handler, o routeOptions) (*Route, error) {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	return r.insertLocked(methods, path, h, o)
}

// insertLocked is insert for callers already holding the table's write lock.
func (r *Router) insertLocked(methods []string, path string, h common.Handler, o routeOptions) (*Route, error) {
	h = common.MiddlewareChain(o.middlewares).Then(h)
	h = common.MiddlewareChain(r.middlewares).Then(h)
	template := joinPath(r.prefix, path)

	if o.name != "" {
		if _, taken := r.table.names[o.name]; taken {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, o.name)
		}
	}

	route, err := r.table.tree.Insert(methods, template, h, o.name)
	if err != nil {
		return nil, err
	}
	if o.name != "" {
		r.table.names[o.name] = route
	}

	r.logger.Debug("Registered route",
		zap.Strings("methods", route.Methods()),
		zap.String("path", template),
		zap.String("name", o.name),
	)
	return route, nil
}

// adapt converts a HandlerFunc into a common.Handler applying the default
// response conversion rules.
func (r *Router) adapt(h HandlerFunc) common.Handler {
	return common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		result, err := h(ctx, in)
		if err != nil {
			return nil, err
		}
		return ToResponse(result)
	})
}

// ToResponse converts a handler result to a response.
func ToResponse(result any) (*common.Response, error) {
	switch v := result.(type) {
	case nil:
		return common.NoContent(), nil
	case *common.Response:
		if v == nil {
			return common.NoContent(), nil
		}
		return v, nil
	case common.Response:
		return &v, nil
	case string:
		return common.Text(http.StatusOK, v), nil
	case []byte:
		return common.Bytes(http.StatusOK, v), nil
	case proto.Message:
		return common.Proto(http.StatusOK, v)
	default:
		return common.JSON(http.StatusOK, v)
	}
}

// joinPath joins a group prefix and a route path with exactly one slash.
func joinPath(prefix, path string) string {
	prefix = strings.Trim(prefix, "/")
	path = strings.TrimLeft(path, "/")
	switch {
	case prefix == "":
		return "/" + path
	case path == "":
		return "/" + prefix
	default:
		return "/" + prefix + "/" + path
	}
}
