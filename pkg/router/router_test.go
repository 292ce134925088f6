package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/matcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func serve(t *testing.T, r *Router, method, target string) (*common.Response, error) {
	t.Helper()
	return r.Serve(context.Background(), common.NewRequest(method, target, nil))
}

func returning(v any) HandlerFunc {
	return func(ctx context.Context, in *common.Interaction) (any, error) { return v, nil }
}

// TestRouteMatching tests that routes are matched and parameters bound
func TestRouteMatching(t *testing.T) {
	r := New()
	r.Get("/api/users/{id:int}", func(ctx context.Context, in *common.Interaction) (any, error) {
		id, _ := in.Params.Int("id")
		assert.Equal(t, "/api/users/{id:int}", in.Route)
		return map[string]int{"id": id}, nil
	})

	resp, err := serve(t, r, "GET", "/api/users/123")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":123}`, string(resp.Body))
}

func TestResultConversion(t *testing.T) {
	type user struct {
		Name string `json:"name"`
	}
	custom := common.Text(http.StatusAccepted, "custom")

	tests := []struct {
		name        string
		result      any
		status      int
		contentType string
		body        string
	}{
		{"nil", nil, http.StatusNoContent, "", ""},
		{"typed nil response", (*common.Response)(nil), http.StatusNoContent, "", ""},
		{"string", "hello", http.StatusOK, "text/plain; charset=utf-8", "hello"},
		{"bytes", []byte("raw"), http.StatusOK, "application/octet-stream", "raw"},
		{"map", map[string]string{"a": "b"}, http.StatusOK, "application/json", `{"a":"b"}`},
		{"slice", []int{1, 2}, http.StatusOK, "application/json", `[1,2]`},
		{"struct", user{Name: "ann"}, http.StatusOK, "application/json", `{"name":"ann"}`},
		{"response pointer", custom, http.StatusAccepted, "text/plain; charset=utf-8", "custom"},
		{"response value", *custom, http.StatusAccepted, "text/plain; charset=utf-8", "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Get("/x", returning(tt.result))

			resp, err := serve(t, r, "GET", "/x")
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			assert.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestProtoResultConversion(t *testing.T) {
	r := New()
	r.Get("/p", returning(wrapperspb.String("hi")))

	resp, err := serve(t, r, "GET", "/p")
	require.NoError(t, err)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Body)
}

func TestResponsePassesThroughUnchanged(t *testing.T) {
	custom := common.Text(http.StatusTeapot, "tea")
	r := New()
	r.Get("/tea", returning(custom))

	resp, err := serve(t, r, "GET", "/tea")
	require.NoError(t, err)
	assert.Same(t, custom, resp)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	r := New()
	r.Route([]string{"GET", "POST"}, "/items", returning("ok"))

	_, err := serve(t, r, "GET", "/missing")
	httpErr, ok := common.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	_, err = serve(t, r, "DELETE", "/items")
	httpErr, ok = common.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusMethodNotAllowed, httpErr.StatusCode)
	assert.Equal(t, "GET, POST", httpErr.Header.Get("Allow"))
}

func TestHandlerErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	r := New()
	r.Get("/fail", func(ctx context.Context, in *common.Interaction) (any, error) { return nil, boom })

	_, err := serve(t, r, "GET", "/fail")
	assert.ErrorIs(t, err, boom)
}

func TestLifecycleInteractionIgnored(t *testing.T) {
	r := New()
	resp, err := r.Serve(context.Background(), &common.Interaction{Kind: common.KindLifecycle, Phase: common.PhaseStartup})
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRegistrationShortcutsPanic(t *testing.T) {
	r := New()
	r.Get("/dup", returning("a"))

	assert.Panics(t, func() { r.Get("/dup", returning("b")) })
	assert.Panics(t, func() { r.Post("/bad/{id:float}", returning("b")) })

	_, err := r.Register(nil, "/dup", returning("c"))
	assert.ErrorIs(t, err, matcher.ErrDuplicateRoute)
}

func TestShortcutMethods(t *testing.T) {
	r := New()
	r.Put("/r", returning("put"))
	r.Patch("/r", returning("patch"))
	r.Delete("/r", returning("delete"))

	for _, m := range []string{"PUT", "PATCH", "DELETE"} {
		resp, err := serve(t, r, m, "/r")
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(m), string(resp.Body))
	}
}

func tagMiddleware(tag string) common.Middleware {
	return func(next common.Handler) common.Handler {
		return common.HandlerFunc(func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
			resp, err := next.Serve(ctx, in)
			if resp != nil {
				resp.Header.Add("X-Order", tag)
			}
			return resp, err
		})
	}
}

func TestGroupsShareTableAndNestMiddleware(t *testing.T) {
	r := NewRouter(RouterConfig{Middlewares: []common.Middleware{tagMiddleware("router")}})
	api := r.Group("/api", tagMiddleware("api"))
	v1 := api.Group("v1/", tagMiddleware("v1"))
	v1.Get("/users", returning("users"), WithMiddleware(tagMiddleware("route")))

	assert.Equal(t, "/api/v1", v1.Prefix())

	resp, err := serve(t, r, "GET", "/api/v1/users")
	require.NoError(t, err)
	// Headers are added on the way out, innermost first.
	assert.Equal(t, []string{"route", "v1", "api", "router"}, resp.Header.Values("X-Order"))
	assert.Len(t, r.Routes(), 1)
}

func TestSubRouterConfig(t *testing.T) {
	r := NewRouter(RouterConfig{
		SubRouters: []SubRouterConfig{
			{
				PathPrefix:  "/admin",
				Middlewares: []common.Middleware{tagMiddleware("admin")},
				Routes: []RouteConfig{
					{Path: "/stats", Handler: returning("stats"), Name: "stats"},
					{Path: "/users", Methods: []string{"post"}, Handler: returning("created")},
				},
			},
		},
	})

	resp, err := serve(t, r, "GET", "/admin/stats")
	require.NoError(t, err)
	assert.Equal(t, "stats", string(resp.Body))
	assert.Equal(t, "admin", resp.Header.Get("X-Order"))

	resp, err = serve(t, r, "POST", "/admin/users")
	require.NoError(t, err)
	assert.Equal(t, "created", string(resp.Body))

	path, err := r.URLFor("stats", nil)
	require.NoError(t, err)
	assert.Equal(t, "/admin/stats", path)
}

func TestMount(t *testing.T) {
	sub := New()
	sub.Get("/", returning("index"), WithName("blog.index"))
	sub.Get("/{slug:slug}", returning("post"))

	r := NewRouter(RouterConfig{Middlewares: []common.Middleware{tagMiddleware("outer")}})
	require.NoError(t, r.Mount("/blog", sub))

	resp, err := serve(t, r, "GET", "/blog")
	require.NoError(t, err)
	assert.Equal(t, "index", string(resp.Body))
	assert.Equal(t, "outer", resp.Header.Get("X-Order"))

	resp, err = serve(t, r, "GET", "/blog/hello-world")
	require.NoError(t, err)
	assert.Equal(t, "post", string(resp.Body))

	path, err := r.URLFor("blog.index", nil)
	require.NoError(t, err)
	assert.Equal(t, "/blog", path)

	// The sub-router keeps working on its own.
	resp, err = serve(t, sub, "GET", "/")
	require.NoError(t, err)
	assert.Equal(t, "index", string(resp.Body))

	assert.ErrorIs(t, r.Mount("/self", r.Group("/g")), ErrSelfMount)
	assert.ErrorIs(t, r.Mount("/blog", sub), ErrDuplicateName)

	other := New()
	other.Get("/{slug:slug}", returning("again"))
	assert.ErrorIs(t, r.Mount("/blog", other), matcher.ErrDuplicateRoute)
}

func TestMountConflictLeavesTableUntouched(t *testing.T) {
	r := New()
	r.Get("/api/b", returning("parent"))

	sub := New()
	sub.Get("/a", returning("a"), WithName("sub.a"))
	sub.Get("/b", returning("b"))

	err := r.Mount("/api", sub)
	assert.ErrorIs(t, err, matcher.ErrDuplicateRoute)

	_, _, err = r.Lookup("/api/a", "GET")
	assert.ErrorIs(t, err, matcher.ErrNoMatch)
	_, err = r.URLFor("sub.a", nil)
	assert.ErrorIs(t, err, ErrUnknownRoute)
	assert.Len(t, r.Routes(), 1)

	resp, err := serve(t, r, "GET", "/api/b")
	require.NoError(t, err)
	assert.Equal(t, "parent", string(resp.Body))
}

func TestURLFor(t *testing.T) {
	r := New()
	r.Get("/users/{id:int}/files/{rest:path}", returning(nil), WithName("file"))
	r.Get("/tags/{tag}", returning(nil), WithName("tag"))

	path, err := r.URLFor("file", map[string]any{"id": 7, "rest": "a/b c.txt"})
	require.NoError(t, err)
	assert.Equal(t, "/users/7/files/a/b%20c.txt", path)

	path, err = r.URLFor("tag", map[string]any{"tag": "go lang"})
	require.NoError(t, err)
	assert.Equal(t, "/tags/go%20lang", path)

	_, err = r.URLFor("tag", map[string]any{"tag": "go/lang"})
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = r.URLFor("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownRoute)

	_, err = r.URLFor("file", map[string]any{"id": 7})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = r.URLFor("file", map[string]any{"id": "seven", "rest": "x"})
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = r.Register(nil, "/other", returning(nil), WithName("tag"))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegisterGenericRoute(t *testing.T) {
	type createReq struct {
		Name string `json:"name"`
	}
	type createResp struct {
		Greeting string `json:"greeting"`
	}

	r := New()
	_, err := RegisterGenericRoute(r, GenericRouteConfig[createReq, createResp]{
		Path:    "/greet",
		Methods: []string{"POST"},
		Handler: func(ctx context.Context, in *common.Interaction, data createReq) (createResp, error) {
			return createResp{Greeting: "Hello, " + data.Name}, nil
		},
	})
	require.NoError(t, err)

	resp, err := r.Serve(context.Background(), common.NewRequest("POST", "/greet", strings.NewReader(`{"name":"Ann"}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"Hello, Ann"}`, string(resp.Body))

	_, err = r.Serve(context.Background(), common.NewRequest("POST", "/greet", strings.NewReader(`{`)))
	httpErr, ok := common.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
}

func TestRegistrationIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRouter(RouterConfig{Logger: zap.New(core)})
	r.Post("/things", returning(nil), WithName("things"))

	entries := logs.FilterMessage("Registered route").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/things", entries[0].ContextMap()["path"])
	assert.Equal(t, "things", entries[0].ContextMap()["name"])
}

func TestJoinPath(t *testing.T) {
	tests := []struct{ prefix, path, want string }{
		{"", "", "/"},
		{"", "/", "/"},
		{"/api", "", "/api"},
		{"/api/", "/users", "/api/users"},
		{"api", "users", "/api/users"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, joinPath(tt.prefix, tt.path), "%q + %q", tt.prefix, tt.path)
	}
}
