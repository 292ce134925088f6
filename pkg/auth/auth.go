// Package auth authenticates requests and guards handlers that need an
// authenticated user.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/router"
	"go.uber.org/zap"
)

// ErrInvalidCredentials is returned by backends for credentials that are
// present but wrong. The request continues as anonymous.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// User is the identity attached to a request.
type User struct {
	ID            string
	Username      string
	Email         string
	Authenticated bool
	Scopes        []string
	Data          map[string]any
}

// Anonymous returns the user attached to unauthenticated requests.
func Anonymous() *User {
	return &User{}
}

// HasScope reports whether the user was granted scope.
func (u *User) HasScope(scope string) bool {
	return u != nil && slices.Contains(u.Scopes, scope)
}

// Backend authenticates a request. It returns a nil user when the request
// carries no credentials it understands.
type Backend interface {
	Authenticate(ctx context.Context, in *common.Interaction) (*User, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, in *common.Interaction) (*User, error)

// Authenticate calls f(ctx, in).
func (f BackendFunc) Authenticate(ctx context.Context, in *common.Interaction) (*User, error) {
	return f(ctx, in)
}

type userKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the user attached by the auth processor, or the
// anonymous user.
func UserFromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey{}).(*User); ok && u != nil {
		return u
	}
	return Anonymous()
}

// Config configures Middleware.
type Config struct {
	Backend      Backend
	ExcludePaths []string // Path prefixes served without authentication
	Logger       *zap.Logger
}

// Middleware is a processor factory that authenticates every request with
// the configured backend and attaches the resulting user to the context.
// Requests without valid credentials continue as anonymous; use Required
// or RequireScopes on the handlers that need a user.
func Middleware(next common.Handler, cfg Config) (common.Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("auth: backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		for _, prefix := range cfg.ExcludePaths {
			if strings.HasPrefix(in.Path, prefix) {
				return next.Serve(WithUser(ctx, Anonymous()), in)
			}
		}

		user, err := cfg.Backend.Authenticate(ctx, in)
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			logger.Warn("Authentication failed",
				zap.String("method", in.Method),
				zap.String("path", in.Path),
				zap.String("remote_addr", in.RemoteAddr),
			)
			user = nil
		case err != nil:
			return nil, err
		}
		if user == nil {
			user = Anonymous()
		}
		return next.Serve(WithUser(ctx, user), in)
	}), nil
}

// Required wraps h so that anonymous requests fail with 401.
func Required(h router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, in *common.Interaction) (any, error) {
		if !UserFromContext(ctx).Authenticated {
			return nil, common.Unauthorized("Authentication required")
		}
		return h(ctx, in)
	}
}

// RequireScopes returns a decorator that requires an authenticated user
// holding every scope. Missing scopes fail with 403.
func RequireScopes(scopes ...string) func(router.HandlerFunc) router.HandlerFunc {
	return func(h router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, in *common.Interaction) (any, error) {
			user := UserFromContext(ctx)
			if !user.Authenticated {
				return nil, common.Unauthorized("Authentication required")
			}
			for _, scope := range scopes {
				if !user.HasScope(scope) {
					return nil, common.Forbidden("Missing required scope: " + scope)
				}
			}
			return h(ctx, in)
		}
	}
}
