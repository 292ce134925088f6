package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/lifecycle"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Signer signs session IDs placed in cookies. Unsign returns false for
// values that were not produced by Sign.
type Signer interface {
	Sign(value string) string
	Unsign(signed string) (string, bool)
}

// Config configures the session processor.
type Config struct {
	Backend    Backend
	CookieName string        // Default "session_id"
	MaxAge     time.Duration // Cookie lifetime; default 14 days
	Path       string        // Default "/"
	Domain     string
	Secure     bool
	SameSite   http.SameSite // Default Lax
	Signer     Signer        // Optional
	Logger     *zap.Logger
}

func newID() string {
	return uuid.NewString()
}

// Middleware is a processor factory that loads the session named by the
// request cookie, exposes it through FromContext, and saves it when the
// handler modified it. New sessions are only persisted once they hold data.
func Middleware(next common.Handler, cfg Config) (common.Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "session_id"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 14 * 24 * time.Hour
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		s, err := load(ctx, cfg, in)
		if err != nil {
			return nil, err
		}

		resp, err := next.Serve(WithSession(ctx, s), in)

		cookie, storeErr := store(ctx, cfg, s)
		if storeErr != nil {
			logger.Error("Failed to store session", zap.String("session_id", s.id), zap.Error(storeErr))
			if err == nil {
				return nil, storeErr
			}
		}
		if cookie != nil {
			if resp != nil {
				resp.SetCookie(cookie)
			} else if httpErr, ok := common.AsHTTPError(err); ok {
				httpErr.WithHeader("Set-Cookie", cookie.String())
			}
		}
		return resp, err
	}), nil
}

func load(ctx context.Context, cfg Config, in *common.Interaction) (*Session, error) {
	if c, err := in.Cookie(cfg.CookieName); err == nil && c.Value != "" {
		id, ok := c.Value, true
		if cfg.Signer != nil {
			id, ok = cfg.Signer.Unsign(c.Value)
		}
		if ok {
			data, err := cfg.Backend.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			if data != nil {
				if data.Values == nil {
					data.Values = make(map[string]any)
				}
				return newSession(id, data, false), nil
			}
		}
	}
	now := time.Now()
	return newSession(newID(), &Data{Values: make(map[string]any), CreatedAt: now, AccessedAt: now}, true), nil
}

// store persists s and returns the cookie to send, if any.
func store(ctx context.Context, cfg Config, s *Session) (*http.Cookie, error) {
	if s.invalidated {
		if s.isNew {
			return nil, nil
		}
		id := s.id
		if s.previousID != "" {
			id = s.previousID
		}
		if err := cfg.Backend.Delete(ctx, id); err != nil {
			return nil, err
		}
		c := cookie(cfg, "")
		c.MaxAge = -1
		return c, nil
	}

	if !s.modified || (s.isNew && len(s.data.Values) == 0) {
		return nil, nil
	}
	if s.previousID != "" {
		if err := cfg.Backend.Delete(ctx, s.previousID); err != nil {
			return nil, err
		}
	}
	if err := cfg.Backend.Save(ctx, s.id, s.data); err != nil {
		return nil, err
	}

	value := s.id
	if cfg.Signer != nil {
		value = cfg.Signer.Sign(value)
	}
	return cookie(cfg, value), nil
}

func cookie(cfg Config, value string) *http.Cookie {
	return &http.Cookie{
		Name:     cfg.CookieName,
		Value:    value,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   int(cfg.MaxAge.Seconds()),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	}
}

// CleanupHook returns a lifecycle bracket that periodically removes
// sessions idle for longer than maxAge, from startup until shutdown.
func CleanupHook(backend Backend, interval, maxAge time.Duration, logger *zap.Logger) lifecycle.BracketHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, _ *common.State) (lifecycle.Hook, error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := backend.Cleanup(ctx, maxAge); err != nil {
						logger.Warn("Session cleanup failed", zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return func(context.Context, *common.State) error {
			cancel()
			<-done
			return nil
		}, nil
	}
}
