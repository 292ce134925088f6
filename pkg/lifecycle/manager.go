// Package lifecycle runs application startup and shutdown hooks, tracks
// in-flight requests and drives the startup/drain/shutdown protocol.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/Suhaibinator/thor/pkg/common"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Hook is a startup or shutdown callback. It receives the application state
// store and may block.
type Hook func(ctx context.Context, state *common.State) error

// BracketHook performs setup and returns the matching teardown. The teardown
// runs during shutdown at the bracket's position; it may be nil.
type BracketHook func(ctx context.Context, state *common.State) (Hook, error)

// Manager holds the ordered startup and shutdown hooks and the state store.
type Manager struct {
	mu       sync.Mutex
	startup  []Hook
	shutdown []Hook
	state    *common.State
	logger   *zap.Logger
}

// NewManager creates a manager with an empty state store.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		state:  common.NewState(),
		logger: logger,
	}
}

// State returns the application state store.
func (m *Manager) State() *common.State { return m.state }

// OnStartup appends startup hooks. They run in registration order.
func (m *Manager) OnStartup(hooks ...Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startup = append(m.startup, hooks...)
}

// OnShutdown appends shutdown hooks. They run in reverse registration order.
func (m *Manager) OnShutdown(hooks ...Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = append(m.shutdown, hooks...)
}

// Bracket registers a setup/teardown pair. The setup runs with the startup
// hooks and the teardown it returns runs with the shutdown hooks, both at the
// position the bracket was registered.
func (m *Manager) Bracket(bracket BracketHook) {
	var (
		mu       sync.Mutex
		teardown Hook
	)
	m.OnStartup(func(ctx context.Context, state *common.State) error {
		td, err := bracket(ctx, state)
		if err != nil {
			return err
		}
		mu.Lock()
		teardown = td
		mu.Unlock()
		return nil
	})
	m.OnShutdown(func(ctx context.Context, state *common.State) error {
		mu.Lock()
		td := teardown
		mu.Unlock()
		if td == nil {
			return nil
		}
		return td(ctx, state)
	})
}

// Startup runs the startup hooks in order and stops at the first failure.
func (m *Manager) Startup(ctx context.Context) error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.startup...)
	m.mu.Unlock()

	for i, hook := range hooks {
		if err := m.call(ctx, hook); err != nil {
			m.logger.Error("Startup hook failed",
				zap.Int("hook", i),
				zap.Error(err),
			)
			return fmt.Errorf("lifecycle: startup hook %d failed: %w", i, err)
		}
	}
	m.logger.Debug("Startup hooks completed", zap.Int("hooks", len(hooks)))
	return nil
}

// Shutdown runs every shutdown hook in reverse order. A failing hook does not
// stop the remaining ones; all failures are returned together.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.shutdown...)
	m.mu.Unlock()

	var errs error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := m.call(ctx, hooks[i]); err != nil {
			m.logger.Error("Shutdown hook failed",
				zap.Int("hook", i),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("lifecycle: shutdown hook %d failed: %w", i, err))
		}
	}
	m.logger.Debug("Shutdown hooks completed",
		zap.Int("hooks", len(hooks)),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return errs
}

// call runs hook, converting a panic into an error.
func (m *Manager) call(ctx context.Context, hook Hook) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return hook(ctx, m.state)
}
