package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds the drain wait when no timeout is configured.
const DefaultShutdownTimeout = 30 * time.Second

// Status is a state of the lifecycle protocol.
type Status int32

const (
	StatusInit Status = iota
	StatusStarting
	StatusRunning
	StatusDraining
	StatusShutdown
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusDraining:
		return "draining"
	case StatusShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ErrUnexpectedSignal is returned when a lifecycle signal arrives in a state
// that does not accept it.
var ErrUnexpectedSignal = errors.New("lifecycle: unexpected signal")

// Option configures a ProtocolHandler.
type Option func(*ProtocolHandler)

// WithShutdownTimeout bounds the drain wait. Non-positive values select
// DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(p *ProtocolHandler) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *ProtocolHandler) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStatusObserver registers a callback invoked after every transition.
func WithStatusObserver(fn func(from, to Status)) Option {
	return func(p *ProtocolHandler) { p.observer = fn }
}

// ProtocolHandler drives INIT -> STARTING -> RUNNING -> DRAINING -> SHUTDOWN
// in response to lifecycle signals. A startup failure moves STARTING straight
// to SHUTDOWN. Draining only delays teardown; request admission is decided
// elsewhere.
type ProtocolHandler struct {
	mu       sync.Mutex
	status   Status
	manager  *Manager
	inflight *InFlight
	timeout  time.Duration
	logger   *zap.Logger
	observer func(from, to Status)
	done     chan struct{}
}

// NewProtocolHandler creates a handler running manager's hooks and draining
// inflight.
func NewProtocolHandler(manager *Manager, inflight *InFlight, opts ...Option) *ProtocolHandler {
	p := &ProtocolHandler{
		manager:  manager,
		inflight: inflight,
		timeout:  DefaultShutdownTimeout,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the current protocol state.
func (p *ProtocolHandler) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ShuttingDown reports whether a shutdown signal has been accepted.
func (p *ProtocolHandler) ShuttingDown() bool {
	s := p.Status()
	return s == StatusDraining || s == StatusShutdown
}

// Done is closed once the handler reaches SHUTDOWN.
func (p *ProtocolHandler) Done() <-chan struct{} { return p.done }

// ShutdownTimeout returns the drain bound.
func (p *ProtocolHandler) ShutdownTimeout() time.Duration { return p.timeout }

// transition moves from one of the accepted states to next.
func (p *ProtocolHandler) transition(next Status, accepted ...Status) (Status, error) {
	p.mu.Lock()
	from := p.status
	ok := false
	for _, s := range accepted {
		if from == s {
			ok = true
			break
		}
	}
	if !ok {
		p.mu.Unlock()
		return from, fmt.Errorf("%w: %s while %s", ErrUnexpectedSignal, next, from)
	}
	p.status = next
	if next == StatusShutdown {
		close(p.done)
	}
	p.mu.Unlock()

	p.logger.Debug("Lifecycle transition",
		zap.Stringer("from", from),
		zap.Stringer("to", next),
	)
	if p.observer != nil {
		p.observer(from, next)
	}
	return from, nil
}

// Startup runs the startup hooks. On success the handler is RUNNING; on
// failure it halts in SHUTDOWN and returns the hook error.
func (p *ProtocolHandler) Startup(ctx context.Context) error {
	if _, err := p.transition(StatusStarting, StatusInit); err != nil {
		return err
	}

	if err := p.manager.Startup(ctx); err != nil {
		_, _ = p.transition(StatusShutdown, StatusStarting)
		return err
	}

	_, err := p.transition(StatusRunning, StatusStarting)
	if err == nil {
		p.logger.Info("Application started")
	}
	return err
}

// Shutdown drains in-flight requests for at most the shutdown timeout and
// then runs the shutdown hooks. A shutdown before a successful startup skips
// both. Hook failures are returned after every hook has run.
func (p *ProtocolHandler) Shutdown(ctx context.Context) error {
	from, err := p.transition(StatusDraining, StatusRunning, StatusInit)
	if err != nil {
		return err
	}

	var hookErr error
	if from == StatusRunning {
		p.Drain(ctx)
		hookErr = p.manager.Shutdown(ctx)
	}

	if _, err := p.transition(StatusShutdown, StatusDraining); err != nil {
		return err
	}
	p.logger.Info("Application shut down")
	return hookErr
}

// Drain waits until no requests are in flight or the shutdown timeout
// elapses. It reports whether the count reached zero.
func (p *ProtocolHandler) Drain(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if err := p.inflight.Wait(ctx); err != nil {
		p.logger.Warn("Drain timed out, shutting down with requests in flight",
			zap.Int64("in_flight", p.inflight.Count()),
			zap.Duration("waited", time.Since(start)),
			zap.Error(err),
		)
		return false
	}
	p.logger.Debug("Drained in-flight requests", zap.Duration("waited", time.Since(start)))
	return true
}

// Handle processes one lifecycle signal and sends the acknowledgment over conn.
func (p *ProtocolHandler) Handle(ctx context.Context, phase common.Phase, conn common.Conn) error {
	switch phase {
	case common.PhaseStartup:
		if err := p.Startup(ctx); err != nil {
			if sendErr := conn.Send(ctx, common.Message{Type: common.MessageStartupFailed, Reason: err.Error()}); sendErr != nil {
				return multierr.Combine(err, sendErr)
			}
			return err
		}
		return conn.Send(ctx, common.Message{Type: common.MessageStartupComplete})

	case common.PhaseShutdown:
		err := p.Shutdown(ctx)
		if errors.Is(err, ErrUnexpectedSignal) {
			return err
		}
		// Hook failures are not fatal; completion is still acknowledged.
		if sendErr := conn.Send(ctx, common.Message{Type: common.MessageShutdownComplete}); sendErr != nil {
			return multierr.Combine(err, sendErr)
		}
		return err

	default:
		return fmt.Errorf("%w: phase %q", ErrUnexpectedSignal, phase)
	}
}

// Run reads lifecycle signals from conn until shutdown completes, startup
// fails, or conn fails.
func (p *ProtocolHandler) Run(ctx context.Context, conn common.Conn) error {
	var errs error
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return multierr.Combine(errs, err)
		}

		var phase common.Phase
		switch msg.Type {
		case common.MessageStartup:
			phase = common.PhaseStartup
		case common.MessageShutdown:
			phase = common.PhaseShutdown
		default:
			p.logger.Warn("Ignoring non-lifecycle message", zap.String("type", string(msg.Type)))
			continue
		}

		if err := p.Handle(ctx, phase, conn); err != nil {
			if errors.Is(err, ErrUnexpectedSignal) {
				return err
			}
			if phase == common.PhaseStartup {
				return err
			}
			errs = multierr.Combine(errs, err)
		}
		if p.Status() == StatusShutdown {
			return errs
		}
	}
}
