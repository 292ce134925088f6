package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(ctx context.Context, in *common.Interaction) string

// Limiter decides whether one more request for key fits in the budget.
// It returns the number of requests still available and, when the request
// is rejected, how long the caller should wait before retrying.
type Limiter interface {
	Allow(key string) (allowed bool, remaining int, retryAfter time.Duration)
}

// SlidingWindow is a Limiter that keeps the timestamps of the requests seen
// in the trailing window for every key.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

// NewSlidingWindow creates a limiter admitting limit requests per key in any
// window-long interval.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Limit returns the number of requests admitted per window.
func (s *SlidingWindow) Limit() int { return s.limit }

// Window returns the window length.
func (s *SlidingWindow) Window() time.Duration { return s.window }

// Allow implements Limiter.
func (s *SlidingWindow) Allow(key string) (bool, int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start := now.Add(-s.window)
	s.sweep(now, start)

	hits := prune(s.hits[key], start)
	if len(hits) >= s.limit {
		s.hits[key] = hits
		return false, 0, hits[0].Sub(start)
	}
	hits = append(hits, now)
	s.hits[key] = hits
	return true, s.limit - len(hits), 0
}

// sweep drops keys with no hits inside the window, at most once per window.
func (s *SlidingWindow) sweep(now, start time.Time) {
	if now.Sub(s.lastSweep) < s.window {
		return
	}
	s.lastSweep = now
	for key, hits := range s.hits {
		if hits = prune(hits, start); len(hits) == 0 {
			delete(s.hits, key)
		} else {
			s.hits[key] = hits
		}
	}
}

// Keys returns the number of keys currently tracked.
func (s *SlidingWindow) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}

// prune removes timestamps at or before start. hits is sorted.
func prune(hits []time.Time, start time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(start) {
		i++
	}
	return hits[i:]
}

// RateLimitConfig defines configuration for rate limiting
type RateLimitConfig struct {
	// Unique identifier for this rate limit bucket.
	// Processors sharing a BucketName and a Limiter share the same budget.
	BucketName string

	// Maximum number of requests allowed in the time window (default 100)
	Limit int

	// Time window for the rate limit (default 1 minute)
	Window time.Duration

	// Strategy for identifying clients. Defaults to the client IP.
	KeyFunc KeyFunc

	// Limiter overrides the sliding window built from Limit and Window.
	Limiter Limiter

	Logger *zap.Logger
}

// RateLimit is a processor factory that enforces a request budget per client.
// Admitted responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset headers; rejected requests fail with 429 and Retry-After.
func RateLimit(next common.Handler, cfg RateLimitConfig) (common.Handler, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientKey
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewSlidingWindow(cfg.Limit, cfg.Window)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := strconv.Itoa(cfg.Limit)
	reset := strconv.Itoa(int(cfg.Window.Seconds()))

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		key := cfg.KeyFunc(ctx, in)
		allowed, remaining, retryAfter := cfg.Limiter.Allow(cfg.BucketName + ":" + key)

		if !allowed {
			logger.Warn("Rate limit exceeded",
				zap.String("method", in.Method),
				zap.String("path", in.Path),
				zap.String("key", key),
				zap.Int("limit", cfg.Limit),
				zap.Duration("window", cfg.Window),
			)
			return nil, common.TooManyRequests(retryAfter).
				WithHeader("X-RateLimit-Limit", limit).
				WithHeader("X-RateLimit-Remaining", "0").
				WithHeader("X-RateLimit-Reset", reset)
		}

		resp, err := next.Serve(ctx, in)
		if resp != nil {
			resp.SetHeader("X-RateLimit-Limit", limit)
			resp.SetHeader("X-RateLimit-Remaining", strconv.Itoa(remaining))
			resp.SetHeader("X-RateLimit-Reset", reset)
		}
		return resp, err
	}), nil
}

// ThrottleConfig configures Throttle.
type ThrottleConfig struct {
	Rate    int           // Requests released per Per
	Per     time.Duration // Default one second
	Slack   int           // Burst allowance; zero disables slack
	KeyFunc KeyFunc       // Defaults to the client IP
}

// bucket is one client's leaky bucket. spare holds slots released by
// Take calls whose request had already given up.
type bucket struct {
	limiter ratelimit.Limiter
	spare   chan struct{}
}

// take waits for a slot or for ctx to end. A slot released after ctx ended
// is banked for the next request from the same client.
func (b *bucket) take(ctx context.Context) bool {
	select {
	case <-b.spare:
		return true
	default:
	}

	taken := make(chan struct{})
	go func() {
		b.limiter.Take()
		select {
		case taken <- struct{}{}:
		default:
			select {
			case b.spare <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-taken:
		return true
	case <-b.spare:
		return true
	case <-ctx.Done():
		return false
	}
}

// throttler keeps one leaky bucket per key.
type throttler struct {
	buckets sync.Map // map[string]*bucket
	mu      sync.Mutex
	opts    []ratelimit.Option
	rate    int
	spare   int
}

// getBucket gets or creates the bucket for the given key
func (t *throttler) getBucket(key string) *bucket {
	if b, ok := t.buckets.Load(key); ok {
		return b.(*bucket)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring lock
	if b, ok := t.buckets.Load(key); ok {
		return b.(*bucket)
	}

	b := &bucket{
		limiter: ratelimit.New(t.rate, t.opts...),
		spare:   make(chan struct{}, t.spare),
	}
	t.buckets.Store(key, b)
	return b
}

// Throttle is a processor factory that spaces requests from each client
// evenly instead of rejecting them. A request arriving early waits for its
// slot, or fails with 504 if the context ends first; the slot it was waiting
// for then goes to the client's next request.
func Throttle(next common.Handler, cfg ThrottleConfig) (common.Handler, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("middleware: throttle rate must be positive, got %d", cfg.Rate)
	}
	if cfg.Per <= 0 {
		cfg.Per = time.Second
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientKey
	}
	t := &throttler{
		rate:  cfg.Rate,
		opts:  []ratelimit.Option{ratelimit.Per(cfg.Per)},
		spare: cfg.Slack + 1,
	}
	if cfg.Slack > 0 {
		t.opts = append(t.opts, ratelimit.WithSlack(cfg.Slack))
	} else {
		t.opts = append(t.opts, ratelimit.WithoutSlack)
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		if !t.getBucket(cfg.KeyFunc(ctx, in)).take(ctx) {
			return nil, common.RequestTimeout()
		}
		return next.Serve(ctx, in)
	}), nil
}
