package lifecycle

import (
	"context"
	"sync"
)

// InFlight counts requests being processed and signals when the count
// returns to zero. The zero value is ready to use.
type InFlight struct {
	mu       sync.Mutex
	n        int64
	zero     chan struct{} // closed while n == 0
	observer func(int64)
}

// NewInFlight creates a counter. observer, when non-nil, is called with the
// new count after every change. Calls are serialized and made in the order
// of the changes, with the counter locked, so observer must not call back
// into the counter.
func NewInFlight(observer func(int64)) *InFlight {
	return &InFlight{observer: observer}
}

// Begin records the start of a request.
func (f *InFlight) Begin() {
	f.mu.Lock()
	if f.n == 0 || f.zero == nil {
		f.zero = make(chan struct{})
	}
	f.n++
	f.notify(f.n)
	f.mu.Unlock()
}

// End records the completion of a request begun with Begin.
func (f *InFlight) End() {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		panic("lifecycle: InFlight.End without matching Begin")
	}
	f.n--
	if f.n == 0 {
		close(f.zero)
	}
	f.notify(f.n)
	f.mu.Unlock()
}

// Count returns the current number of in-flight requests.
func (f *InFlight) Count() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// Wait blocks until the count is zero or ctx is done.
func (f *InFlight) Wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	zero := f.zero
	f.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track runs fn as one in-flight request. The count is decremented on every
// exit path, including a panic in fn.
func (f *InFlight) Track(fn func() error) error {
	f.Begin()
	defer f.End()
	return fn()
}

func (f *InFlight) notify(n int64) {
	if f.observer != nil {
		f.observer(n)
	}
}
