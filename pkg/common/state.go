package common

import (
	"context"
	"slices"
	"sync"
)

// State is the application-wide key/value store shared by lifecycle hooks
// and request handlers. Individual map operations are safe for concurrent
// use; read-modify-write sequences on a key are not atomic and must be
// coordinated by the caller.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState creates an empty store.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Clear removes every key.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Value returns the value stored under key if it has type T.
func Value[T any](s *State, key string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

type stateContextKey struct{}

// WithState returns a context carrying the application state store.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, s)
}

// StateFromContext returns the state store carried by ctx, if any.
func StateFromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(stateContextKey{}).(*State)
	return s, ok && s != nil
}
