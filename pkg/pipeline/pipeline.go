// Package pipeline builds the processor chain in front of the terminal
// dispatcher. Processors are registered as factories with a configuration
// value and composed on demand; the composed chain is cached until the
// registration list changes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Suhaibinator/thor/pkg/common"
)

// Factory creates a processor wrapping next, configured by cfg.
type Factory[C any] func(next common.Handler, cfg C) (common.Handler, error)

// ErrNilHandler is returned when a factory produces a nil handler.
var ErrNilHandler = errors.New("pipeline: factory returned nil handler")

// Entry describes one registered processor.
type Entry struct {
	Name   string
	Config any
}

type entry struct {
	Entry
	wrap func(next common.Handler) (common.Handler, error)
}

// Builder accumulates processor registrations and produces the composed chain.
// The first entry added is the outermost processor; the terminal handler is
// innermost. All methods are safe for concurrent use.
type Builder struct {
	mu       sync.Mutex
	terminal common.Handler
	entries  []entry
	built    common.Handler
	builds   int
}

// New creates a builder whose chain ends in terminal.
func New(terminal common.Handler) *Builder {
	return &Builder{terminal: terminal}
}

// Add registers factory with cfg at the end of the list and invalidates the
// cached chain. It is a function rather than a method because Go methods
// cannot have type parameters.
func Add[C any](b *Builder, name string, factory Factory[C], cfg C) {
	b.add(entry{
		Entry: Entry{Name: name, Config: cfg},
		wrap: func(next common.Handler) (common.Handler, error) {
			return factory(next, cfg)
		},
	})
}

// Use registers plain middlewares, each as its own entry.
func (b *Builder) Use(middlewares ...common.Middleware) {
	for _, mw := range middlewares {
		b.add(entry{
			Entry: Entry{Name: "middleware"},
			wrap: func(next common.Handler) (common.Handler, error) {
				return mw(next), nil
			},
		})
	}
}

func (b *Builder) add(e entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	b.built = nil
}

// Build returns the composed chain, composing it only when no cached chain
// exists. A factory error aborts the build and nothing is cached.
func (b *Builder) Build() (common.Handler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built != nil {
		return b.built, nil
	}

	h := b.terminal
	for i := len(b.entries) - 1; i >= 0; i-- {
		next, err := b.entries[i].wrap(h)
		if err != nil {
			return nil, fmt.Errorf("pipeline: build %q (#%d): %w", b.entries[i].Name, i, err)
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q (#%d)", ErrNilHandler, b.entries[i].Name, i)
		}
		h = next
	}

	b.built = h
	b.builds++
	return h, nil
}

// Invalidate drops the cached chain so that the next Build composes it again.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = nil
}

// Serve builds the chain if needed and passes the interaction through it.
func (b *Builder) Serve(ctx context.Context, in *common.Interaction) (*common.Response, error) {
	h, err := b.Build()
	if err != nil {
		return nil, err
	}
	return h.Serve(ctx, in)
}

// Entries returns the registered processors in order, outermost first.
func (b *Builder) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Entry
	}
	return out
}

// Len returns the number of registered processors.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Builds returns how many times the chain has been composed.
func (b *Builder) Builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}
