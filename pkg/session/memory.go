package session

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps sessions in process memory. Sessions are lost on
// restart and are not shared between processes.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]*Data
	now      func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*Data),
		now:      time.Now,
	}
}

// Load implements Backend. It refreshes the access time of the session.
func (m *MemoryBackend) Load(_ context.Context, id string) (*Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	data.AccessedAt = m.now()
	return data.Clone(), nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, id string, data *Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := data.Clone()
	stored.AccessedAt = m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.AccessedAt
	}
	m.sessions[id] = stored
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Cleanup implements Backend.
func (m *MemoryBackend) Cleanup(_ context.Context, maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxAge)
	for id, data := range m.sessions {
		if data.AccessedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
