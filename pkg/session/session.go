// Package session provides server-side sessions keyed by a cookie.
package session

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Data is the stored form of a session.
type Data struct {
	Values     map[string]any
	CreatedAt  time.Time
	AccessedAt time.Time
}

// Clone returns a copy of d whose Values map can be modified independently.
func (d *Data) Clone() *Data {
	c := *d
	c.Values = maps.Clone(d.Values)
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	return &c
}

// Backend stores session data by session ID.
type Backend interface {
	// Load returns the data for id, or nil when the session does not exist.
	Load(ctx context.Context, id string) (*Data, error)
	Save(ctx context.Context, id string, data *Data) error
	Delete(ctx context.Context, id string) error
	// Cleanup removes sessions not accessed within maxAge.
	Cleanup(ctx context.Context, maxAge time.Duration) error
}

const flashKey = "_flash"

// Session is the per-request view of a stored session. It is not safe for
// concurrent use; it belongs to a single request.
type Session struct {
	id          string
	data        *Data
	isNew       bool
	modified    bool
	invalidated bool
	previousID  string
}

func newSession(id string, data *Data, isNew bool) *Session {
	return &Session{id: id, data: data, isNew: isNew}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool { return s.isNew }

// Modified reports whether the session must be saved.
func (s *Session) Modified() bool { return s.modified }

// Get returns a session value.
func (s *Session) Get(key string) (any, bool) {
	v, ok := s.data.Values[key]
	return v, ok
}

// GetString returns a session value as a string, or "".
func (s *Session) GetString(key string) string {
	v, _ := s.data.Values[key].(string)
	return v
}

// Set stores a session value.
func (s *Session) Set(key string, value any) {
	s.data.Values[key] = value
	s.modified = true
}

// Delete removes a session value.
func (s *Session) Delete(key string) {
	if _, ok := s.data.Values[key]; ok {
		delete(s.data.Values, key)
		s.modified = true
	}
}

// Has reports whether key is set.
func (s *Session) Has(key string) bool {
	_, ok := s.data.Values[key]
	return ok
}

// Keys returns the sorted value keys.
func (s *Session) Keys() []string {
	return slices.Sorted(maps.Keys(s.data.Values))
}

// Len returns the number of values.
func (s *Session) Len() int { return len(s.data.Values) }

// Clear removes every value.
func (s *Session) Clear() {
	clear(s.data.Values)
	s.modified = true
}

// Flash stores a message that is removed the first time it is read.
func (s *Session) Flash(key string, value any) {
	flashes, _ := s.data.Values[flashKey].(map[string]any)
	if flashes == nil {
		flashes = make(map[string]any)
	}
	flashes[key] = value
	s.data.Values[flashKey] = flashes
	s.modified = true
}

// PopFlash returns and removes a flash message.
func (s *Session) PopFlash(key string) (any, bool) {
	flashes, _ := s.data.Values[flashKey].(map[string]any)
	v, ok := flashes[key]
	if !ok {
		return nil, false
	}
	delete(flashes, key)
	if len(flashes) == 0 {
		delete(s.data.Values, flashKey)
	}
	s.modified = true
	return v, true
}

// Regenerate moves the session to a fresh ID, keeping its values. Call it
// after a privilege change such as login.
func (s *Session) Regenerate() {
	if s.previousID == "" && !s.isNew {
		s.previousID = s.id
	}
	s.id = newID()
	s.modified = true
}

// Invalidate deletes the session from the backend and expires its cookie at
// the end of the request.
func (s *Session) Invalidate() {
	s.invalidated = true
	clear(s.data.Values)
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by the session processor.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}
