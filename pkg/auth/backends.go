package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/session"
)

// BearerBackend authenticates "Authorization: Bearer <token>" headers.
// Token verification, such as JWT signature checks, is left to Verify.
type BearerBackend struct {
	Verify func(ctx context.Context, token string) (*User, error)
	Scheme string // Authorization scheme; default "Bearer"
}

// Authenticate implements Backend.
func (b *BearerBackend) Authenticate(ctx context.Context, in *common.Interaction) (*User, error) {
	scheme := b.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	token, ok := credentials(in, scheme)
	if !ok {
		return nil, nil
	}
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	return authenticated(b.Verify(ctx, token))
}

// BasicBackend provides HTTP Basic Authentication.
type BasicBackend struct {
	Verify func(ctx context.Context, username, password string) (*User, error)
}

// Authenticate implements Backend.
func (b *BasicBackend) Authenticate(ctx context.Context, in *common.Interaction) (*User, error) {
	encoded, ok := credentials(in, "Basic")
	if !ok {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return authenticated(b.Verify(ctx, username, password))
}

// StaticCredentials returns a BasicBackend verifier backed by a
// username -> password map.
func StaticCredentials(credentials map[string]string) func(context.Context, string, string) (*User, error) {
	return func(_ context.Context, username, password string) (*User, error) {
		expected, exists := credentials[username]
		if !exists || subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 {
			return nil, ErrInvalidCredentials
		}
		return &User{ID: username, Username: username}, nil
	}
}

// APIKeyBackend authenticates an API key provided in a header or query parameter.
type APIKeyBackend struct {
	Lookup func(ctx context.Context, key string) (*User, error)
	Header string // header name (e.g., "X-API-Key")
	Query  string // query parameter name (e.g., "api_key")
}

// Authenticate implements Backend.
func (b *APIKeyBackend) Authenticate(ctx context.Context, in *common.Interaction) (*User, error) {
	var key string
	if b.Header != "" {
		key = in.GetHeader(b.Header)
	}
	if key == "" && b.Query != "" {
		key = in.Query().Get(b.Query)
	}
	if key == "" {
		return nil, nil
	}
	return authenticated(b.Lookup(ctx, key))
}

// SessionBackend authenticates the user ID stored in the request session.
// The session processor must run before the auth processor.
type SessionBackend struct {
	Load func(ctx context.Context, userID string) (*User, error)
	Key  string // Session key holding the user ID; default "user_id"
}

// Authenticate implements Backend.
func (b *SessionBackend) Authenticate(ctx context.Context, _ *common.Interaction) (*User, error) {
	s, ok := session.FromContext(ctx)
	if !ok {
		return nil, nil
	}
	key := b.Key
	if key == "" {
		key = "user_id"
	}
	id := s.GetString(key)
	if id == "" {
		return nil, nil
	}
	return authenticated(b.Load(ctx, id))
}

// Chain tries each backend in order and returns the first user found.
type Chain []Backend

// Authenticate implements Backend.
func (c Chain) Authenticate(ctx context.Context, in *common.Interaction) (*User, error) {
	for _, b := range c {
		user, err := b.Authenticate(ctx, in)
		if err != nil || user != nil {
			return user, err
		}
	}
	return nil, nil
}

// credentials returns the Authorization value after scheme. ok is false when
// the header is missing or uses another scheme.
func credentials(in *common.Interaction, scheme string) (string, bool) {
	header := in.GetHeader("Authorization")
	prefix, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(prefix, scheme) {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// authenticated marks users returned by a verifier as authenticated. A
// verifier returning no user and no error rejects the credentials.
func authenticated(u *User, err error) (*User, error) {
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	u.Authenticated = true
	return u, nil
}
