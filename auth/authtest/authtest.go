// Package authtest provides an in-memory Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-streamable-go/auth"
)

// Tokens authenticates a fixed table of bearer tokens. The zero value accepts
// nothing.
type Tokens struct {
	mu     sync.RWMutex
	users  map[string]User
	scopes map[string]bool
}

// User is the principal returned for an accepted token.
type User struct {
	ID     string
	Scopes []string
	Extra  map[string]any
}

// NewTokens returns a table that accepts each token in m.
func NewTokens(m map[string]User) *Tokens {
	t := &Tokens{users: make(map[string]User, len(m))}
	for tok, u := range m {
		t.users[tok] = u
	}
	return t
}

// Require makes every accepted token also carry scope s.
func (t *Tokens) Require(s ...string) *Tokens {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scopes == nil {
		t.scopes = map[string]bool{}
	}
	for _, sc := range s {
		t.scopes[sc] = true
	}
	return t
}

// CheckAuthentication implements auth.Authenticator.
func (t *Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	have := map[string]bool{}
	for _, s := range u.Scopes {
		have[s] = true
	}
	for s := range t.scopes {
		if !have[s] {
			return nil, auth.ErrInsufficientScope
		}
	}
	return userInfo(u), nil
}

type userInfo User

func (u userInfo) UserID() string { return u.ID }

func (u userInfo) Claims(ref any) error {
	claims := map[string]any{"sub": u.ID}
	for k, v := range u.Extra {
		claims[k] = v
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Tokens)(nil)
