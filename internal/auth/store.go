package auth

import (
	"go.uber.org/atomic"

	"github.com/zep-us/reauthxy/internal/resender"
)

// TokenStore holds the current anti-forgery protection.
// It is the protection source read by the proxy and the resender.
type TokenStore struct {
	current *atomic.Pointer[resender.Protection]
}

// NewTokenStore creates a store that reports defaultHeaderName with an empty token until updated
func NewTokenStore(defaultHeaderName string) *TokenStore {
	return &TokenStore{
		current: atomic.NewPointer(&resender.Protection{HeaderName: defaultHeaderName}),
	}
}

// CurrentProtection returns the most recently stored protection
func (s *TokenStore) CurrentProtection() resender.Protection {
	return *s.current.Load()
}

// Update replaces the stored protection. An empty header name keeps the current one.
func (s *TokenStore) Update(p resender.Protection) {
	if p.HeaderName == "" {
		p.HeaderName = s.current.Load().HeaderName
	}
	s.current.Store(&p)
}

// HasToken reports whether a token has been stored
func (s *TokenStore) HasToken() bool {
	return s.current.Load().Token != ""
}
