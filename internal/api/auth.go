package api

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// TokenStore issues and validates bearer tokens for the admin password.
// An empty admin password disables authentication entirely (field units on
// a closed network).
type TokenStore struct {
	adminPassword string
	ttl           time.Duration
	tokens        *xsync.Map[string, time.Time] // token → expiry
	now           func() time.Time
}

// NewTokenStore creates a store. ttl <= 0 means tokens never expire.
func NewTokenStore(adminPassword string, ttl time.Duration) *TokenStore {
	return &TokenStore{
		adminPassword: adminPassword,
		ttl:           ttl,
		tokens:        xsync.NewMap[string, time.Time](),
		now:           time.Now,
	}
}

// Disabled reports whether auth is switched off.
func (s *TokenStore) Disabled() bool { return s.adminPassword == "" }

// Issue exchanges the admin password for a fresh token.
func (s *TokenStore) Issue(password string) (token string, expiresAt time.Time, err error) {
	if s.Disabled() {
		return "", time.Time{}, errs.New(errs.KindValidation, "authentication is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) != 1 {
		return "", time.Time{}, errs.New(errs.KindAuth, "invalid password")
	}
	token = uuid.NewString()
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}
	s.tokens.Store(token, expiresAt)
	return token, expiresAt, nil
}

// Validate checks a presented token. Expired tokens are evicted.
func (s *TokenStore) Validate(token string) bool {
	if s.Disabled() {
		return true
	}
	expiry, ok := s.tokens.Load(token)
	if !ok {
		return false
	}
	if !expiry.IsZero() && s.now().After(expiry) {
		s.tokens.Delete(token)
		return false
	}
	return true
}

// Revoke invalidates one token.
func (s *TokenStore) Revoke(token string) {
	s.tokens.Delete(token)
}
