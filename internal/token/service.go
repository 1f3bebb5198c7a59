// Package token mints and verifies the opaque escalation tokens that grant
// specialists access to a single case. Tokens are 128-bit random values; only
// their SHA-256 hash is stored, and verification is a constant-time compare
// against that hash.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/domain"
)

// Minted is the result of minting one escalation token. Token is returned to
// the caller exactly once and never persisted.
type Minted struct {
	Token     string
	Hash      string
	ExpiresAt time.Time
}

// Service mints and verifies escalation tokens.
type Service struct {
	ttl       time.Duration
	singleUse bool
	now       func() time.Time
}

// NewService builds a token service from the escalation settings.
func NewService(cfg config.EscalationConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{ttl: ttl, singleUse: cfg.SingleUse, now: time.Now}
}

// SingleUse reports whether tokens are revoked on first advice submission.
func (s *Service) SingleUse() bool { return s.singleUse }

// Mint generates a fresh token with its storage hash and expiry. Re-minting
// for a case replaces the stored hash, which invalidates any prior token.
func (s *Service) Mint() (Minted, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return Minted{}, apperr.Wrap(apperr.KindInternal, "failed to generate escalation token", err)
	}
	token := hex.EncodeToString(raw)
	return Minted{
		Token:     token,
		Hash:      Hash(token),
		ExpiresAt: s.now().UTC().Add(s.ttl),
	}, nil
}

// Hash returns the hex-encoded SHA-256 of a token, the only form stored.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify checks a presented token against the case's stored token state.
// Unknown, mismatched, revoked and expired tokens all fail with the same
// tokenInvalid kind so callers cannot distinguish them.
func (s *Service) Verify(presented string, c *domain.Case) error {
	if c == nil || c.TokenHash == "" {
		return invalid()
	}
	if subtle.ConstantTimeCompare([]byte(Hash(presented)), []byte(c.TokenHash)) != 1 {
		return invalid()
	}
	if c.TokenRevoked {
		return invalid()
	}
	if c.TokenExpiresAt == nil || !s.now().UTC().Before(*c.TokenExpiresAt) {
		return invalid()
	}
	return nil
}

func invalid() error {
	return apperr.TokenInvalid("escalation token invalid or expired")
}
