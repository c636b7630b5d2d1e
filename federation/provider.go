package federation

import (
	"context"
	"errors"
)

var (
	// ErrStateMismatch is returned for unknown, expired, replayed, or
	// foreign state values.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrProviderError is returned when the provider exchange or profile
	// fetch fails.
	ErrProviderError = errors.New("identity provider error")
	// ErrProviderNotFound is returned for unregistered provider names.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderConflict is returned when two providers share a name.
	ErrProviderConflict = errors.New("provider already exists")
	// ErrRedisUnavailable wraps state store failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Profile is the provider-neutral result of a successful callback.
type Profile struct {
	Provider      string
	SubjectID     string
	Email         string
	EmailVerified bool
}

// VerifiedEmail returns the email only when the provider vouched for it.
func (p Profile) VerifiedEmail() string {
	if p.EmailVerified {
		return p.Email
	}
	return ""
}

// AuthRequest carries the per-login values a provider embeds in its
// authorization URL.
type AuthRequest struct {
	State        string
	Nonce        string
	PKCEVerifier string
}

// Provider adapts one identity provider.
type Provider interface {
	Name() string
	AuthCodeURL(req AuthRequest) string
	// Exchange redeems code and returns the caller's profile. The nonce and
	// verifier are the values issued with the matching AuthCodeURL.
	Exchange(ctx context.Context, code string, req AuthRequest) (Profile, error)
}
