package goIdentity

import (
	"time"

	"github.com/MrEthical07/goIdentity/identity"
)

// TokenPair is the credential set handed to a client after login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string

	IdentityID string
	SessionID  string

	AccessExpiresAt  time.Time
	SessionExpiresAt time.Time
}

// Claims is the verified content of an access token, returned by
// [Engine.Validate].
type Claims struct {
	IdentityID string
	Role       string
	SessionID  string
	TokenID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// LoginResult is returned by every login flow.
type LoginResult struct {
	Tokens   TokenPair
	Identity identity.Identity
	// Outcome tells whether the identity already existed, was merged into,
	// or was created by this login.
	Outcome identity.Outcome
}

// PhoneCodeReceipt describes an accepted code request. The code itself is
// never returned.
type PhoneCodeReceipt struct {
	Phone     string
	ExpiresAt time.Time
}

// SessionInfo describes one live session of an identity.
type SessionInfo struct {
	SessionID  string
	Role       string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	Rotations  int64
}
