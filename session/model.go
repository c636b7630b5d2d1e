package session

import "time"

// Session is one refresh-token lineage. Exactly one refresh hash is active
// at a time; every rotation replaces it in place.
type Session struct {
	SessionID  string
	IdentityID string
	Role       string

	RefreshHash [32]byte

	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time

	Revoked   bool
	Rotations int64
}

// Active reports whether the session can still be refreshed at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && !s.Revoked && now.Before(s.ExpiresAt)
}

// AccessGrant identifies an access token issued under a session so it can be
// revoked along with the lineage.
type AccessGrant struct {
	ID        string
	ExpiresAt time.Time
}
