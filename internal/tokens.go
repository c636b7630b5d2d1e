package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SessionID is the random handle a session is stored under.
type SessionID [16]byte

const (
	secretBytes = 32
	opaqueBytes = 32

	refreshSeparator = "."
	// Encoded lengths under base64.RawURLEncoding.
	sessionIDLen = 22
	secretLen    = 43
)

var (
	ErrMalformedRefreshToken = errors.New("malformed refresh token")
	errSessionIDSize         = errors.New("invalid session id size")
	errOTPDigits             = errors.New("otp digits must be between 6 and 10")
)

var b64 = base64.RawURLEncoding

func fill(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("read random bytes: %w", err)
	}
	return nil
}

func NewSessionID() (SessionID, error) {
	var sid SessionID
	return sid, fill(sid[:])
}

func (s SessionID) String() string { return b64.EncodeToString(s[:]) }

func ParseSessionID(s string) (SessionID, error) {
	var sid SessionID
	if len(s) != sessionIDLen {
		return sid, errSessionIDSize
	}
	n, err := b64.Decode(sid[:], []byte(s))
	if err != nil {
		return SessionID{}, err
	}
	if n != len(sid) {
		return SessionID{}, errSessionIDSize
	}
	return sid, nil
}

func NewRefreshSecret() ([secretBytes]byte, error) {
	var secret [secretBytes]byte
	return secret, fill(secret[:])
}

// HashRefreshSecret is what the session record keeps in place of the secret.
func HashRefreshSecret(secret [secretBytes]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeRefreshToken renders "<session id>.<secret>". The session id half
// lets Refresh locate the record without a secondary index.
func EncodeRefreshToken(sessionID string, secret [secretBytes]byte) (string, error) {
	sid, err := ParseSessionID(sessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(sessionIDLen + len(refreshSeparator) + secretLen)
	b.WriteString(sid.String())
	b.WriteString(refreshSeparator)
	b.WriteString(b64.EncodeToString(secret[:]))
	return b.String(), nil
}

// DecodeRefreshToken splits a token produced by EncodeRefreshToken. Any
// deviation from the canonical form is ErrMalformedRefreshToken.
func DecodeRefreshToken(token string) (string, [secretBytes]byte, error) {
	var secret [secretBytes]byte

	sidPart, secretPart, ok := strings.Cut(token, refreshSeparator)
	if !ok || len(secretPart) != secretLen {
		return "", secret, ErrMalformedRefreshToken
	}
	sid, err := ParseSessionID(sidPart)
	if err != nil {
		return "", secret, ErrMalformedRefreshToken
	}
	if n, err := b64.Decode(secret[:], []byte(secretPart)); err != nil || n != secretBytes {
		return "", [secretBytes]byte{}, ErrMalformedRefreshToken
	}
	// Reject non-canonical trailing bits so one secret has exactly one spelling.
	if sid.String() != sidPart || b64.EncodeToString(secret[:]) != secretPart {
		return "", [secretBytes]byte{}, ErrMalformedRefreshToken
	}
	return sidPart, secret, nil
}

// NewOpaqueToken returns 256 random bits, base64url encoded. Federation state,
// merge tickets and browser bindings use it.
func NewOpaqueToken() (string, error) {
	var b [opaqueBytes]byte
	if err := fill(b[:]); err != nil {
		return "", err
	}
	return b64.EncodeToString(b[:]), nil
}

// HashString returns the raw sha256 digest of s as a binary string, the form
// Redis keys and Lua arguments take it in.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return string(sum[:])
}

// NewOTP returns a uniformly distributed numeric code. Bytes at or above 250
// are discarded so that the modulo does not favour low digits.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errOTPDigits
	}

	code := make([]byte, 0, digits)
	var pool [16]byte
	for len(code) < digits {
		if err := fill(pool[:]); err != nil {
			return "", err
		}
		for _, v := range pool {
			if v >= 250 {
				continue
			}
			code = append(code, '0'+v%10)
			if len(code) == digits {
				break
			}
		}
	}
	return string(code), nil
}
