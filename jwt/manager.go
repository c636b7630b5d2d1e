package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, and claim mismatches.
	ErrTokenInvalid = errors.New("access token invalid")
	// ErrTokenExpired is returned for a well-signed token past its expiry.
	ErrTokenExpired = errors.New("access token expired")
)

// PreviousKey is a retired verification key still accepted until ValidUntil.
type PreviousKey struct {
	KeyID      string
	PublicKey  []byte
	ValidUntil time.Time
}

// Config defines the access-token signing configuration.
type Config struct {
	AccessTTL    time.Duration
	PrivateKey   []byte
	PublicKey    []byte
	KeyID        string
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration

	// PreviousKeys are verification-only keys from earlier rotations.
	PreviousKeys []PreviousKey
}

type verifyKey struct {
	key        ed25519.PublicKey
	validUntil time.Time
}

// Manager signs and verifies EdDSA access tokens.
//
// Manager is safe for concurrent use.
type Manager struct {
	config  Config
	signKey ed25519.PrivateKey
	keys    map[string]verifyKey
	now     func() time.Time
}

// AccessClaims is the payload of an access token. Subject carries the
// identity id and ID carries the grant id used for revocation.
type AccessClaims struct {
	Role string `json:"role"`
	SID  string `json:"sid"`
	jwt.RegisteredClaims
}

// CapExpiry pulls the expiry back to limit when the token would otherwise
// outlive it. Access tokens never outlive their session.
func (c *AccessClaims) CapExpiry(limit time.Time) {
	if c.ExpiresAt == nil || limit.Before(c.ExpiresAt.Time) {
		c.ExpiresAt = jwt.NewNumericDate(limit)
	}
}

// IdentityID returns the token subject.
func (c *AccessClaims) IdentityID() string {
	return c.Subject
}

// NewManager validates cfg and loads the signing key plus any previous
// verification keys. The configured KeyID is stamped into every token header.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.KeyID == "" {
		return nil, errors.New("KeyID is required")
	}

	m := &Manager{
		config: cfg,
		keys:   make(map[string]verifyKey, 1+len(cfg.PreviousKeys)),
		now:    time.Now,
	}

	if len(cfg.PrivateKey) > 0 {
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		m.signKey = priv
	}

	var current ed25519.PublicKey
	switch {
	case len(cfg.PublicKey) > 0:
		pub, err := parseEdPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		current = pub
	case m.signKey != nil:
		current = m.signKey.Public().(ed25519.PublicKey)
	default:
		return nil, errors.New("ed25519 requires a private or public key")
	}
	if m.signKey != nil && !current.Equal(m.signKey.Public()) {
		return nil, errors.New("public key does not match private key")
	}
	m.keys[cfg.KeyID] = verifyKey{key: current}

	for _, prev := range cfg.PreviousKeys {
		kid := strings.TrimSpace(prev.KeyID)
		if kid == "" {
			return nil, errors.New("previous key has empty kid")
		}
		if _, dup := m.keys[kid]; dup {
			return nil, fmt.Errorf("duplicate kid %q", kid)
		}
		if prev.ValidUntil.IsZero() {
			return nil, fmt.Errorf("previous key %q needs a grace deadline", kid)
		}
		pub, err := parseEdPublicKey(prev.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
		}
		m.keys[kid] = verifyKey{key: pub, validUntil: prev.ValidUntil}
	}

	return m, nil
}

// TTL returns the configured access-token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.AccessTTL
}

// CreateAccess signs a fresh access token for identityID under sessionID.
// The returned claims carry the generated grant id and expiry.
func (m *Manager) CreateAccess(identityID, role, sessionID string) (string, *AccessClaims, error) {
	claims, err := m.NewClaims(identityID, role, sessionID)
	if err != nil {
		return "", nil, err
	}
	signed, err := m.Sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// NewClaims allocates a grant id and validity window without signing, so the
// grant can be recorded before the subject is known.
func (m *Manager) NewClaims(identityID, role, sessionID string) (*AccessClaims, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	now := m.now()
	claims := &AccessClaims{
		Role: role,
		SID:  sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			ID:        jti.String(),
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	return claims, nil
}

// Sign serializes claims with the current key and kid header.
func (m *Manager) Sign(claims *AccessClaims) (string, error) {
	if m.signKey == nil {
		return "", errors.New("manager has no signing key")
	}
	if claims == nil || claims.Subject == "" || claims.SID == "" || claims.ID == "" {
		return "", errors.New("claims missing sub, sid, or jti")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = m.config.KeyID
	return token.SignedString(m.signKey)
}

// ParseAccess verifies signature and registered claims. Expired tokens
// return [ErrTokenExpired]; everything else that fails returns [ErrTokenInvalid].
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, m.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.SID == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(m.now().Add(m.config.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrTokenInvalid)
	}

	return claims, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	vk, ok := m.keys[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	if !vk.validUntil.IsZero() && !m.now().Before(vk.validUntil) {
		return nil, errors.New("retired kid past grace window")
	}
	return vk.key, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	if len(key) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
