package goIdentity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/password"
)

// Config defines the full engine configuration.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	JWT        JWTConfig
	Session    SessionConfig
	Password   PasswordConfig
	RateLimit  RateLimitConfig
	PhoneCode  PhoneCodeConfig
	Federation FederationConfig
	Identity   IdentityConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Cache      CacheConfig
	Sweep      SweepConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access-token signing. Only Ed25519 is supported.
type JWTConfig struct {
	AccessTTL  time.Duration
	PrivateKey []byte
	PublicKey  []byte
	KeyID      string
	Issuer     string
	Audience   string
	Leeway     time.Duration

	// PreviousPublicKeys keep tokens signed before a key rotation valid
	// until each key's deadline.
	PreviousPublicKeys []PreviousPublicKey
}

// PreviousPublicKey is a retired verification key.
type PreviousPublicKey struct {
	KeyID      string
	PublicKey  []byte
	ValidUntil time.Time
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures the Redis session store.
type SessionConfig struct {
	RedisPrefix string
	// Lifetime is the absolute lifetime of a refresh lineage. Rotation does
	// not extend it.
	Lifetime time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig configures Argon2id cost and password length policy.
type PasswordConfig struct {
	Memory           uint32 // in KB
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MinPasswordBytes int
	MaxPasswordBytes int
	UpgradeOnLogin   bool
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// BucketConfig is one fixed-window budget.
type BucketConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig configures the abuse guard buckets.
type RateLimitConfig struct {
	RedisPrefix string
	// ChallengeAfter consecutive failures on a bucket make a challenge token
	// mandatory for the next attempt. Zero disables challenges.
	ChallengeAfter int

	LoginIP         BucketConfig
	LoginIdentifier BucketConfig
	SMSPhoneHour    BucketConfig
	SMSPhoneDay     BucketConfig
	SMSIP           BucketConfig
	OTPVerify       BucketConfig
	RefreshSession  BucketConfig
}

/*
====================================
PHONE CODE CONFIG
====================================
*/

// PhoneCodeConfig configures one-time codes delivered over SMS.
type PhoneCodeConfig struct {
	RedisPrefix string
	TTL         time.Duration
	Digits      int
	MaxAttempts int
	// MessageTemplate must contain exactly one %s verb for the code.
	MessageTemplate string
	SendTimeout     time.Duration
}

/*
====================================
FEDERATION CONFIG
====================================
*/

// FederationConfig configures the federated login broker.
type FederationConfig struct {
	RedisPrefix string
	StateTTL    time.Duration
}

/*
====================================
IDENTITY CONFIG
====================================
*/

// IdentityConfig configures identity resolution and authorization.
type IdentityConfig struct {
	MergePolicy       identity.MergePolicy
	MergeTicketTTL    time.Duration
	MergeTicketPrefix string
	// OwnerBypassRole and every role above it skip ownership checks.
	OwnerBypassRole identity.Role
}

// AuditConfig configures the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
CACHE CONFIG
====================================
*/

// CacheConfig configures the in-process revocation cache.
type CacheConfig struct {
	RevocationCacheEnabled bool
	MaxEntries             int64
}

// SweepConfig configures the background expiry sweeper.
type SweepConfig struct {
	Interval time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults. Signing keys must still
// be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			AccessTTL: time.Hour,
			KeyID:     "k1",
			Leeway:    5 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "is",
			Lifetime:    30 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:           pw.Memory,
			Time:             pw.Time,
			Parallelism:      pw.Parallelism,
			SaltLength:       pw.SaltLength,
			KeyLength:        pw.KeyLength,
			MinPasswordBytes: pw.MinPasswordBytes,
			MaxPasswordBytes: pw.MaxPasswordBytes,
			UpgradeOnLogin:   true,
		},
		RateLimit: RateLimitConfig{
			RedisPrefix:     "rl",
			ChallengeAfter:  3,
			LoginIP:         BucketConfig{Limit: 5, Window: time.Hour},
			LoginIdentifier: BucketConfig{Limit: 5, Window: time.Hour},
			SMSPhoneHour:    BucketConfig{Limit: 5, Window: time.Hour},
			SMSPhoneDay:     BucketConfig{Limit: 10, Window: 24 * time.Hour},
			SMSIP:           BucketConfig{Limit: 20, Window: time.Hour},
			OTPVerify:       BucketConfig{Limit: 10, Window: time.Hour},
			RefreshSession:  BucketConfig{Limit: 30, Window: time.Minute},
		},
		PhoneCode: PhoneCodeConfig{
			RedisPrefix:     "ipc",
			TTL:             10 * time.Minute,
			Digits:          6,
			MaxAttempts:     3,
			MessageTemplate: "Your verification code is %s",
			SendTimeout:     5 * time.Second,
		},
		Federation: FederationConfig{
			RedisPrefix: "ifs",
			StateTTL:    10 * time.Minute,
		},
		Identity: IdentityConfig{
			MergePolicy:       identity.MergeRequireConfirmation,
			MergeTicketTTL:    10 * time.Minute,
			MergeTicketPrefix: "imt",
			OwnerBypassRole:   identity.RoleOperator,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Cache: CacheConfig{
			RevocationCacheEnabled: true,
			MaxEntries:             10000,
		},
		Sweep: SweepConfig{
			Interval: 5 * time.Minute,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if len(cfg.JWT.PreviousPublicKeys) > 0 {
		out.JWT.PreviousPublicKeys = make([]PreviousPublicKey, len(cfg.JWT.PreviousPublicKeys))
		for i, k := range cfg.JWT.PreviousPublicKeys {
			k.PublicKey = cloneBytes(k.PublicKey)
			out.JWT.PreviousPublicKeys[i] = k
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration for values the engine refuses to run
// with, including cryptographic cost floors.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.AccessTTL > 24*time.Hour {
		return errors.New("JWT AccessTTL must be <= 24h")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if strings.TrimSpace(c.JWT.KeyID) == "" {
		return errors.New("JWT KeyID is required")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	for _, k := range c.JWT.PreviousPublicKeys {
		if k.KeyID == c.JWT.KeyID {
			return fmt.Errorf("JWT previous key %q reuses the current KeyID", k.KeyID)
		}
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix is required")
	}
	if c.Session.Lifetime <= c.JWT.AccessTTL {
		return errors.New("Session Lifetime must exceed JWT AccessTTL")
	}

	// Password
	if c.Password.Memory < password.MinMemoryKB {
		return fmt.Errorf("Password Memory must be >= %d KB", password.MinMemoryKB)
	}
	if c.Password.Time < password.MinTime {
		return fmt.Errorf("Password Time must be >= %d", password.MinTime)
	}
	if c.Password.Parallelism < password.MinParallelism {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < password.MinSaltLength {
		return fmt.Errorf("Password SaltLength must be >= %d", password.MinSaltLength)
	}
	if c.Password.KeyLength < password.MinKeyLength {
		return fmt.Errorf("Password KeyLength must be >= %d", password.MinKeyLength)
	}
	if c.Password.MinPasswordBytes < 1 || c.Password.MaxPasswordBytes < c.Password.MinPasswordBytes {
		return errors.New("Password length bounds are invalid")
	}

	// Rate limits
	if c.RateLimit.ChallengeAfter < 0 {
		return errors.New("RateLimit ChallengeAfter must be >= 0")
	}
	for name, b := range map[string]BucketConfig{
		"LoginIP":         c.RateLimit.LoginIP,
		"LoginIdentifier": c.RateLimit.LoginIdentifier,
		"SMSPhoneHour":    c.RateLimit.SMSPhoneHour,
		"SMSPhoneDay":     c.RateLimit.SMSPhoneDay,
		"SMSIP":           c.RateLimit.SMSIP,
		"OTPVerify":       c.RateLimit.OTPVerify,
		"RefreshSession":  c.RateLimit.RefreshSession,
	} {
		if b.Limit <= 0 || b.Window <= 0 {
			return fmt.Errorf("RateLimit %s needs Limit and Window > 0", name)
		}
	}

	// Phone codes
	if c.PhoneCode.TTL <= 0 || c.PhoneCode.TTL > 15*time.Minute {
		return errors.New("PhoneCode TTL must be between 0 and 15m")
	}
	if c.PhoneCode.Digits < 6 || c.PhoneCode.Digits > 10 {
		return errors.New("PhoneCode Digits must be between 6 and 10")
	}
	if c.PhoneCode.MaxAttempts <= 0 || c.PhoneCode.MaxAttempts > 5 {
		return errors.New("PhoneCode MaxAttempts must be between 1 and 5")
	}
	if strings.Count(c.PhoneCode.MessageTemplate, "%s") != 1 {
		return errors.New("PhoneCode MessageTemplate must contain one %s")
	}
	if c.PhoneCode.SendTimeout <= 0 {
		return errors.New("PhoneCode SendTimeout must be > 0")
	}

	// Federation
	if c.Federation.StateTTL <= 0 || c.Federation.StateTTL > time.Hour {
		return errors.New("Federation StateTTL must be between 0 and 1h")
	}

	// Identity
	switch c.Identity.MergePolicy {
	case identity.MergeRequireConfirmation, identity.MergeAutomatic, identity.MergeDisabled:
	default:
		return errors.New("Identity MergePolicy is invalid")
	}
	if c.Identity.MergePolicy == identity.MergeRequireConfirmation && c.Identity.MergeTicketTTL <= 0 {
		return errors.New("Identity MergeTicketTTL must be > 0")
	}
	if c.Identity.OwnerBypassRole != "" && !c.Identity.OwnerBypassRole.Valid() {
		return errors.New("Identity OwnerBypassRole is not a known role")
	}

	// Audit
	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return errors.New("Audit BufferSize must be > 0 when audit is enabled")
		}
	}

	if c.Cache.RevocationCacheEnabled && c.Cache.MaxEntries <= 0 {
		return errors.New("Cache MaxEntries must be > 0 when the revocation cache is enabled")
	}
	if c.Sweep.Interval < 0 {
		return errors.New("Sweep Interval must be >= 0")
	}

	return nil
}
