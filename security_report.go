package goIdentity

import "time"

// SecurityReport summarizes the security-relevant settings an engine was
// built with. It is safe to log; it never contains key material.
type SecurityReport struct {
	SigningAlgorithm    string
	KeyID               string
	RetiredKeys         int
	AccessTTL           time.Duration
	SessionLifetime     time.Duration
	Argon2              PasswordConfigReport
	MergePolicy         string
	ChallengeAfter      int
	ChallengeConfigured bool
	FederatedProviders  []string
	SMSConfigured       bool
	PhoneCodeDigits     int
	PhoneCodeTTL        time.Duration
	RevocationCache     bool
	AuditEnabled        bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinBytes    int
	MaxBytes    int
}

// SecurityReport describes the engine as built. cmd/identityd logs it at startup.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	var providers []string
	if e.broker != nil {
		providers = e.broker.Providers()
	}

	return SecurityReport{
		SigningAlgorithm: "EdDSA",
		KeyID:            e.config.JWT.KeyID,
		RetiredKeys:      len(e.config.JWT.PreviousPublicKeys),
		AccessTTL:        e.config.JWT.AccessTTL,
		SessionLifetime:  e.config.Session.Lifetime,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
			MinBytes:    e.config.Password.MinPasswordBytes,
			MaxBytes:    e.config.Password.MaxPasswordBytes,
		},
		MergePolicy:         e.config.Identity.MergePolicy.String(),
		ChallengeAfter:      e.config.RateLimit.ChallengeAfter,
		ChallengeConfigured: e.challenge != nil,
		FederatedProviders:  providers,
		SMSConfigured:       e.smsGateway != nil,
		PhoneCodeDigits:     e.config.PhoneCode.Digits,
		PhoneCodeTTL:        e.config.PhoneCode.TTL,
		RevocationCache:     e.revoked != nil,
		AuditEnabled:        e.audit != nil,
	}
}
