package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/identity"
	"github.com/caarlos0/env/v11"
)

// serverEnv holds the raw environment of the daemon.
type serverEnv struct {
	HTTPAddr        string        `env:"IDENTITYD_HTTP_ADDR"        envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"IDENTITYD_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"IDENTITYD_LOG_LEVEL"        envDefault:"info"`

	RedisAddr     string `env:"IDENTITYD_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"IDENTITYD_REDIS_PASSWORD"`
	RedisDB       int    `env:"IDENTITYD_REDIS_DB"`

	// Exactly one of SQLitePath and PostgresDSN selects the credential store.
	SQLitePath  string `env:"IDENTITYD_SQLITE_PATH"`
	PostgresDSN string `env:"IDENTITYD_POSTGRES_DSN"`

	JWTKeyFile   string        `env:"IDENTITYD_JWT_KEY_FILE"`
	JWTKeyID     string        `env:"IDENTITYD_JWT_KEY_ID"  envDefault:"k1"`
	JWTIssuer    string        `env:"IDENTITYD_JWT_ISSUER"    envDefault:"identityd"`
	JWTAudience  string        `env:"IDENTITYD_JWT_AUDIENCE"  envDefault:"identityd"`
	AccessTTL    time.Duration `env:"IDENTITYD_ACCESS_TTL"    envDefault:"5m"`
	SessionTTL   time.Duration `env:"IDENTITYD_SESSION_TTL"   envDefault:"720h"`
	MergePolicy  string        `env:"IDENTITYD_MERGE_POLICY"  envDefault:"confirm"`
	SweepEvery   time.Duration `env:"IDENTITYD_SWEEP_INTERVAL" envDefault:"5m"`
	AuditEnabled bool          `env:"IDENTITYD_AUDIT"          envDefault:"true"`

	SMSEndpoint string  `env:"IDENTITYD_SMS_ENDPOINT"`
	SMSAPIKey   string  `env:"IDENTITYD_SMS_API_KEY"`
	SMSSender   string  `env:"IDENTITYD_SMS_SENDER"`
	SMSRate     float64 `env:"IDENTITYD_SMS_RATE" envDefault:"10"`

	ChallengeURL    string `env:"IDENTITYD_CHALLENGE_URL"`
	ChallengeSecret string `env:"IDENTITYD_CHALLENGE_SECRET"`

	OIDCName         string   `env:"IDENTITYD_OIDC_NAME" envDefault:"oidc"`
	OIDCIssuer       string   `env:"IDENTITYD_OIDC_ISSUER"`
	OIDCClientID     string   `env:"IDENTITYD_OIDC_CLIENT_ID"`
	OIDCClientSecret string   `env:"IDENTITYD_OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string   `env:"IDENTITYD_OIDC_REDIRECT_URL"`
	OIDCScopes       []string `env:"IDENTITYD_OIDC_SCOPES" envSeparator:","`

	GitHubClientID     string `env:"IDENTITYD_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"IDENTITYD_GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"IDENTITYD_GITHUB_REDIRECT_URL"`
}

func parseEnv(opts env.Options) (serverEnv, error) {
	var raw serverEnv
	if err := env.ParseWithOptions(&raw, opts); err != nil {
		return serverEnv{}, fmt.Errorf("parse env: %w", err)
	}
	if raw.SQLitePath == "" && raw.PostgresDSN == "" {
		return serverEnv{}, fmt.Errorf("one of IDENTITYD_SQLITE_PATH or IDENTITYD_POSTGRES_DSN is required")
	}
	if raw.SQLitePath != "" && raw.PostgresDSN != "" {
		return serverEnv{}, fmt.Errorf("IDENTITYD_SQLITE_PATH and IDENTITYD_POSTGRES_DSN are mutually exclusive")
	}
	if (raw.ChallengeURL == "") != (raw.ChallengeSecret == "") {
		return serverEnv{}, fmt.Errorf("IDENTITYD_CHALLENGE_URL and IDENTITYD_CHALLENGE_SECRET must be set together")
	}
	raw.OIDCScopes = trimCSV(raw.OIDCScopes)
	return raw, nil
}

// engineConfig maps the environment onto the engine defaults. signingKey
// is a PEM block or a raw 64-byte Ed25519 key.
func (raw serverEnv) engineConfig(signingKey []byte) (goIdentity.Config, error) {
	policy, err := identity.ParseMergePolicy(raw.MergePolicy)
	if err != nil {
		return goIdentity.Config{}, err
	}

	cfg := goIdentity.DefaultConfig()
	cfg.JWT.PrivateKey = signingKey
	cfg.JWT.KeyID = raw.JWTKeyID
	cfg.JWT.Issuer = raw.JWTIssuer
	cfg.JWT.Audience = raw.JWTAudience
	cfg.JWT.AccessTTL = raw.AccessTTL
	cfg.Session.Lifetime = raw.SessionTTL
	cfg.Identity.MergePolicy = policy
	cfg.Sweep.Interval = raw.SweepEvery
	cfg.Audit.Enabled = raw.AuditEnabled
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	if raw.ChallengeURL == "" {
		cfg.RateLimit.ChallengeAfter = 0
	}
	if err := cfg.Validate(); err != nil {
		return goIdentity.Config{}, err
	}
	return cfg, nil
}

func readSigningKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return key, nil
}

func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
