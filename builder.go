package goIdentity

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/goIdentity/challenge"
	"github.com/MrEthical07/goIdentity/federation"
	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/internal/rate"
	"github.com/MrEthical07/goIdentity/internal/stores"
	"github.com/MrEthical07/goIdentity/jwt"
	"github.com/MrEthical07/goIdentity/password"
	"github.com/MrEthical07/goIdentity/permission"
	"github.com/MrEthical07/goIdentity/session"
	"github.com/MrEthical07/goIdentity/sms"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  identity.Store
	logger *slog.Logger

	smsGateway sms.Gateway
	providers  []federation.Provider
	challenge  challenge.Verifier
	auditSink  AuditSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The builder keeps its own copy.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for sessions, revocation, rate buckets,
// one-time codes, login state, and merge tickets.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the durable credential store.
func (b *Builder) WithStore(store identity.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithSMSGateway enables phone-code flows.
func (b *Builder) WithSMSGateway(gw sms.Gateway) *Builder {
	b.smsGateway = gw
	return b
}

// WithProviders registers federated identity providers.
func (b *Builder) WithProviders(providers ...federation.Provider) *Builder {
	b.providers = append(b.providers, providers...)
	return b
}

// WithChallengeVerifier sets the verifier consulted once a failure streak
// demands a challenge.
func (b *Builder) WithChallengeVerifier(v challenge.Verifier) *Builder {
	b.challenge = v
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("identity store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RateLimit.ChallengeAfter > 0 && b.challenge == nil {
		return nil, errors.New("challenge verifier required when RateLimit ChallengeAfter > 0")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	// -------- ROLES --------
	hierarchy, err := permission.NewHierarchy(
		string(cfg.Identity.OwnerBypassRole),
		string(identity.RoleUser),
		string(identity.RoleOperator),
		string(identity.RoleAdmin),
	)
	if err != nil {
		return nil, err
	}
	hierarchy.Freeze()

	// -------- TOKENS --------
	previous := make([]jwt.PreviousKey, 0, len(cfg.JWT.PreviousPublicKeys))
	for _, k := range cfg.JWT.PreviousPublicKeys {
		previous = append(previous, jwt.PreviousKey{
			KeyID:      k.KeyID,
			PublicKey:  cloneBytes(k.PublicKey),
			ValidUntil: k.ValidUntil,
		})
	}
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:    cfg.JWT.AccessTTL,
		PrivateKey:   cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:    cloneBytes(cfg.JWT.PublicKey),
		KeyID:        cfg.JWT.KeyID,
		Issuer:       cfg.JWT.Issuer,
		Audience:     cfg.JWT.Audience,
		Leeway:       cfg.JWT.Leeway,
		PreviousKeys: previous,
	})
	if err != nil {
		return nil, err
	}

	// -------- PASSWORDS --------
	ph, err := password.New(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MinPasswordBytes: cfg.Password.MinPasswordBytes,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, err
	}

	// -------- FEDERATION --------
	broker, err := federation.NewBroker(
		federation.NewStateStore(b.redis, cfg.Federation.RedisPrefix, cfg.Federation.StateTTL),
		b.providers...,
	)
	if err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}

	engine := &Engine{
		config:       cloneConfig(cfg),
		logger:       logger.With("component", "goidentity"),
		store:        b.store,
		resolver:     identity.NewResolver(b.store, cfg.Identity.MergePolicy),
		sessions:     session.NewStore(b.redis, cfg.Session.RedisPrefix),
		limiter:      rate.New(b.redis, rate.Config{Prefix: cfg.RateLimit.RedisPrefix, ChallengeAfter: cfg.RateLimit.ChallengeAfter}),
		buckets:      newEngineBuckets(cfg.RateLimit),
		phoneCodes:   stores.NewPhoneCodeStore(b.redis, cfg.PhoneCode.RedisPrefix),
		mergeTickets: stores.NewMergeTicketStore(b.redis, cfg.Identity.MergeTicketPrefix),
		broker:       broker,
		smsGateway:   b.smsGateway,
		challenge:    b.challenge,
		hierarchy:    hierarchy,
		passwords:    ph,
		jwtManager:   jm,
		metrics:      NewMetrics(cfg.Metrics),
		now:          time.Now,
	}

	if cfg.Cache.RevocationCacheEnabled {
		cache, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
			NumCounters: cfg.Cache.MaxEntries * 10,
			MaxCost:     cfg.Cache.MaxEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("revocation cache: %w", err)
		}
		engine.revoked = cache
	}

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, engine.logger)

	b.built = true

	return engine, nil
}
