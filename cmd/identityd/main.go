// Command identityd serves the identity engine over a JSON HTTP API.
//
// Configuration comes from IDENTITYD_* environment variables; see
// serverEnv for the full list. A SQLite path or a Postgres DSN selects the
// credential store, Redis holds sessions and every short-lived record.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/challenge"
	"github.com/MrEthical07/goIdentity/federation"
	"github.com/MrEthical07/goIdentity/identity"
	promexport "github.com/MrEthical07/goIdentity/metrics/export/prometheus"
	"github.com/MrEthical07/goIdentity/sms"
	"github.com/MrEthical07/goIdentity/store/postgres"
	"github.com/MrEthical07/goIdentity/store/sqlite"
	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

func main() {
	raw, err := parseEnv(env.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(os.Stdout, raw.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, raw, logger); err != nil {
		logger.Error("identityd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// credentialStore is what run needs from either SQL backend.
type credentialStore interface {
	io.Closer
	identity.Store
}

func openStore(ctx context.Context, raw serverEnv) (credentialStore, error) {
	if raw.PostgresDSN != "" {
		st, err := postgres.Open(ctx, raw.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := sqlite.Open(raw.SQLitePath)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func run(ctx context.Context, raw serverEnv, logger *slog.Logger) error {
	signingKey, err := readSigningKey(raw.JWTKeyFile)
	if err != nil {
		return err
	}
	if signingKey == nil {
		// Tokens do not survive a restart with an ephemeral key.
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		signingKey = priv
		logger.Warn("no IDENTITYD_JWT_KEY_FILE set, using an ephemeral signing key", slog.String("component", "identityd"))
	}

	cfg, err := raw.engineConfig(signingKey)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, err := openStore(ctx, raw)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     raw.RedisAddr,
		Password: raw.RedisPassword,
		DB:       raw.RedisDB,
	})
	defer rdb.Close()

	gateway, err := newGateway(raw, logger)
	if err != nil {
		return err
	}
	providers, err := newProviders(ctx, raw)
	if err != nil {
		return err
	}

	builder := goIdentity.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(store).
		WithLogger(logger).
		WithSMSGateway(gateway).
		WithProviders(providers...).
		WithAuditSink(goIdentity.SlogSink{Logger: logger.With(slog.String("component", "audit"))})
	if raw.ChallengeURL != "" {
		verifier, err := challenge.NewSiteVerify(challenge.SiteVerifyConfig{URL: raw.ChallengeURL, Secret: raw.ChallengeSecret})
		if err != nil {
			return fmt.Errorf("challenge verifier: %w", err)
		}
		builder = builder.WithChallengeVerifier(verifier)
	}
	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()
	logger.Info("engine ready", slog.Any("security", engine.SecurityReport()))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan error, 1)
	go func() { sweepDone <- engine.RunSweeper(sweepCtx, cfg.Sweep.Interval) }()

	srv := &http.Server{
		Addr: raw.HTTPAddr,
		Handler: newRouter(&server{
			engine:        engine,
			logger:        logger,
			metrics:       promexport.NewPrometheusExporter(engine).Handler(),
			secureCookies: true,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("identityd listening", slog.String("addr", raw.HTTPAddr))
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), raw.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	stopSweep()
	if err := <-sweepDone; err != nil {
		logger.Warn("sweeper stopped", slog.Any("error", err))
	}
	return runErr
}

func newGateway(raw serverEnv, logger *slog.Logger) (sms.Gateway, error) {
	if raw.SMSEndpoint == "" {
		logger.Warn("no IDENTITYD_SMS_ENDPOINT set, codes are logged instead of sent", slog.String("component", "identityd"))
		return sms.LogGateway{Logger: logger}, nil
	}
	gw, err := sms.NewHTTPGateway(sms.HTTPGatewayConfig{
		Endpoint:      raw.SMSEndpoint,
		APIKey:        raw.SMSAPIKey,
		Sender:        raw.SMSSender,
		RatePerSecond: raw.SMSRate,
		Burst:         int(raw.SMSRate) + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("sms gateway: %w", err)
	}
	return gw, nil
}

func newProviders(ctx context.Context, raw serverEnv) ([]federation.Provider, error) {
	var providers []federation.Provider
	if raw.OIDCIssuer != "" {
		p, err := federation.NewOIDCProvider(ctx, federation.OIDCConfig{
			Name:         raw.OIDCName,
			IssuerURL:    raw.OIDCIssuer,
			ClientID:     raw.OIDCClientID,
			ClientSecret: raw.OIDCClientSecret,
			RedirectURL:  raw.OIDCRedirectURL,
			Scopes:       raw.OIDCScopes,
		})
		if err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		providers = append(providers, p)
	}
	if raw.GitHubClientID != "" {
		p, err := federation.NewOAuth2Provider(federation.OAuth2Config{
			Name:         "github",
			ClientID:     raw.GitHubClientID,
			ClientSecret: raw.GitHubClientSecret,
			RedirectURL:  raw.GitHubRedirectURL,
			AuthURL:      "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			Scopes:       []string{"read:user", "user:email"},
			SubjectClaim: "id",
		})
		if err != nil {
			return nil, fmt.Errorf("github provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
