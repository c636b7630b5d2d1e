package federation

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig describes an OpenID Connect provider reachable by discovery.
type OIDCConfig struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes are added to openid, email.
	Scopes []string

	HTTPClient *http.Client
}

// OIDCProvider implements [Provider] by verifying the ID token returned
// from the code exchange.
type OIDCProvider struct {
	name       string
	cfg        *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
}

type idTokenClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
}

// NewOIDCProvider runs discovery against cfg.IssuerURL.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	p, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("new oidc provider: %w", err)
	}
	return NewOIDCProviderWithVerifier(cfg, p.Endpoint(), p.Verifier(&oidc.Config{ClientID: cfg.ClientID})), nil
}

// NewOIDCProviderWithVerifier skips discovery; the caller supplies the
// endpoints and a configured ID token verifier.
func NewOIDCProviderWithVerifier(cfg OIDCConfig, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) *OIDCProvider {
	scopes := append([]string{oidc.ScopeOpenID, "email"}, cfg.Scopes...)
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OIDCProvider{
		name: cfg.Name,
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier:   verifier,
		httpClient: httpClient,
	}
}

func (p *OIDCProvider) Name() string { return p.name }

func (p *OIDCProvider) AuthCodeURL(req AuthRequest) string {
	return p.cfg.AuthCodeURL(req.State, oidc.Nonce(req.Nonce), oauth2.S256ChallengeOption(req.PKCEVerifier))
}

func (p *OIDCProvider) Exchange(ctx context.Context, code string, req AuthRequest) (Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.cfg.Exchange(ctx, code, oauth2.VerifierOption(req.PKCEVerifier))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: exchange: %v", ErrProviderError, err)
	}

	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return Profile{}, fmt.Errorf("%w: no id_token in response", ErrProviderError)
	}
	idTok, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: verify id token: %v", ErrProviderError, err)
	}
	if subtle.ConstantTimeCompare([]byte(idTok.Nonce), []byte(req.Nonce)) != 1 {
		return Profile{}, fmt.Errorf("%w: nonce mismatch", ErrProviderError)
	}

	var claims idTokenClaims
	if err := idTok.Claims(&claims); err != nil {
		return Profile{}, fmt.Errorf("%w: read claims: %v", ErrProviderError, err)
	}

	return Profile{
		Provider:      p.name,
		SubjectID:     idTok.Subject,
		Email:         claims.Email,
		EmailVerified: claimBool(claims.EmailVerified),
	}, nil
}
