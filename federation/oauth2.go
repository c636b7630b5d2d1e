package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
)

// OAuth2Config describes a plain OAuth2 provider with a JSON userinfo
// endpoint. Claim names default to the OIDC standard ones.
type OAuth2Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string

	SubjectClaim       string
	EmailClaim         string
	EmailVerifiedClaim string

	// HTTPClient is used for token exchange and userinfo. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// OAuth2Provider implements [Provider] with golang.org/x/oauth2 and PKCE.
type OAuth2Provider struct {
	name        string
	cfg         *oauth2.Config
	userInfoURL string
	httpClient  *http.Client

	subjectClaim       string
	emailClaim         string
	emailVerifiedClaim string
}

// NewOAuth2Provider validates cfg and builds the provider.
func NewOAuth2Provider(cfg OAuth2Config) (*OAuth2Provider, error) {
	if cfg.Name == "" || cfg.ClientID == "" || cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("oauth2 provider %q: incomplete configuration", cfg.Name)
	}
	p := &OAuth2Provider{
		name: cfg.Name,
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL:        cfg.UserInfoURL,
		httpClient:         cfg.HTTPClient,
		subjectClaim:       orDefault(cfg.SubjectClaim, "sub"),
		emailClaim:         orDefault(cfg.EmailClaim, "email"),
		emailVerifiedClaim: orDefault(cfg.EmailVerifiedClaim, "email_verified"),
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	return p, nil
}

func (p *OAuth2Provider) Name() string { return p.name }

func (p *OAuth2Provider) AuthCodeURL(req AuthRequest) string {
	return p.cfg.AuthCodeURL(req.State, oauth2.S256ChallengeOption(req.PKCEVerifier))
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code string, req AuthRequest) (Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.cfg.Exchange(ctx, code, oauth2.VerifierOption(req.PKCEVerifier))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: exchange: %v", ErrProviderError, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: userinfo request: %v", ErrProviderError, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.cfg.Client(ctx, tok).Do(httpReq)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: userinfo: %v", ErrProviderError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: userinfo status %d", ErrProviderError, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&claims); err != nil {
		return Profile{}, fmt.Errorf("%w: userinfo decode: %v", ErrProviderError, err)
	}

	profile := Profile{
		Provider:      p.name,
		SubjectID:     claimString(claims[p.subjectClaim]),
		Email:         claimString(claims[p.emailClaim]),
		EmailVerified: claimBool(claims[p.emailVerifiedClaim]),
	}
	if profile.SubjectID == "" {
		return Profile{}, fmt.Errorf("%w: userinfo missing %q", ErrProviderError, p.subjectClaim)
	}
	return profile, nil
}

// claimString accepts string and numeric subject ids.
func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// claimBool accepts booleans and the "true" string some providers send.
func claimBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
