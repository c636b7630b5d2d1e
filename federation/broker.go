package federation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Broker runs the authorization-code flow against registered providers.
type Broker struct {
	states *StateStore

	mu        sync.RWMutex
	providers map[string]Provider
	now       func() time.Time
}

// NewBroker creates a broker backed by states.
func NewBroker(states *StateStore, providers ...Provider) (*Broker, error) {
	b := &Broker{
		states:    states,
		providers: make(map[string]Provider, len(providers)),
		now:       time.Now,
	}
	for _, p := range providers {
		if err := b.Use(p); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Use registers p under p.Name().
func (b *Broker) Use(p Provider) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := p.Name()
	if name == "" {
		return errors.New("provider name empty")
	}
	if _, ok := b.providers[name]; ok {
		return ErrProviderConflict
	}
	b.providers[name] = p
	return nil
}

// Providers lists registered provider names.
func (b *Broker) Providers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.providers))
	for name := range b.providers {
		out = append(out, name)
	}
	return out
}

func (b *Broker) provider(name string) (Provider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// AuthorizeURL starts a login with provider. binding ties the state to the
// initiating client (for example a cookie value) and must be presented again
// on callback.
func (b *Broker) AuthorizeURL(ctx context.Context, provider, binding string) (string, string, error) {
	p, err := b.provider(provider)
	if err != nil {
		return "", "", err
	}
	if binding == "" {
		return "", "", errors.New("binding required")
	}

	req := AuthRequest{
		State:        randToken(32),
		Nonce:        randToken(16),
		PKCEVerifier: oauth2.GenerateVerifier(),
	}
	rec := stateRecord{
		Provider:  provider,
		Binding:   hashBinding(binding),
		Verifier:  req.PKCEVerifier,
		Nonce:     req.Nonce,
		CreatedAt: b.now().UnixMilli(),
	}
	if err := b.states.save(ctx, req.State, rec); err != nil {
		return "", "", err
	}
	return p.AuthCodeURL(req), req.State, nil
}

// HandleCallback completes a login. The state is consumed before any other
// check, so a failed callback cannot be retried with the same state.
func (b *Broker) HandleCallback(ctx context.Context, provider, code, state, binding string) (Profile, error) {
	if state == "" {
		return Profile{}, ErrStateMismatch
	}
	rec, err := b.states.consume(ctx, state)
	if err != nil {
		return Profile{}, err
	}
	if rec.Provider != provider {
		return Profile{}, ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(rec.Binding), []byte(hashBinding(binding))) != 1 {
		return Profile{}, ErrStateMismatch
	}

	p, err := b.provider(provider)
	if err != nil {
		return Profile{}, err
	}
	if code == "" {
		return Profile{}, fmt.Errorf("%w: missing code", ErrProviderError)
	}

	profile, err := p.Exchange(ctx, code, AuthRequest{State: state, Nonce: rec.Nonce, PKCEVerifier: rec.Verifier})
	if err != nil {
		if errors.Is(err, ErrProviderError) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if profile.SubjectID == "" {
		return Profile{}, fmt.Errorf("%w: empty subject", ErrProviderError)
	}
	profile.Provider = provider
	return profile, nil
}

func hashBinding(binding string) string {
	sum := sha256.Sum256([]byte(binding))
	return hex.EncodeToString(sum[:])
}

func randToken(size int) string {
	b := make([]byte, size)

	// rand.Read never returns an error
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
