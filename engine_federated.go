package goIdentity

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goIdentity/federation"
	"github.com/MrEthical07/goIdentity/identity"
)

// AuthorizeURL starts a federated login with provider. binding ties the
// returned state to the caller's browser session; the same value must be
// passed to [Engine.HandleCallback].
func (e *Engine) AuthorizeURL(ctx context.Context, provider, binding string) (string, string, error) {
	if e == nil || e.broker == nil {
		return "", "", ErrEngineNotReady
	}
	if provider == "" || binding == "" {
		return "", "", ErrInvalidRequest
	}
	url, state, err := e.broker.AuthorizeURL(ctx, provider, binding)
	if err != nil {
		mapped := federationError(err)
		e.emitAudit(ctx, auditEventFederatedStart, false, "", "", mapped, func() map[string]string {
			return map[string]string{
				"provider": provider,
			}
		})
		return "", "", mapped
	}
	e.emitAudit(ctx, auditEventFederatedStart, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"provider": provider,
		}
	})
	return url, state, nil
}

// HandleCallback completes a federated login and issues a session for the
// resolved identity. An email the provider verified may merge the login
// into an existing identity according to the merge policy.
func (e *Engine) HandleCallback(ctx context.Context, provider, code, state, binding string) (*LoginResult, error) {
	profile, err := e.federatedProfile(ctx, provider, code, state, binding)
	if err != nil {
		e.metricInc(MetricFederatedLoginFailure)
		return nil, err
	}

	candidate := identity.Candidate{Method: identity.FederatedMethod(profile.Provider, profile.SubjectID)}
	if email := profile.VerifiedEmail(); email != "" {
		// An unparseable asserted email only disables merging.
		if normalized, err := identity.NormalizeEmail(email); err == nil {
			candidate.VerifiedEmail = normalized
		}
	}

	res, err := e.resolveAndIssue(ctx, candidate)
	if err != nil {
		e.metricInc(MetricFederatedLoginFailure)
		return nil, err
	}

	e.metricInc(MetricFederatedLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, res.Identity.ID, res.Tokens.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method":   string(identity.MethodFederated),
			"provider": profile.Provider,
			"outcome":  res.Outcome.String(),
		}
	})
	return res, nil
}

func (e *Engine) federatedProfile(ctx context.Context, provider, code, state, binding string) (federation.Profile, error) {
	if e == nil || e.broker == nil {
		return federation.Profile{}, ErrEngineNotReady
	}
	profile, err := e.broker.HandleCallback(ctx, provider, code, state, binding)
	if err != nil {
		mapped := federationError(err)
		e.emitAudit(ctx, auditEventFederatedFailure, false, "", "", mapped, func() map[string]string {
			return map[string]string{
				"provider": provider,
			}
		})
		if errors.Is(mapped, ErrProviderError) {
			e.logger.WarnContext(ctx, "identity provider exchange failed", "provider", provider, "error", err)
		}
		return federation.Profile{}, mapped
	}
	return profile, nil
}

func federationError(err error) error {
	switch {
	case errors.Is(err, federation.ErrStateMismatch):
		return ErrStateMismatch
	case errors.Is(err, federation.ErrProviderNotFound):
		return ErrInvalidRequest
	case errors.Is(err, federation.ErrProviderError):
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	case errors.Is(err, federation.ErrRedisUnavailable):
		return redisFailure(err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
}
