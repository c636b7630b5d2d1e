package goIdentity

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/internal/stores"
)

/*
====================================
RESOLVE
====================================
*/

// resolveAndIssue maps a proven candidate onto an identity and starts a
// session for it. A merge that needs the owner's consent returns a
// [*MergeConfirmationError] and issues nothing.
func (e *Engine) resolveAndIssue(ctx context.Context, c identity.Candidate) (*LoginResult, error) {
	res, err := e.resolver.Resolve(ctx, c)
	if err != nil {
		var mergeErr *identity.MergeRequiredError
		if errors.As(err, &mergeErr) {
			return nil, e.issueMergeTicket(ctx, mergeErr)
		}
		mapped := identityError(err)
		if errors.Is(mapped, ErrConflict) {
			// An automatic merge raced with another claim on the same method.
			e.logger.WarnContext(ctx, "merge lost race for method", "method", c.Method.Type, "error", err)
		}
		return nil, mapped
	}

	if res.Identity.Deleted() {
		return nil, ErrUnauthorized
	}

	tokens, err := e.Issue(ctx, res.Identity)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case identity.OutcomeCreated:
		e.metricInc(MetricIdentityCreated)
		e.emitAudit(ctx, auditEventIdentityCreated, true, res.Identity.ID, tokens.SessionID, nil, func() map[string]string {
			return map[string]string{
				"method": string(c.Method.Type),
			}
		})
	case identity.OutcomeMerged:
		e.metricInc(MetricIdentityMerged)
		e.emitAudit(ctx, auditEventIdentityMerged, true, res.Identity.ID, tokens.SessionID, nil, func() map[string]string {
			return map[string]string{
				"method":   string(c.Method.Type),
				"provider": c.Method.Provider,
			}
		})
	}

	return &LoginResult{Tokens: tokens, Identity: res.Identity, Outcome: res.Outcome}, nil
}

func (e *Engine) issueMergeTicket(ctx context.Context, req *identity.MergeRequiredError) error {
	ticket, err := internal.NewOpaqueToken()
	if err != nil {
		return err
	}
	now := e.now()
	ttl := e.config.Identity.MergeTicketTTL
	err = e.mergeTickets.Save(ctx, ticket, stores.MergeTicket{
		TargetID:       req.TargetID,
		MethodType:     string(req.Method.Type),
		MethodProvider: req.Method.Provider,
		MethodValue:    req.Method.Value,
		CreatedAt:      now.UnixMilli(),
	}, ttl)
	if err != nil {
		return redisFailure(err)
	}

	e.metricInc(MetricMergeConfirmationRequired)
	e.emitAudit(ctx, auditEventMergeConfirmRequired, false, req.TargetID, "", ErrMergeConfirmationRequired, func() map[string]string {
		return map[string]string{
			"method":   string(req.Method.Type),
			"provider": req.Method.Provider,
		}
	})
	return &MergeConfirmationError{Ticket: ticket, ExpiresAt: now.Add(ttl)}
}

/*
====================================
LINK
====================================
*/

// ConfirmMerge redeems a merge ticket. Only the identity the ticket points
// at may redeem it; the ticket is spent whether or not that check passes.
func (e *Engine) ConfirmMerge(ctx context.Context, accessToken, ticket string) (identity.Identity, error) {
	if e == nil || e.mergeTickets == nil {
		return identity.Identity{}, ErrEngineNotReady
	}
	claims, err := e.Validate(ctx, accessToken)
	if err != nil {
		return identity.Identity{}, err
	}
	if ticket == "" {
		return identity.Identity{}, ErrMergeTicketInvalid
	}

	rec, err := e.mergeTickets.Consume(ctx, ticket)
	if err != nil {
		if errors.Is(err, stores.ErrMergeTicketNotFound) {
			e.emitAudit(ctx, auditEventMergeConfirmed, false, claims.IdentityID, claims.SessionID, ErrMergeTicketInvalid, nil)
			return identity.Identity{}, ErrMergeTicketInvalid
		}
		return identity.Identity{}, redisFailure(err)
	}
	if rec.TargetID != claims.IdentityID {
		e.emitAudit(ctx, auditEventMergeConfirmed, false, claims.IdentityID, claims.SessionID, ErrForbidden, func() map[string]string {
			return map[string]string{
				"reason": "target_mismatch",
			}
		})
		return identity.Identity{}, ErrForbidden
	}

	method := identity.Method{
		Type:     identity.MethodType(rec.MethodType),
		Provider: rec.MethodProvider,
		Value:    rec.MethodValue,
	}
	ident, err := e.resolver.Attach(ctx, claims.IdentityID, method)
	if err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventMergeConfirmed, false, claims.IdentityID, claims.SessionID, mapped, nil)
		return identity.Identity{}, mapped
	}

	e.metricInc(MetricIdentityMerged)
	e.emitAudit(ctx, auditEventMergeConfirmed, true, claims.IdentityID, claims.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method":   rec.MethodType,
			"provider": rec.MethodProvider,
		}
	})
	return ident, nil
}

// LinkPhone proves control of phone with a one-time code and binds it to
// the caller's identity.
func (e *Engine) LinkPhone(ctx context.Context, accessToken, phone, code string) (identity.Identity, error) {
	claims, err := e.Validate(ctx, accessToken)
	if err != nil {
		return identity.Identity{}, err
	}
	candidate, err := e.VerifyPhoneCode(ctx, phone, code)
	if err != nil {
		return identity.Identity{}, err
	}
	return e.link(ctx, claims, candidate.Method)
}

// LinkFederated completes a provider callback and binds the provider
// subject to the caller's identity. The asserted email is ignored.
func (e *Engine) LinkFederated(ctx context.Context, accessToken, provider, code, state, binding string) (identity.Identity, error) {
	claims, err := e.Validate(ctx, accessToken)
	if err != nil {
		return identity.Identity{}, err
	}
	profile, err := e.federatedProfile(ctx, provider, code, state, binding)
	if err != nil {
		return identity.Identity{}, err
	}
	return e.link(ctx, claims, identity.FederatedMethod(profile.Provider, profile.SubjectID))
}

// LinkPassword adds an email and password method to an identity that has
// none.
func (e *Engine) LinkPassword(ctx context.Context, accessToken, email, pw string) (identity.Identity, error) {
	if e == nil || e.passwords == nil {
		return identity.Identity{}, ErrEngineNotReady
	}
	claims, err := e.Validate(ctx, accessToken)
	if err != nil {
		return identity.Identity{}, err
	}
	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return identity.Identity{}, ErrInvalidEmail
	}
	if err := e.passwords.CheckPolicy(pw); err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	current, err := e.store.FindByID(ctx, claims.IdentityID)
	if err != nil {
		return identity.Identity{}, identityError(err)
	}
	if _, ok := current.Method(identity.MethodEmail); ok {
		return identity.Identity{}, ErrAlreadyLinked
	}

	hash, err := e.passwords.Hash(pw)
	if err != nil {
		return identity.Identity{}, err
	}
	return e.link(ctx, claims, identity.EmailMethod(normalized, hash))
}

// link binds m to the caller. A method owned by another identity is a
// conflict; linking never merges two identities.
func (e *Engine) link(ctx context.Context, claims *Claims, m identity.Method) (identity.Identity, error) {
	m.CreatedAt = e.now().UTC()
	if err := e.store.AttachMethod(ctx, claims.IdentityID, m); err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventMethodLinked, false, claims.IdentityID, claims.SessionID, mapped, func() map[string]string {
			return map[string]string{
				"method": string(m.Type),
			}
		})
		return identity.Identity{}, mapped
	}
	ident, err := e.store.FindByID(ctx, claims.IdentityID)
	if err != nil {
		return identity.Identity{}, identityError(err)
	}

	e.metricInc(MetricMethodLinked)
	e.emitAudit(ctx, auditEventMethodLinked, true, claims.IdentityID, claims.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method":   string(m.Type),
			"provider": m.Provider,
		}
	})
	return ident, nil
}

// UnlinkMethod removes key from the caller's identity. Removing the last
// method returns [ErrLastMethod].
func (e *Engine) UnlinkMethod(ctx context.Context, accessToken string, key identity.MethodKey) (identity.Identity, error) {
	claims, err := e.Validate(ctx, accessToken)
	if err != nil {
		return identity.Identity{}, err
	}
	if !key.Type.Valid() || key.Value == "" {
		return identity.Identity{}, ErrInvalidRequest
	}

	if err := e.store.DetachMethod(ctx, claims.IdentityID, key); err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventMethodUnlinked, false, claims.IdentityID, claims.SessionID, mapped, func() map[string]string {
			return map[string]string{
				"method": string(key.Type),
			}
		})
		return identity.Identity{}, mapped
	}
	ident, err := e.store.FindByID(ctx, claims.IdentityID)
	if err != nil {
		return identity.Identity{}, identityError(err)
	}

	e.metricInc(MetricMethodUnlinked)
	e.emitAudit(ctx, auditEventMethodUnlinked, true, claims.IdentityID, claims.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method":   string(key.Type),
			"provider": key.Provider,
		}
	})
	return ident, nil
}
