package goIdentity

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/password"
)

// RegisterWithPassword creates a new identity with an email and password
// method and logs it in. An email that is already registered returns
// [ErrConflict]; registration never logs into an existing identity.
func (e *Engine) RegisterWithPassword(ctx context.Context, email, pw string) (*LoginResult, error) {
	if e == nil || e.passwords == nil {
		return nil, ErrEngineNotReady
	}
	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidEmail
	}
	if err := e.passwords.CheckPolicy(pw); err != nil {
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "password_policy",
			}
		})
		return nil, fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	keys := []guardKey{{bucket: e.buckets.loginIP, subject: clientIPFromContext(ctx)}}
	if err := e.admit(ctx, "", keys...); err != nil {
		return nil, err
	}

	hash, err := e.passwords.Hash(pw)
	if err != nil {
		return nil, err
	}
	id, err := identity.NewID()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	method := identity.EmailMethod(normalized, hash)
	method.CreatedAt = now

	ident, err := e.store.Create(ctx, identity.Identity{
		ID:        id,
		Role:      identity.RoleUser,
		Methods:   []identity.Method{method},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		mapped := identityError(err)
		if errors.Is(mapped, ErrConflict) {
			e.settle(ctx, false, keys...)
			e.metricInc(MetricRegisterConflict)
		}
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", mapped, nil)
		return nil, mapped
	}
	e.settle(ctx, true, keys...)

	tokens, err := e.Issue(ctx, ident)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.metricInc(MetricIdentityCreated)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, ident.ID, tokens.SessionID, nil, nil)

	return &LoginResult{Tokens: tokens, Identity: ident, Outcome: identity.OutcomeCreated}, nil
}

// LoginWithPassword authenticates by email and password. Unknown accounts
// and wrong passwords both return [ErrInvalidCredentials] after the same
// amount of hashing work.
func (e *Engine) LoginWithPassword(ctx context.Context, email, pw string) (*LoginResult, error) {
	if e == nil || e.passwords == nil {
		return nil, ErrEngineNotReady
	}
	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidEmail
	}

	keys := []guardKey{
		{bucket: e.buckets.loginIP, subject: clientIPFromContext(ctx)},
		{bucket: e.buckets.loginIdentifier, subject: normalized},
	}
	if err := e.admit(ctx, "", keys...); err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	fail := func(identityID, reason string) (*LoginResult, error) {
		e.settle(ctx, false, keys...)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, identityID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": reason,
			}
		})
		return nil, ErrInvalidCredentials
	}

	if pw == "" {
		return fail("", "empty_password")
	}
	if errors.Is(e.passwords.CheckPolicy(pw), password.ErrPasswordTooLong) {
		return fail("", "password_too_long")
	}

	ident, err := e.store.FindByMethod(ctx, identity.MethodKey{Type: identity.MethodEmail, Value: normalized})
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return nil, identityError(err)
		}
		e.passwords.VerifyDummy(pw)
		return fail("", "unknown_account")
	}

	method, ok := ident.Method(identity.MethodEmail)
	if !ok || method.SecretHash == "" {
		e.passwords.VerifyDummy(pw)
		return fail(ident.ID, "no_password")
	}
	match, err := e.passwords.Verify(pw, method.SecretHash)
	if err != nil || !match {
		return fail(ident.ID, "password_mismatch")
	}
	e.settle(ctx, true, keys...)

	if e.config.Password.UpgradeOnLogin {
		e.upgradePasswordHash(ctx, ident.ID, pw, method.SecretHash)
	}

	tokens, err := e.Issue(ctx, ident)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, ident.ID, tokens.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method": string(identity.MethodEmail),
		}
	})

	return &LoginResult{Tokens: tokens, Identity: ident, Outcome: identity.OutcomeExisting}, nil
}

// upgradePasswordHash re-hashes with the current cost parameters. It must
// not block a successful login.
func (e *Engine) upgradePasswordHash(ctx context.Context, identityID, pw, encoded string) {
	needs, err := e.passwords.NeedsUpgrade(encoded)
	if err != nil || !needs {
		return
	}
	upgraded, err := e.passwords.Hash(pw)
	if err != nil {
		e.logger.WarnContext(ctx, "password hash upgrade generation failed", "identity_id", identityID, "error", err)
		return
	}
	if err := e.store.UpdateSecret(ctx, identityID, upgraded); err != nil {
		e.logger.WarnContext(ctx, "password hash upgrade update failed", "identity_id", identityID, "error", err)
	}
}

// ChangePassword replaces the password of identityID after verifying the
// current one, then revokes every session of the identity.
func (e *Engine) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) error {
	if e == nil || e.passwords == nil {
		return ErrEngineNotReady
	}
	if identityID == "" || oldPassword == "" || newPassword == "" {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identityID, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "invalid_input",
			}
		})
		return ErrPasswordPolicy
	}
	if err := e.passwords.CheckPolicy(newPassword); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identityID, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "password_policy",
			}
		})
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	ident, err := e.store.FindByID(ctx, identityID)
	if err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identityID, "", mapped, nil)
		return mapped
	}
	if ident.Deleted() {
		return ErrIdentityNotFound
	}

	method, ok := ident.Method(identity.MethodEmail)
	if !ok || method.SecretHash == "" {
		e.passwords.VerifyDummy(oldPassword)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identityID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "no_password",
			}
		})
		return ErrInvalidCredentials
	}
	oldOK, err := e.passwords.Verify(oldPassword, method.SecretHash)
	if err != nil || !oldOK {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identityID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "old_password_mismatch",
			}
		})
		return ErrInvalidCredentials
	}

	newHash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}
	if err := e.store.UpdateSecret(ctx, identityID, newHash); err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identityID, "", mapped, func() map[string]string {
			return map[string]string{
				"reason": "update_hash_failed",
			}
		})
		return mapped
	}

	if err := e.LogoutAll(ctx, identityID); err != nil {
		e.logger.ErrorContext(ctx, "session revocation failed after password change", "identity_id", identityID, "error", err)
		return err
	}

	// Best-effort: a stale failure streak must not force a challenge on the
	// first login with the new password.
	if err := e.limiter.Reset(ctx, e.buckets.loginIdentifier, method.Value); err != nil {
		e.logger.WarnContext(ctx, "login limiter reset failed after password change", "identity_id", identityID, "error", err)
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, identityID, "", nil, nil)
	return nil
}
