package goIdentity

import (
	"context"
	"fmt"
	"sort"

	"github.com/MrEthical07/goIdentity/identity"
)

// Identity returns the identity id. Soft-deleted identities are reported as
// not found.
func (e *Engine) Identity(ctx context.Context, identityID string) (identity.Identity, error) {
	if e == nil || e.store == nil {
		return identity.Identity{}, ErrEngineNotReady
	}
	if identityID == "" {
		return identity.Identity{}, ErrInvalidRequest
	}
	ident, err := e.store.FindByID(ctx, identityID)
	if err != nil {
		return identity.Identity{}, identityError(err)
	}
	if ident.Deleted() {
		return identity.Identity{}, ErrIdentityNotFound
	}
	return ident, nil
}

// SetRole changes the role of identityID. Live sessions pick up the new
// role on their next refresh; access tokens already issued keep the role
// they were signed with until they expire.
func (e *Engine) SetRole(ctx context.Context, identityID string, role identity.Role) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if identityID == "" {
		return ErrInvalidRequest
	}
	if !role.Valid() {
		return ErrInvalidRole
	}

	if err := e.store.SetRole(ctx, identityID, role); err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventRoleChanged, false, identityID, "", mapped, nil)
		return mapped
	}

	n, err := e.sessions.SetRole(ctx, identityID, string(role))
	if err != nil {
		// The store is authoritative; sessions that missed the update are
		// still bounded by their lifetime.
		e.logger.WarnContext(ctx, "session role propagation incomplete", "identity_id", identityID, "updated", n, "error", err)
	}

	e.metricInc(MetricRoleChanged)
	e.emitAudit(ctx, auditEventRoleChanged, true, identityID, "", nil, func() map[string]string {
		return map[string]string{
			"role":     string(role),
			"sessions": fmt.Sprint(n),
		}
	})
	return nil
}

// SetConsent records whether identityID accepted the terms at version.
func (e *Engine) SetConsent(ctx context.Context, identityID string, given bool, version string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if identityID == "" || (given && version == "") {
		return ErrInvalidRequest
	}
	if err := e.store.SetConsent(ctx, identityID, given, version); err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventConsentChanged, false, identityID, "", mapped, nil)
		return mapped
	}
	e.emitAudit(ctx, auditEventConsentChanged, true, identityID, "", nil, func() map[string]string {
		return map[string]string{
			"given":   boolString(given),
			"version": version,
		}
	})
	return nil
}

// DeleteIdentity soft deletes identityID, releases its login methods, and
// revokes every session.
func (e *Engine) DeleteIdentity(ctx context.Context, identityID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if identityID == "" {
		return ErrInvalidRequest
	}
	if err := e.store.SoftDelete(ctx, identityID); err != nil {
		mapped := identityError(err)
		e.emitAudit(ctx, auditEventIdentityDeleted, false, identityID, "", mapped, nil)
		return mapped
	}
	if err := e.LogoutAll(ctx, identityID); err != nil {
		e.logger.ErrorContext(ctx, "session revocation failed after identity delete", "identity_id", identityID, "error", err)
		return err
	}

	e.metricInc(MetricIdentityDeleted)
	e.emitAudit(ctx, auditEventIdentityDeleted, true, identityID, "", nil, nil)
	return nil
}

// ListSessions returns the active sessions of identityID, newest first.
func (e *Engine) ListSessions(ctx context.Context, identityID string) ([]SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if identityID == "" {
		return nil, ErrInvalidRequest
	}
	sessions, err := e.sessions.ListForIdentity(ctx, identityID)
	if err != nil {
		return nil, redisFailure(err)
	}

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			SessionID:  s.SessionID,
			Role:       s.Role,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.ExpiresAt,
			Rotations:  s.Rotations,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
