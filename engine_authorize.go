package goIdentity

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/permission"
)

// Authorize decides whether the holder of claims may act with requiredRole
// on a resource owned by ownerID. An empty ownerID means the resource has
// no owner. Roles rank admin over operator over user, and callers at or
// above the configured bypass role are exempt from ownership.
//
// Authorize trusts claims; they must come from [Engine.Validate].
func (e *Engine) Authorize(ctx context.Context, claims *Claims, requiredRole identity.Role, ownerID string) error {
	if e == nil || e.hierarchy == nil {
		return ErrEngineNotReady
	}
	if claims == nil || claims.IdentityID == "" {
		return ErrUnauthorized
	}
	if !requiredRole.Valid() {
		return ErrInvalidRole
	}

	err := e.hierarchy.Check(permission.Caller{
		IdentityID: claims.IdentityID,
		Role:       claims.Role,
	}, string(requiredRole), ownerID)
	if err == nil {
		return nil
	}

	reason := "insufficient_role"
	switch {
	case errors.Is(err, permission.ErrNotOwner):
		reason = "not_owner"
	case errors.Is(err, permission.ErrUnknownRole):
		reason = "unknown_caller_role"
	}

	denied := fmt.Errorf("%w: %v", ErrForbidden, err)
	e.metricInc(MetricAuthorizationDenied)
	e.logger.WarnContext(ctx, "authorization denied",
		"identity_id", claims.IdentityID,
		"session_id", claims.SessionID,
		"role", claims.Role,
		"required_role", string(requiredRole),
		"reason", reason,
		"at", e.now().UTC(),
	)
	e.emitAudit(ctx, auditEventAuthorizationDenied, false, claims.IdentityID, claims.SessionID, denied, func() map[string]string {
		return map[string]string{
			"required_role": string(requiredRole),
			"owner_id":      ownerID,
			"reason":        reason,
		}
	})
	return denied
}
