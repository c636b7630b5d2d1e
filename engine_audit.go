package goIdentity

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventRegisterSuccess        = "register_success"
	auditEventRegisterFailure        = "register_failure"
	auditEventPhoneCodeSent          = "phone_code_sent"
	auditEventPhoneCodeSendFailure   = "phone_code_send_failure"
	auditEventPhoneCodeVerified      = "phone_code_verified"
	auditEventPhoneCodeRejected      = "phone_code_rejected"
	auditEventFederatedStart         = "federated_login_start"
	auditEventFederatedFailure       = "federated_login_failure"
	auditEventIdentityCreated        = "identity_created"
	auditEventIdentityMerged         = "identity_merged"
	auditEventMergeConfirmRequired   = "merge_confirmation_required"
	auditEventMergeConfirmed         = "merge_confirmed"
	auditEventMethodLinked           = "method_linked"
	auditEventMethodUnlinked         = "method_unlinked"
	auditEventSessionCreated         = "session_created"
	auditEventSessionRevoked         = "session_revoked"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshInvalid         = "refresh_invalid"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventTokenRevokedRejected   = "revoked_token_rejected"
	auditEventLogout                 = "logout"
	auditEventLogoutAll              = "logout_all"
	auditEventAuthorizationDenied    = "authorization_denied"
	auditEventRateLimited            = "rate_limit_triggered"
	auditEventChallengeRequired      = "challenge_required"
	auditEventChallengeFailed        = "challenge_failed"
	auditEventPasswordChangeSuccess  = "password_change_success"
	auditEventPasswordChangeFailure  = "password_change_failure"
	auditEventRoleChanged            = "role_changed"
	auditEventConsentChanged         = "consent_changed"
	auditEventIdentityDeleted        = "identity_deleted"
	auditEventSweepCompleted         = "sweep_completed"
)

// AuditErrorCode is the machine-readable failure reason in [AuditEvent.Error].
type AuditErrorCode string

const (
	auditErrInvalidInput        AuditErrorCode = "invalid_input"
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrChallengeRequired   AuditErrorCode = "challenge_required"
	auditErrChallengeFailed     AuditErrorCode = "challenge_failed"
	auditErrRefreshReuse        AuditErrorCode = "refresh_reuse"
	auditErrInvalidToken        AuditErrorCode = "invalid_token"
	auditErrExpired             AuditErrorCode = "expired"
	auditErrRevoked             AuditErrorCode = "revoked"
	auditErrCodeMismatch        AuditErrorCode = "code_mismatch"
	auditErrAttemptsExceeded    AuditErrorCode = "attempts_exceeded"
	auditErrStateMismatch       AuditErrorCode = "state_mismatch"
	auditErrConflict            AuditErrorCode = "conflict"
	auditErrMergeRequired       AuditErrorCode = "merge_confirmation_required"
	auditErrLastMethod          AuditErrorCode = "last_method"
	auditErrForbidden           AuditErrorCode = "forbidden"
	auditErrUpstreamUnavailable AuditErrorCode = "upstream_unavailable"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	identityID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	e.emitAuditEvent(ctx, AuditEvent{
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		Success:    success,
	}, err, metadataBuilder)
}

// emitGuardAudit records a rate-guard decision together with its bucket.
func (e *Engine) emitGuardAudit(
	ctx context.Context,
	eventType string,
	identityID string,
	bucket string,
	err error,
	metadataBuilder func() map[string]string,
) {
	e.emitAuditEvent(ctx, AuditEvent{
		EventType:  eventType,
		IdentityID: identityID,
		Bucket:     bucket,
	}, err, metadataBuilder)
}

func (e *Engine) emitAuditEvent(ctx context.Context, event AuditEvent, err error, metadataBuilder func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	if metadataBuilder != nil {
		event.Metadata = metadataBuilder()
	}
	event.Timestamp = e.now().UTC()
	event.IP = clientIPFromContext(ctx)
	event.UserAgent = userAgentFromContext(ctx)
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrThrottled):
		return auditErrRateLimited
	case errors.Is(err, ErrChallengeRequired):
		return auditErrChallengeRequired
	case errors.Is(err, ErrChallengeFailed):
		return auditErrChallengeFailed
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrTokenRevoked):
		return auditErrRevoked
	case errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrRefreshExpired),
		errors.Is(err, ErrCodeExpired):
		return auditErrExpired
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrRefreshInvalid),
		errors.Is(err, ErrMergeTicketInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrCodeMismatch):
		return auditErrCodeMismatch
	case errors.Is(err, ErrCodeAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrStateMismatch):
		return auditErrStateMismatch
	case errors.Is(err, ErrMergeConfirmationRequired):
		return auditErrMergeRequired
	case errors.Is(err, ErrLastMethod):
		return auditErrLastMethod
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyLinked):
		return auditErrConflict
	case errors.Is(err, ErrForbidden):
		return auditErrForbidden
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrProviderError):
		return auditErrUpstreamUnavailable
	case errors.Is(err, ErrRedisUnavailable), errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	case KindOf(err) == KindInvalidInput:
		return auditErrInvalidInput
	default:
		return auditErrInternal
	}
}
