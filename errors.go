package goIdentity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidEmail is returned when an email address fails normalization.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidPhone is returned when a phone number is not E.164.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrInvalidCode is returned when a one-time code has the wrong shape.
	ErrInvalidCode = errors.New("invalid code format")
	// ErrPasswordPolicy is returned when a password violates length policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrInvalidRole is returned for roles outside the configured hierarchy.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidRequest covers remaining malformed arguments.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrIdentityNotFound is returned by administrative calls on unknown identities.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrThrottled is matched by every [*ThrottledError].
	ErrThrottled = errors.New("rate limited")
	// ErrChallengeRequired is returned when a bucket's failure streak demands
	// a proof-of-humanity token and none was supplied.
	ErrChallengeRequired = errors.New("challenge required")
	// ErrChallengeFailed is returned when the supplied challenge token is rejected.
	ErrChallengeFailed = errors.New("challenge failed")

	// ErrConflict is returned when a login method already belongs to another identity.
	ErrConflict = errors.New("method already registered")
	// ErrAlreadyLinked is returned when the method is already on the caller's identity.
	ErrAlreadyLinked = errors.New("method already linked")
	// ErrLastMethod is returned when unlinking would leave no login method.
	ErrLastMethod = errors.New("cannot remove last login method")
	// ErrMergeConfirmationRequired is matched by [*MergeConfirmationError].
	ErrMergeConfirmationRequired = errors.New("merge confirmation required")

	// ErrUnauthorized is the generic authentication failure.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned for a wrong password and for an
	// unknown account alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCodeExpired is returned when no usable one-time code exists.
	ErrCodeExpired = errors.New("code expired")
	// ErrCodeMismatch is returned for a wrong one-time code.
	ErrCodeMismatch = errors.New("code mismatch")
	// ErrCodeAttemptsExceeded is returned once the attempt cap is reached.
	ErrCodeAttemptsExceeded = errors.New("code attempts exceeded")
	// ErrStateMismatch is returned for bad federated login state.
	ErrStateMismatch = errors.New("login state mismatch")
	// ErrMergeTicketInvalid is returned for unknown, expired, or foreign merge tickets.
	ErrMergeTicketInvalid = errors.New("merge ticket invalid")
	// ErrTokenInvalid is returned for malformed or badly signed access tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for access tokens past expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned for access tokens in the revocation set.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRefreshInvalid is returned for malformed or unknown refresh tokens.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshExpired is returned when the session lifetime is over.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRefreshReuse is returned when a rotated or revoked refresh token is
	// presented. The whole session is revoked as a side effect.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	// ErrForbidden is returned by [Engine.Authorize] denials.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamUnavailable is returned when the SMS gateway fails or times out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrProviderError is returned when a federated provider fails.
	ErrProviderError = errors.New("identity provider error")

	// ErrStoreUnavailable is returned when the credential store fails.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrRedisUnavailable is returned when Redis fails.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrEngineNotReady is returned by a nil or closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// Kind groups errors by how a caller should react.
type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindThrottled
	KindConflict
	KindUnauthorized
	KindForbidden
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindThrottled:
		return "throttled"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

var errorKinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidEmail, KindInvalidInput},
	{ErrInvalidPhone, KindInvalidInput},
	{ErrInvalidCode, KindInvalidInput},
	{ErrPasswordPolicy, KindInvalidInput},
	{ErrInvalidRole, KindInvalidInput},
	{ErrInvalidRequest, KindInvalidInput},
	{ErrIdentityNotFound, KindInvalidInput},
	{ErrThrottled, KindThrottled},
	{ErrChallengeRequired, KindThrottled},
	{ErrChallengeFailed, KindThrottled},
	{ErrConflict, KindConflict},
	{ErrAlreadyLinked, KindConflict},
	{ErrLastMethod, KindConflict},
	{ErrMergeConfirmationRequired, KindConflict},
	{ErrUnauthorized, KindUnauthorized},
	{ErrInvalidCredentials, KindUnauthorized},
	{ErrCodeExpired, KindUnauthorized},
	{ErrCodeMismatch, KindUnauthorized},
	{ErrCodeAttemptsExceeded, KindUnauthorized},
	{ErrStateMismatch, KindUnauthorized},
	{ErrMergeTicketInvalid, KindUnauthorized},
	{ErrTokenInvalid, KindUnauthorized},
	{ErrTokenExpired, KindUnauthorized},
	{ErrTokenRevoked, KindUnauthorized},
	{ErrRefreshInvalid, KindUnauthorized},
	{ErrRefreshExpired, KindUnauthorized},
	{ErrRefreshReuse, KindUnauthorized},
	{ErrForbidden, KindForbidden},
	{ErrUpstreamUnavailable, KindUpstreamUnavailable},
	{ErrProviderError, KindUpstreamUnavailable},
}

// KindOf classifies err. Unknown errors are [KindInternal].
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}

// ThrottledError reports a rate-limit denial and when to retry.
type ThrottledError struct {
	Bucket     string
	RetryAfter time.Duration
}

// backendError tags a lower layer's Redis failure with [ErrRedisUnavailable]
// while keeping that layer's sentinel reachable through errors.Is.
type backendError struct {
	cause error
}

func (e *backendError) Error() string {
	prefix := ErrRedisUnavailable.Error() + ": "
	return prefix + strings.TrimPrefix(e.cause.Error(), prefix)
}

func (e *backendError) Unwrap() []error {
	return []error{ErrRedisUnavailable, e.cause}
}

// redisFailure wraps err exactly once.
func redisFailure(err error) error {
	if err == nil || errors.Is(err, ErrRedisUnavailable) {
		return err
	}
	return &backendError{cause: err}
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Bucket, e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// MergeConfirmationError is returned when a proven login method matches an
// existing identity by verified email. The identity's owner must redeem
// Ticket with [Engine.ConfirmMerge] before the method is attached.
type MergeConfirmationError struct {
	Ticket    string
	ExpiresAt time.Time
}

func (e *MergeConfirmationError) Error() string {
	return ErrMergeConfirmationRequired.Error()
}

func (e *MergeConfirmationError) Is(target error) bool {
	return target == ErrMergeConfirmationRequired
}

// PublicError maps err to an HTTP status and a stable machine-readable
// code that is safe to show to clients. Account existence is never
// revealed: unknown accounts and wrong passwords share one code.
func PublicError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrChallengeRequired):
		return http.StatusPreconditionRequired, "challenge_required"
	case errors.Is(err, ErrChallengeFailed):
		return http.StatusForbidden, "challenge_failed"
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrMergeConfirmationRequired):
		return http.StatusConflict, "merge_confirmation_required"
	case errors.Is(err, ErrLastMethod):
		return http.StatusConflict, "last_method"
	case errors.Is(err, ErrRefreshReuse):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrRefreshExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, ErrCodeAttemptsExceeded):
		return http.StatusUnauthorized, "code_attempts_exceeded"
	case errors.Is(err, ErrCodeExpired):
		return http.StatusUnauthorized, "code_expired"
	case errors.Is(err, ErrCodeMismatch):
		return http.StatusUnauthorized, "code_mismatch"
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	}

	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest, "invalid_input"
	case KindConflict:
		return http.StatusConflict, "conflict"
	case KindUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case KindForbidden:
		return http.StatusForbidden, "forbidden"
	case KindUpstreamUnavailable:
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
