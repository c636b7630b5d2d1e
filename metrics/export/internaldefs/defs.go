package internaldefs

import (
	goIdentity "github.com/MrEthical07/goIdentity"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   goIdentity.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   goIdentity.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goIdentity.MetricLoginSuccess, Name: "goidentity_login_success_total", Help: "Successful logins across all methods."},
	{ID: goIdentity.MetricLoginFailure, Name: "goidentity_login_failure_total", Help: "Failed logins across all methods."},
	{ID: goIdentity.MetricRegisterSuccess, Name: "goidentity_register_success_total", Help: "Successful password registrations."},
	{ID: goIdentity.MetricRegisterConflict, Name: "goidentity_register_conflict_total", Help: "Registrations rejected because the email is taken."},
	{ID: goIdentity.MetricPhoneCodeSent, Name: "goidentity_phone_code_sent_total", Help: "One-time codes handed to the SMS gateway."},
	{ID: goIdentity.MetricPhoneCodeSendFailure, Name: "goidentity_phone_code_send_failure_total", Help: "One-time codes the SMS gateway failed to send."},
	{ID: goIdentity.MetricPhoneCodeVerified, Name: "goidentity_phone_code_verified_total", Help: "One-time codes verified."},
	{ID: goIdentity.MetricPhoneCodeRejected, Name: "goidentity_phone_code_rejected_total", Help: "One-time codes rejected as wrong, expired, or exhausted."},
	{ID: goIdentity.MetricFederatedLoginSuccess, Name: "goidentity_federated_login_success_total", Help: "Successful federated callbacks."},
	{ID: goIdentity.MetricFederatedLoginFailure, Name: "goidentity_federated_login_failure_total", Help: "Failed federated callbacks."},
	{ID: goIdentity.MetricIdentityCreated, Name: "goidentity_identity_created_total", Help: "Identities created by login or registration."},
	{ID: goIdentity.MetricIdentityMerged, Name: "goidentity_identity_merged_total", Help: "Login methods attached to an existing identity by merge."},
	{ID: goIdentity.MetricMergeConfirmationRequired, Name: "goidentity_merge_confirmation_required_total", Help: "Logins paused for merge confirmation."},
	{ID: goIdentity.MetricMethodLinked, Name: "goidentity_method_linked_total", Help: "Login methods linked by an authenticated identity."},
	{ID: goIdentity.MetricMethodUnlinked, Name: "goidentity_method_unlinked_total", Help: "Login methods unlinked."},
	{ID: goIdentity.MetricRefreshSuccess, Name: "goidentity_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: goIdentity.MetricRefreshFailure, Name: "goidentity_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: goIdentity.MetricRefreshReuseDetected, Name: "goidentity_refresh_reuse_detected_total", Help: "Refresh token reuse detections."},
	{ID: goIdentity.MetricSessionCreated, Name: "goidentity_session_created_total", Help: "Sessions issued."},
	{ID: goIdentity.MetricSessionRevoked, Name: "goidentity_session_revoked_total", Help: "Sessions revoked."},
	{ID: goIdentity.MetricLogout, Name: "goidentity_logout_total", Help: "Single-session logouts."},
	{ID: goIdentity.MetricLogoutAll, Name: "goidentity_logout_all_total", Help: "Logout-all operations."},
	{ID: goIdentity.MetricValidateFailure, Name: "goidentity_validate_failure_total", Help: "Access tokens that failed validation."},
	{ID: goIdentity.MetricRevokedTokenRejected, Name: "goidentity_revoked_token_rejected_total", Help: "Access tokens rejected as revoked."},
	{ID: goIdentity.MetricRevocationCacheHit, Name: "goidentity_revocation_cache_hit_total", Help: "Revocation lookups served from the in-process cache."},
	{ID: goIdentity.MetricAuthorizationDenied, Name: "goidentity_authorization_denied_total", Help: "Authorization checks that denied access."},
	{ID: goIdentity.MetricRateLimitHit, Name: "goidentity_rate_limit_hit_total", Help: "Requests denied by a rate-limit bucket."},
	{ID: goIdentity.MetricChallengeRequired, Name: "goidentity_challenge_required_total", Help: "Attempts that required a human-verification challenge."},
	{ID: goIdentity.MetricChallengeFailed, Name: "goidentity_challenge_failed_total", Help: "Challenge tokens that failed verification."},
	{ID: goIdentity.MetricPasswordChanged, Name: "goidentity_password_changed_total", Help: "Password changes."},
	{ID: goIdentity.MetricRoleChanged, Name: "goidentity_role_changed_total", Help: "Role changes."},
	{ID: goIdentity.MetricIdentityDeleted, Name: "goidentity_identity_deleted_total", Help: "Identities soft-deleted."},
	{ID: goIdentity.MetricSweepRemoved, Name: "goidentity_sweep_removed_total", Help: "Expired session index entries removed by the sweeper."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goIdentity.MetricValidateLatency, Name: "goidentity_validate_latency_seconds", Help: "Access token validation latency."},
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "goidentity_audit_dropped_total"

// HistogramBounds are the bucket upper bounds in seconds, matching
// goIdentity.HistogramBoundsMillis plus the open bucket.
var HistogramBounds = []string{
	"0.001",
	"0.002",
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable in metric names.
var HistogramBoundSuffix = []string{
	"0_001",
	"0_002",
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"inf",
}

// HistogramUpperBounds returns the finite bucket bounds in seconds.
func HistogramUpperBounds() []float64 {
	out := make([]float64, len(goIdentity.HistogramBoundsMillis))
	for i, ms := range goIdentity.HistogramBoundsMillis {
		out[i] = float64(ms) / 1000
	}
	return out
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
