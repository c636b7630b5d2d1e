package goIdentity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goIdentity/challenge"
	"github.com/MrEthical07/goIdentity/internal/rate"
)

// Bucket names as they appear in audit events and throttle errors.
const (
	BucketLoginIP         = "login_ip"
	BucketLoginIdentifier = "login_identifier"
	BucketSMSPhoneHour    = "sms_phone_hour"
	BucketSMSPhoneDay     = "sms_phone_day"
	BucketSMSIP           = "sms_ip"
	BucketOTPVerify       = "otp_verify"
	BucketRefreshSession  = "refresh_session"
)

type engineBuckets struct {
	loginIP         rate.Bucket
	loginIdentifier rate.Bucket
	smsPhoneHour    rate.Bucket
	smsPhoneDay     rate.Bucket
	smsIP           rate.Bucket
	otpVerify       rate.Bucket
	refreshSession  rate.Bucket
}

func newEngineBuckets(cfg RateLimitConfig) engineBuckets {
	bucket := func(name string, b BucketConfig, refund bool) rate.Bucket {
		return rate.Bucket{Name: name, Limit: b.Limit, Window: b.Window, RefundOnSuccess: refund}
	}
	// Only failed logins consume the login budgets. Every code sent, every
	// code check, and every refresh counts.
	return engineBuckets{
		loginIP:         bucket(BucketLoginIP, cfg.LoginIP, true),
		loginIdentifier: bucket(BucketLoginIdentifier, cfg.LoginIdentifier, true),
		smsPhoneHour:    bucket(BucketSMSPhoneHour, cfg.SMSPhoneHour, false),
		smsPhoneDay:     bucket(BucketSMSPhoneDay, cfg.SMSPhoneDay, false),
		smsIP:           bucket(BucketSMSIP, cfg.SMSIP, false),
		otpVerify:       bucket(BucketOTPVerify, cfg.OTPVerify, false),
		refreshSession:  bucket(BucketRefreshSession, cfg.RefreshSession, false),
	}
}

// guardKey is one bucket applied to one subject.
type guardKey struct {
	bucket  rate.Bucket
	subject string
}

// guardKeys drops keys without a subject. Callers that never set a client
// IP are not throttled per IP.
func guardKeys(keys ...guardKey) []guardKey {
	out := keys[:0]
	for _, k := range keys {
		if k.subject != "" {
			out = append(out, k)
		}
	}
	return out
}

// admit runs the abuse guard in order: throttle check, challenge when a
// failure streak demands it, then budget reservation. Nothing is counted
// when the caller is throttled or fails the challenge.
func (e *Engine) admit(ctx context.Context, identityID string, keys ...guardKey) error {
	keys = guardKeys(keys...)

	for _, k := range keys {
		d, err := e.limiter.Check(ctx, k.bucket, k.subject)
		if err != nil {
			return redisFailure(err)
		}
		if !d.Allowed {
			return e.throttled(ctx, identityID, k.bucket.Name, d.RetryAfter)
		}
	}

	if err := e.requireChallenge(ctx, identityID, keys); err != nil {
		return err
	}

	return e.reserve(ctx, identityID, keys...)
}

// reserve consumes one unit from each bucket, or from none of them: units
// taken before a bucket refuses are handed back.
func (e *Engine) reserve(ctx context.Context, identityID string, keys ...guardKey) error {
	keys = guardKeys(keys...)
	for i, k := range keys {
		d, err := e.limiter.Reserve(ctx, k.bucket, k.subject)
		if err != nil {
			e.release(ctx, keys[:i])
			return redisFailure(err)
		}
		if !d.Allowed {
			e.release(ctx, keys[:i])
			return e.throttled(ctx, identityID, k.bucket.Name, d.RetryAfter)
		}
	}
	return nil
}

func (e *Engine) release(ctx context.Context, keys []guardKey) {
	for _, k := range keys {
		if err := e.limiter.Refund(ctx, k.bucket, k.subject); err != nil {
			e.logger.WarnContext(ctx, "rate reservation not refunded", "bucket", k.bucket.Name, "error", err)
		}
	}
}

// settle closes out an admitted attempt. Failures here only weaken the
// guard, so they are logged rather than returned.
func (e *Engine) settle(ctx context.Context, success bool, keys ...guardKey) {
	for _, k := range guardKeys(keys...) {
		if err := e.limiter.RecordAttempt(ctx, k.bucket, k.subject, success); err != nil {
			e.logger.WarnContext(ctx, "rate attempt not recorded", "bucket", k.bucket.Name, "error", err)
		}
	}
}

func (e *Engine) requireChallenge(ctx context.Context, identityID string, keys []guardKey) error {
	var required string
	for _, k := range keys {
		need, err := e.limiter.RequireChallenge(ctx, k.bucket, k.subject)
		if err != nil {
			return redisFailure(err)
		}
		if need {
			required = k.bucket.Name
			break
		}
	}
	if required == "" {
		return nil
	}

	token := challengeTokenFromContext(ctx)
	if token == "" || e.challenge == nil {
		e.metricInc(MetricChallengeRequired)
		e.emitGuardAudit(ctx, auditEventChallengeRequired, identityID, required, ErrChallengeRequired, nil)
		return ErrChallengeRequired
	}

	err := e.challenge.Verify(ctx, token, clientIPFromContext(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, challenge.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	default:
		e.metricInc(MetricChallengeFailed)
		e.emitGuardAudit(ctx, auditEventChallengeFailed, identityID, required, ErrChallengeFailed, nil)
		return ErrChallengeFailed
	}
}

func (e *Engine) throttled(ctx context.Context, identityID, bucket string, retryAfter time.Duration) error {
	err := &ThrottledError{Bucket: bucket, RetryAfter: retryAfter}
	e.metricInc(MetricRateLimitHit)
	e.emitGuardAudit(ctx, auditEventRateLimited, identityID, bucket, err, func() map[string]string {
		return map[string]string{
			"retry_after": retryAfter.Round(time.Second).String(),
		}
	})
	return err
}
