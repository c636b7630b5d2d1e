package goIdentity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/internal/stores"
)

const phoneCodeCleanupTimeout = 2 * time.Second

func phoneCodeHash(phone, code string) [32]byte {
	return sha256.Sum256([]byte(phone + "|" + code))
}

// RequestPhoneCode sends a one-time code to phone. The code only becomes
// verifiable after the gateway accepted the message; a failed or timed out
// send leaves nothing usable behind and returns [ErrUpstreamUnavailable].
func (e *Engine) RequestPhoneCode(ctx context.Context, phone string) (PhoneCodeReceipt, error) {
	if e == nil || e.smsGateway == nil {
		return PhoneCodeReceipt{}, ErrEngineNotReady
	}
	normalized, err := identity.NormalizePhone(phone)
	if err != nil {
		return PhoneCodeReceipt{}, ErrInvalidPhone
	}

	keys := []guardKey{
		{bucket: e.buckets.smsPhoneHour, subject: normalized},
		{bucket: e.buckets.smsPhoneDay, subject: normalized},
		{bucket: e.buckets.smsIP, subject: clientIPFromContext(ctx)},
	}
	if err := e.admit(ctx, "", keys...); err != nil {
		return PhoneCodeReceipt{}, err
	}

	code, err := internal.NewOTP(e.config.PhoneCode.Digits)
	if err != nil {
		return PhoneCodeReceipt{}, err
	}
	hash := phoneCodeHash(normalized, code)
	expiresAt := e.now().Add(e.config.PhoneCode.TTL)

	if _, err := e.phoneCodes.SavePending(ctx, normalized, hash, e.config.PhoneCode.TTL); err != nil {
		return PhoneCodeReceipt{}, redisFailure(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.config.PhoneCode.SendTimeout)
	sendErr := e.smsGateway.Send(sendCtx, normalized, fmt.Sprintf(e.config.PhoneCode.MessageTemplate, code))
	cancel()

	// The caller's context may already be done; cleanup and activation
	// must still reach Redis.
	bg, bgCancel := context.WithTimeout(context.WithoutCancel(ctx), phoneCodeCleanupTimeout)
	defer bgCancel()

	if sendErr != nil {
		e.settle(bg, false, keys...)
		if err := e.phoneCodes.Discard(bg, normalized, hash); err != nil {
			e.logger.WarnContext(ctx, "pending phone code not discarded", "error", err)
		}
		e.metricInc(MetricPhoneCodeSendFailure)
		e.emitAudit(ctx, auditEventPhoneCodeSendFailure, false, "", "", ErrUpstreamUnavailable, func() map[string]string {
			return map[string]string{
				"phone": maskPhone(normalized),
			}
		})
		return PhoneCodeReceipt{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, sendErr)
	}

	activated, err := e.phoneCodes.Activate(bg, normalized, hash)
	if err != nil {
		return PhoneCodeReceipt{}, redisFailure(err)
	}
	e.settle(bg, true, keys...)
	if !activated {
		// A newer request replaced this record while the message was in flight.
		e.logger.DebugContext(ctx, "phone code superseded before activation")
	}

	e.metricInc(MetricPhoneCodeSent)
	e.emitAudit(ctx, auditEventPhoneCodeSent, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"phone": maskPhone(normalized),
		}
	})

	return PhoneCodeReceipt{Phone: normalized, ExpiresAt: expiresAt}, nil
}

// VerifyPhoneCode spends one attempt against the outstanding code for
// phone. A match consumes the code and returns the phone as a login
// candidate. Consecutive failures on a phone eventually demand a challenge
// token before the next attempt is even checked.
func (e *Engine) VerifyPhoneCode(ctx context.Context, phone, code string) (identity.Candidate, error) {
	if e == nil || e.phoneCodes == nil {
		return identity.Candidate{}, ErrEngineNotReady
	}
	normalized, err := identity.NormalizePhone(phone)
	if err != nil {
		return identity.Candidate{}, ErrInvalidPhone
	}
	if !validCodeShape(code, e.config.PhoneCode.Digits) {
		return identity.Candidate{}, ErrInvalidCode
	}

	key := guardKey{bucket: e.buckets.otpVerify, subject: normalized}
	if err := e.admit(ctx, "", key); err != nil {
		return identity.Candidate{}, err
	}

	err = e.phoneCodes.Verify(ctx, normalized, phoneCodeHash(normalized, code), e.config.PhoneCode.MaxAttempts)
	if err != nil {
		var mapped error
		switch {
		case errors.Is(err, stores.ErrPhoneCodeExpired):
			mapped = ErrCodeExpired
		case errors.Is(err, stores.ErrPhoneCodeMismatch):
			mapped = ErrCodeMismatch
		case errors.Is(err, stores.ErrPhoneCodeAttemptsExceeded):
			mapped = ErrCodeAttemptsExceeded
		default:
			return identity.Candidate{}, redisFailure(err)
		}
		e.settle(ctx, false, key)
		e.metricInc(MetricPhoneCodeRejected)
		e.emitAudit(ctx, auditEventPhoneCodeRejected, false, "", "", mapped, func() map[string]string {
			return map[string]string{
				"phone": maskPhone(normalized),
			}
		})
		return identity.Candidate{}, mapped
	}

	e.settle(ctx, true, key)
	e.metricInc(MetricPhoneCodeVerified)
	e.emitAudit(ctx, auditEventPhoneCodeVerified, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"phone": maskPhone(normalized),
		}
	})
	return identity.Candidate{Method: identity.PhoneMethod(normalized)}, nil
}

// LoginWithPhoneCode verifies the code, resolves the phone to an identity
// (creating one on first use), and issues a session.
func (e *Engine) LoginWithPhoneCode(ctx context.Context, phone, code string) (*LoginResult, error) {
	candidate, err := e.VerifyPhoneCode(ctx, phone, code)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}
	res, err := e.resolveAndIssue(ctx, candidate)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, res.Identity.ID, res.Tokens.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method":  string(identity.MethodPhone),
			"outcome": res.Outcome.String(),
		}
	})
	return res, nil
}

func validCodeShape(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// maskPhone keeps the country prefix and last two digits for audit records.
func maskPhone(phone string) string {
	if len(phone) < 6 {
		return "***"
	}
	return phone[:3] + "***" + phone[len(phone)-2:]
}
