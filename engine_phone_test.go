package goIdentity

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/sms"
)

func TestPhoneLoginCreatesThenFindsIdentity(t *testing.T) {
	env := newTestEnv(t)

	first := env.phoneLogin(t, "+1 (555) 123-4567")
	if first.Outcome != identity.OutcomeCreated {
		t.Fatalf("expected created outcome, got %v", first.Outcome)
	}
	if _, ok := first.Identity.Method(identity.MethodPhone); !ok {
		t.Fatal("expected phone method on new identity")
	}

	second := env.phoneLogin(t, testPhone)
	if second.Outcome != identity.OutcomeExisting {
		t.Fatalf("expected existing outcome, got %v", second.Outcome)
	}
	if second.Identity.ID != first.Identity.ID {
		t.Fatal("same phone resolved to a different identity")
	}
}

func TestPhoneCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("request code: %v", err)
	}
	code := env.sms.lastCode(t, testPhone)
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, code); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected spent code to be gone, got %v", err)
	}
}

func TestPhoneCodeAttemptLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("request code: %v", err)
	}
	code := env.sms.lastCode(t, testPhone)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, wrong); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("attempt %d: expected ErrCodeMismatch, got %v", i, err)
		}
	}
	// Three misses in a row put the phone behind a challenge.
	if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, code); !errors.Is(err, ErrChallengeRequired) {
		t.Fatalf("expected ErrChallengeRequired, got %v", err)
	}
	// The right code no longer helps once attempts are spent.
	_, err := env.engine.LoginWithPhoneCode(WithChallengeToken(ctx, testChallenge), testPhone, code)
	if !errors.Is(err, ErrCodeAttemptsExceeded) {
		t.Fatalf("expected ErrCodeAttemptsExceeded, got %v", err)
	}
	if status, _ := PublicError(err); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestPhoneCodeExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("request code: %v", err)
	}
	code := env.sms.lastCode(t, testPhone)
	env.mr.FastForward(11 * time.Minute)

	if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestPhoneCodeNewRequestReplacesOld(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("request code: %v", err)
	}
	old := env.sms.lastCode(t, testPhone)
	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("second request: %v", err)
	}
	latest := env.sms.lastCode(t, testPhone)
	if old == latest {
		t.Skip("codes collided")
	}
	if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, old); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected old code to mismatch, got %v", err)
	}
	if _, err := env.engine.LoginWithPhoneCode(ctx, testPhone, latest); err != nil {
		t.Fatalf("latest code failed: %v", err)
	}
}

func TestPhoneSendFailureLeavesNoCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	env.sms.fail(sms.ErrUnavailable)
	_, err := env.engine.RequestPhoneCode(ctx, testPhone)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if status, code := PublicError(err); status != http.StatusBadGateway || code != "upstream_unavailable" {
		t.Fatalf("unexpected public error %d %s", status, code)
	}

	// Nothing was stored, so any guess finds no code.
	if _, err := env.engine.VerifyPhoneCode(ctx, testPhone, "123456"); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired after failed send, got %v", err)
	}
}

func TestPhoneSendThrottledPerPhone(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		// Vary the client IP so only the per-phone bucket fills up.
		ctx := WithClientIP(context.Background(), "198.51.100."+string(rune('1'+i)))
		if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := env.engine.RequestPhoneCode(clientCtx(), testPhone)
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if throttled.Bucket != BucketSMSPhoneHour {
		t.Fatalf("expected %s bucket, got %s", BucketSMSPhoneHour, throttled.Bucket)
	}
	if env.sms.sent(testPhone) != 5 {
		t.Fatalf("expected 5 messages, got %d", env.sms.sent(testPhone))
	}
}

func TestPhoneInputValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	if _, err := env.engine.RequestPhoneCode(ctx, "call me"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	for _, code := range []string{"", "12345", "12345a", "1234567"} {
		if _, err := env.engine.VerifyPhoneCode(ctx, testPhone, code); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("code %q: expected ErrInvalidCode, got %v", code, err)
		}
	}
}

func TestPhoneVerifyFailuresRequireChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	wrongFor := func(code string) string {
		if code == "000000" {
			return "111111"
		}
		return "000000"
	}

	// One miss per fresh code still builds a streak on the phone.
	for round := 0; round < 3; round++ {
		if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
			t.Fatalf("round %d request: %v", round, err)
		}
		wrong := wrongFor(env.sms.lastCode(t, testPhone))
		if _, err := env.engine.VerifyPhoneCode(ctx, testPhone, wrong); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("round %d: expected ErrCodeMismatch, got %v", round, err)
		}
	}

	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := env.sms.lastCode(t, testPhone)
	_, err := env.engine.VerifyPhoneCode(ctx, testPhone, code)
	if !errors.Is(err, ErrChallengeRequired) {
		t.Fatalf("expected ErrChallengeRequired after three misses, got %v", err)
	}
	ev := env.audit.waitFor(t, auditEventChallengeRequired)
	if ev.Bucket != BucketOTPVerify {
		t.Fatalf("expected challenge on %s, got %q", BucketOTPVerify, ev.Bucket)
	}

	if _, err := env.engine.VerifyPhoneCode(WithChallengeToken(ctx, "robot"), testPhone, code); !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("expected ErrChallengeFailed for a bad token, got %v", err)
	}

	// A solved challenge lets the right code through and clears the streak.
	if _, err := env.engine.VerifyPhoneCode(WithChallengeToken(ctx, testChallenge), testPhone, code); err != nil {
		t.Fatalf("verify with solved challenge: %v", err)
	}
	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); err != nil {
		t.Fatalf("request after success: %v", err)
	}
	if _, err := env.engine.VerifyPhoneCode(ctx, testPhone, env.sms.lastCode(t, testPhone)); err != nil {
		t.Fatalf("verify after streak reset: %v", err)
	}
}

func TestPhoneSendFailuresRequireChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()

	env.sms.fail(sms.ErrUnavailable)
	for i := 0; i < 3; i++ {
		if _, err := env.engine.RequestPhoneCode(ctx, testPhone); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("attempt %d: expected ErrUpstreamUnavailable, got %v", i, err)
		}
	}
	env.sms.fail(nil)

	if _, err := env.engine.RequestPhoneCode(ctx, testPhone); !errors.Is(err, ErrChallengeRequired) {
		t.Fatalf("expected ErrChallengeRequired after failed sends, got %v", err)
	}
	if _, err := env.engine.RequestPhoneCode(WithChallengeToken(ctx, testChallenge), testPhone); err != nil {
		t.Fatalf("request with solved challenge: %v", err)
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := clientCtx()
	e := env.engine

	phoneKey := guardKey{bucket: e.buckets.smsPhoneHour, subject: testPhone}
	ipKey := guardKey{bucket: e.buckets.smsIP, subject: testClientIP}

	// Exhaust the IP budget directly so only the second bucket refuses.
	for i := 0; i < e.buckets.smsIP.Limit; i++ {
		if _, err := e.limiter.Reserve(ctx, e.buckets.smsIP, testClientIP); err != nil {
			t.Fatalf("fill ip bucket: %v", err)
		}
	}

	err := e.reserve(ctx, "", phoneKey, ipKey)
	var throttled *ThrottledError
	if !errors.As(err, &throttled) || throttled.Bucket != BucketSMSIP {
		t.Fatalf("expected sms_ip throttle, got %v", err)
	}

	d, err := e.limiter.Check(ctx, e.buckets.smsPhoneHour, testPhone)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Count != 0 {
		t.Fatalf("expected phone reservation handed back, count=%d", d.Count)
	}
}
