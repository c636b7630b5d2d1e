package internal

import (
	"errors"
	"strings"
	"testing"
)

func newRefreshToken(t testing.TB) (string, SessionID, [secretBytes]byte) {
	t.Helper()
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	secret, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	token, err := EncodeRefreshToken(sid.String(), secret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return token, sid, secret
}

func TestRefreshTokenShape(t *testing.T) {
	token, sid, secret := newRefreshToken(t)

	if !strings.HasPrefix(token, sid.String()+".") {
		t.Fatalf("token %q does not lead with session id %q", token, sid)
	}
	if len(token) != sessionIDLen+1+secretLen {
		t.Fatalf("unexpected token length %d", len(token))
	}

	gotSID, gotSecret, err := DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotSID != sid.String() || HashRefreshSecret(gotSecret) != HashRefreshSecret(secret) {
		t.Fatal("decoded token does not match what was issued")
	}
}

func TestDecodeRefreshTokenRejectsMalformed(t *testing.T) {
	token, sid, _ := newRefreshToken(t)
	sidPart, secretPart, _ := strings.Cut(token, ".")

	cases := map[string]string{
		"empty":            "",
		"no separator":     sidPart + secretPart,
		"short secret":     sidPart + "." + secretPart[:secretLen-1],
		"extra separator":  sidPart + "." + secretPart + ".",
		"bad alphabet":     sidPart + "." + "!" + secretPart[1:],
		"padded secret":    sidPart + "." + secretPart + "=",
		"short session id": sid.String()[:sessionIDLen-1] + "." + secretPart,
		"swapped halves":   secretPart + "." + sidPart,
	}
	for name, input := range cases {
		if _, _, err := DecodeRefreshToken(input); !errors.Is(err, ErrMalformedRefreshToken) {
			t.Errorf("%s: expected malformed error, got %v", name, err)
		}
	}
}

func TestParseSessionID(t *testing.T) {
	sid, _ := NewSessionID()
	got, err := ParseSessionID(sid.String())
	if err != nil || got != sid {
		t.Fatalf("parse %q: %v", sid, err)
	}
	for _, bad := range []string{"", "abc", sid.String() + "A", "#" + sid.String()[1:]} {
		if _, err := ParseSessionID(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestNewOTP(t *testing.T) {
	var histogram [10]int
	seen := map[string]struct{}{}
	for i := 0; i < 200; i++ {
		code, err := NewOTP(8)
		if err != nil {
			t.Fatalf("otp: %v", err)
		}
		if len(code) != 8 {
			t.Fatalf("unexpected otp length %q", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("non digit in otp %q", code)
			}
			histogram[c-'0']++
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 195 {
		t.Fatalf("otp output repeats too often: %d unique of 200", len(seen))
	}
	// 1600 digits, 160 expected per bucket.
	for d, n := range histogram {
		if n < 80 || n > 260 {
			t.Errorf("digit %d drawn %d times", d, n)
		}
	}

	for _, digits := range []int{0, 5, 11} {
		if _, err := NewOTP(digits); err == nil {
			t.Errorf("expected error for %d digits", digits)
		}
	}
}

func TestNewOpaqueToken(t *testing.T) {
	a, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := NewOpaqueToken()
	if a == b || len(a) != secretLen {
		t.Fatalf("unexpected opaque tokens %q %q", a, b)
	}
	if len(HashString(a)) != 32 || HashString(a) == HashString(b) {
		t.Fatal("HashString must yield distinct 32-byte digests")
	}
}
