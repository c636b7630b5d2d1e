package middleware

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/password"
	"github.com/MrEthical07/goIdentity/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiddlewareEngine(t *testing.T) *goIdentity.Engine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	_, priv, _ := ed25519.GenerateKey(nil)
	cfg := goIdentity.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.Issuer = "middleware-test"
	cfg.JWT.Audience = "api"
	cfg.Password.Memory = password.MinMemoryKB
	cfg.Password.Time = password.MinTime
	cfg.Password.Parallelism = 1
	cfg.RateLimit.ChallengeAfter = 0

	engine, err := goIdentity.New().WithConfig(cfg).WithRedis(rdb).WithStore(st).Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func login(t *testing.T, engine *goIdentity.Engine, email string) *goIdentity.LoginResult {
	t.Helper()
	res, err := engine.RegisterWithPassword(context.Background(), email, "correct-password-123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return res
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			t.Error("expected claims in context")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body.Error
}

func TestGuardRejectsMissingAndBadTokens(t *testing.T) {
	engine := newMiddlewareEngine(t)
	h := Guard(engine)(okHandler(t))

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer not-a-token"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Fatalf("expected json error body")
		}
	}
}

func TestGuardAcceptsLiveTokenAndRejectsAfterLogout(t *testing.T) {
	engine := newMiddlewareEngine(t)
	res := login(t, engine, "alice@example.com")
	h := Guard(engine)(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+res.Tokens.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	if err := engine.Logout(context.Background(), res.Tokens.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestRequireRoleOwnership(t *testing.T) {
	engine := newMiddlewareEngine(t)
	alice := login(t, engine, "alice@example.com")
	bob := login(t, engine, "bob@example.com")

	owner := func(r *http.Request) string { return r.URL.Query().Get("owner") }
	h := Guard(engine)(RequireRole(engine, identity.RoleUser, owner)(okHandler(t)))

	req := httptest.NewRequest(http.MethodGet, "/things?owner="+alice.Identity.ID, nil)
	req.Header.Set("Authorization", "Bearer "+alice.Tokens.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("owner should pass, got %d", rec.Code)
	}

	req.Header.Set("Authorization", "Bearer "+bob.Tokens.AccessToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner should get 403, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", code)
	}
}

func TestRequireRoleWithoutGuard(t *testing.T) {
	engine := newMiddlewareEngine(t)
	h := RequireRole(engine, identity.RoleUser, nil)(okHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without claims, got %d", rec.Code)
	}
}

func TestClientInfoPopulatesContext(t *testing.T) {
	engine := newMiddlewareEngine(t)
	var seen bool
	h := ClientInfo(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A wrong password with a client IP reaches the per-IP bucket.
		_, err := engine.LoginWithPassword(r.Context(), "nobody@example.com", "wrong-password-1")
		seen = err != nil
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "198.51.100.4:55000"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(ChallengeHeader, "tok")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !seen {
		t.Fatal("expected login failure inside handler")
	}
	if got := remoteIP("198.51.100.4:55000"); got != "198.51.100.4" {
		t.Fatalf("unexpected ip %q", got)
	}
	if got := remoteIP("198.51.100.4"); got != "198.51.100.4" {
		t.Fatalf("unexpected ip without port %q", got)
	}
}

func TestWriteErrorThrottled(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &goIdentity.ThrottledError{Bucket: goIdentity.BucketLoginIP, RetryAfter: 0})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	if code := decodeError(t, rec); code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %q", code)
	}
}

func TestWriteErrorMergeTicket(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("callback: %w", &goIdentity.MergeConfirmationError{Ticket: "tkt-1"}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "merge_confirmation_required" || body.MergeTicket != "tkt-1" {
		t.Fatalf("unexpected body %+v", body)
	}
}
