package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	goIdentity "github.com/MrEthical07/goIdentity"
	promexport "github.com/MrEthical07/goIdentity/metrics/export/prometheus"
	"github.com/MrEthical07/goIdentity/password"
	"github.com/MrEthical07/goIdentity/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testPhone = "+15551234567"

type captureSMS struct {
	mu   sync.Mutex
	last map[string]string
}

func (c *captureSMS) Send(_ context.Context, phone, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := strings.Fields(message)
	c.last[phone] = fields[len(fields)-1]
	return nil
}

func (c *captureSMS) code(phone string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[phone]
}

type testServer struct {
	handler http.Handler
	sms     *captureSMS
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, priv, _ := ed25519.GenerateKey(nil)
	cfg := goIdentity.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.Issuer = "identityd-test"
	cfg.JWT.Audience = "api"
	cfg.Password.Memory = password.MinMemoryKB
	cfg.Password.Time = password.MinTime
	cfg.Password.Parallelism = 1
	cfg.RateLimit.ChallengeAfter = 0
	cfg.Metrics.Enabled = true

	sms := &captureSMS{last: make(map[string]string)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := goIdentity.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(st).
		WithLogger(logger).
		WithSMSGateway(sms).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testServer{
		handler: newRouter(&server{
			engine:  engine,
			logger:  logger,
			metrics: promexport.NewPrometheusExporter(engine).Handler(),
		}),
		sms: sms,
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (s *testServer) register(t *testing.T, email string) tokenResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/password/register", "", credentialsRequest{Email: email, Password: "correct-password-123"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeInto[tokenResponse](t, rec)
}

func TestServerPasswordLifecycle(t *testing.T) {
	s := newTestServer(t)
	tokens := s.register(t, "alice@example.com")
	require.Equal(t, "created", tokens.Outcome)

	rec := s.do(t, http.MethodGet, "/v1/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeInto[identityResponse](t, rec)
	require.Equal(t, tokens.IdentityID, me.ID)
	require.Len(t, me.Methods, 1)
	require.Equal(t, "alice@example.com", me.Methods[0].Value)
	require.NotContains(t, rec.Body.String(), "argon2")

	rec = s.do(t, http.MethodPost, "/v1/password/login", "", credentialsRequest{Email: "alice@example.com", Password: "wrong-password-123"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_credentials")

	rec = s.do(t, http.MethodPost, "/v1/token/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	next := decodeInto[tokenResponse](t, rec)
	require.Equal(t, tokens.SessionID, next.SessionID)

	rec = s.do(t, http.MethodGet, "/v1/me/sessions", next.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeInto[[]sessionResponse](t, rec)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Current)

	rec = s.do(t, http.MethodPost, "/v1/logout", next.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/me", next.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerRefreshReuseIsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	tokens := s.register(t, "alice@example.com")

	rec := s.do(t, http.MethodPost, "/v1/token/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/token/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"unauthorized"`)
}

func TestServerPhoneLoginAndLink(t *testing.T) {
	s := newTestServer(t)
	owner := s.register(t, "alice@example.com")

	rec := s.do(t, http.MethodPost, "/v1/phone/code", "", phoneRequest{Phone: testPhone})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "code")

	rec = s.do(t, http.MethodPost, "/v1/me/methods/phone", owner.AccessToken, phoneRequest{Phone: testPhone, Code: s.sms.code(testPhone)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, decodeInto[identityResponse](t, rec).Methods, 2)

	rec = s.do(t, http.MethodPost, "/v1/phone/code", "", phoneRequest{Phone: testPhone})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/phone/login", "", phoneRequest{Phone: testPhone, Code: s.sms.code(testPhone)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, owner.IdentityID, decodeInto[tokenResponse](t, rec).IdentityID)

	rec = s.do(t, http.MethodDelete, "/v1/me/methods", owner.AccessToken, methodResponse{Type: "email", Value: "alice@example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodDelete, "/v1/me/methods", owner.AccessToken, methodResponse{Type: "phone", Value: testPhone})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "last_method")
}

func TestServerOwnershipAndRoles(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice@example.com")
	bob := s.register(t, "bob@example.com")

	rec := s.do(t, http.MethodGet, "/v1/identities/"+alice.IdentityID, alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/identities/"+alice.IdentityID, bob.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/identities/"+bob.IdentityID+"/role", alice.AccessToken, roleRequest{Role: "admin"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/me/sessions/"+bob.SessionID, alice.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/me", bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerConsentAndDelete(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice@example.com")

	rec := s.do(t, http.MethodPut, "/v1/me/consent", alice.AccessToken, consentRequest{Given: true, Version: "2026-01"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/me", alice.AccessToken, nil)
	me := decodeInto[identityResponse](t, rec)
	require.True(t, me.ConsentGiven)
	require.Equal(t, "2026-01", me.ConsentVersion)

	rec = s.do(t, http.MethodDelete, "/v1/me", alice.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/me", alice.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerRejectsMalformedBodies(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/password/login", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_input")
}

func TestServerFederatedUnknownProvider(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/federated/nope/start", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)

	s.register(t, "alice@example.com")
	rec = s.do(t, http.MethodPost, "/v1/password/login", "", credentialsRequest{Email: "alice@example.com", Password: "correct-password-123"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "goidentity_login_success_total")
}
