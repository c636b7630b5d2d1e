package goIdentity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goIdentity/challenge"
	"github.com/MrEthical07/goIdentity/federation"
	"github.com/MrEthical07/goIdentity/password"
	"github.com/MrEthical07/goIdentity/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testPassword  = "correct-password-123"
	testPhone     = "+15551234567"
	testClientIP  = "203.0.113.7"
	testChallenge = "human-ok"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// engineTestConfig keeps argon2 at its floor so tests stay fast.
func engineTestConfig() Config {
	cfg := validTestConfig()
	cfg.Password.Memory = password.MinMemoryKB
	cfg.Password.Time = password.MinTime
	cfg.Password.Parallelism = 1
	return cfg
}

/*
====================================
FAKES
====================================
*/

type fakeSMS struct {
	mu       sync.Mutex
	messages map[string][]string
	err      error
}

func newFakeSMS() *fakeSMS {
	return &fakeSMS{messages: make(map[string][]string)}
}

func (f *fakeSMS) Send(_ context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages[phone] = append(f.messages[phone], message)
	return nil
}

func (f *fakeSMS) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSMS) sent(phone string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[phone])
}

// lastCode pulls the code out of the most recent message to phone.
func (f *fakeSMS) lastCode(t *testing.T, phone string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[phone]
	if len(msgs) == 0 {
		t.Fatalf("no sms sent to %s", phone)
	}
	fields := strings.Fields(msgs[len(msgs)-1])
	return fields[len(fields)-1]
}

type fakeProvider struct {
	name string

	mu       sync.Mutex
	profiles map[string]federation.Profile
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, profiles: make(map[string]federation.Profile)}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(req federation.AuthRequest) string {
	return "https://idp.test/" + p.name + "/authorize?state=" + req.State
}

func (p *fakeProvider) Exchange(_ context.Context, code string, _ federation.AuthRequest) (federation.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile, ok := p.profiles[code]
	if !ok {
		return federation.Profile{}, errors.New("invalid_grant")
	}
	return profile, nil
}

func (p *fakeProvider) onCode(code string, profile federation.Profile) {
	p.mu.Lock()
	p.profiles[code] = profile
	p.mu.Unlock()
}

type fakeChallenge struct {
	err error
}

func (c fakeChallenge) Verify(_ context.Context, token, _ string) error {
	if c.err != nil {
		return c.err
	}
	if token != testChallenge {
		return challenge.ErrFailed
	}
	return nil
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Emit discards events once the buffer is full so long benchmarks and
// Close never wait on a reader.
func (s *captureSink) Emit(_ context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	default:
	}
}

// waitFor drains events until one of eventType arrives.
func (s *captureSink) waitFor(t *testing.T, eventType string) AuditEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.EventType == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("audit event %q not received", eventType)
			return AuditEvent{}
		}
	}
}

/*
====================================
ENGINE HARNESS
====================================
*/

type testEnv struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	store    *sqlite.Store
	sms      *fakeSMS
	provider *fakeProvider
	audit    *captureSink
}

func newTestEnv(t testing.TB, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := engineTestConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 256
	cfg.Audit.DropIfFull = true
	cfg.Metrics.Enabled = true
	for _, m := range mutate {
		m(&cfg)
	}

	mr, rdb := newTestRedis(t)
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		mr:       mr,
		rdb:      rdb,
		store:    st,
		sms:      newFakeSMS(),
		provider: newFakeProvider("acme"),
		audit:    newCaptureSink(256),
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(st).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithSMSGateway(env.sms).
		WithProviders(env.provider).
		WithChallengeVerifier(fakeChallenge{}).
		WithAuditSink(env.audit).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}

func clientCtx() context.Context {
	return WithClientIP(context.Background(), testClientIP)
}

func (env *testEnv) register(t testing.TB, email string) *LoginResult {
	t.Helper()
	res, err := env.engine.RegisterWithPassword(clientCtx(), email, testPassword)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return res
}

func (env *testEnv) phoneLogin(t *testing.T, phone string) *LoginResult {
	t.Helper()
	ctx := clientCtx()
	if _, err := env.engine.RequestPhoneCode(ctx, phone); err != nil {
		t.Fatalf("request code: %v", err)
	}
	res, err := env.engine.LoginWithPhoneCode(ctx, phone, env.sms.lastCode(t, phone))
	if err != nil {
		t.Fatalf("phone login: %v", err)
	}
	return res
}

// federatedLogin runs a full redirect round trip for profile.
func (env *testEnv) federatedLogin(t *testing.T, profile federation.Profile) (*LoginResult, error) {
	t.Helper()
	ctx := clientCtx()
	_, state, err := env.engine.AuthorizeURL(ctx, env.provider.Name(), "browser-1")
	if err != nil {
		t.Fatalf("authorize url: %v", err)
	}
	code := "code-" + profile.SubjectID
	env.provider.onCode(code, profile)
	return env.engine.HandleCallback(ctx, env.provider.Name(), code, state, "browser-1")
}
