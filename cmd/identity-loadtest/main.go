// Command identity-loadtest seeds phone identities with live sessions and
// drives three phases against them: access-token validation, refresh rotation,
// and validation of tokens whose session was revoked. With no Redis address it
// runs against an in-process miniredis.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type options struct {
	sessions    int
	workers     int
	ops         int
	rps         float64
	redisAddr   string
	cache       bool
	revokeShare float64
}

func parseFlags() (options, error) {
	var o options
	flag.IntVar(&o.sessions, "sessions", 10000, "sessions to seed")
	flag.IntVar(&o.workers, "workers", 256, "concurrent workers per phase")
	flag.IntVar(&o.ops, "ops", 200000, "operations per phase")
	flag.Float64Var(&o.rps, "rps", 0, "target operations per second per phase, 0 for unpaced")
	flag.StringVar(&o.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address, miniredis when empty")
	flag.BoolVar(&o.cache, "revocation-cache", true, "enable the in-process revocation cache")
	flag.Float64Var(&o.revokeShare, "revoke-share", 0.5, "fraction of sessions revoked before the revoked phase")
	flag.Parse()

	if o.sessions <= 0 || o.workers <= 0 || o.ops <= 0 {
		return o, errors.New("sessions, workers and ops must be > 0")
	}
	if o.revokeShare < 0 || o.revokeShare > 1 {
		return o, errors.New("revoke-share must be within [0, 1]")
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

// seat is one seeded session. Refresh rotates both tokens in place.
type seat struct {
	mu        sync.Mutex
	sessionID string
	access    string
	refresh   string
}

func (s *seat) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

func run(ctx context.Context, opts options) error {
	rdb, closeRedis, err := connectRedis(opts.redisAddr)
	if err != nil {
		return err
	}
	defer closeRedis()

	dir, err := os.MkdirTemp("", "identity-loadtest")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	store, err := sqlite.Open(filepath.Join(dir, "identity.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	engine, err := buildEngine(rdb, store, opts.cache)
	if err != nil {
		return err
	}
	defer engine.Close()

	seats, err := seed(ctx, engine, store, opts.sessions)
	if err != nil {
		return err
	}

	report("validate", drive(ctx, opts, func(r *rand.Rand) error {
		_, err := engine.Validate(ctx, seats[r.IntN(len(seats))].accessToken())
		return err
	}))

	report("refresh", drive(ctx, opts, func(r *rand.Rand) error {
		s := seats[r.IntN(len(seats))]
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.Refresh(ctx, s.refresh)
		if err != nil {
			return err
		}
		s.access, s.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	}))

	revoked := seats[:int(float64(len(seats))*opts.revokeShare)]
	for _, s := range revoked {
		if err := engine.Revoke(ctx, s.sessionID); err != nil {
			return fmt.Errorf("revoke %s: %w", s.sessionID, err)
		}
	}
	if len(revoked) > 0 {
		// Every validation here is expected to fail; "failures" counts the
		// ones that did, so a healthy run reports ops == failures.
		report("revoked", drive(ctx, opts, func(r *rand.Rand) error {
			_, err := engine.Validate(ctx, revoked[r.IntN(len(revoked))].accessToken())
			return err
		}))
	}

	snap := engine.MetricsSnapshot()
	fmt.Printf("revocation cache hits=%d revoked rejections=%d reuse detections=%d\n",
		snap.Counters[goIdentity.MetricRevocationCacheHit],
		snap.Counters[goIdentity.MetricRevokedTokenRejected],
		snap.Counters[goIdentity.MetricRefreshReuseDetected],
	)
	return nil
}

func connectRedis(addr string) (redis.UniversalClient, func(), error) {
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		if mr, err = miniredis.Run(); err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		addr = mr.Addr()
		fmt.Printf("redis: miniredis at %s\n", addr)
	} else {
		fmt.Printf("redis: %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	return client, func() {
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	}, nil
}

func buildEngine(rdb redis.UniversalClient, store identity.Store, cache bool) (*goIdentity.Engine, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	cfg := goIdentity.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.Issuer = "identity-loadtest"
	cfg.JWT.Audience = "loadtest"
	cfg.RateLimit.ChallengeAfter = 0
	// The refresh phase hammers a small set of sessions far above any sane limit.
	cfg.RateLimit.RefreshSession = goIdentity.BucketConfig{Limit: 1 << 30, Window: time.Minute}
	cfg.Cache.RevocationCacheEnabled = cache
	cfg.Metrics.Enabled = true

	engine, err := goIdentity.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(store).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return engine, nil
}

func seed(ctx context.Context, engine *goIdentity.Engine, store identity.Store, n int) ([]*seat, error) {
	started := time.Now()
	seats := make([]*seat, n)
	for i := range seats {
		id, err := identity.NewID()
		if err != nil {
			return nil, err
		}
		ident, err := store.Create(ctx, identity.Identity{
			ID:      id,
			Methods: []identity.Method{identity.PhoneMethod(fmt.Sprintf("+1555%07d", i))},
		})
		if err != nil {
			return nil, fmt.Errorf("create identity %d: %w", i, err)
		}
		pair, err := engine.Issue(ctx, ident)
		if err != nil {
			return nil, fmt.Errorf("issue session %d: %w", i, err)
		}
		seats[i] = &seat{sessionID: pair.SessionID, access: pair.AccessToken, refresh: pair.RefreshToken}
	}
	fmt.Printf("seeded %d sessions in %s\n", n, time.Since(started).Round(time.Millisecond))
	return seats, nil
}

type result struct {
	elapsed  time.Duration
	failures int64
	samples  []time.Duration
}

// drive runs op opts.ops times across opts.workers goroutines, paced by a
// shared token bucket when opts.rps is set.
func drive(ctx context.Context, opts options, op func(*rand.Rand) error) result {
	limit := rate.Inf
	if opts.rps > 0 {
		limit = rate.Limit(opts.rps)
	}
	pacer := rate.NewLimiter(limit, opts.workers)

	var (
		next     atomic.Int64
		failures atomic.Int64
		wg       sync.WaitGroup
	)
	perWorker := make([][]time.Duration, opts.workers)
	started := time.Now()
	for w := range opts.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(started.UnixNano()), uint64(w)))
			for next.Add(1) <= int64(opts.ops) {
				if err := pacer.Wait(ctx); err != nil {
					return
				}
				t0 := time.Now()
				if op(r) != nil {
					failures.Add(1)
				}
				perWorker[w] = append(perWorker[w], time.Since(t0))
			}
		}()
	}
	wg.Wait()

	res := result{elapsed: time.Since(started), failures: failures.Load()}
	for _, s := range perWorker {
		res.samples = append(res.samples, s...)
	}
	slices.Sort(res.samples)
	return res
}

func (r result) quantile(q float64) time.Duration {
	if len(r.samples) == 0 {
		return 0
	}
	return r.samples[int(float64(len(r.samples)-1)*q)]
}

func report(phase string, r result) {
	throughput := 0.0
	if r.elapsed > 0 {
		throughput = float64(len(r.samples)) / r.elapsed.Seconds()
	}
	fmt.Printf("%-8s ops=%d failures=%d elapsed=%s ops/s=%.0f p50=%s p95=%s p99=%s\n",
		phase, len(r.samples), r.failures, r.elapsed.Round(time.Millisecond), throughput,
		r.quantile(0.50).Round(time.Microsecond),
		r.quantile(0.95).Round(time.Microsecond),
		r.quantile(0.99).Round(time.Microsecond),
	)
}
