package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrBackend marks a Redis failure. Callers fail closed on it.
	ErrBackend       = errors.New("rate backend unavailable")
	ErrInvalidBucket = errors.New("invalid rate bucket")
)

// Bucket is a named fixed-window budget.
type Bucket struct {
	Name   string
	Limit  int
	Window time.Duration
	// RefundOnSuccess returns the reserved unit when the attempt succeeds, so
	// only failures consume the budget.
	RefundOnSuccess bool
}

// Validate checks that b can be enforced.
func (b Bucket) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidBucket)
	}
	if b.Limit <= 0 {
		return fmt.Errorf("%w: %s limit must be > 0", ErrInvalidBucket, b.Name)
	}
	if b.Window <= 0 {
		return fmt.Errorf("%w: %s window must be > 0", ErrInvalidBucket, b.Name)
	}
	return nil
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Config holds limiter tuning parameters.
type Config struct {
	Prefix string
	// ChallengeAfter is the consecutive-failure streak at which a
	// challenge becomes mandatory. Zero disables challenges.
	ChallengeAfter int
}

// Limiter enforces fixed-window budgets and tracks consecutive failures
// using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// reserveLua checks and increments a window counter in one step so concurrent
// callers can never push it past the limit.
// KEYS[1] = window key
// ARGV[1] = limit
// ARGV[2] = window in ms
//
// Returns {allowed, count, pttl}.
var reserveLua = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= limit then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], window)
    ttl = window
  end
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], window)
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// refundLua gives back one reserved unit without resurrecting expired windows.
var refundLua = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 1 then
  return redis.call('DECR', KEYS[1])
end
if count == 1 then
  redis.call('DEL', KEYS[1])
end
return 0
`)

func subjectHash(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:12])
}

func (l *Limiter) windowKey(b Bucket, subject string) string {
	return l.config.Prefix + ":" + b.Name + ":" + subjectHash(subject)
}

func (l *Limiter) streakKey(b Bucket, subject string) string {
	return l.config.Prefix + "f:" + b.Name + ":" + subjectHash(subject)
}

// Check reports whether another attempt fits in the window without
// consuming budget.
func (l *Limiter) Check(ctx context.Context, b Bucket, subject string) (Decision, error) {
	key := l.windowKey(b, subject)

	pipe := l.redis.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	count, err := getCmd.Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if count < b.Limit {
		return Decision{Allowed: true, Count: count}, nil
	}
	return Decision{Count: count, RetryAfter: retryAfter(ttlCmd.Val(), b.Window)}, nil
}

// Reserve consumes one unit of b for subject if the window has room.
func (l *Limiter) Reserve(ctx context.Context, b Bucket, subject string) (Decision, error) {
	res, err := reserveLua.Run(ctx, l.redis, []string{l.windowKey(b, subject)}, b.Limit, b.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected reserve reply", ErrBackend)
	}
	d := Decision{Allowed: res[0] == 1, Count: int(res[1])}
	if !d.Allowed {
		d.RetryAfter = retryAfter(time.Duration(res[2])*time.Millisecond, b.Window)
	}
	return d, nil
}

// Refund gives back one unit reserved from b for subject.
func (l *Limiter) Refund(ctx context.Context, b Bucket, subject string) error {
	if err := refundLua.Run(ctx, l.redis, []string{l.windowKey(b, subject)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// RecordAttempt closes out an attempt. A failure extends the consecutive
// failure streak; a success clears it and refunds the reservation for
// buckets that only count failures.
func (l *Limiter) RecordAttempt(ctx context.Context, b Bucket, subject string, success bool) error {
	if success {
		if err := l.redis.Del(ctx, l.streakKey(b, subject)).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		if b.RefundOnSuccess {
			return l.Refund(ctx, b, subject)
		}
		return nil
	}

	key := l.streakKey(b, subject)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	// Fixed-window semantics: set TTL only for the first failure in the streak.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, b.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}
	return nil
}

// RequireChallenge reports whether the failure streak for subject has
// reached the challenge threshold.
func (l *Limiter) RequireChallenge(ctx context.Context, b Bucket, subject string) (bool, error) {
	if l.config.ChallengeAfter <= 0 {
		return false, nil
	}
	streak, err := l.Streak(ctx, b, subject)
	if err != nil {
		return false, err
	}
	return streak >= l.config.ChallengeAfter, nil
}

// Streak returns the current consecutive-failure count.
func (l *Limiter) Streak(ctx context.Context, b Bucket, subject string) (int, error) {
	count, err := l.redis.Get(ctx, l.streakKey(b, subject)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// Reset clears both the window and the streak for subject.
func (l *Limiter) Reset(ctx context.Context, b Bucket, subject string) error {
	if err := l.redis.Del(ctx, l.windowKey(b, subject), l.streakKey(b, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func retryAfter(ttl, window time.Duration) time.Duration {
	if ttl <= 0 {
		return window
	}
	return ttl
}
