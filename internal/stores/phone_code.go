package stores

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrPhoneCodeExpired          = errors.New("phone code expired")
	ErrPhoneCodeMismatch         = errors.New("phone code mismatch")
	ErrPhoneCodeAttemptsExceeded = errors.New("phone code attempts exceeded")
	ErrPhoneCodeRedisUnavailable = errors.New("phone code redis unavailable")
)

// savePhoneCodeLua replaces any previous code for the phone with a pending
// record while keeping the running send counter.
// KEYS[1] = record key
// ARGV[1] = code hash
// ARGV[2] = issued at (unix ms)
// ARGV[3] = expires at (unix ms)
// ARGV[4] = ttl (ms)
var savePhoneCodeLua = redis.NewScript(`
redis.call('HSET', KEYS[1], 'code', ARGV[1], 'issued', ARGV[2], 'expires', ARGV[3], 'attempts', 0, 'pending', 1)
local sends = redis.call('HINCRBY', KEYS[1], 'sends', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return sends
`)

// activatePhoneCodeLua flips a pending record to active if it still holds
// the same code.
var activatePhoneCodeLua = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'code') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'pending', 0)
return 1
`)

// discardPhoneCodeLua deletes the record only if it still holds the same code,
// so a newer request is never clobbered.
var discardPhoneCodeLua = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'code') ~= ARGV[1] then
  return 0
end
return redis.call('DEL', KEYS[1])
`)

// verifyPhoneCodeLua counts the attempt and consumes the record on a match.
// KEYS[1] = record key
// ARGV[1] = provided hash
// ARGV[2] = max attempts
// ARGV[3] = now (unix ms)
//
// Returns the stored hash on success, or an error string:
// "expired", "attempts_exceeded", "mismatch".
var verifyPhoneCodeLua = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'code', 'expires', 'attempts', 'pending')
if not rec[1] then
  return {err='expired'}
end
if tonumber(rec[2]) <= tonumber(ARGV[3]) then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end
if rec[4] == '1' then
  return {err='expired'}
end
local maxAttempts = tonumber(ARGV[2])
if tonumber(rec[3] or '0') >= maxAttempts then
  return {err='attempts_exceeded'}
end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if rec[1] ~= ARGV[1] then
  return {err='mismatch'}
end
redis.call('DEL', KEYS[1])
return rec[1]
`)

// PhoneCodeStore keeps at most one outstanding one-time code per phone.
type PhoneCodeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewPhoneCodeStore(redisClient redis.UniversalClient, prefix string) *PhoneCodeStore {
	if prefix == "" {
		prefix = "ipc"
	}
	return &PhoneCodeStore{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *PhoneCodeStore) key(phone string) string {
	return s.prefix + ":" + phone
}

// SavePending stores a record that cannot be verified until Activate. It
// returns how many codes were requested for the phone while a record existed.
func (s *PhoneCodeStore) SavePending(ctx context.Context, phone string, codeHash [32]byte, ttl time.Duration) (int64, error) {
	now := s.now()
	sends, err := savePhoneCodeLua.Run(ctx, s.redis, []string{s.key(phone)},
		string(codeHash[:]),
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPhoneCodeRedisUnavailable, err)
	}
	return sends, nil
}

// Activate marks the pending record verifiable. It reports false if the
// record was replaced or expired in the meantime.
func (s *PhoneCodeStore) Activate(ctx context.Context, phone string, codeHash [32]byte) (bool, error) {
	n, err := activatePhoneCodeLua.Run(ctx, s.redis, []string{s.key(phone)}, string(codeHash[:])).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPhoneCodeRedisUnavailable, err)
	}
	return n == 1, nil
}

// Discard removes the record if it still holds codeHash.
func (s *PhoneCodeStore) Discard(ctx context.Context, phone string, codeHash [32]byte) error {
	if err := discardPhoneCodeLua.Run(ctx, s.redis, []string{s.key(phone)}, string(codeHash[:])).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPhoneCodeRedisUnavailable, err)
	}
	return nil
}

// Verify spends one attempt against the record for phone.
func (s *PhoneCodeStore) Verify(ctx context.Context, phone string, providedHash [32]byte, maxAttempts int) error {
	result, err := verifyPhoneCodeLua.Run(ctx, s.redis, []string{s.key(phone)},
		string(providedHash[:]),
		maxAttempts,
		s.now().UnixMilli(),
	).Text()
	if err != nil {
		switch err.Error() {
		case "expired":
			return ErrPhoneCodeExpired
		case "attempts_exceeded":
			return ErrPhoneCodeAttemptsExceeded
		case "mismatch":
			return ErrPhoneCodeMismatch
		default:
			return fmt.Errorf("%w: %v", ErrPhoneCodeRedisUnavailable, err)
		}
	}

	// Lua string comparison is not constant-time.
	if subtle.ConstantTimeCompare([]byte(result), providedHash[:]) != 1 {
		return ErrPhoneCodeMismatch
	}
	return nil
}

// Attempts returns the attempt counter of the outstanding record, or zero.
func (s *PhoneCodeStore) Attempts(ctx context.Context, phone string) (int, error) {
	n, err := s.redis.HGet(ctx, s.key(phone), "attempts").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrPhoneCodeRedisUnavailable, err)
	}
	return n, nil
}
