package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrSessionNotFound is returned when no session record exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when the session outlived its absolute lifetime.
	ErrSessionExpired = errors.New("session expired")
	// ErrRefreshReuse is returned when a refresh presents a secret that was
	// already rotated out, or targets a revoked lineage.
	ErrRefreshReuse = errors.New("refresh reuse detected")
	// ErrRefreshMismatch is returned for a secret this lineage never issued.
	// Nothing is revoked: the session id is not secret, so a guessed secret
	// must not be able to end someone else's session.
	ErrRefreshMismatch = errors.New("refresh secret not recognized")
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusMismatch int64 = 4
)

const (
	revokeStatusMissing int64 = 0
	revokeStatusAlready int64 = 1
	revokeStatusRevoked int64 = 2
)

// revokeLineageLua marks the session revoked, clears its refresh hash, and
// writes a revocation entry for every still-live access grant. The session
// hash stays as a tombstone until its natural expiry so a later refresh is
// recognized as reuse.
const revokeLineageLua = `
local function revoke_lineage(session_key, grants_key, user_key, session_id, now, revoke_prefix)
  redis.call('HSET', session_key, 'revoked', 1, 'hash', '')
  local live = redis.call('ZRANGEBYSCORE', grants_key, '(' .. now, '+inf', 'WITHSCORES')
  for i = 1, #live, 2 do
    local exp = tonumber(live[i + 1])
    redis.call('SET', revoke_prefix .. live[i], live[i + 1], 'PX', exp - now)
  end
  redis.call('DEL', grants_key)
  redis.call('SREM', user_key, session_id)
  return (#live) / 2
end
`

// rotateRefreshLua performs the refresh compare-and-swap. Rotated-out hashes
// are kept in a set that expires with the session; only a hash found there is
// treated as reuse.
// KEYS[1] = session key
// KEYS[2] = grants key
// KEYS[3] = rotated hashes key
// ARGV[1] = provided hash
// ARGV[2] = next hash
// ARGV[3] = now (unix ms)
// ARGV[4] = next access grant id
// ARGV[5] = next access grant expiry (unix ms)
// ARGV[6] = revocation key prefix
// ARGV[7] = identity index prefix
// ARGV[8] = session id
var rotateRefreshLua = redis.NewScript(revokeLineageLua + `
local rec = redis.call('HMGET', KEYS[1], 'uid', 'role', 'hash', 'expires', 'revoked', 'created')
if not rec[1] then
  return {0}
end

local now = tonumber(ARGV[3])
local expires = tonumber(rec[4])
if expires <= now then
  return {1}
end

if rec[5] == '1' then
  return {2}
end

if rec[3] ~= ARGV[1] then
  if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
    revoke_lineage(KEYS[1], KEYS[2], ARGV[7] .. rec[1], ARGV[8], now, ARGV[6])
    return {2}
  end
  return {4}
end

redis.call('SADD', KEYS[3], rec[3])
redis.call('PEXPIREAT', KEYS[3], expires)
redis.call('HSET', KEYS[1], 'hash', ARGV[2], 'last_used', now)
local rotations = redis.call('HINCRBY', KEYS[1], 'rotations', 1)

-- An access grant never outlives its session.
local grant_exp = math.min(tonumber(ARGV[5]), expires)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now)
redis.call('ZADD', KEYS[2], grant_exp, ARGV[4])
redis.call('PEXPIREAT', KEYS[2], expires)

return {3, rec[1], rec[2], rec[6], rec[4], rotations}
`)

// revokeSessionLua revokes one lineage; repeated calls are no-ops.
// KEYS[1] = session key
// KEYS[2] = grants key
// ARGV[1] = now (unix ms)
// ARGV[2] = revocation key prefix
// ARGV[3] = identity index prefix
// ARGV[4] = session id
var revokeSessionLua = redis.NewScript(revokeLineageLua + `
local rec = redis.call('HMGET', KEYS[1], 'uid', 'revoked')
if not rec[1] then
  return {0, ''}
end
if rec[2] == '1' then
  return {1, rec[1]}
end
revoke_lineage(KEYS[1], KEYS[2], ARGV[3] .. rec[1], ARGV[4], tonumber(ARGV[1]), ARGV[2])
return {2, rec[1]}
`)

// setRoleLua updates the role of a live session without resurrecting it.
var setRoleLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'role', ARGV[1])
return 1
`)

// Store is a Redis-backed session store: lineage records, per-identity
// indexes, issued access grants, and the access revocation set.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store]. prefix sets the Redis key namespace.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "is"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) grantsKey(sessionID string) string {
	return s.prefix + "g:" + sessionID
}

func (s *Store) rotatedKey(sessionID string) string {
	return s.prefix + "p:" + sessionID
}

func (s *Store) userPrefix() string {
	return s.prefix + "u:"
}

func (s *Store) userKey(identityID string) string {
	return s.userPrefix() + identityID
}

func (s *Store) revokePrefix() string {
	return s.prefix + "r:"
}

func (s *Store) revokeKey(grantID string) string {
	return s.revokePrefix() + grantID
}

// Save persists a new lineage together with its first access grant.
//
//	Performance: 1 MULTI/EXEC round trip.
func (s *Store) Save(ctx context.Context, sess *Session, grant AccessGrant) error {
	if sess == nil || sess.SessionID == "" || sess.IdentityID == "" {
		return errors.New("invalid session")
	}

	sessionKey := s.key(sess.SessionID)
	grantsKey := s.grantsKey(sess.SessionID)
	expires := sess.ExpiresAt

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey,
			"uid", sess.IdentityID,
			"role", sess.Role,
			"hash", string(sess.RefreshHash[:]),
			"created", sess.CreatedAt.UnixMilli(),
			"last_used", sess.LastUsedAt.UnixMilli(),
			"expires", expires.UnixMilli(),
			"revoked", 0,
			"rotations", sess.Rotations,
		)
		pipe.PExpireAt(ctx, sessionKey, expires)
		pipe.SAdd(ctx, s.userKey(sess.IdentityID), sess.SessionID)
		if grant.ID != "" {
			pipe.ZAdd(ctx, grantsKey, redis.Z{Score: float64(grant.ExpiresAt.UnixMilli()), Member: grant.ID})
			pipe.PExpireAt(ctx, grantsKey, expires)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session record, including revoked tombstones.
//
//	Performance: 1 Redis HGETALL.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeSession(sessionID, fields)
}

func decodeSession(sessionID string, fields map[string]string) (*Session, error) {
	sess := &Session{
		SessionID:  sessionID,
		IdentityID: fields["uid"],
		Role:       fields["role"],
		Revoked:    fields["revoked"] == "1",
	}
	if sess.IdentityID == "" {
		return nil, ErrSessionNotFound
	}
	copy(sess.RefreshHash[:], fields["hash"])

	var err error
	if sess.CreatedAt, err = parseMillis(fields["created"]); err != nil {
		return nil, err
	}
	if sess.LastUsedAt, err = parseMillis(fields["last_used"]); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseMillis(fields["expires"]); err != nil {
		return nil, err
	}
	if v := fields["rotations"]; v != "" {
		if sess.Rotations, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("session rotations: %w", err)
		}
	}
	return sess, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("session timestamp: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Rotate swaps the refresh hash if providedHash is current, and records the
// next access grant. A hash that was rotated out earlier revokes the whole
// lineage with [ErrRefreshReuse]; a hash the lineage never held returns
// [ErrRefreshMismatch] and changes nothing.
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
	grant AccessGrant,
) (*Session, error) {
	now := s.now()
	res, err := rotateRefreshLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.grantsKey(sessionID), s.rotatedKey(sessionID)},
		string(providedHash[:]),
		string(nextHash[:]),
		now.UnixMilli(),
		grant.ID,
		grant.ExpiresAt.UnixMilli(),
		s.revokePrefix(),
		s.userPrefix(),
		sessionID,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: empty rotate reply", ErrRedisUnavailable)
	}

	status, _ := res[0].(int64)
	switch status {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusReuse:
		return nil, ErrRefreshReuse
	case rotateStatusMismatch:
		return nil, ErrRefreshMismatch
	case rotateStatusRotated:
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, status)
	}
	if len(res) != 6 {
		return nil, fmt.Errorf("%w: malformed rotate reply", ErrRedisUnavailable)
	}

	uid, _ := res[1].(string)
	role, _ := res[2].(string)
	created, _ := res[3].(string)
	expires, _ := res[4].(string)
	rotations, _ := res[5].(int64)

	sess := &Session{
		SessionID:   sessionID,
		IdentityID:  uid,
		Role:        role,
		RefreshHash: nextHash,
		LastUsedAt:  time.UnixMilli(now.UnixMilli()).UTC(),
		Rotations:   rotations,
	}
	if sess.CreatedAt, err = parseMillis(created); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseMillis(expires); err != nil {
		return nil, err
	}
	return sess, nil
}

// Revoke ends a lineage. It returns the owning identity and whether this call
// performed the revocation. Unknown or already revoked sessions are not errors.
func (s *Store) Revoke(ctx context.Context, sessionID string) (string, bool, error) {
	res, err := revokeSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.grantsKey(sessionID)},
		s.now().UnixMilli(),
		s.revokePrefix(),
		s.userPrefix(),
		sessionID,
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("%w: malformed revoke reply", ErrRedisUnavailable)
	}
	status, _ := res[0].(int64)
	uid, _ := res[1].(string)
	return uid, status == revokeStatusRevoked, nil
}

// RevokeAllForIdentity revokes every lineage indexed for identityID and
// returns how many were revoked by this call.
//
// A session created after the index is read is not captured; it stays valid
// until the caller repeats the call or it expires.
func (s *Store) RevokeAllForIdentity(ctx context.Context, identityID string) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.userKey(identityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	revoked := 0
	for _, sessionID := range sessionIDs {
		_, done, err := s.Revoke(ctx, sessionID)
		if err != nil {
			return revoked, err
		}
		if done {
			revoked++
		}
	}
	if err := s.redis.SRem(ctx, s.userKey(identityID), toAny(sessionIDs)...).Err(); err != nil && len(sessionIDs) > 0 {
		return revoked, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return revoked, nil
}

// IsRevoked reports whether an access grant id is in the revocation set. The
// second return is the grant's original expiry when revoked.
func (s *Store) IsRevoked(ctx context.Context, grantID string) (bool, time.Time, error) {
	v, err := s.redis.Get(ctx, s.revokeKey(grantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	exp, err := parseMillis(v)
	if err != nil {
		return true, time.Time{}, nil
	}
	return true, exp, nil
}

// RevokeGrant adds a single access grant to the revocation set until exp.
func (s *Store) RevokeGrant(ctx context.Context, grantID string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.revokeKey(grantID), exp.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ListForIdentity returns the live, unrevoked sessions of identityID.
func (s *Store) ListForIdentity(ctx context.Context, identityID string) ([]*Session, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.userKey(identityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sessionIDs))
	for i, sessionID := range sessionIDs {
		cmds[i] = pipe.HGetAll(ctx, s.key(sessionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := s.now()
	out := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		sess, err := decodeSession(sessionIDs[i], fields)
		if err != nil {
			continue
		}
		if sess.Active(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SetRole rewrites the role of every live session of identityID so the next
// refresh issues tokens with the new role.
func (s *Store) SetRole(ctx context.Context, identityID, role string) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.userKey(identityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	updated := 0
	for _, sessionID := range sessionIDs {
		n, err := setRoleLua.Run(ctx, s.redis, []string{s.key(sessionID)}, role).Int()
		if err != nil {
			return updated, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		updated += n
	}
	return updated, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}
