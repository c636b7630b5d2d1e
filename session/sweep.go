package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Sweep prunes identity index entries whose session hash has expired and
// drops expired access grants of live sessions. It returns the number of
// index entries removed.
//
// Expired session hashes, grant sets, and revocation entries leave Redis on
// their own TTLs; only the indexes need help.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed := 0
	iter := s.redis.Scan(ctx, 0, s.userPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		n, err := s.sweepIndex(ctx, userKey)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return removed, nil
}

func (s *Store) sweepIndex(ctx context.Context, userKey string) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	pipe := s.redis.Pipeline()
	exists := make([]*redis.IntCmd, len(sessionIDs))
	for i, sessionID := range sessionIDs {
		exists[i] = pipe.Exists(ctx, s.key(sessionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	dangling := make([]any, 0)
	pipe = s.redis.Pipeline()
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			dangling = append(dangling, sessionIDs[i])
			continue
		}
		pipe.ZRemRangeByScore(ctx, s.grantsKey(sessionIDs[i]), "-inf", now)
	}
	if len(dangling) > 0 {
		pipe.SRem(ctx, userKey, dangling...)
	}
	if pipe.Len() == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return len(dangling), nil
}
