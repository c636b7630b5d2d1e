package federation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type stateRecord struct {
	Provider  string `json:"provider"`
	Binding   string `json:"binding"`
	Verifier  string `json:"verifier"`
	Nonce     string `json:"nonce"`
	CreatedAt int64  `json:"created_at"`
}

// StateStore keeps in-flight authorization requests in Redis.
type StateStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStateStore creates a [StateStore]. Records expire after ttl.
func NewStateStore(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *StateStore {
	if prefix == "" {
		prefix = "ifs"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{redis: redisClient, prefix: prefix, ttl: ttl}
}

func (s *StateStore) key(state string) string {
	sum := sha256.Sum256([]byte(state))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

func (s *StateStore) save(ctx context.Context, state string, rec stateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(state), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *StateStore) consume(ctx context.Context, state string) (stateRecord, error) {
	data, err := s.redis.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return stateRecord{}, ErrStateMismatch
		}
		return stateRecord{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return stateRecord{}, ErrStateMismatch
	}
	return rec, nil
}
