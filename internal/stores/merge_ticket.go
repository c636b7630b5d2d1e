package stores

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

var (
	ErrMergeTicketNotFound         = errors.New("merge ticket not found")
	ErrMergeTicketRedisUnavailable = errors.New("merge ticket redis unavailable")
)

// MergeTicket is a pending request to attach a proven method to an existing
// identity.
type MergeTicket struct {
	TargetID       string `json:"target_id"`
	MethodType     string `json:"method_type"`
	MethodProvider string `json:"method_provider,omitempty"`
	MethodValue    string `json:"method_value"`
	CreatedAt      int64  `json:"created_at"`
}

// MergeTicketStore keeps merge tickets keyed by the hash of the opaque ticket
// handed to the client.
type MergeTicketStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewMergeTicketStore(redisClient redis.UniversalClient, prefix string) *MergeTicketStore {
	if prefix == "" {
		prefix = "imt"
	}
	return &MergeTicketStore{redis: redisClient, prefix: prefix}
}

func (s *MergeTicketStore) key(ticket string) string {
	sum := sha256.Sum256([]byte(ticket))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Save stores rec under ticket for ttl.
func (s *MergeTicketStore) Save(ctx context.Context, ticket string, rec MergeTicket, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(ticket), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeTicketRedisUnavailable, err)
	}
	return nil
}

// Consume returns and deletes the ticket in one step.
func (s *MergeTicketStore) Consume(ctx context.Context, ticket string) (MergeTicket, error) {
	data, err := s.redis.GetDel(ctx, s.key(ticket)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return MergeTicket{}, ErrMergeTicketNotFound
		}
		return MergeTicket{}, fmt.Errorf("%w: %v", ErrMergeTicketRedisUnavailable, err)
	}
	var rec MergeTicket
	if err := json.Unmarshal(data, &rec); err != nil {
		return MergeTicket{}, ErrMergeTicketNotFound
	}
	return rec, nil
}
