package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Valkey key pattern:
//
//	nonce:{clientId}:{nonce} → replay marker (STRING with TTL = timestamp skew window)

// NonceStore remembers nonces seen on signed requests so a captured request cannot be replayed inside the timestamp
// skew window.
type NonceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewNonceStore creates a nonce store with TTL matching the timestamp skew window.
func NewNonceStore(rdb *redis.Client, ttl time.Duration) *NonceStore {
	return &NonceStore{rdb: rdb, ttl: ttl}
}

// Remember records the nonce for the client. Returns ErrNonceReused if it was already seen and ErrNonceTooLong if it
// exceeds the length cap.
func (s *NonceStore) Remember(ctx context.Context, clientID uuid.UUID, nonce string) error {
	if nonce == "" || len(nonce) > maxNonceLength {
		return ErrNonceTooLong
	}
	set, err := s.rdb.SetNX(ctx, "nonce:"+clientID.String()+":"+nonce, "1", s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	if !set {
		return ErrNonceReused
	}
	return nil
}
