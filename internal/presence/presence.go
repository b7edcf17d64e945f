// Package presence tracks which users currently hold a gateway connection, backed by Valkey. Keys carry a short TTL
// and are refreshed by the gateway's keepalive pongs, so a crashed client ages out without explicit teardown.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// connectedTTL is the lifetime of a presence key. The gateway refreshes it on every pong, so the key only expires
// when the connection has gone silent past the read deadline.
const connectedTTL = 120 * time.Second

// Tracker reads and writes gateway connectivity state in Valkey.
type Tracker struct {
	rdb *redis.Client
}

// NewTracker creates a tracker backed by the given Valkey client.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

// Connect marks the user as connected with the standard TTL.
func (t *Tracker) Connect(ctx context.Context, userID uuid.UUID) error {
	if err := t.rdb.Set(ctx, key(userID), 1, connectedTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the TTL of the user's presence key without touching its value. Missing keys are left missing:
// a refresh racing a disconnect must not resurrect the user.
func (t *Tracker) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := t.rdb.Expire(ctx, key(userID), connectedTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Disconnect removes the user's presence key.
func (t *Tracker) Disconnect(ctx context.Context, userID uuid.UUID) error {
	if err := t.rdb.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// Online reports whether the user currently holds a gateway connection.
func (t *Tracker) Online(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := t.rdb.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence for %s: %w", userID, err)
	}
	return n > 0, nil
}

// OnlineSet returns the subset of the given users that are currently connected.
func (t *Tracker) OnlineSet(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key(id)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	online := make(map[uuid.UUID]struct{})
	for i, v := range vals {
		if v != nil {
			online[userIDs[i]] = struct{}{}
		}
	}
	return online, nil
}

func key(userID uuid.UUID) string {
	return "presence:" + userID.String()
}
