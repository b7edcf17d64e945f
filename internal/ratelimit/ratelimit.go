// Package ratelimit is a fixed-window counter on Valkey for keyed quotas (token exchange per handoff, refresh per
// session). The global per-IP API limit is fiber middleware; this package covers the limits that need a key the
// middleware cannot see.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter counts hits per key in fixed windows.
type Limiter struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewLimiter creates a limiter on the given Valkey client.
func NewLimiter(rdb *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: logger.With().Str("component", "ratelimit").Logger()}
}

// Allow records one hit against key and reports whether it stays within limit per window. When denied, retryAfter is
// the time until the window resets. The first hit of a window starts its clock.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	full := "rl:" + key

	count, err := l.rdb.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("increment %s: %w", full, err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, full, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", full, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := l.rdb.TTL(ctx, full).Result()
	if err != nil || ttl < 0 {
		// Counter without a deadline (lost expire, -1 TTL): reset rather than deny forever.
		l.rdb.Del(ctx, full)
		return true, 0, nil
	}
	return false, ttl, nil
}

// Reset clears the window for key, forgiving all hits. Used when the guarded operation succeeds and retries should
// not stay penalized.
func (l *Limiter) Reset(ctx context.Context, key string) {
	if err := l.rdb.Del(ctx, "rl:"+key).Err(); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("failed to reset rate limit window")
	}
}
