package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLimiter(rdb, zerolog.Nop()), mr
}

func TestAllowWithinLimit(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "exchange:h1", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("Allow() hit %d denied, want allowed", i+1)
		}
	}

	ok, retryAfter, err := l.Allow(ctx, "exchange:h1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("Allow() fourth hit allowed, want denied")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within (0, 1m]", retryAfter)
	}
}

func TestWindowExpiry(t *testing.T) {
	t.Parallel()
	l, mr := testLimiter(t)
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "refresh:s1", 1, time.Minute); !ok {
		t.Fatal("first hit denied")
	}
	if ok, _, _ := l.Allow(ctx, "refresh:s1", 1, time.Minute); ok {
		t.Fatal("second hit allowed, want denied")
	}

	mr.FastForward(time.Minute + time.Second)

	if ok, _, _ := l.Allow(ctx, "refresh:s1", 1, time.Minute); !ok {
		t.Error("hit after window expiry denied, want allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t)
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "exchange:a", 1, time.Minute); !ok {
		t.Fatal("first hit on a denied")
	}
	if ok, _, _ := l.Allow(ctx, "exchange:a", 1, time.Minute); ok {
		t.Fatal("second hit on a allowed")
	}
	if ok, _, _ := l.Allow(ctx, "exchange:b", 1, time.Minute); !ok {
		t.Error("hit on b denied, want independent window")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t)
	ctx := context.Background()

	_, _, _ = l.Allow(ctx, "exchange:h1", 1, time.Minute)
	if ok, _, _ := l.Allow(ctx, "exchange:h1", 1, time.Minute); ok {
		t.Fatal("second hit allowed")
	}

	l.Reset(ctx, "exchange:h1")

	if ok, _, _ := l.Allow(ctx, "exchange:h1", 1, time.Minute); !ok {
		t.Error("hit after reset denied, want allowed")
	}
}
