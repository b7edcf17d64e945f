package auth

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/murmel-chat/murmel-server/internal/user"
)

func TestOTPIssueAndVerify(t *testing.T) {
	t.Parallel()

	_, rdb := testRedis(t)
	store := NewOTPStore(rdb, 5*time.Minute)
	ctx := context.Background()

	code, wait, outstanding, err := store.Issue(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if outstanding {
		t.Fatal("first Issue() reported outstanding code")
	}
	if len(code) != 5 {
		t.Fatalf("code = %q, want 5 digits", code)
	}
	if wait != 5*time.Minute {
		t.Errorf("wait = %v, want 5m", wait)
	}

	// A second request within the window returns the remaining wait instead of a new code.
	second, wait, outstanding, err := store.Issue(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("second Issue() error: %v", err)
	}
	if !outstanding || second != "" {
		t.Fatalf("second Issue() = (%q, outstanding=%v), want outstanding with no code", second, outstanding)
	}
	if wait <= 0 || wait > 5*time.Minute {
		t.Errorf("remaining wait = %v, want within (0, 5m]", wait)
	}

	if err := store.Verify(ctx, "a@x.org", "00000"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("Verify(wrong) error = %v, want ErrOTPMismatch", err)
	}
	// A wrong submission must not consume the stored code.
	if err := store.Verify(ctx, "a@x.org", code); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if err := store.Verify(ctx, "a@x.org", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("Verify(consumed) error = %v, want ErrOTPNotFound", err)
	}
}

func TestOTPExpires(t *testing.T) {
	t.Parallel()

	mr, rdb := testRedis(t)
	store := NewOTPStore(rdb, time.Minute)
	ctx := context.Background()

	code, _, _, err := store.Issue(ctx, "b@x.org")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if err := store.Verify(ctx, "b@x.org", code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("Verify(expired) error = %v, want ErrOTPNotFound", err)
	}
	// And a new code may be issued immediately.
	if _, _, outstanding, err := store.Issue(ctx, "b@x.org"); err != nil || outstanding {
		t.Fatalf("Issue() after expiry = (outstanding=%v, err=%v), want fresh code", outstanding, err)
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	t.Parallel()

	plain, hashed, err := GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error: %v", err)
	}
	if len(plain) != BackupCodeCount || len(hashed) != BackupCodeCount {
		t.Fatalf("got %d/%d codes, want %d", len(plain), len(hashed), BackupCodeCount)
	}
	for i, code := range plain {
		if len(code) != 16 {
			t.Errorf("code %d length = %d, want 16", i, len(code))
		}
		if hashed[i].Used {
			t.Errorf("code %d starts used", i)
		}
		if bcrypt.CompareHashAndPassword([]byte(hashed[i].Hash), []byte(code)) != nil {
			t.Errorf("code %d does not match its hash", i)
		}
	}
}

func TestMatchBackupCode(t *testing.T) {
	t.Parallel()

	hash := func(code string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		return string(h)
	}
	codes := []user.BackupCode{
		{Hash: hash("AAAA000011112222"), Used: true},
		{Hash: hash("BBBB000011112222")},
		{Hash: hash("CCCC000011112222")},
	}

	if got := MatchBackupCode(codes, "BBBB000011112222"); got != 1 {
		t.Errorf("MatchBackupCode(valid) = %d, want 1", got)
	}
	if got := MatchBackupCode(codes, "AAAA000011112222"); got != -1 {
		t.Errorf("MatchBackupCode(used) = %d, want -1", got)
	}
	if got := MatchBackupCode(codes, "ZZZZ000011112222"); got != -1 {
		t.Errorf("MatchBackupCode(unknown) = %d, want -1", got)
	}
}

func TestCanRegenerate(t *testing.T) {
	t.Parallel()

	codes := make([]user.BackupCode, BackupCodeCount)
	if CanRegenerate(codes) {
		t.Error("CanRegenerate(all unused) = true, want false")
	}
	for i := 0; i < BackupCodeCount-2; i++ {
		codes[i].Used = true
	}
	if !CanRegenerate(codes) {
		t.Error("CanRegenerate(8 of 10 used) = false, want true")
	}
}

func TestFailureWait(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int
		want time.Duration
	}{
		{n: 1, want: 60 * time.Second},
		{n: 2, want: 108 * time.Second},
		{n: 3, want: time.Duration(60 * math.Pow(1.8, 2) * float64(time.Second))},
	}
	for _, tt := range tests {
		if got := FailureWait(tt.n); got != tt.want {
			t.Errorf("FailureWait(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := FailureWait(0); got != 60*time.Second {
		t.Errorf("FailureWait(0) = %v, want 60s", got)
	}
}

func TestBackupThrottle(t *testing.T) {
	t.Parallel()

	mr, rdb := testRedis(t)
	throttle := NewBackupThrottle(rdb)
	ctx := context.Background()
	userID := uuid.New()

	if wait, err := throttle.Check(ctx, userID); err != nil || wait != 0 {
		t.Fatalf("Check(fresh) = (%v, %v), want no wait", wait, err)
	}

	wait, err := throttle.Fail(ctx, userID)
	if err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	if wait != 60*time.Second {
		t.Errorf("first failure wait = %v, want 60s", wait)
	}
	if wait, err := throttle.Check(ctx, userID); err != nil || wait <= 0 {
		t.Fatalf("Check(throttled) = (%v, %v), want positive wait", wait, err)
	}

	// The wait grows with consecutive failures even after the previous window lapses.
	mr.FastForward(2 * time.Minute)
	wait, err = throttle.Fail(ctx, userID)
	if err != nil {
		t.Fatalf("second Fail() error: %v", err)
	}
	if wait != 108*time.Second {
		t.Errorf("second failure wait = %v, want 108s", wait)
	}

	if err := throttle.Reset(ctx, userID); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if wait, err := throttle.Check(ctx, userID); err != nil || wait != 0 {
		t.Fatalf("Check(reset) = (%v, %v), want no wait", wait, err)
	}
}
