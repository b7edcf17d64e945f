package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/murmel-chat/murmel-server/internal/user"
)

const (
	// BackupCodeCount codes are issued per set; regeneration unlocks once all but two are used.
	BackupCodeCount = 10

	// backupCodeLength is the length of each code in characters.
	backupCodeLength = 16

	// backupCodeAlphabet excludes nothing; codes are entered rarely enough that ambiguous glyphs are acceptable.
	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// bcryptCost matches the default; backup codes are high-entropy so the work factor matters less than for
	// passwords.
	bcryptCost = bcrypt.DefaultCost
)

// Valkey key patterns:
//
//	backup_fail:{user} → consecutive failure count (STRING, no TTL, reset on success)
//	backup_wait:{user} → throttle marker (STRING with TTL = current wait)

func backupFailKey(userID uuid.UUID) string { return "backup_fail:" + userID.String() }
func backupWaitKey(userID uuid.UUID) string { return "backup_wait:" + userID.String() }

// GenerateBackupCodes returns a fresh set of plaintext codes alongside their bcrypt-hashed storage form. The
// plaintext is shown to the user exactly once and never persisted.
func GenerateBackupCodes() (plain []string, hashed []user.BackupCode, err error) {
	plain = make([]string, 0, BackupCodeCount)
	hashed = make([]user.BackupCode, 0, BackupCodeCount)

	for i := 0; i < BackupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcryptCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		plain = append(plain, code)
		hashed = append(hashed, user.BackupCode{Hash: string(hash)})
	}
	return plain, hashed, nil
}

// CanRegenerate reports whether the user has consumed enough codes to be allowed a fresh set.
func CanRegenerate(codes []user.BackupCode) bool {
	used := 0
	for _, c := range codes {
		if c.Used {
			used++
		}
	}
	return used >= len(codes)-2
}

// MatchBackupCode scans the set linearly and returns the index of the unused code matching the submission, or -1.
// bcrypt's comparison is constant-time per code; the scan always visits every code so the timing does not reveal the
// matching position.
func MatchBackupCode(codes []user.BackupCode, submitted string) int {
	match := -1
	for i := range codes {
		if bcrypt.CompareHashAndPassword([]byte(codes[i].Hash), []byte(submitted)) == nil && !codes[i].Used && match == -1 {
			match = i
		}
	}
	return match
}

// BackupThrottle enforces the exponential wait applied after failed backup-code attempts: 60·1.8^(n-1) seconds after
// the n-th consecutive failure, reset on success.
type BackupThrottle struct {
	rdb *redis.Client
}

// NewBackupThrottle creates the throttle state store.
func NewBackupThrottle(rdb *redis.Client) *BackupThrottle {
	return &BackupThrottle{rdb: rdb}
}

// Check returns the remaining wait if the user is currently throttled.
func (t *BackupThrottle) Check(ctx context.Context, userID uuid.UUID) (time.Duration, error) {
	remaining, err := t.rdb.TTL(ctx, backupWaitKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("backup throttle ttl: %w", err)
	}
	if remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Fail records a failed attempt and returns the wait now in force.
func (t *BackupThrottle) Fail(ctx context.Context, userID uuid.UUID) (time.Duration, error) {
	n, err := t.rdb.Incr(ctx, backupFailKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("backup throttle incr: %w", err)
	}
	wait := FailureWait(int(n))
	if err := t.rdb.Set(ctx, backupWaitKey(userID), "1", wait).Err(); err != nil {
		return 0, fmt.Errorf("backup throttle set: %w", err)
	}
	return wait, nil
}

// Reset clears the failure state after a successful verification.
func (t *BackupThrottle) Reset(ctx context.Context, userID uuid.UUID) error {
	if err := t.rdb.Del(ctx, backupFailKey(userID), backupWaitKey(userID)).Err(); err != nil {
		return fmt.Errorf("backup throttle reset: %w", err)
	}
	return nil
}

// FailureWait computes the wait after the n-th consecutive failure (1-based): 60·1.8^(n-1) seconds.
func FailureWait(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	seconds := 60 * math.Pow(1.8, float64(n-1))
	return time.Duration(seconds * float64(time.Second))
}

func generateBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate backup code: %w", err)
		}
		buf[i] = backupCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
