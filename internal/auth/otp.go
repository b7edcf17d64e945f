package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern:
//
//	otp:{email} → 5-digit code (STRING with TTL = the wait window)

func otpKey(email string) string {
	return "otp:" + strings.ToLower(email)
}

// OTPStore issues and verifies one-time sign-in codes. At most one code is outstanding per email; the TTL doubles as
// the re-request wait window.
type OTPStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOTPStore creates an OTP store with the given code lifetime.
func NewOTPStore(rdb *redis.Client, ttl time.Duration) *OTPStore {
	return &OTPStore{rdb: rdb, ttl: ttl}
}

// Issue generates a new code for the email. If a code is already outstanding, no new code is issued; the returned
// wait carries the remaining window and outstanding is true.
func (s *OTPStore) Issue(ctx context.Context, email string) (code string, wait time.Duration, outstanding bool, err error) {
	code, err = generateOTP()
	if err != nil {
		return "", 0, false, err
	}

	set, err := s.rdb.SetNX(ctx, otpKey(email), code, s.ttl).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("store otp: %w", err)
	}
	if set {
		return code, s.ttl, false, nil
	}

	remaining, err := s.rdb.TTL(ctx, otpKey(email)).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("otp ttl: %w", err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return "", remaining, true, nil
}

// Verify checks the submitted code and consumes it on success. A wrong code leaves the stored one in place until it
// expires.
func (s *OTPStore) Verify(ctx context.Context, email, submitted string) error {
	stored, err := s.rdb.Get(ctx, otpKey(email)).Result()
	if err == redis.Nil {
		return ErrOTPNotFound
	}
	if err != nil {
		return fmt.Errorf("load otp: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(submitted))) != 1 {
		return ErrOTPMismatch
	}

	if err := s.rdb.Del(ctx, otpKey(email)).Err(); err != nil {
		return fmt.Errorf("consume otp: %w", err)
	}
	return nil
}

// generateOTP returns a uniformly random 5-digit code, leading zeros included.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%05d", n.Int64()), nil
}
