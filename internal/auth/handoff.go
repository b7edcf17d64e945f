package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Valkey key pattern:
//
//	jti_blacklist:{jti} → redeemed marker (STRING with TTL = remaining token lifetime)

// HandoffClaims is the payload of the short-lived token that bridges a browser-based sign-in into a native client.
// The token is signed with the server secret and can be redeemed exactly once.
type HandoffClaims struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	CredentialID string `json:"credentialId,omitempty"`
	State        string `json:"state,omitempty"`
	jwt.RegisteredClaims
}

// HandoffIssuer mints and redeems hand-off tokens. Redemption blacklists the jti in Valkey until the token would have
// expired anyway, so replaying a captured token fails.
type HandoffIssuer struct {
	secret []byte
	rdb    *redis.Client
	ttl    time.Duration
}

// NewHandoffIssuer creates the issuer. secret is the decoded server secret; ttl is the token lifetime.
func NewHandoffIssuer(secret []byte, rdb *redis.Client, ttl time.Duration) *HandoffIssuer {
	return &HandoffIssuer{secret: secret, rdb: rdb, ttl: ttl}
}

// Mint signs a hand-off token for the user. credentialID records which passkey authenticated them.
func (h *HandoffIssuer) Mint(userID uuid.UUID, email, credentialID, state string) (string, error) {
	now := time.Now()
	claims := HandoffClaims{
		UserID:       userID.String(),
		Email:        email,
		CredentialID: credentialID,
		State:        state,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign handoff token: %w", err)
	}
	return signed, nil
}

// Redeem verifies the token and consumes its jti. Returns ErrInvalidToken for anything unverifiable or expired and
// ErrTokenRedeemed if the jti was already used or revoked.
func (h *HandoffIssuer) Redeem(ctx context.Context, token string) (*HandoffClaims, error) {
	claims, err := h.parse(token)
	if err != nil {
		return nil, err
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil, ErrInvalidToken
	}

	set, err := h.rdb.SetNX(ctx, "jti_blacklist:"+claims.ID, "1", remaining).Result()
	if err != nil {
		return nil, fmt.Errorf("blacklist jti: %w", err)
	}
	if !set {
		return nil, ErrTokenRedeemed
	}
	return claims, nil
}

// Revoke blacklists the token's jti without requiring a successful redemption first.
func (h *HandoffIssuer) Revoke(ctx context.Context, token string) error {
	claims, err := h.parse(token)
	if err != nil {
		return err
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}
	if err := h.rdb.Set(ctx, "jti_blacklist:"+claims.ID, "1", remaining).Err(); err != nil {
		return fmt.Errorf("blacklist jti: %w", err)
	}
	return nil
}

func (h *HandoffIssuer) parse(token string) (*HandoffClaims, error) {
	var claims HandoffClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return h.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
