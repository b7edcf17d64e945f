package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// RefreshToken is a single-use credential that lets a client rotate its HMAC session without re-authenticating.
type RefreshToken struct {
	Token         string
	ClientID      uuid.UUID
	UserID        uuid.UUID
	ExpiresAt     time.Time
	UsedAt        *time.Time
	RotationCount int
	CreatedAt     time.Time
}

// RefreshStore persists refresh tokens. Tokens are opaque random strings, single-use, and chained: redeeming one
// issues the next with an incremented rotation count.
type RefreshStore struct {
	db     *sql.DB
	writes *writeq.Queue
	log    zerolog.Logger
}

// NewRefreshStore creates the store.
func NewRefreshStore(db *sql.DB, writes *writeq.Queue, log zerolog.Logger) *RefreshStore {
	return &RefreshStore{db: db, writes: writes, log: log}
}

// NewRefreshToken returns a fresh opaque token: 48 random bytes, URL-safe base64 without padding.
func NewRefreshToken() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue stores a new token for the client.
func (s *RefreshStore) Issue(ctx context.Context, token string, clientID, userID uuid.UUID, rotationCount int, ttl time.Duration) error {
	now := time.Now()
	return s.writes.Do(ctx, "refresh.issue", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO refresh_tokens (token, client_id, user_id, expires_at, used_at, rotation_count, created_at)
			 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
			token, clientID.String(), userID.String(), now.Add(ttl).UnixMilli(), rotationCount, now.UnixMilli())
		return err
	})
}

// Redeem consumes a token and returns its record. Exactly one caller can win: the used_at stamp is set in the same
// statement that checks it is unset. A token presented after it was already redeemed is treated as theft; every token
// of the client is destroyed and ErrRefreshTokenReused is returned so the caller can kill the session too.
func (s *RefreshStore) Redeem(ctx context.Context, token string) (*RefreshToken, error) {
	var redeemed *RefreshToken

	err := s.writes.Do(ctx, "refresh.redeem", func(ctx context.Context) error {
		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`UPDATE refresh_tokens SET used_at = ? WHERE token = ? AND used_at IS NULL AND expires_at > ?`,
			now.UnixMilli(), token, now.UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 1 {
			redeemed, err = s.get(ctx, token)
			return err
		}

		existing, err := s.get(ctx, token)
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return ErrRefreshTokenNotFound
		}
		if err != nil {
			return err
		}
		if existing.UsedAt != nil {
			s.log.Warn().
				Str("clientId", existing.ClientID.String()).
				Str("userId", existing.UserID.String()).
				Msg("refresh token replayed, revoking client tokens")
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM refresh_tokens WHERE client_id = ?`, existing.ClientID.String()); err != nil {
				return err
			}
			redeemed = existing
			return ErrRefreshTokenReused
		}
		return ErrRefreshTokenNotFound
	})
	if err != nil && !errors.Is(err, ErrRefreshTokenReused) {
		return nil, err
	}
	return redeemed, err
}

// DeleteForClient removes every token of the client. Used on logout and session revocation.
func (s *RefreshStore) DeleteForClient(ctx context.Context, clientID uuid.UUID) error {
	return s.writes.Do(ctx, "refresh.delete_client", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM refresh_tokens WHERE client_id = ?`, clientID.String())
		return err
	})
}

// DeleteForUser removes every token of the user across all clients.
func (s *RefreshStore) DeleteForUser(ctx context.Context, userID uuid.UUID) error {
	return s.writes.Do(ctx, "refresh.delete_user", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM refresh_tokens WHERE user_id = ?`, userID.String())
		return err
	})
}

// PurgeUsed deletes tokens redeemed before the cutoff. Redeemed tokens are kept for a grace window so replays can
// still be detected.
func (s *RefreshStore) PurgeUsed(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := s.writes.Do(ctx, "refresh.purge", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM refresh_tokens WHERE used_at IS NOT NULL AND used_at < ?`, before.UnixMilli())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

func (s *RefreshStore) get(ctx context.Context, token string) (*RefreshToken, error) {
	var (
		rt                   RefreshToken
		clientStr, userStr   string
		expiresAt, createdAt int64
		usedAt               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, user_id, expires_at, used_at, rotation_count, created_at
		 FROM refresh_tokens WHERE token = ?`, token,
	).Scan(&rt.Token, &clientStr, &userStr, &expiresAt, &usedAt, &rt.RotationCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query refresh token: %w", err)
	}

	if rt.ClientID, err = uuid.Parse(clientStr); err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	if rt.UserID, err = uuid.Parse(userStr); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	rt.ExpiresAt = time.UnixMilli(expiresAt)
	rt.CreatedAt = time.UnixMilli(createdAt)
	if usedAt.Valid {
		t := time.UnixMilli(usedAt.Int64)
		rt.UsedAt = &t
	}
	return &rt, nil
}
