package admin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/writeq"
)

const (
	invitationTokenLength   = 6
	invitationTokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// DefaultInvitationTTL is the lifetime of a registration invitation unless the issuer chooses another.
	DefaultInvitationTTL = 7 * 24 * time.Hour
)

// Invitation is a single-use registration token bound to an email address.
type Invitation struct {
	ID        uuid.UUID  `json:"id"`
	Email     string     `json:"email"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	InvitedBy uuid.UUID  `json:"invitedBy"`
	CreatedAt time.Time  `json:"createdAt"`
}

// InvitationStore persists registration invitations.
type InvitationStore struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewInvitationStore creates the store.
func NewInvitationStore(db *sql.DB, writes *writeq.Queue) *InvitationStore {
	return &InvitationStore{db: db, writes: writes}
}

// Create issues a fresh invitation for the email. ttl <= 0 falls back to the default.
func (s *InvitationStore) Create(ctx context.Context, email string, invitedBy uuid.UUID, ttl time.Duration) (*Invitation, error) {
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}
	token, err := generateInvitationToken()
	if err != nil {
		return nil, err
	}

	inv := &Invitation{
		ID:        uuid.New(),
		Email:     strings.ToLower(email),
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
		InvitedBy: invitedBy,
		CreatedAt: time.Now(),
	}

	err = s.writes.Do(ctx, "invitation.create", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO invitations (id, email, token, expires_at, used, used_at, invited_by, created_at)
			 VALUES (?, ?, ?, ?, 0, NULL, ?, ?)`,
			inv.ID.String(), inv.Email, inv.Token, inv.ExpiresAt.UnixMilli(), inv.InvitedBy.String(),
			inv.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Verify checks that an unexpired, unused invitation exists for the email and token.
func (s *InvitationStore) Verify(ctx context.Context, email, token string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM invitations WHERE email = ? AND token = ? AND used = 0 AND expires_at > ?`,
		strings.ToLower(email), strings.ToUpper(strings.TrimSpace(token)), time.Now().UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvitationNotFound
	}
	if err != nil {
		return fmt.Errorf("verify invitation: %w", err)
	}
	return nil
}

// MarkUsed consumes the invitation. The guard clauses mirror Verify so a raced or expired invitation cannot be
// consumed twice.
func (s *InvitationStore) MarkUsed(ctx context.Context, email, token string) error {
	return s.writes.Do(ctx, "invitation.mark_used", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE invitations SET used = 1, used_at = ?
			 WHERE email = ? AND token = ? AND used = 0 AND expires_at > ?`,
			time.Now().UnixMilli(), strings.ToLower(email), strings.ToUpper(strings.TrimSpace(token)),
			time.Now().UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrInvitationNotFound
		}
		return nil
	})
}

// List returns all invitations, newest first.
func (s *InvitationStore) List(ctx context.Context) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, token, expires_at, used, used_at, invited_by, created_at
		 FROM invitations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Invitation
	for rows.Next() {
		var (
			inv                  Invitation
			idStr, invitedByStr  string
			expiresAt, createdAt int64
			used                 int
			usedAt               sql.NullInt64
		)
		err := rows.Scan(&idStr, &inv.Email, &inv.Token, &expiresAt, &used, &usedAt, &invitedByStr, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		if inv.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse invitation id: %w", err)
		}
		if inv.InvitedBy, err = uuid.Parse(invitedByStr); err != nil {
			return nil, fmt.Errorf("parse inviter id: %w", err)
		}
		inv.ExpiresAt = time.UnixMilli(expiresAt)
		inv.CreatedAt = time.UnixMilli(createdAt)
		inv.Used = used != 0
		if usedAt.Valid {
			t := time.UnixMilli(usedAt.Int64)
			inv.UsedAt = &t
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Delete removes an invitation by id.
func (s *InvitationStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.writes.Do(ctx, "invitation.delete", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM invitations WHERE id = ?`, id.String())
		return err
	})
}

// PurgeExpired deletes unused invitations past their expiry. Used invitations are kept for audit.
func (s *InvitationStore) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := s.writes.Do(ctx, "invitation.purge", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM invitations WHERE used = 0 AND expires_at <= ?`, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// generateInvitationToken returns a 6-character token from an alphabet without easily-confused glyphs.
func generateInvitationToken() (string, error) {
	buf := make([]byte, invitationTokenLength)
	max := big.NewInt(int64(len(invitationTokenAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate invitation token: %w", err)
		}
		buf[i] = invitationTokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}
