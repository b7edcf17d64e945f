package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/writeq"
)

const selectColumns = `id, name, description, owner, private, type, default_role_id, created_at, updated_at`

func scanChannel(scanner interface{ Scan(...any) error }) (*Channel, error) {
	var (
		c                    Channel
		id, owner            string
		private              int
		defaultRole          *string
		createdAt, updatedAt int64
	)
	err := scanner.Scan(&id, &c.Name, &c.Description, &owner, &private, &c.Type, &defaultRole, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse channel id: %w", err)
	}
	if c.Owner, err = uuid.Parse(owner); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	if defaultRole != nil {
		roleID, err := uuid.Parse(*defaultRole)
		if err != nil {
			return nil, fmt.Errorf("parse default role id: %w", err)
		}
		c.DefaultRoleID = &roleID
	}
	c.Private = private != 0
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

// Repository persists channels and memberships.
type Repository struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewRepository creates a SQLite-backed channel repository.
func NewRepository(db *sql.DB, writes *writeq.Queue) *Repository {
	return &Repository{db: db, writes: writes}
}

// Create inserts a channel and makes the owner its first member.
func (r *Repository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	if !params.Type.Valid() {
		return nil, ErrInvalidType
	}
	name, err := ValidateName(params.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Channel{
		ID:            uuid.New(),
		Name:          name,
		Description:   params.Description,
		Owner:         params.Owner,
		Private:       params.Private,
		Type:          params.Type,
		DefaultRoleID: params.DefaultRoleID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var defaultRole *string
	if params.DefaultRoleID != nil {
		s := params.DefaultRoleID.String()
		defaultRole = &s
	}

	err = r.writes.Do(ctx, "channel.create", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO channels (id, name, description, owner, private, type, default_role_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), name, params.Description, params.Owner.String(), boolInt(params.Private),
			string(params.Type), defaultRole, now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, user_id, permission, created_at) VALUES (?, ?, '', ?)`,
			c.ID.String(), params.Owner.String(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the channel with the given id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Channel, error) {
	c, err := scanChannel(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM channels WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return c, nil
}

// Owner returns the owning user of the channel. Implements role.ChannelOwnerLookup.
func (r *Repository) Owner(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner FROM channels WHERE id = ?`, id.String()).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("query channel owner: %w", err)
	}
	return uuid.Parse(owner)
}

// ListForUser returns every channel the user is a member of, plus public channels.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM channels
		 WHERE private = 0 OR id IN (SELECT channel_id FROM channel_members WHERE user_id = ?)
		 ORDER BY created_at`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Update applies the non-nil fields of params to the channel.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) error {
	return r.writes.Do(ctx, "channel.update", func(ctx context.Context) error {
		existing, err := r.Get(ctx, id)
		if err != nil {
			return err
		}

		name := existing.Name
		if params.Name != nil {
			if name, err = ValidateName(*params.Name); err != nil {
				return err
			}
		}
		description := existing.Description
		if params.Description != nil {
			description = *params.Description
		}
		private := existing.Private
		if params.Private != nil {
			private = *params.Private
		}
		defaultRole := existing.DefaultRoleID
		if params.DefaultRoleID != nil {
			defaultRole = params.DefaultRoleID
		}
		var defaultRoleStr *string
		if defaultRole != nil {
			s := defaultRole.String()
			defaultRoleStr = &s
		}

		_, err = r.db.ExecContext(ctx,
			`UPDATE channels SET name = ?, description = ?, private = ?, default_role_id = ?, updated_at = ?
			 WHERE id = ?`,
			name, description, boolInt(private), defaultRoleStr, time.Now().UnixMilli(), id.String())
		return err
	})
}

// Delete removes the channel, its memberships (cascaded), and its sender keys.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.writes.Do(ctx, "channel.delete", func(ctx context.Context) error {
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM signal_sender_keys WHERE channel = ?`, id.String()); err != nil {
			return fmt.Errorf("delete sender keys: %w", err)
		}
		res, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AddMember inserts a membership row. Adding an existing member is a no-op.
func (r *Repository) AddMember(ctx context.Context, channelID, userID uuid.UUID) error {
	return r.writes.Do(ctx, "channel.add_member", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO channel_members (channel_id, user_id, permission, created_at)
			 VALUES (?, ?, '', ?)`,
			channelID.String(), userID.String(), time.Now().UnixMilli())
		return err
	})
}

// RemoveMember deletes a membership row together with the member's sender key for the channel, so a removed member's
// stale key can no longer be fetched.
func (r *Repository) RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error {
	return r.writes.Do(ctx, "channel.remove_member", func(ctx context.Context) error {
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM signal_sender_keys WHERE channel = ? AND owner = ?`,
			channelID.String(), userID.String()); err != nil {
			return fmt.Errorf("delete member sender keys: %w", err)
		}
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`,
			channelID.String(), userID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotMember
		}
		return nil
	})
}

// IsMember reports whether the user is a member of the channel.
func (r *Repository) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID.String(), userID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// IsSignal reports whether the channel carries encrypted group messages, as opposed to hosting meetings.
func (r *Repository) IsSignal(ctx context.Context, id uuid.UUID) (bool, error) {
	var typ string
	err := r.db.QueryRowContext(ctx,
		`SELECT type FROM channels WHERE id = ?`, id.String()).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query channel type: %w", err)
	}
	return Type(typ) == TypeSignal, nil
}

// ListMembers returns the channel's membership rows.
func (r *Repository) ListMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT channel_id, user_id, permission, created_at FROM channel_members
		 WHERE channel_id = ? ORDER BY created_at`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Member
	for rows.Next() {
		var (
			m            Member
			chID, userID string
			createdAt    int64
		)
		if err := rows.Scan(&chID, &userID, &m.Permission, &createdAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if m.ChannelID, err = uuid.Parse(chID); err != nil {
			return nil, fmt.Errorf("parse channel id: %w", err)
		}
		if m.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemberUserIDs returns just the user ids of the channel's members, for fan-out.
func (r *Repository) MemberUserIDs(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = ?`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse member id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
