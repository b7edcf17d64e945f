package role

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

const selectColumns = `id, name, description, permissions, scope, standard, created_at, updated_at`

func scanRole(scanner interface{ Scan(...any) error }) (*Role, error) {
	var (
		r                    Role
		id                   string
		permsJSON            []byte
		standard             int
		createdAt, updatedAt int64
	)
	err := scanner.Scan(&id, &r.Name, &r.Description, &permsJSON, &r.Scope, &standard, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse role id: %w", err)
	}
	if err := json.Unmarshal(permsJSON, &r.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	r.Standard = standard != 0
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

// Repository persists roles and role assignments.
type Repository struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewRepository creates a SQLite-backed role repository.
func NewRepository(db *sql.DB, writes *writeq.Queue) *Repository {
	return &Repository{db: db, writes: writes}
}

// Seed inserts every standard role that does not exist yet. Existing rows are left untouched, so repeated startups
// never duplicate or overwrite anything.
func (r *Repository) Seed(ctx context.Context) error {
	return r.writes.Do(ctx, "role.seed", func(ctx context.Context) error {
		now := time.Now().UnixMilli()
		for _, std := range StandardRoles() {
			perms, err := json.Marshal(std.Permissions)
			if err != nil {
				return fmt.Errorf("marshal permissions: %w", err)
			}
			_, err = r.db.ExecContext(ctx,
				`INSERT INTO roles (id, name, description, permissions, scope, standard, created_at, updated_at)
				 SELECT ?, ?, ?, ?, ?, 1, ?, ?
				 WHERE NOT EXISTS (SELECT 1 FROM roles WHERE name = ? AND scope = ?)`,
				uuid.New().String(), std.Name, std.Description, string(perms), string(std.Scope), now, now,
				std.Name, string(std.Scope),
			)
			if err != nil {
				return fmt.Errorf("seed role %q/%s: %w", std.Name, std.Scope, err)
			}
		}
		return nil
	})
}

// Create inserts a custom (non-standard) role.
func (r *Repository) Create(ctx context.Context, params CreateParams) (*Role, error) {
	if !params.Scope.Valid() {
		return nil, ErrInvalidScope
	}
	name, err := ValidateName(params.Name)
	if err != nil {
		return nil, err
	}

	perms := params.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("marshal permissions: %w", err)
	}

	now := time.Now()
	created := &Role{
		ID:          uuid.New(),
		Name:        name,
		Description: params.Description,
		Permissions: perms,
		Scope:       params.Scope,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = r.writes.Do(ctx, "role.create", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO roles (id, name, description, permissions, scope, standard, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			created.ID.String(), name, params.Description, string(permsJSON), string(params.Scope),
			now.UnixMilli(), now.UnixMilli(),
		)
		if sqlite.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get returns the role with the given id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM roles WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

// GetByName returns the role with the given name and scope.
func (r *Repository) GetByName(ctx context.Context, name string, scope Scope) (*Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM roles WHERE name = ? AND scope = ?`, name, string(scope)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by name: %w", err)
	}
	return role, nil
}

// List returns every role, standard first, then by name.
func (r *Repository) List(ctx context.Context) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM roles ORDER BY standard DESC, scope, name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}

// Update applies the non-nil fields of params to a custom role. Standard roles are immutable.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) error {
	return r.writes.Do(ctx, "role.update", func(ctx context.Context) error {
		existing, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing.Standard {
			return ErrStandardRole
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
		perms := existing.Permissions
		if params.Permissions != nil {
			perms = *params.Permissions
		}
		permsJSON, err := json.Marshal(perms)
		if err != nil {
			return fmt.Errorf("marshal permissions: %w", err)
		}

		_, err = r.db.ExecContext(ctx,
			`UPDATE roles SET name = ?, description = ?, permissions = ?, updated_at = ? WHERE id = ?`,
			name, description, string(permsJSON), time.Now().UnixMilli(), id.String())
		if sqlite.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

// Delete removes a custom role together with its assignments (cascaded). Standard roles are undeletable.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.writes.Do(ctx, "role.delete", func(ctx context.Context) error {
		existing, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing.Standard {
			return ErrStandardRole
		}
		_, err = r.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id.String())
		return err
	})
}

// Assign gives the user a server-scope role. Assigning an already-held role is a no-op.
func (r *Repository) Assign(ctx context.Context, userID, roleID uuid.UUID) error {
	return r.writes.Do(ctx, "role.assign", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles (user_id, role_id, created_at) VALUES (?, ?, ?)`,
			userID.String(), roleID.String(), time.Now().UnixMilli())
		return err
	})
}

// Unassign removes a server-scope role from the user.
func (r *Repository) Unassign(ctx context.Context, userID, roleID uuid.UUID) error {
	return r.writes.Do(ctx, "role.unassign", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`,
			userID.String(), roleID.String())
		return err
	})
}

// AssignChannel gives the user a role on one channel. Idempotent like Assign.
func (r *Repository) AssignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error {
	return r.writes.Do(ctx, "role.assign_channel", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles_channel (user_id, role_id, channel_id, created_at)
			 VALUES (?, ?, ?, ?)`,
			userID.String(), roleID.String(), channelID.String(), time.Now().UnixMilli())
		return err
	})
}

// UnassignChannel removes a per-channel role assignment.
func (r *Repository) UnassignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error {
	return r.writes.Do(ctx, "role.unassign_channel", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM user_roles_channel WHERE user_id = ? AND role_id = ? AND channel_id = ?`,
			userID.String(), roleID.String(), channelID.String())
		return err
	})
}

// ListForUser returns the user's server-scope roles.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.description, r.permissions, r.scope, r.standard, r.created_at, r.updated_at
		 FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = ?`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}

// ListForUserChannel returns the user's roles on one channel.
func (r *Repository) ListForUserChannel(ctx context.Context, userID, channelID uuid.UUID) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.description, r.permissions, r.scope, r.standard, r.created_at, r.updated_at
		 FROM roles r JOIN user_roles_channel urc ON urc.role_id = r.id
		 WHERE urc.user_id = ? AND urc.channel_id = ?`, userID.String(), channelID.String())
	if err != nil {
		return nil, fmt.Errorf("list user channel roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}
