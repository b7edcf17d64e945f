package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, email, verified, display_name, at_name, credentials, backup_codes, picture, active,
	notify_prefs, registration_step, created_at, updated_at`

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row *sql.Row) (*User, error) {
	var (
		u                    User
		id                   string
		credsJSON, codesJSON []byte
		prefsJSON            []byte
		createdAt, updatedAt int64
		verified, active     int
	)
	err := row.Scan(
		&id, &u.Email, &verified, &u.DisplayName, &u.AtName, &credsJSON, &codesJSON, &u.Picture, &active,
		&prefsJSON, &u.RegistrationStep, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	u.Verified = verified != 0
	u.Active = active != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)

	if err := json.Unmarshal(credsJSON, &u.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	if err := json.Unmarshal(codesJSON, &u.BackupCodes); err != nil {
		return nil, fmt.Errorf("unmarshal backup codes: %w", err)
	}
	if len(prefsJSON) > 0 && string(prefsJSON) != "{}" {
		if err := json.Unmarshal(prefsJSON, &u.NotifyPrefs); err != nil {
			return nil, fmt.Errorf("unmarshal notify prefs: %w", err)
		}
	} else {
		u.NotifyPrefs = DefaultNotifyPrefs()
	}

	return &u, nil
}

// Repository persists users. Reads go straight to the database; all mutations run through the write queue.
type Repository struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewRepository creates a SQLite-backed user repository.
func NewRepository(db *sql.DB, writes *writeq.Queue) *Repository {
	return &Repository{db: db, writes: writes}
}

// Create inserts a new unverified user at the OTP registration step.
func (r *Repository) Create(ctx context.Context, email string) (*User, error) {
	now := time.Now()
	u := &User{
		ID:               uuid.New(),
		Email:            strings.ToLower(email),
		NotifyPrefs:      DefaultNotifyPrefs(),
		RegistrationStep: StepOTP,
		Credentials:      []Credential{},
		BackupCodes:      []BackupCode{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	prefs, err := json.Marshal(u.NotifyPrefs)
	if err != nil {
		return nil, fmt.Errorf("marshal notify prefs: %w", err)
	}

	err = r.writes.Do(ctx, "user.create", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO users (id, email, verified, credentials, backup_codes, active, notify_prefs,
			                    registration_step, created_at, updated_at)
			 VALUES (?, ?, 0, '[]', '[]', 0, ?, ?, ?, ?)`,
			u.ID.String(), u.Email, string(prefs), string(u.RegistrationStep),
			now.UnixMilli(), now.UnixMilli(),
		)
		if sqlite.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByID returns the user matching the given ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM users WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user with the given email address. Comparison is case-insensitive because emails are
// lowercased on insert.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM users WHERE email = ?`, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// GetByAtName returns the user with the given at-name.
func (r *Repository) GetByAtName(ctx context.Context, atName string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM users WHERE at_name = ?`, strings.ToLower(atName)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by at-name: %w", err)
	}
	return u, nil
}

// SetVerified marks the user verified and advances the registration step to backup_codes.
func (r *Repository) SetVerified(ctx context.Context, id uuid.UUID) error {
	return r.writes.Do(ctx, "user.set_verified", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE users SET verified = 1, registration_step = ?, updated_at = ? WHERE id = ?`,
			string(StepBackupCodes), time.Now().UnixMilli(), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// SetStep records the user's current registration step.
func (r *Repository) SetStep(ctx context.Context, id uuid.UUID, step Step) error {
	return r.writes.Do(ctx, "user.set_step", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE users SET registration_step = ?, updated_at = ? WHERE id = ?`,
			string(step), time.Now().UnixMilli(), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// SetActive flips the account's active flag.
func (r *Repository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.writes.Do(ctx, "user.set_active", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE users SET active = ?, updated_at = ? WHERE id = ?`,
			boolInt(active), time.Now().UnixMilli(), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// SetPicture stores the normalized profile picture.
func (r *Repository) SetPicture(ctx context.Context, id uuid.UUID, picture string) error {
	return r.writes.Do(ctx, "user.set_picture", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE users SET picture = ?, updated_at = ? WHERE id = ?`,
			picture, time.Now().UnixMilli(), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// UpdateProfile applies the non-nil fields of params to the user.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, params UpdateParams) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if params.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *params.DisplayName)
	}
	if params.AtName != nil {
		sets = append(sets, "at_name = ?")
		args = append(args, *params.AtName)
	}
	if params.NotifyPrefs != nil {
		prefs, err := json.Marshal(*params.NotifyPrefs)
		if err != nil {
			return fmt.Errorf("marshal notify prefs: %w", err)
		}
		sets = append(sets, "notify_prefs = ?")
		args = append(args, string(prefs))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id.String())

	return r.writes.Do(ctx, "user.update_profile", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if sqlite.IsUniqueViolation(err) {
			return ErrAtNameTaken
		}
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// AddCredential appends a WebAuthn credential to the user's serialized list. The read-modify-write is safe because all
// writes are serialized by the queue.
func (r *Repository) AddCredential(ctx context.Context, id uuid.UUID, cred Credential) error {
	return r.mutateCredentials(ctx, "user.add_credential", id, func(creds []Credential) ([]Credential, error) {
		for _, c := range creds {
			if c.ID == cred.ID {
				return nil, ErrCredentialExists
			}
		}
		return append(creds, cred), nil
	})
}

// UpdateCredential replaces the stored credential with the same ID. Used for sign-count and last-login updates after
// a successful assertion.
func (r *Repository) UpdateCredential(ctx context.Context, id uuid.UUID, cred Credential) error {
	return r.mutateCredentials(ctx, "user.update_credential", id, func(creds []Credential) ([]Credential, error) {
		for i := range creds {
			if creds[i].ID == cred.ID {
				creds[i] = cred
				return creds, nil
			}
		}
		return nil, ErrCredentialNotFound
	})
}

// DeleteCredential removes a credential. Deleting the last remaining credential is refused so the account can always
// sign in.
func (r *Repository) DeleteCredential(ctx context.Context, id uuid.UUID, credentialID string) error {
	return r.mutateCredentials(ctx, "user.delete_credential", id, func(creds []Credential) ([]Credential, error) {
		idx := -1
		for i := range creds {
			if creds[i].ID == credentialID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, ErrCredentialNotFound
		}
		if len(creds) == 1 {
			return nil, ErrLastCredential
		}
		return append(creds[:idx], creds[idx+1:]...), nil
	})
}

// SetBackupCodes replaces the user's backup code set.
func (r *Repository) SetBackupCodes(ctx context.Context, id uuid.UUID, codes []BackupCode) error {
	data, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("marshal backup codes: %w", err)
	}
	return r.writes.Do(ctx, "user.set_backup_codes", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE users SET backup_codes = ?, updated_at = ? WHERE id = ?`,
			string(data), time.Now().UnixMilli(), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// MarkBackupCodeUsed sets the used bit on the code at the given index.
func (r *Repository) MarkBackupCodeUsed(ctx context.Context, id uuid.UUID, index int) error {
	return r.writes.Do(ctx, "user.mark_backup_code_used", func(ctx context.Context) error {
		u, err := r.getForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(u.BackupCodes) {
			return fmt.Errorf("backup code index %d out of range", index)
		}
		u.BackupCodes[index].Used = true

		data, err := json.Marshal(u.BackupCodes)
		if err != nil {
			return fmt.Errorf("marshal backup codes: %w", err)
		}
		_, err = r.db.ExecContext(ctx,
			`UPDATE users SET backup_codes = ?, updated_at = ? WHERE id = ?`,
			string(data), time.Now().UnixMilli(), id.String())
		return err
	})
}

// mutateCredentials loads the user's credential list, applies fn, and writes the result back, all inside one queued
// operation.
func (r *Repository) mutateCredentials(ctx context.Context, op string, id uuid.UUID, fn func([]Credential) ([]Credential, error)) error {
	return r.writes.Do(ctx, op, func(ctx context.Context) error {
		u, err := r.getForUpdate(ctx, id)
		if err != nil {
			return err
		}

		creds, err := fn(u.Credentials)
		if err != nil {
			return err
		}

		data, err := json.Marshal(creds)
		if err != nil {
			return fmt.Errorf("marshal credentials: %w", err)
		}
		_, err = r.db.ExecContext(ctx,
			`UPDATE users SET credentials = ?, updated_at = ? WHERE id = ?`,
			string(data), time.Now().UnixMilli(), id.String())
		return err
	})
}

// getForUpdate re-reads the user inside a queued write operation.
func (r *Repository) getForUpdate(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM users WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user for update: %w", err)
	}
	return u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
