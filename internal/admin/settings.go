package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/murmel-chat/murmel-server/internal/writeq"
)

// Settings is the single row of server-wide configuration editable at runtime.
type Settings struct {
	ServerName           string           `json:"serverName"`
	ServerPicture        *string          `json:"serverPicture"`
	RegistrationMode     RegistrationMode `json:"registrationMode"`
	AllowedEmailSuffixes []string         `json:"allowedEmailSuffixes"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// UpdateSettingsParams carries partial settings updates; nil fields are left unchanged.
type UpdateSettingsParams struct {
	ServerName           *string
	ServerPicture        *string
	RegistrationMode     *RegistrationMode
	AllowedEmailSuffixes []string
}

// SettingsStore persists the server_settings row.
type SettingsStore struct {
	db     *sql.DB
	writes *writeq.Queue
}

// NewSettingsStore creates the store.
func NewSettingsStore(db *sql.DB, writes *writeq.Queue) *SettingsStore {
	return &SettingsStore{db: db, writes: writes}
}

// EnsureDefaults inserts the settings row with safe defaults if it does not exist yet. Called once at startup.
func (s *SettingsStore) EnsureDefaults(ctx context.Context, serverName string) error {
	return s.writes.Do(ctx, "settings.ensure", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO server_settings (id, server_name, registration_mode, allowed_email_suffixes, updated_at)
			 SELECT 1, ?, 'open', '[]', ?
			 WHERE NOT EXISTS (SELECT 1 FROM server_settings WHERE id = 1)`,
			serverName, time.Now().UnixMilli())
		return err
	})
}

// Get loads the settings row.
func (s *SettingsStore) Get(ctx context.Context) (*Settings, error) {
	var (
		settings  Settings
		suffixes  string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT server_name, server_picture, registration_mode, allowed_email_suffixes, updated_at
		 FROM server_settings WHERE id = 1`,
	).Scan(&settings.ServerName, &settings.ServerPicture, &settings.RegistrationMode, &suffixes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server settings row missing")
	}
	if err != nil {
		return nil, fmt.Errorf("query server settings: %w", err)
	}

	if err := json.Unmarshal([]byte(suffixes), &settings.AllowedEmailSuffixes); err != nil {
		return nil, fmt.Errorf("decode email suffixes: %w", err)
	}
	settings.UpdatedAt = time.UnixMilli(updatedAt)
	return &settings, nil
}

// Update applies a partial settings change.
func (s *SettingsStore) Update(ctx context.Context, params UpdateSettingsParams) error {
	if params.RegistrationMode != nil && !params.RegistrationMode.Valid() {
		return ErrInvalidRegistrationMode
	}

	return s.writes.Do(ctx, "settings.update", func(ctx context.Context) error {
		sets := []string{"updated_at = ?"}
		args := []any{time.Now().UnixMilli()}

		if params.ServerName != nil {
			sets = append(sets, "server_name = ?")
			args = append(args, *params.ServerName)
		}
		if params.ServerPicture != nil {
			sets = append(sets, "server_picture = ?")
			args = append(args, *params.ServerPicture)
		}
		if params.RegistrationMode != nil {
			sets = append(sets, "registration_mode = ?")
			args = append(args, string(*params.RegistrationMode))
		}
		if params.AllowedEmailSuffixes != nil {
			encoded, err := json.Marshal(params.AllowedEmailSuffixes)
			if err != nil {
				return fmt.Errorf("encode email suffixes: %w", err)
			}
			sets = append(sets, "allowed_email_suffixes = ?")
			args = append(args, string(encoded))
		}

		_, err := s.db.ExecContext(ctx,
			`UPDATE server_settings SET `+strings.Join(sets, ", ")+` WHERE id = 1`, args...)
		return err
	})
}
