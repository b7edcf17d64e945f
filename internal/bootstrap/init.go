// Package bootstrap runs the idempotent first-run seeding every startup: standard roles, the server settings row,
// and Administrator grants for the configured admin addresses.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/admin"
	"github.com/murmel-chat/murmel-server/internal/role"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// defaultServerName is the settings-row server name until an admin renames it.
const defaultServerName = "Murmel"

// Deps are the stores bootstrap seeds.
type Deps struct {
	Roles    *role.Repository
	Settings *admin.SettingsStore
	Users    *user.Repository
	Log      zerolog.Logger
}

// Run seeds the database. Safe to run on every startup: roles are inserted on (name, scope) conflict-free, the
// settings row only when missing, and role grants ignore duplicates. Admin addresses without an account yet are
// skipped and picked up on a later startup, once the account exists.
func Run(ctx context.Context, deps Deps, adminEmails []string) error {
	if err := deps.Roles.Seed(ctx); err != nil {
		return fmt.Errorf("seed standard roles: %w", err)
	}
	if err := deps.Settings.EnsureDefaults(ctx, defaultServerName); err != nil {
		return fmt.Errorf("ensure server settings: %w", err)
	}
	if err := grantAdmins(ctx, deps, adminEmails); err != nil {
		return err
	}

	deps.Log.Info().Int("admins", len(adminEmails)).Msg("bootstrap complete")
	return nil
}

func grantAdmins(ctx context.Context, deps Deps, adminEmails []string) error {
	if len(adminEmails) == 0 {
		return nil
	}

	adminRole, err := deps.Roles.GetByName(ctx, role.NameAdministrator, role.ScopeServer)
	if err != nil {
		return fmt.Errorf("look up administrator role: %w", err)
	}

	for _, email := range adminEmails {
		u, err := deps.Users.GetByEmail(ctx, email)
		if errors.Is(err, user.ErrNotFound) {
			deps.Log.Debug().Str("email", email).Msg("admin account does not exist yet")
			continue
		}
		if err != nil {
			return fmt.Errorf("look up admin %s: %w", email, err)
		}
		if err := deps.Roles.Assign(ctx, u.ID, adminRole.ID); err != nil {
			return fmt.Errorf("grant administrator to %s: %w", email, err)
		}
	}
	return nil
}
