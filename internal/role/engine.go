package role

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChannelOwnerLookup resolves the owning user of a channel. The channel owner implicitly holds every permission on
// their channel, regardless of assigned roles.
type ChannelOwnerLookup interface {
	Owner(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error)
}

// Engine answers permission questions and performs the idempotent automatic role assignments tied to verification and
// login.
type Engine struct {
	roles    *Repository
	channels ChannelOwnerLookup
	log      zerolog.Logger
}

// NewEngine creates a permission engine.
func NewEngine(roles *Repository, channels ChannelOwnerLookup, logger zerolog.Logger) *Engine {
	return &Engine{
		roles:    roles,
		channels: channels,
		log:      logger.With().Str("component", "roles").Logger(),
	}
}

// HasServerPermission reports whether any of the user's server-scope roles grants perm.
func (e *Engine) HasServerPermission(ctx context.Context, userID uuid.UUID, perm string) (bool, error) {
	roles, err := e.roles.ListForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for i := range roles {
		if roles[i].Grants(perm) {
			return true, nil
		}
	}
	return false, nil
}

// HasChannelPermission reports whether the user holds perm on the given channel, either through a per-channel role or
// by owning the channel.
func (e *Engine) HasChannelPermission(ctx context.Context, userID, channelID uuid.UUID, perm string) (bool, error) {
	owner, err := e.channels.Owner(ctx, channelID)
	if err != nil {
		return false, err
	}
	if owner == userID {
		return true, nil
	}

	roles, err := e.roles.ListForUserChannel(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	for i := range roles {
		if roles[i].Grants(perm) {
			return true, nil
		}
	}
	return false, nil
}

// IsAdministrator reports whether the user holds the standard Administrator role.
func (e *Engine) IsAdministrator(ctx context.Context, userID uuid.UUID) (bool, error) {
	roles, err := e.roles.ListForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for i := range roles {
		if roles[i].Name == NameAdministrator && roles[i].Scope == ScopeServer {
			return true, nil
		}
	}
	return false, nil
}

// EnsureServerRole assigns the named standard server role to the user if not already held. The underlying insert is
// idempotent, so calling this on every login never produces duplicates.
func (e *Engine) EnsureServerRole(ctx context.Context, userID uuid.UUID, name string) error {
	r, err := e.roles.GetByName(ctx, name, ScopeServer)
	if err != nil {
		return fmt.Errorf("resolve role %q: %w", name, err)
	}
	if err := e.roles.Assign(ctx, userID, r.ID); err != nil {
		return fmt.Errorf("assign role %q: %w", name, err)
	}
	return nil
}

// EnsureChannelRole assigns the named standard channel role to the user on one channel, matching the channel's scope.
func (e *Engine) EnsureChannelRole(ctx context.Context, userID, channelID uuid.UUID, name string, scope Scope) error {
	r, err := e.roles.GetByName(ctx, name, scope)
	if err != nil {
		return fmt.Errorf("resolve role %q/%s: %w", name, scope, err)
	}
	if err := e.roles.AssignChannel(ctx, userID, r.ID, channelID); err != nil {
		return fmt.Errorf("assign channel role %q: %w", name, err)
	}
	return nil
}
