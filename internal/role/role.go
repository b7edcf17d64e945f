// Package role implements the permission engine: server-scoped and channel-scoped roles, the seeded standard roles,
// and the checks gating every operation.
package role

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the role package.
var (
	ErrNotFound      = errors.New("role not found")
	ErrAlreadyExists = errors.New("role name already taken in this scope")
	ErrStandardRole  = errors.New("standard roles cannot be modified or deleted")
	ErrNameLength    = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidScope  = errors.New("unknown role scope")
)

// Scope determines where a role applies: across the server or within a single channel of one of the two channel
// kinds.
type Scope string

const (
	ScopeServer        Scope = "server"
	ScopeChannelWebRTC Scope = "channelWebRtc"
	ScopeChannelSignal Scope = "channelSignal"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeServer, ScopeChannelWebRTC, ScopeChannelSignal:
		return true
	}
	return false
}

// PermissionAll grants every permission in the role's scope.
const PermissionAll = "*"

// Server-scope permissions.
const (
	PermManageServer      = "server.manage"
	PermManageRoles       = "roles.manage"
	PermManageInvitations = "invitations.manage"
	PermReviewReports     = "reports.review"
	PermCreateChannels    = "channels.create"
	PermCreateMeetings    = "meetings.create"
	PermSendItems         = "items.send"
	PermUseSignaling      = "signaling.connect"
)

// Channel-scope permissions, shared by both channel scopes.
const (
	PermChannelManage = "channel.manage"
	PermChannelInvite = "channel.invite"
	PermChannelSend   = "channel.send"
	PermChannelRead   = "channel.read"
	PermChannelAdmit  = "channel.admit"
	PermChannelKick   = "channel.kick"
)

// Names of the seeded standard roles.
const (
	NameAdministrator    = "Administrator"
	NameModerator        = "Moderator"
	NameUser             = "User"
	NameChannelOwner     = "Channel Owner"
	NameChannelModerator = "Channel Moderator"
	NameChannelMember    = "Channel Member"
)

// Role is one named permission set. Standard roles are seeded at startup and immutable.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Permissions []string
	Scope       Scope
	Standard    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Grants reports whether the role's permission list covers perm.
func (r *Role) Grants(perm string) bool {
	return Grants(r.Permissions, perm)
}

// Grants reports whether the permission list covers perm. The wildcard short-circuits; otherwise the match is exact.
func Grants(permissions []string, perm string) bool {
	for _, p := range permissions {
		if p == PermissionAll || p == perm {
			return true
		}
	}
	return false
}

// StandardRoles returns the nine seeded roles: three server roles and an Owner/Moderator/Member triple for each of
// the two channel scopes. Seeding is idempotent on (name, scope).
func StandardRoles() []Role {
	channelTriple := func(scope Scope) []Role {
		return []Role{
			{
				Name:        NameChannelOwner,
				Description: "Full control over the channel.",
				Permissions: []string{PermissionAll},
				Scope:       scope,
				Standard:    true,
			},
			{
				Name:        NameChannelModerator,
				Description: "Moderates the channel: invites, admission, removal.",
				Permissions: []string{PermChannelRead, PermChannelSend, PermChannelInvite, PermChannelAdmit, PermChannelKick},
				Scope:       scope,
				Standard:    true,
			},
			{
				Name:        NameChannelMember,
				Description: "Participates in the channel.",
				Permissions: []string{PermChannelRead, PermChannelSend},
				Scope:       scope,
				Standard:    true,
			},
		}
	}

	roles := []Role{
		{
			Name:        NameAdministrator,
			Description: "Full control over the server.",
			Permissions: []string{PermissionAll},
			Scope:       ScopeServer,
			Standard:    true,
		},
		{
			Name:        NameModerator,
			Description: "Reviews reports and manages invitations.",
			Permissions: []string{PermReviewReports, PermManageInvitations, PermCreateChannels, PermCreateMeetings, PermSendItems, PermUseSignaling},
			Scope:       ScopeServer,
			Standard:    true,
		},
		{
			Name:        NameUser,
			Description: "Regular verified user.",
			Permissions: []string{PermCreateChannels, PermCreateMeetings, PermSendItems, PermUseSignaling},
			Scope:       ScopeServer,
			Standard:    true,
		},
	}
	roles = append(roles, channelTriple(ScopeChannelWebRTC)...)
	roles = append(roles, channelTriple(ScopeChannelSignal)...)
	return roles
}

// CreateParams groups the inputs for creating a custom role.
type CreateParams struct {
	Name        string
	Description string
	Permissions []string
	Scope       Scope
}

// UpdateParams groups the optional fields for updating a custom role. Nil means "no change".
type UpdateParams struct {
	Name        *string
	Description *string
	Permissions *[]string
}

// ValidateName trims and checks a role name.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}
