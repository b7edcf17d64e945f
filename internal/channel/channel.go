// Package channel manages channels and their memberships. Channels come in two kinds: signal channels carry
// encrypted group messages, webrtc channels host meetings and streams.
package channel

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/murmel-chat/murmel-server/internal/role"
)

// Sentinel errors for the channel package.
var (
	ErrNotFound    = errors.New("channel not found")
	ErrNameLength  = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidType = errors.New("unknown channel type")
	ErrNotMember   = errors.New("user is not a member of the channel")
)

// Type is the kind of channel.
type Type string

const (
	TypeSignal Type = "signal"
	TypeWebRTC Type = "webrtc"
)

// Valid reports whether t is a known channel type.
func (t Type) Valid() bool {
	return t == TypeSignal || t == TypeWebRTC
}

// RoleScope maps the channel type to the role scope used for per-channel role assignments.
func (t Type) RoleScope() role.Scope {
	if t == TypeWebRTC {
		return role.ScopeChannelWebRTC
	}
	return role.ScopeChannelSignal
}

// Channel is one named conversation or meeting space.
type Channel struct {
	ID            uuid.UUID
	Name          string
	Description   string
	Owner         uuid.UUID
	Private       bool
	Type          Type
	DefaultRoleID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Member is one channel membership row.
type Member struct {
	UserID     uuid.UUID
	ChannelID  uuid.UUID
	Permission string
	CreatedAt  time.Time
}

// CreateParams groups the inputs for creating a channel.
type CreateParams struct {
	Name          string
	Description   string
	Owner         uuid.UUID
	Private       bool
	Type          Type
	DefaultRoleID *uuid.UUID
}

// UpdateParams groups the optional fields for updating a channel. Nil means "no change".
type UpdateParams struct {
	Name          *string
	Description   *string
	Private       *bool
	DefaultRoleID *uuid.UUID
}

// ValidateName trims and checks a channel name.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}
