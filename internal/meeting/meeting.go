// Package meeting coordinates WebRTC meetings: lifecycle and settings, reusable invitation tokens, RSVP tracking,
// and external-guest admission. Meetings and invitations persist in SQLite; external guest sessions are volatile and
// live in Valkey with a TTL.
package meeting

import (
	"errors"
	"time"
)

// Sentinel errors for the meeting package.
var (
	ErrNotFound          = errors.New("meeting not found")
	ErrTitleRequired     = errors.New("meeting title must not be empty")
	ErrTooEarly          = errors.New("meeting has not opened yet")
	ErrExternalDisabled  = errors.New("meeting does not allow external guests")
	ErrInvitationInvalid = errors.New("invitation token is invalid or exhausted")
	ErrInvalidRSVP       = errors.New("unknown rsvp status")
	ErrNotInvited        = errors.New("user is not on the participant list")
	ErrSessionNotFound   = errors.New("external session not found")
	ErrKnockCooldown     = errors.New("admission was requested too recently")
	ErrNotAdmitted       = errors.New("external session is not admitted")
)

// joinLeeway is how long before a scheduled start participants may enter.
const joinLeeway = 30 * time.Minute

// RSVPStatus is one participant's reply.
type RSVPStatus string

const (
	RSVPInvited   RSVPStatus = "invited"
	RSVPAccepted  RSVPStatus = "accepted"
	RSVPDeclined  RSVPStatus = "declined"
	RSVPTentative RSVPStatus = "tentative"
)

// Valid reports whether s is a status a participant may set. "invited" is assigned by the organizer, never chosen.
func (s RSVPStatus) Valid() bool {
	return s == RSVPAccepted || s == RSVPDeclined || s == RSVPTentative
}

// Meeting is one scheduled or instant meeting.
type Meeting struct {
	ID                  string   `json:"meetingId"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	CreatedBy           string   `json:"createdBy"`
	StartTime           *int64   `json:"startTime,omitempty"`
	EndTime             *int64   `json:"endTime,omitempty"`
	InstantCall         bool     `json:"instantCall"`
	AllowExternal       bool     `json:"allowExternal"`
	InvitedParticipants []string `json:"invitedParticipants"`
	VoiceOnly           bool     `json:"voiceOnly"`
	MuteOnJoin          bool     `json:"muteOnJoin"`
	EnableChat          bool     `json:"enableChat"`
	EnableRecording     bool     `json:"enableRecording"`
	CameraOff           bool     `json:"cameraOff"`
	MaxCamResolution    *string  `json:"maxCamResolution,omitempty"`
	CreatedAt           int64    `json:"createdAt"`
}

// Joinable reports whether participants may enter at now. Scheduled meetings open 30 minutes before start; instant
// calls and meetings without a start time are always open.
func (m *Meeting) Joinable(now time.Time) bool {
	if m.InstantCall || m.StartTime == nil {
		return true
	}
	opens := time.UnixMilli(*m.StartTime).Add(-joinLeeway)
	return !now.Before(opens)
}

// IsInvited reports whether the user id or email appears on the participant list. The creator always counts.
func (m *Meeting) IsInvited(participant string) bool {
	if participant == m.CreatedBy {
		return true
	}
	for _, p := range m.InvitedParticipants {
		if p == participant {
			return true
		}
	}
	return false
}

// CreateParams groups the organizer-supplied meeting settings.
type CreateParams struct {
	Title               string
	Description         string
	CreatedBy           string
	StartTime           *int64
	EndTime             *int64
	InstantCall         bool
	AllowExternal       bool
	InvitedParticipants []string
	VoiceOnly           bool
	MuteOnJoin          bool
	EnableChat          bool
	EnableRecording     bool
	CameraOff           bool
	MaxCamResolution    *string
}

// Invitation is one reusable external-guest token.
type Invitation struct {
	ID        string `json:"id"`
	MeetingID string `json:"meetingId"`
	Token     string `json:"token"`
	Label     string `json:"label"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
	MaxUses   *int   `json:"maxUses,omitempty"`
	UseCount  int    `json:"useCount"`
	Active    bool   `json:"active"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}

// RSVP is one participant's current reply.
type RSVP struct {
	MeetingID string     `json:"meetingId"`
	Invitee   string     `json:"invitee"`
	Status    RSVPStatus `json:"status"`
	UpdatedAt int64      `json:"updatedAt"`
}

// RSVPCounts aggregates replies for the organizer.
type RSVPCounts struct {
	Invited   int `json:"invited"`
	Accepted  int `json:"accepted"`
	Declined  int `json:"declined"`
	Tentative int `json:"tentative"`
}
