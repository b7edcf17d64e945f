// Package admin holds server-wide administration state: the single settings row and the invitation tokens used when
// registration is closed.
package admin

import "errors"

var (
	// ErrInvitationNotFound means no invitation matches the presented email and token, or it expired or was used.
	ErrInvitationNotFound = errors.New("invitation not found")

	// ErrInvalidRegistrationMode means the presented mode is not one of open, email_suffix, invitation_only.
	ErrInvalidRegistrationMode = errors.New("invalid registration mode")
)

// RegistrationMode controls who may create an account.
type RegistrationMode string

const (
	// RegistrationOpen accepts any email.
	RegistrationOpen RegistrationMode = "open"
	// RegistrationEmailSuffix accepts emails whose domain ends with an allowed suffix.
	RegistrationEmailSuffix RegistrationMode = "email_suffix"
	// RegistrationInvitationOnly requires a valid invitation token.
	RegistrationInvitationOnly RegistrationMode = "invitation_only"
)

// Valid reports whether the mode is one of the known values.
func (m RegistrationMode) Valid() bool {
	switch m {
	case RegistrationOpen, RegistrationEmailSuffix, RegistrationInvitationOnly:
		return true
	}
	return false
}
