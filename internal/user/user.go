package user

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound           = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrAtNameTaken        = errors.New("at-name already taken")
	ErrDisplayNameLength  = errors.New("display name must be between 1 and 32 characters")
	ErrAtNameInvalid      = errors.New("at-name must be 3 to 32 characters of a-z, 0-9, _ or .")
	ErrCredentialExists   = errors.New("credential id already registered")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrLastCredential     = errors.New("the last credential cannot be deleted")
)

// Step is the position of a user in the linear registration flow. The server enforces the order; there is no way back
// once backup codes have been issued.
type Step string

const (
	StepNone        Step = "none"
	StepOTP         Step = "otp"
	StepBackupCodes Step = "backup_codes"
	StepWebAuthn    Step = "webauthn"
	StepProfile     Step = "profile"
	StepComplete    Step = "complete"
)

// Next returns the step that follows s. Complete is terminal.
func (s Step) Next() Step {
	switch s {
	case StepNone:
		return StepOTP
	case StepOTP:
		return StepBackupCodes
	case StepBackupCodes:
		return StepWebAuthn
	case StepWebAuthn:
		return StepProfile
	default:
		return StepComplete
	}
}

// Credential is one WebAuthn credential, stored inside the user's serialized credential list. PublicKey holds the
// base64url-encoded COSE key exactly as produced by the authenticator.
type Credential struct {
	ID         string   `json:"id"`
	PublicKey  string   `json:"publicKey"`
	Transports []string `json:"transports"`
	SignCount  uint32   `json:"signCount"`
	CreatedAt  int64    `json:"createdAt"`
	LastLogin  int64    `json:"lastLogin"`
	Browser    string   `json:"browser"`
	IP         string   `json:"ip"`
	Location   string   `json:"location"`
}

// BackupCode is a single recovery code. Only the bcrypt hash is ever stored.
type BackupCode struct {
	Hash string `json:"hash"`
	Used bool   `json:"used"`
}

// NotifyPrefs holds per-user notification switches.
type NotifyPrefs struct {
	Messages bool `json:"messages"`
	Mentions bool `json:"mentions"`
	Meetings bool `json:"meetings"`
}

// DefaultNotifyPrefs returns the preferences assigned to new accounts.
func DefaultNotifyPrefs() NotifyPrefs {
	return NotifyPrefs{Messages: true, Mentions: true, Meetings: true}
}

// User holds the core identity fields read from the database.
type User struct {
	ID               uuid.UUID
	Email            string
	Verified         bool
	DisplayName      *string
	AtName           *string
	Credentials      []Credential
	BackupCodes      []BackupCode
	Picture          *string
	Active           bool
	NotifyPrefs      NotifyPrefs
	RegistrationStep Step
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Credential returns the credential with the given id, or nil.
func (u *User) Credential(id string) *Credential {
	for i := range u.Credentials {
		if u.Credentials[i].ID == id {
			return &u.Credentials[i]
		}
	}
	return nil
}

// UsedBackupCodes counts the consumed codes in the current set.
func (u *User) UsedBackupCodes() int {
	n := 0
	for _, c := range u.BackupCodes {
		if c.Used {
			n++
		}
	}
	return n
}

// Profile is the public view of a user returned by lookup and roster endpoints.
type Profile struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"displayName"`
	AtName      *string `json:"atName"`
	Picture     *string `json:"picture"`
}

// ToProfile converts the user to its public view.
func (u *User) ToProfile() Profile {
	return Profile{
		ID:          u.ID.String(),
		DisplayName: u.DisplayName,
		AtName:      u.AtName,
		Picture:     u.Picture,
	}
}

// UpdateParams groups the optional fields for updating a user profile. Nil means "no change".
type UpdateParams struct {
	DisplayName *string
	AtName      *string
	NotifyPrefs *NotifyPrefs
}

// ValidateDisplayName trims the pointed-to value and checks its length. A nil pointer means "no change".
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 32 {
		return ErrDisplayNameLength
	}
	*name = trimmed
	return nil
}

// ValidateAtName lowercases and validates an at-name. A nil pointer means "no change".
func ValidateAtName(name *string) error {
	if name == nil {
		return nil
	}
	lowered := strings.ToLower(strings.TrimSpace(*name))
	if len(lowered) < 3 || len(lowered) > 32 {
		return ErrAtNameInvalid
	}
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.':
		default:
			return ErrAtNameInvalid
		}
	}
	*name = lowered
	return nil
}
