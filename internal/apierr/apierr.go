// Package apierr defines the stable error codes returned in API error envelopes. Clients switch on these codes rather
// than on human-readable messages, so values are append-only.
package apierr

// Code identifies an API error class.
type Code string

const (
	ValidationError    Code = "VALIDATION_ERROR"
	InvalidBody        Code = "INVALID_BODY"
	InvalidEmail       Code = "INVALID_EMAIL"
	Unauthorized       Code = "UNAUTHORIZED"
	InvalidSignature   Code = "INVALID_SIGNATURE"
	InvalidToken       Code = "INVALID_TOKEN"
	TokenReused        Code = "TOKEN_REUSED"
	NonceReused        Code = "NONCE_REUSED"
	SessionExpired     Code = "SESSION_EXPIRED"
	StateMismatch      Code = "STATE_MISMATCH"
	Forbidden          Code = "FORBIDDEN"
	NotFound           Code = "NOT_FOUND"
	Conflict           Code = "CONFLICT"
	RateLimited        Code = "RATE_LIMITED"
	PayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	InternalError      Code = "INTERNAL_ERROR"

	RegistrationClosed Code = "REGISTRATION_CLOSED"
	InvitationRequired Code = "INVITATION_REQUIRED"
	WrongStep          Code = "WRONG_REGISTRATION_STEP"
	LastCredential     Code = "LAST_CREDENTIAL"
	StandardRole       Code = "STANDARD_ROLE_IMMUTABLE"
	MeetingNotOpen     Code = "MEETING_NOT_OPEN"
	KnockCooldown      Code = "KNOCK_COOLDOWN"
	NotAdmitted        Code = "NOT_ADMITTED"
)
