// Package auth implements the authentication state machine: the linear registration flow, one-time passwords, backup
// codes, magic links, hand-off tokens, refresh-token rotation, web session cookies, and HMAC request signing for
// native clients.
package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrDisposableEmail    = errors.New("disposable email addresses are not accepted")
	ErrInvalidClientID    = errors.New("clientId must be a UUID")
	ErrRegistrationClosed = errors.New("registration is closed for this email")
	ErrInvitationRequired = errors.New("a valid invitation is required to register")
	ErrWrongStep          = errors.New("request does not match the current registration step")

	ErrOTPNotFound = errors.New("no code outstanding for this email")
	ErrOTPMismatch = errors.New("incorrect code")

	ErrBackupCodeInvalid   = errors.New("backup code did not match")
	ErrBackupCodeThrottled = errors.New("too many failed backup code attempts")
	ErrBackupCodesFresh    = errors.New("backup codes can only be regenerated once most are used")

	ErrSessionNotFound = errors.New("no session for this client")
	ErrSessionExpired  = errors.New("session expired")
	ErrBadSignature    = errors.New("request signature mismatch")
	ErrStaleTimestamp  = errors.New("request timestamp outside the accepted window")
	ErrNonceReused     = errors.New("nonce already seen")
	ErrNonceTooLong    = errors.New("nonce exceeds the maximum length")

	// ErrRefreshTokenReused is returned when a consumed refresh token is presented again, indicating potential token
	// theft. The token is destroyed as a side effect.
	ErrRefreshTokenReused   = errors.New("refresh token reused")
	ErrRefreshTokenNotFound = errors.New("refresh token not found or expired")

	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrTokenRedeemed = errors.New("token already redeemed")
	ErrStateMismatch = errors.New("state parameter mismatch")

	ErrMagicLinkInvalid = errors.New("magic link invalid, expired, or already used")
)
