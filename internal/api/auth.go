package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/geo"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// AuthHandler serves registration, OTP, and backup-code endpoints.
type AuthHandler struct {
	auth          *auth.Service
	users         *user.Repository
	web           *auth.WebSessionStore
	geo           geo.Lookup
	secureCookies bool
	log           zerolog.Logger
}

// NewAuthHandler creates the handler. secureCookies should be false only in development.
func NewAuthHandler(svc *auth.Service, users *user.Repository, web *auth.WebSessionStore, lookup geo.Lookup, secureCookies bool, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, users: users, web: web, geo: lookup, secureCookies: secureCookies, log: logger}
}

// setSessionCookie attaches the browser session cookie.
func (h *AuthHandler) setSessionCookie(c fiber.Ctx, sessionID string) {
	c.Cookie(&fiber.Cookie{
		Name:     auth.SessionCookie,
		Value:    sessionID,
		HTTPOnly: true,
		Secure:   h.secureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
}

// webSession returns the browser session referenced by the cookie, creating one (and setting the cookie) if none
// exists yet. Registration endpoints need a session before the user has signed in.
func (h *AuthHandler) webSession(c fiber.Ctx) (*auth.WebSession, error) {
	ac := auth.FromContext(c)
	if ac.Session != nil {
		return ac.Session, nil
	}
	if id := c.Cookies(auth.SessionCookie); id != "" {
		if session, err := h.web.Get(c, id); err == nil {
			return session, nil
		}
	}
	session, err := h.web.Create(c)
	if err != nil {
		return nil, err
	}
	h.setSessionCookie(c, session.ID)
	return session, nil
}

// Register handles POST /register. It starts (or restarts) registration and doubles as the sign-in entry point for
// returning users.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body struct {
		Email           string `json:"email"`
		InvitationToken string `json:"invitationToken"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	result, err := h.auth.Register(c, body.Email, body.InvitationToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	session, err := h.webSession(c)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	session.Email = body.Email
	session.Step = string(user.StepOTP)
	if err := h.web.Save(c, session); err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, result)
}

// otpResponse is the body of a successful OTP verification. Session material is present only when the caller
// supplied a clientId.
type otpResponse struct {
	Status  string                `json:"status"`
	Step    user.Step             `json:"step"`
	Session *auth.SessionMaterial `json:"session,omitempty"`
}

// VerifyOTP handles POST /otp. Verification marks the account verified and, for native clients, establishes the
// HMAC session in the same round trip.
func (h *AuthHandler) VerifyOTP(c fiber.Ctx) error {
	var body struct {
		Email           string `json:"email"`
		OTP             string `json:"otp"`
		ClientID        string `json:"clientId"`
		InvitationToken string `json:"invitationToken"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Email == "" || body.OTP == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "email and otp are required")
	}

	u, err := h.auth.VerifyOTP(c, body.Email, body.OTP, body.InvitationToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	// First successful OTP moves registration on to the backup-code step.
	if u.RegistrationStep == user.StepOTP {
		if err := h.users.SetStep(c, u.ID, user.StepBackupCodes); err != nil {
			return h.mapAuthError(c, err)
		}
		u.RegistrationStep = user.StepBackupCodes
	}

	session, err := h.webSession(c)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	session.UserID = u.ID.String()
	session.Email = u.Email
	session.Step = string(u.RegistrationStep)
	if err := h.web.Save(c, session); err != nil {
		return h.mapAuthError(c, err)
	}

	resp := otpResponse{Status: "ok", Step: u.RegistrationStep}
	if body.ClientID != "" {
		clientID, err := auth.ParseClientID(body.ClientID)
		if err != nil {
			return h.mapAuthError(c, err)
		}
		material, err := h.auth.EstablishClientSession(c, u, clientID, requestInfo(c, h.geo, h.log))
		if err != nil {
			return h.mapAuthError(c, err)
		}
		resp.Session = material
	}
	return httputil.Success(c, resp)
}

// ListBackupCodes handles GET /backupcode/list. The plaintext codes are issued exactly once, at the backup_codes
// registration step; afterwards only hashes exist.
func (h *AuthHandler) ListBackupCodes(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	codes, err := h.auth.IssueBackupCodes(c, u)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	if ac := auth.FromContext(c); ac.Session != nil {
		ac.Session.Step = string(user.StepWebAuthn)
		if err := h.web.Save(c, ac.Session); err != nil {
			return h.mapAuthError(c, err)
		}
	}
	return httputil.Success(c, fiber.Map{"backupCodes": codes})
}

// BackupCodeUsage handles GET /backupcode/usage.
func (h *AuthHandler) BackupCodeUsage(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"used":           u.UsedBackupCodes(),
		"total":          len(u.BackupCodes),
		"canRegenerate":  auth.CanRegenerate(u.BackupCodes),
	})
}

// RegenerateBackupCodes handles POST /backupcode/regenerate. Allowed only once most of the set is consumed.
func (h *AuthHandler) RegenerateBackupCodes(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	codes, err := h.auth.RegenerateBackupCodes(c, u)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"backupCodes": codes})
}

// VerifyBackupCode handles POST /backupcode/verify for an already-authenticated caller re-proving possession.
func (h *AuthHandler) VerifyBackupCode(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		BackupCode string `json:"backupCode"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	if wait, err := h.auth.VerifyBackupCode(c, u, body.BackupCode); err != nil {
		return h.mapBackupError(c, err, wait)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// MobileVerifyBackupCode handles POST /backupcode/mobile-verify: backup-code sign-in for native clients that lost
// their session, establishing fresh HMAC material.
func (h *AuthHandler) MobileVerifyBackupCode(c fiber.Ctx) error {
	var body struct {
		Email      string `json:"email"`
		BackupCode string `json:"backupCode"`
		ClientID   string `json:"clientId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Email == "" || body.BackupCode == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "email and backupCode are required")
	}

	u, err := h.users.GetByEmail(c, body.Email)
	if err != nil {
		// A wrong email and a wrong code must be indistinguishable.
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "invalid credentials")
		}
		return h.mapAuthError(c, err)
	}
	if wait, err := h.auth.VerifyBackupCode(c, u, body.BackupCode); err != nil {
		return h.mapBackupError(c, err, wait)
	}

	resp := otpResponse{Status: "ok", Step: u.RegistrationStep}
	if body.ClientID != "" {
		clientID, err := auth.ParseClientID(body.ClientID)
		if err != nil {
			return h.mapAuthError(c, err)
		}
		material, err := h.auth.EstablishClientSession(c, u, clientID, requestInfo(c, h.geo, h.log))
		if err != nil {
			return h.mapAuthError(c, err)
		}
		resp.Session = material
	}
	return httputil.Success(c, resp)
}

// mapBackupError handles the throttle case, which carries a wait duration, before falling back to the shared mapping.
func (h *AuthHandler) mapBackupError(c fiber.Ctx, err error, wait time.Duration) error {
	switch {
	case errors.Is(err, auth.ErrBackupCodeThrottled):
		return httputil.FailRetryAfter(c, apierr.RateLimited, "too many failed attempts", int(wait.Seconds())+1)
	case errors.Is(err, auth.ErrBackupCodeInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "invalid credentials")
	default:
		return h.mapAuthError(c, err)
	}
}

// mapAuthError converts auth-layer errors to HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEmail, err.Error())
	case errors.Is(err, auth.ErrInvalidClientID):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, auth.ErrDisposableEmail):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.InvalidEmail, err.Error())
	case errors.Is(err, auth.ErrRegistrationClosed):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.RegistrationClosed, err.Error())
	case errors.Is(err, auth.ErrInvitationRequired):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.InvitationRequired, err.Error())
	case errors.Is(err, auth.ErrWrongStep):
		return httputil.Fail(c, fiber.StatusConflict, apierr.WrongStep, err.Error())
	case errors.Is(err, auth.ErrOTPNotFound), errors.Is(err, auth.ErrOTPMismatch):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidToken, "invalid or expired code")
	case errors.Is(err, auth.ErrBackupCodesFresh):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, err.Error())
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "user not found")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
