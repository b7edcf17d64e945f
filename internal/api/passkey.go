package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/geo"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/passkey"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// PasskeyHandler serves the WebAuthn ceremonies. Ceremony state lives in the browser session between the challenge
// and response requests; the assertion/attestation JSON travels in the request's "credential" field.
type PasskeyHandler struct {
	passkeys *passkey.Service
	auth     *auth.Service
	users    *user.Repository
	web      *auth.WebSessionStore
	handoff  *auth.HandoffIssuer
	geo      geo.Lookup
	cookies  *AuthHandler
	log      zerolog.Logger
}

// NewPasskeyHandler creates the handler. cookies is shared with the auth handler so both set the session cookie the
// same way.
func NewPasskeyHandler(
	passkeys *passkey.Service,
	svc *auth.Service,
	users *user.Repository,
	web *auth.WebSessionStore,
	handoff *auth.HandoffIssuer,
	lookup geo.Lookup,
	cookies *AuthHandler,
	logger zerolog.Logger,
) *PasskeyHandler {
	return &PasskeyHandler{
		passkeys: passkeys,
		auth:     svc,
		users:    users,
		web:      web,
		handoff:  handoff,
		geo:      lookup,
		cookies:  cookies,
		log:      logger,
	}
}

// sessionUser resolves the browser session and the user it identifies. Registration reaches these endpoints before
// the session counts as fully signed in, so this accepts any session with a bound user id.
func (h *PasskeyHandler) sessionUser(c fiber.Ctx) (*user.User, *auth.WebSession, error) {
	session, err := h.web.Get(c, c.Cookies(auth.SessionCookie))
	if err != nil {
		return nil, nil, err
	}
	if session.UserID == "" {
		return nil, nil, auth.ErrSessionNotFound
	}
	userID, err := uuid.Parse(session.UserID)
	if err != nil {
		return nil, nil, auth.ErrSessionNotFound
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return nil, nil, err
	}
	return u, session, nil
}

// RegisterChallenge handles POST /webauthn/register-challenge.
func (h *PasskeyHandler) RegisterChallenge(c fiber.Ctx) error {
	u, session, err := h.sessionUser(c)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}

	options, sd, err := h.passkeys.BeginRegistration(c, u)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	blob, err := passkey.EncodeSession(sd)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	session.Challenge = blob
	if err := h.web.Save(c, session); err != nil {
		return h.mapPasskeyError(c, err)
	}
	return httputil.Success(c, options)
}

// Register handles POST /webauthn/register: validates the attestation and stores the credential. During registration
// this completes the webauthn step.
func (h *PasskeyHandler) Register(c fiber.Ctx) error {
	var body struct {
		Credential json.RawMessage `json:"credential"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if len(body.Credential) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "credential is required")
	}

	u, session, err := h.sessionUser(c)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	sd, err := passkey.DecodeSession(session.Challenge)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}

	cred, err := h.passkeys.FinishRegistration(c, u, sd, body.Credential, requestInfo(c, h.geo, h.log))
	if err != nil {
		return h.mapPasskeyError(c, err)
	}

	session.Challenge = nil
	if u.RegistrationStep == user.StepWebAuthn {
		session.Step = string(user.StepProfile)
	}
	if err := h.web.Save(c, session); err != nil {
		return h.mapPasskeyError(c, err)
	}
	return httputil.Success(c, credentialView(*cred))
}

// AuthenticateChallenge handles POST /webauthn/authenticate-challenge. For Custom-Tab flows a one-shot CSRF state is
// bound to the session and returned alongside the assertion options.
func (h *PasskeyHandler) AuthenticateChallenge(c fiber.Ctx) error {
	var body struct {
		Email         string `json:"email"`
		FromCustomTab bool   `json:"fromCustomTab"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Email == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "email is required")
	}

	u, err := h.users.GetByEmail(c, body.Email)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	options, sd, err := h.passkeys.BeginLogin(c, u)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	blob, err := passkey.EncodeSession(sd)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}

	session, err := h.cookies.webSession(c)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	session.Email = u.Email
	session.Challenge = blob

	var state string
	if body.FromCustomTab {
		state, err = auth.NewState()
		if err != nil {
			return h.mapPasskeyError(c, err)
		}
		session.State = state
	}
	if err := h.web.Save(c, session); err != nil {
		return h.mapPasskeyError(c, err)
	}

	resp := fiber.Map{"options": options}
	if state != "" {
		resp["state"] = state
	}
	return httputil.Success(c, resp)
}

// Authenticate handles POST /webauthn/authenticate. Verified Custom-Tab sign-ins receive a hand-off token and no
// browser session; everything else gets the session cookie and, with a clientId, HMAC session material.
func (h *PasskeyHandler) Authenticate(c fiber.Ctx) error {
	var body struct {
		Email         string          `json:"email"`
		Assertion     json.RawMessage `json:"assertion"`
		FromCustomTab bool            `json:"fromCustomTab"`
		State         string          `json:"state"`
		ClientID      string          `json:"clientId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Email == "" || len(body.Assertion) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "email and assertion are required")
	}

	session, err := h.web.Get(c, c.Cookies(auth.SessionCookie))
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	u, err := h.users.GetByEmail(c, body.Email)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	sd, err := passkey.DecodeSession(session.Challenge)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}

	// The state is consumed before signature verification so a failed ceremony still burns it.
	stateVerified := false
	if body.State != "" {
		if err := h.web.ConsumeState(c, session, body.State); err != nil {
			return h.mapPasskeyError(c, err)
		}
		stateVerified = true
	}

	cred, err := h.passkeys.FinishLogin(c, u, sd, body.Assertion, requestInfo(c, h.geo, h.log))
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	if err := h.auth.OnAuthenticated(c, u); err != nil {
		return h.mapPasskeyError(c, err)
	}

	session.Challenge = nil

	if body.FromCustomTab && stateVerified {
		// The embedded browser hands the token to the native app; no browser session survives this flow.
		token, err := h.handoff.Mint(u.ID, u.Email, cred.ID, body.State)
		if err != nil {
			return h.mapPasskeyError(c, err)
		}
		if err := h.web.Delete(c, session.ID); err != nil {
			h.log.Warn().Err(err).Msg("delete custom-tab session")
		}
		return httputil.Success(c, fiber.Map{"authToken": token})
	}

	session.UserID = u.ID.String()
	session.Email = u.Email
	session.Step = string(u.RegistrationStep)
	if err := h.web.Save(c, session); err != nil {
		return h.mapPasskeyError(c, err)
	}
	h.cookies.setSessionCookie(c, session.ID)

	resp := fiber.Map{"status": "ok", "credentialId": cred.ID}
	if body.ClientID != "" {
		clientID, err := auth.ParseClientID(body.ClientID)
		if err != nil {
			return h.mapPasskeyError(c, err)
		}
		material, err := h.auth.EstablishClientSession(c, u, clientID, requestInfo(c, h.geo, h.log))
		if err != nil {
			return h.mapPasskeyError(c, err)
		}
		resp["session"] = material
	}
	return httputil.Success(c, resp)
}

// List handles GET /webauthn/list: credential metadata without key material.
func (h *PasskeyHandler) List(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapPasskeyError(c, err)
	}
	views := make([]credentialResponse, 0, len(u.Credentials))
	for _, cred := range u.Credentials {
		views = append(views, credentialView(cred))
	}
	return httputil.Success(c, fiber.Map{"credentials": views})
}

// Delete handles POST /webauthn/delete. The last credential cannot be removed.
func (h *PasskeyHandler) Delete(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		CredentialID string `json:"credentialId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.CredentialID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "credentialId is required")
	}
	if err := h.users.DeleteCredential(c, userID, body.CredentialID); err != nil {
		return h.mapPasskeyError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// credentialResponse is the client-facing view of a credential.
type credentialResponse struct {
	ID         string   `json:"id"`
	Transports []string `json:"transports"`
	CreatedAt  int64    `json:"createdAt"`
	LastLogin  int64    `json:"lastLogin"`
	Browser    string   `json:"browser"`
	Location   string   `json:"location"`
}

func credentialView(cred user.Credential) credentialResponse {
	return credentialResponse{
		ID:         cred.ID,
		Transports: cred.Transports,
		CreatedAt:  cred.CreatedAt,
		LastLogin:  cred.LastLogin,
		Browser:    cred.Browser,
		Location:   cred.Location,
	}
}

// mapPasskeyError converts passkey and session errors to HTTP responses.
func (h *PasskeyHandler) mapPasskeyError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrSessionNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "no active session")
	case errors.Is(err, auth.ErrStateMismatch):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.StateMismatch, "state parameter mismatch")
	case errors.Is(err, passkey.ErrCeremonyFailed):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidSignature, "webauthn ceremony failed")
	case errors.Is(err, passkey.ErrNoCredentials):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "user has no registered credentials")
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "user not found")
	case errors.Is(err, user.ErrCredentialNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "credential not found")
	case errors.Is(err, user.ErrCredentialExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, "credential id already registered")
	case errors.Is(err, user.ErrLastCredential):
		return httputil.Fail(c, fiber.StatusConflict, apierr.LastCredential, "the last credential cannot be deleted")
	default:
		h.log.Error().Err(err).Str("handler", "passkey").Msg("unhandled passkey error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
