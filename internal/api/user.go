package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/image"
	"github.com/murmel-chat/murmel-server/internal/presence"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// UserHandler serves profile endpoints.
type UserHandler struct {
	users    *user.Repository
	presence *presence.Tracker
	log      zerolog.Logger
}

// NewUserHandler creates the handler.
func NewUserHandler(users *user.Repository, tracker *presence.Tracker, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, presence: tracker, log: logger}
}

// meResponse is the caller's own account view.
type meResponse struct {
	ID               string           `json:"id"`
	Email            string           `json:"email"`
	Verified         bool             `json:"verified"`
	DisplayName      *string          `json:"displayName"`
	AtName           *string          `json:"atName"`
	Picture          *string          `json:"picture"`
	RegistrationStep user.Step        `json:"registrationStep"`
	NotifyPrefs      user.NotifyPrefs `json:"notifyPrefs"`
}

// GetMe handles GET /user/me.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, meResponse{
		ID:               u.ID.String(),
		Email:            u.Email,
		Verified:         u.Verified,
		DisplayName:      u.DisplayName,
		AtName:           u.AtName,
		Picture:          u.Picture,
		RegistrationStep: u.RegistrationStep,
		NotifyPrefs:      u.NotifyPrefs,
	})
}

// UpdateMe handles PATCH /user/me. Completing a profile during registration advances the final step.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		DisplayName *string           `json:"displayName"`
		AtName      *string           `json:"atName"`
		NotifyPrefs *user.NotifyPrefs `json:"notifyPrefs"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	if err := user.ValidateDisplayName(body.DisplayName); err != nil {
		return h.mapUserError(c, err)
	}
	if err := user.ValidateAtName(body.AtName); err != nil {
		return h.mapUserError(c, err)
	}

	if err := h.users.UpdateProfile(c, userID, user.UpdateParams{
		DisplayName: body.DisplayName,
		AtName:      body.AtName,
		NotifyPrefs: body.NotifyPrefs,
	}); err != nil {
		return h.mapUserError(c, err)
	}

	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	if u.RegistrationStep == user.StepProfile {
		if err := h.users.SetStep(c, userID, user.StepComplete); err != nil {
			return h.mapUserError(c, err)
		}
		u.RegistrationStep = user.StepComplete
	}
	return httputil.Success(c, u.ToProfile())
}

// SetPicture handles POST /user/picture: a base64 image, normalized before storage.
func (h *UserHandler) SetPicture(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		Picture string `json:"picture"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Picture == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "picture is required")
	}

	normalized, err := image.Normalize(body.Picture)
	if err != nil {
		return h.mapUserError(c, err)
	}
	if err := h.users.SetPicture(c, userID, normalized); err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// Lookup handles GET /user/lookup?atName=: the directory used to start a conversation.
func (h *UserHandler) Lookup(c fiber.Ctx) error {
	if _, ok := requireUser(c); !ok {
		return nil
	}
	atName := c.Query("atName")
	if atName == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "atName query parameter is required")
	}
	u, err := h.users.GetByAtName(c, atName)
	if err != nil {
		return h.mapUserError(c, err)
	}

	// Presence is advisory. A Valkey hiccup degrades the lookup to offline rather than failing it.
	online := false
	if h.presence != nil {
		if got, err := h.presence.Online(c, u.ID); err != nil {
			h.log.Warn().Err(err).Msg("presence lookup failed")
		} else {
			online = got
		}
	}

	return httputil.Success(c, struct {
		user.Profile
		Online bool `json:"online"`
	}{Profile: u.ToProfile(), Online: online})
}

// mapUserError converts user-layer errors to HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "user not found")
	case errors.Is(err, user.ErrDisplayNameLength), errors.Is(err, user.ErrAtNameInvalid):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, user.ErrAtNameTaken):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, err.Error())
	case errors.Is(err, image.ErrTooLarge), errors.Is(err, image.ErrNotAnImage):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
