package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/abuse"
	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// AbuseHandler serves the caller-facing abuse surface: block lists and report filing. Review lives on the admin
// surface.
type AbuseHandler struct {
	abuse *abuse.Repository
	users *user.Repository
	log   zerolog.Logger
}

// NewAbuseHandler creates the handler.
func NewAbuseHandler(repo *abuse.Repository, users *user.Repository, logger zerolog.Logger) *AbuseHandler {
	return &AbuseHandler{abuse: repo, users: users, log: logger}
}

// Block handles POST /block {userId}. Blocking an already blocked user is a no-op; the blocked side is never told.
func (h *AbuseHandler) Block(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	target, ok := h.parseTarget(c)
	if !ok {
		return nil
	}
	if err := h.abuse.Block(c, userID, target); err != nil {
		return h.mapAbuseError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "blocked"})
}

// Unblock handles POST /unblock {userId}. Unblocking a user who was never blocked is a no-op.
func (h *AbuseHandler) Unblock(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	target, ok := h.parseTarget(c)
	if !ok {
		return nil
	}
	if err := h.abuse.Unblock(c, userID, target); err != nil {
		return h.mapAbuseError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "unblocked"})
}

// ListBlocked handles GET /blocked: the caller's own block list.
func (h *AbuseHandler) ListBlocked(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	blocked, err := h.abuse.ListBlocked(c, userID)
	if err != nil {
		return h.mapAbuseError(c, err)
	}
	out := make([]string, 0, len(blocked))
	for _, id := range blocked {
		out = append(out, id.String())
	}
	return httputil.Success(c, fiber.Map{"blocked": out})
}

// Report handles POST /report {userId, description, photos}. The reported user must exist; the report lands pending.
func (h *AbuseHandler) Report(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		UserID      string   `json:"userId"`
		Description string   `json:"description"`
		Photos      []string `json:"photos"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	target, err := uuid.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "userId must be a UUID")
	}
	if _, err := h.users.GetByID(c, target); err != nil {
		return h.mapAbuseError(c, err)
	}

	report, err := h.abuse.CreateReport(c, userID, target, body.Description, body.Photos)
	if err != nil {
		return h.mapAbuseError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, report)
}

func (h *AbuseHandler) parseTarget(c fiber.Ctx) (uuid.UUID, bool) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		_ = invalidBody(c)
		return uuid.Nil, false
	}
	target, err := uuid.Parse(body.UserID)
	if err != nil {
		_ = httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "userId must be a UUID")
		return uuid.Nil, false
	}
	return target, true
}

// mapAbuseError converts abuse errors to HTTP responses.
func (h *AbuseHandler) mapAbuseError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, abuse.ErrSelfBlock):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, abuse.ErrEmptyDescription):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "user not found")
	default:
		h.log.Error().Err(err).Str("handler", "abuse").Msg("unhandled abuse error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
