package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/channel"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/role"
)

// ChannelHandler serves channel CRUD and membership.
type ChannelHandler struct {
	channels *channel.Repository
	roles    *role.Engine
	log      zerolog.Logger
}

// NewChannelHandler creates the handler.
func NewChannelHandler(channels *channel.Repository, roles *role.Engine, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, roles: roles, log: logger}
}

type channelResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Owner         string  `json:"owner"`
	Private       bool    `json:"private"`
	Type          string  `json:"type"`
	DefaultRoleID *string `json:"defaultRoleId,omitempty"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

func toChannelResponse(ch *channel.Channel) channelResponse {
	resp := channelResponse{
		ID:          ch.ID.String(),
		Name:        ch.Name,
		Description: ch.Description,
		Owner:       ch.Owner.String(),
		Private:     ch.Private,
		Type:        string(ch.Type),
		CreatedAt:   ch.CreatedAt.UnixMilli(),
		UpdatedAt:   ch.UpdatedAt.UnixMilli(),
	}
	if ch.DefaultRoleID != nil {
		s := ch.DefaultRoleID.String()
		resp.DefaultRoleID = &s
	}
	return resp
}

// List handles GET /channels: the caller's channels plus public ones.
func (h *ChannelHandler) List(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	channels, err := h.channels.ListForUser(c, userID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	out := make([]channelResponse, 0, len(channels))
	for i := range channels {
		out = append(out, toChannelResponse(&channels[i]))
	}
	return httputil.Success(c, fiber.Map{"channels": out})
}

// Create handles POST /channels.
func (h *ChannelHandler) Create(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	allowed, err := h.roles.HasServerPermission(c, userID, role.PermCreateChannels)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to create channels")
	}

	var body struct {
		Name          string  `json:"name"`
		Description   string  `json:"description"`
		Private       bool    `json:"private"`
		Type          string  `json:"type"`
		DefaultRoleID *string `json:"defaultRoleId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Type == "" {
		body.Type = string(channel.TypeSignal)
	}
	var defaultRole *uuid.UUID
	if body.DefaultRoleID != nil {
		id, err := uuid.Parse(*body.DefaultRoleID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "defaultRoleId must be a UUID")
		}
		defaultRole = &id
	}

	ch, err := h.channels.Create(c, channel.CreateParams{
		Name:          body.Name,
		Description:   body.Description,
		Owner:         userID,
		Private:       body.Private,
		Type:          channel.Type(body.Type),
		DefaultRoleID: defaultRole,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toChannelResponse(ch))
}

// Get handles GET /channels/:id. Private channels are visible to members only.
func (h *ChannelHandler) Get(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	ch, ok := h.loadChannel(c)
	if !ok {
		return nil
	}
	if ch.Private {
		member, err := h.channels.IsMember(c, ch.ID, userID)
		if err != nil {
			return h.mapChannelError(c, err)
		}
		if !member {
			// Same answer as a missing channel, so non-members cannot confirm a private channel exists.
			return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "channel not found")
		}
	}
	return httputil.Success(c, toChannelResponse(ch))
}

// Update handles PATCH /channels/:id: owner or a holder of channel.manage.
func (h *ChannelHandler) Update(c fiber.Ctx) error {
	ch, ok := h.requireManage(c)
	if !ok {
		return nil
	}
	var body struct {
		Name          *string `json:"name"`
		Description   *string `json:"description"`
		Private       *bool   `json:"private"`
		DefaultRoleID *string `json:"defaultRoleId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	var defaultRole *uuid.UUID
	if body.DefaultRoleID != nil {
		id, err := uuid.Parse(*body.DefaultRoleID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "defaultRoleId must be a UUID")
		}
		defaultRole = &id
	}

	err := h.channels.Update(c, ch.ID, channel.UpdateParams{
		Name:          body.Name,
		Description:   body.Description,
		Private:       body.Private,
		DefaultRoleID: defaultRole,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}
	updated, err := h.channels.Get(c, ch.ID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, toChannelResponse(updated))
}

// Delete handles DELETE /channels/:id: owner or a holder of channel.manage. Sender keys go with the channel.
func (h *ChannelHandler) Delete(c fiber.Ctx) error {
	ch, ok := h.requireManage(c)
	if !ok {
		return nil
	}
	if err := h.channels.Delete(c, ch.ID); err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// AddMember handles POST /channels/:id/members {userId}: needs channel.invite (the owner always has it).
func (h *ChannelHandler) AddMember(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	ch, ok := h.loadChannel(c)
	if !ok {
		return nil
	}
	allowed, err := h.roles.HasChannelPermission(c, userID, ch.ID, role.PermChannelInvite)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to invite members")
	}

	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	target, err := uuid.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "userId must be a UUID")
	}

	if err := h.channels.AddMember(c, ch.ID, target); err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "added"})
}

// RemoveMember handles DELETE /channels/:id/members/:userId: channel.kick, or the member removing themself. The
// member's sender key for the channel is dropped with the row.
func (h *ChannelHandler) RemoveMember(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	ch, ok := h.loadChannel(c)
	if !ok {
		return nil
	}
	target, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "userId must be a UUID")
	}
	if target != userID {
		allowed, err := h.roles.HasChannelPermission(c, userID, ch.ID, role.PermChannelKick)
		if err != nil {
			return h.mapChannelError(c, err)
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to remove members")
		}
	}
	if target == ch.Owner {
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, "the owner cannot be removed")
	}

	if err := h.channels.RemoveMember(c, ch.ID, target); err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "removed"})
}

// ListMembers handles GET /channels/:id/members: members only.
func (h *ChannelHandler) ListMembers(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	ch, ok := h.loadChannel(c)
	if !ok {
		return nil
	}
	member, err := h.channels.IsMember(c, ch.ID, userID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if !member {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "only members may list members")
	}

	members, err := h.channels.ListMembers(c, ch.ID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	out := make([]fiber.Map, 0, len(members))
	for _, m := range members {
		out = append(out, fiber.Map{
			"userId":   m.UserID.String(),
			"joinedAt": m.CreatedAt.UnixMilli(),
		})
	}
	return httputil.Success(c, fiber.Map{"members": out})
}

// loadChannel parses :id and fetches the channel, writing the error response on failure.
func (h *ChannelHandler) loadChannel(c fiber.Ctx) (*channel.Channel, bool) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		_ = httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "channel id must be a UUID")
		return nil, false
	}
	ch, err := h.channels.Get(c, id)
	if err != nil {
		_ = h.mapChannelError(c, err)
		return nil, false
	}
	return ch, true
}

// requireManage loads the channel and checks the caller owns it or holds channel.manage on it.
func (h *ChannelHandler) requireManage(c fiber.Ctx) (*channel.Channel, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return nil, false
	}
	ch, ok := h.loadChannel(c)
	if !ok {
		return nil, false
	}
	if ch.Owner == userID {
		return ch, true
	}
	allowed, err := h.roles.HasChannelPermission(c, userID, ch.ID, role.PermChannelManage)
	if err != nil {
		_ = h.mapChannelError(c, err)
		return nil, false
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to manage this channel")
		return nil, false
	}
	return ch, true
}

// mapChannelError converts channel errors to HTTP responses.
func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "channel not found")
	case errors.Is(err, channel.ErrNameLength), errors.Is(err, channel.ErrInvalidType):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, channel.ErrNotMember):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "member not found")
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
