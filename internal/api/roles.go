package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/role"
)

// RoleHandler serves role CRUD and assignment. Everything here is gated on roles.manage; the standard roles are
// read-only.
type RoleHandler struct {
	roles  *role.Repository
	engine *role.Engine
	log    zerolog.Logger
}

// NewRoleHandler creates the handler.
func NewRoleHandler(roles *role.Repository, engine *role.Engine, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, engine: engine, log: logger}
}

type roleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	Scope       string   `json:"scope"`
	Standard    bool     `json:"standard"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

func toRoleResponse(r *role.Role) roleResponse {
	return roleResponse{
		ID:          r.ID.String(),
		Name:        r.Name,
		Description: r.Description,
		Permissions: r.Permissions,
		Scope:       string(r.Scope),
		Standard:    r.Standard,
		CreatedAt:   r.CreatedAt.UnixMilli(),
		UpdatedAt:   r.UpdatedAt.UnixMilli(),
	}
}

// List handles GET /roles: all roles, standard and custom.
func (h *RoleHandler) List(c fiber.Ctx) error {
	if !h.requireManage(c) {
		return nil
	}
	roles, err := h.roles.List(c)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	out := make([]roleResponse, 0, len(roles))
	for i := range roles {
		out = append(out, toRoleResponse(&roles[i]))
	}
	return httputil.Success(c, fiber.Map{"roles": out})
}

// Create handles POST /roles: a custom role in one scope.
func (h *RoleHandler) Create(c fiber.Ctx) error {
	if !h.requireManage(c) {
		return nil
	}
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
		Scope       string   `json:"scope"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Scope == "" {
		body.Scope = string(role.ScopeServer)
	}

	r, err := h.roles.Create(c, role.CreateParams{
		Name:        body.Name,
		Description: body.Description,
		Permissions: body.Permissions,
		Scope:       role.Scope(body.Scope),
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toRoleResponse(r))
}

// Update handles PATCH /roles/:id. Standard roles are rejected.
func (h *RoleHandler) Update(c fiber.Ctx) error {
	if !h.requireManage(c) {
		return nil
	}
	id, ok := h.parseRoleID(c)
	if !ok {
		return nil
	}
	var body struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Permissions *[]string `json:"permissions"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	err := h.roles.Update(c, id, role.UpdateParams{
		Name:        body.Name,
		Description: body.Description,
		Permissions: body.Permissions,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}
	r, err := h.roles.Get(c, id)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	return httputil.Success(c, toRoleResponse(r))
}

// Delete handles DELETE /roles/:id. Standard roles are rejected; assignments cascade.
func (h *RoleHandler) Delete(c fiber.Ctx) error {
	if !h.requireManage(c) {
		return nil
	}
	id, ok := h.parseRoleID(c)
	if !ok {
		return nil
	}
	if err := h.roles.Delete(c, id); err != nil {
		return h.mapRoleError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// Assign handles POST /roles/:id/assign {userId, channelId?}: server-scope when channelId is absent, channel-scope
// otherwise. Assigning a held role is a no-op.
func (h *RoleHandler) Assign(c fiber.Ctx) error {
	return h.changeAssignment(c, true)
}

// Unassign handles POST /roles/:id/unassign {userId, channelId?}.
func (h *RoleHandler) Unassign(c fiber.Ctx) error {
	return h.changeAssignment(c, false)
}

func (h *RoleHandler) changeAssignment(c fiber.Ctx, assign bool) error {
	if !h.requireManage(c) {
		return nil
	}
	roleID, ok := h.parseRoleID(c)
	if !ok {
		return nil
	}
	var body struct {
		UserID    string  `json:"userId"`
		ChannelID *string `json:"channelId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "userId must be a UUID")
	}

	// The role must exist and its scope must match the assignment target.
	r, err := h.roles.Get(c, roleID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if (body.ChannelID == nil) != (r.Scope == role.ScopeServer) {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError,
			"channelId must be set for channel-scope roles and absent for server-scope roles")
	}

	if body.ChannelID == nil {
		if assign {
			err = h.roles.Assign(c, userID, roleID)
		} else {
			err = h.roles.Unassign(c, userID, roleID)
		}
	} else {
		channelID, parseErr := uuid.Parse(*body.ChannelID)
		if parseErr != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "channelId must be a UUID")
		}
		if assign {
			err = h.roles.AssignChannel(c, userID, roleID, channelID)
		} else {
			err = h.roles.UnassignChannel(c, userID, roleID, channelID)
		}
	}
	if err != nil {
		return h.mapRoleError(c, err)
	}
	status := "unassigned"
	if assign {
		status = "assigned"
	}
	return httputil.Success(c, fiber.Map{"status": status})
}

// ListForUser handles GET /roles/user/:userId: the user's server-scope roles.
func (h *RoleHandler) ListForUser(c fiber.Ctx) error {
	if !h.requireManage(c) {
		return nil
	}
	userID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "userId must be a UUID")
	}
	roles, err := h.roles.ListForUser(c, userID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	out := make([]roleResponse, 0, len(roles))
	for i := range roles {
		out = append(out, toRoleResponse(&roles[i]))
	}
	return httputil.Success(c, fiber.Map{"roles": out})
}

func (h *RoleHandler) requireManage(c fiber.Ctx) bool {
	userID, ok := requireUser(c)
	if !ok {
		return false
	}
	allowed, err := h.engine.HasServerPermission(c, userID, role.PermManageRoles)
	if err != nil {
		_ = h.mapRoleError(c, err)
		return false
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to manage roles")
		return false
	}
	return true
}

func (h *RoleHandler) parseRoleID(c fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		_ = httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "role id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// mapRoleError converts role errors to HTTP responses.
func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "role not found")
	case errors.Is(err, role.ErrStandardRole):
		return httputil.Fail(c, fiber.StatusConflict, apierr.StandardRole, err.Error())
	case errors.Is(err, role.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, err.Error())
	case errors.Is(err, role.ErrNameLength), errors.Is(err, role.ErrInvalidScope):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "roles").Msg("unhandled role error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
