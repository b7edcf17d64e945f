package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/abuse"
	"github.com/murmel-chat/murmel-server/internal/admin"
	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/image"
	"github.com/murmel-chat/murmel-server/internal/role"
)

// InvitationMailer delivers invitation codes. Satisfied by email.Client and email.Disabled.
type InvitationMailer interface {
	SendInvitation(ctx context.Context, to, token, serverURL, serverName string) error
}

// AdminHandler serves the administration surface: server settings, registration invitations, and report review.
// Every route except invitation verification is gated on a server permission.
type AdminHandler struct {
	settings    *admin.SettingsStore
	invitations *admin.InvitationStore
	reports     *abuse.Repository
	roles       *role.Engine
	mail        InvitationMailer
	serverURL   string
	log         zerolog.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(
	settings *admin.SettingsStore,
	invitations *admin.InvitationStore,
	reports *abuse.Repository,
	roles *role.Engine,
	mail InvitationMailer,
	serverURL string,
	logger zerolog.Logger,
) *AdminHandler {
	return &AdminHandler{
		settings:    settings,
		invitations: invitations,
		reports:     reports,
		roles:       roles,
		mail:        mail,
		serverURL:   serverURL,
		log:         logger,
	}
}

// GetSettings handles GET /admin/settings.
func (h *AdminHandler) GetSettings(c fiber.Ctx) error {
	if _, ok := h.requirePermission(c, role.PermManageServer); !ok {
		return nil
	}
	settings, err := h.settings.Get(c)
	if err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, settings)
}

// UpdateSettings handles PATCH /admin/settings: partial update, nil fields untouched.
func (h *AdminHandler) UpdateSettings(c fiber.Ctx) error {
	if _, ok := h.requirePermission(c, role.PermManageServer); !ok {
		return nil
	}
	var body struct {
		ServerName           *string  `json:"serverName"`
		RegistrationMode     *string  `json:"registrationMode"`
		AllowedEmailSuffixes []string `json:"allowedEmailSuffixes"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	var mode *admin.RegistrationMode
	if body.RegistrationMode != nil {
		m := admin.RegistrationMode(*body.RegistrationMode)
		mode = &m
	}
	err := h.settings.Update(c, admin.UpdateSettingsParams{
		ServerName:           body.ServerName,
		RegistrationMode:     mode,
		AllowedEmailSuffixes: body.AllowedEmailSuffixes,
	})
	if err != nil {
		return h.mapAdminError(c, err)
	}

	settings, err := h.settings.Get(c)
	if err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, settings)
}

// SetServerPicture handles POST /admin/settings/picture: a base64 image, normalized before storage.
func (h *AdminHandler) SetServerPicture(c fiber.Ctx) error {
	if _, ok := h.requirePermission(c, role.PermManageServer); !ok {
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
		return h.mapAdminError(c, err)
	}
	if err := h.settings.Update(c, admin.UpdateSettingsParams{ServerPicture: &normalized}); err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// CreateInvitation handles POST /admin/invitations {email, ttlHours}. The code is mailed best-effort; it is also
// returned in the response so the admin can relay it out of band when SMTP is down.
func (h *AdminHandler) CreateInvitation(c fiber.Ctx) error {
	adminID, ok := h.requirePermission(c, role.PermManageInvitations)
	if !ok {
		return nil
	}
	var body struct {
		Email    string `json:"email"`
		TTLHours int    `json:"ttlHours"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Email == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidEmail, "email is required")
	}

	inv, err := h.invitations.Create(c, body.Email, adminID, time.Duration(body.TTLHours)*time.Hour)
	if err != nil {
		return h.mapAdminError(c, err)
	}

	settings, err := h.settings.Get(c)
	if err != nil {
		return h.mapAdminError(c, err)
	}
	if err := h.mail.SendInvitation(c, inv.Email, inv.Token, h.serverURL, settings.ServerName); err != nil {
		h.log.Warn().Err(err).Str("email", inv.Email).Msg("invitation mail delivery failed")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, inv)
}

// ListInvitations handles GET /admin/invitations.
func (h *AdminHandler) ListInvitations(c fiber.Ctx) error {
	if _, ok := h.requirePermission(c, role.PermManageInvitations); !ok {
		return nil
	}
	invs, err := h.invitations.List(c)
	if err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, fiber.Map{"invitations": invs})
}

// DeleteInvitation handles DELETE /admin/invitations/:id.
func (h *AdminHandler) DeleteInvitation(c fiber.Ctx) error {
	if _, ok := h.requirePermission(c, role.PermManageInvitations); !ok {
		return nil
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "invitation id must be a UUID")
	}
	if err := h.invitations.Delete(c, id); err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// VerifyInvitation handles public POST /invitations/verify {email, token}: registration UIs check the code before
// walking the user through the flow. The invitation is not consumed here.
func (h *AdminHandler) VerifyInvitation(c fiber.Ctx) error {
	var body struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if err := h.invitations.Verify(c, body.Email, body.Token); err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, fiber.Map{"valid": true})
}

// ListReports handles GET /admin/reports?status=.
func (h *AdminHandler) ListReports(c fiber.Ctx) error {
	if _, ok := h.requirePermission(c, role.PermReviewReports); !ok {
		return nil
	}
	var status *abuse.ReportStatus
	if raw := c.Query("status"); raw != "" {
		s := abuse.ReportStatus(raw)
		status = &s
	}
	reports, err := h.reports.ListReports(c, status)
	if err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, fiber.Map{"reports": reports})
}

// UpdateReport handles PATCH /admin/reports/:id {status, notes}: the review state machine only moves forward.
func (h *AdminHandler) UpdateReport(c fiber.Ctx) error {
	adminID, ok := h.requirePermission(c, role.PermReviewReports)
	if !ok {
		return nil
	}
	var body struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	report, err := h.reports.UpdateReportStatus(c, c.Params("id"), abuse.ReportStatus(body.Status), body.Notes, adminID)
	if err != nil {
		return h.mapAdminError(c, err)
	}
	return httputil.Success(c, report)
}

// requirePermission checks the caller holds the server permission, writing the error response itself on failure.
func (h *AdminHandler) requirePermission(c fiber.Ctx, perm string) (uuid.UUID, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return uuid.Nil, false
	}
	allowed, err := h.roles.HasServerPermission(c, userID, perm)
	if err != nil {
		_ = h.mapAdminError(c, err)
		return uuid.Nil, false
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission: "+perm)
		return uuid.Nil, false
	}
	return userID, true
}

// mapAdminError converts admin and report errors to HTTP responses.
func (h *AdminHandler) mapAdminError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, admin.ErrInvitationNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "invitation not found")
	case errors.Is(err, admin.ErrInvalidRegistrationMode):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, abuse.ErrReportNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "report not found")
	case errors.Is(err, abuse.ErrInvalidStatus):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, abuse.ErrInvalidTransition):
		return httputil.Fail(c, fiber.StatusConflict, apierr.StateMismatch, err.Error())
	case errors.Is(err, image.ErrTooLarge), errors.Is(err, image.ErrNotAnImage):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "admin").Msg("unhandled admin error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
