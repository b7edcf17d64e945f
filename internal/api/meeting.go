package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/hub"
	"github.com/murmel-chat/murmel-server/internal/meeting"
	"github.com/murmel-chat/murmel-server/internal/role"
	"github.com/murmel-chat/murmel-server/internal/user"
	"github.com/murmel-chat/murmel-server/internal/wire"
)

// MeetingHandler serves meeting lifecycle, RSVP, invitation tokens, and external-guest admission. Guests hold no
// account; they authenticate with the volatile session id issued when they redeem an invitation token.
type MeetingHandler struct {
	meetings *meeting.Repository
	external *meeting.ExternalStore
	users    *user.Repository
	roles    *role.Engine
	hub      *hub.Hub
	log      zerolog.Logger
}

// NewMeetingHandler creates the handler.
func NewMeetingHandler(
	meetings *meeting.Repository,
	external *meeting.ExternalStore,
	users *user.Repository,
	roles *role.Engine,
	h *hub.Hub,
	logger zerolog.Logger,
) *MeetingHandler {
	return &MeetingHandler{meetings: meetings, external: external, users: users, roles: roles, hub: h, log: logger}
}

// Create handles POST /meetings.
func (h *MeetingHandler) Create(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	allowed, err := h.roles.HasServerPermission(c, userID, role.PermCreateMeetings)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to create meetings")
	}

	var body struct {
		MeetingName         string   `json:"meetingName"`
		MeetingDescription  string   `json:"meetingDescription"`
		InstantMeeting      bool     `json:"instantMeeting"`
		ScheduledMeeting    bool     `json:"scheduledMeeting"`
		MeetingDate         *int64   `json:"meetingDate"`
		MeetingEnd          *int64   `json:"meetingEnd"`
		AllowExternal       bool     `json:"allowExternal"`
		InvitedParticipants []string `json:"invitedParticipants"`
		VoiceOnly           bool     `json:"voiceOnly"`
		Muted               bool     `json:"muted"`
		CameraOff           bool     `json:"cameraOff"`
		EnableChat          bool     `json:"enableChat"`
		EnableRecording     bool     `json:"enableRecording"`
		MaxCamResolution    *string  `json:"maxCamResolution"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.ScheduledMeeting && body.MeetingDate == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "scheduled meetings need a meetingDate")
	}

	m, err := h.meetings.Create(c, meeting.CreateParams{
		Title:               body.MeetingName,
		Description:         body.MeetingDescription,
		CreatedBy:           userID.String(),
		StartTime:           body.MeetingDate,
		EndTime:             body.MeetingEnd,
		InstantCall:         body.InstantMeeting,
		AllowExternal:       body.AllowExternal,
		InvitedParticipants: body.InvitedParticipants,
		VoiceOnly:           body.VoiceOnly,
		MuteOnJoin:          body.Muted,
		EnableChat:          body.EnableChat,
		EnableRecording:     body.EnableRecording,
		CameraOff:           body.CameraOff,
		MaxCamResolution:    body.MaxCamResolution,
	})
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, m)
}

// GetSettings handles GET /meetings/:id/settings. Admitted external guests may read the settings of their own
// meeting by presenting their session id; everyone else needs an account.
func (h *MeetingHandler) GetSettings(c fiber.Ctx) error {
	meetingID := c.Params("id")
	if sessionID := c.Query("sessionId"); sessionID != "" {
		session, err := h.external.Get(c, sessionID)
		if err != nil || session.MeetingID != meetingID {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "unknown session")
		}
	} else if _, ok := requireUser(c); !ok {
		return nil
	}

	m, err := h.meetings.Get(c, meetingID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"settings": m})
}

// List handles GET /meetings: the meetings the caller organizes.
func (h *MeetingHandler) List(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	meetings, err := h.meetings.ListCreatedBy(c, userID.String())
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"meetings": meetings})
}

// Delete handles DELETE /meetings/:id. Organizer only. Guest sessions of the meeting are dropped with it.
func (h *MeetingHandler) Delete(c fiber.Ctx) error {
	m, ok := h.requireOrganizer(c)
	if !ok {
		return nil
	}
	if err := h.meetings.Delete(c, m.ID); err != nil {
		return h.mapMeetingError(c, err)
	}
	if err := h.external.DeleteForMeeting(c, m.ID); err != nil {
		h.log.Warn().Err(err).Str("meetingId", m.ID).Msg("drop external sessions on meeting delete")
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// SetRSVP handles POST /meetings/:id/rsvp. Only listed participants reply; the status is revisable.
func (h *MeetingHandler) SetRSVP(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}

	m, err := h.meetings.Get(c, c.Params("id"))
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	invitee, err := h.inviteeKey(c, m, userID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}

	if err := h.meetings.SetRSVP(c, m.ID, invitee, meeting.RSVPStatus(body.Status)); err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": body.Status})
}

// inviteeKey resolves how the caller appears on the participant list: by user id, or by email for participants
// invited before they had an account.
func (h *MeetingHandler) inviteeKey(c fiber.Ctx, m *meeting.Meeting, userID uuid.UUID) (string, error) {
	if m.IsInvited(userID.String()) {
		return userID.String(), nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return "", err
	}
	if m.IsInvited(u.Email) {
		return u.Email, nil
	}
	return "", meeting.ErrNotInvited
}

// ListRSVPs handles GET /meetings/:id/rsvps: the organizer's aggregated view.
func (h *MeetingHandler) ListRSVPs(c fiber.Ctx) error {
	m, ok := h.requireOrganizer(c)
	if !ok {
		return nil
	}
	rsvps, err := h.meetings.RSVPs(c, m.ID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	counts, err := h.meetings.CountRSVPs(c, m.ID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"rsvps": rsvps, "counts": counts})
}

// CreateInvitation handles POST /meetings/:id/invitations: a reusable guest token, optionally expiring or capped.
func (h *MeetingHandler) CreateInvitation(c fiber.Ctx) error {
	m, ok := h.requireOrganizer(c)
	if !ok {
		return nil
	}
	if !m.AllowExternal {
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, "meeting does not allow external guests")
	}
	var body struct {
		Label     string `json:"label"`
		ExpiresAt *int64 `json:"expiresAt"`
		MaxUses   *int   `json:"maxUses"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	inv, err := h.meetings.CreateInvitation(c, m.ID, body.Label, m.CreatedBy, body.ExpiresAt, body.MaxUses)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, inv)
}

// ListInvitations handles GET /meetings/:id/invitations.
func (h *MeetingHandler) ListInvitations(c fiber.Ctx) error {
	m, ok := h.requireOrganizer(c)
	if !ok {
		return nil
	}
	invs, err := h.meetings.ListInvitations(c, m.ID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"invitations": invs})
}

// RevokeInvitation handles POST /meetings/:id/invitations/revoke {invitationId}.
func (h *MeetingHandler) RevokeInvitation(c fiber.Ctx) error {
	if _, ok := h.requireOrganizer(c); !ok {
		return nil
	}
	var body struct {
		InvitationID string `json:"invitationId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if err := h.meetings.DeactivateInvitation(c, body.InvitationID); err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "revoked"})
}

// JoinExternal handles public POST /meetings/join-external: a guest redeems an invitation token with a display name
// and the Signal pre-key bundle they bring, and receives a volatile session id. Admission still requires a knock.
func (h *MeetingHandler) JoinExternal(c fiber.Ctx) error {
	var body struct {
		Token        string          `json:"token"`
		DisplayName  string          `json:"displayName"`
		IdentityKey  string          `json:"identityKey"`
		SignedPreKey json.RawMessage `json:"signedPreKey"`
		PreKeys      json.RawMessage `json:"preKeys"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Token == "" || body.DisplayName == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "token and displayName are required")
	}

	m, err := h.meetings.ConsumeInvitation(c, body.Token)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	if !m.AllowExternal {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "meeting does not allow external guests")
	}

	session, err := h.external.Create(c, m.ID, body.DisplayName, body.IdentityKey, body.SignedPreKey, body.PreKeys)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"sessionId": session.ID,
		"meetingId": m.ID,
		"title":     m.Title,
		"voiceOnly": m.VoiceOnly,
	})
}

// Knock handles public POST /meetings/knock {sessionId}: the guest requests admission. Repeats inside the cooldown
// are rejected with the remaining wait; each accepted knock is pushed to the meeting's signed-in members.
func (h *MeetingHandler) Knock(c fiber.Ctx) error {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.SessionID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "sessionId is required")
	}

	session, err := h.external.Knock(c, body.SessionID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}

	// A meeting that has not opened yet still accepts knocks; hosts simply are not there to admit.
	h.hub.Knock(session.MeetingID, wire.KnockPayload{
		SessionID:   session.ID,
		MeetingID:   session.MeetingID,
		DisplayName: session.DisplayName,
	})
	return httputil.Success(c, fiber.Map{"status": "knocking"})
}

// SessionStatus handles public GET /meetings/session?sessionId=: guests poll their admission state while waiting at
// the door.
func (h *MeetingHandler) SessionStatus(c fiber.Ctx) error {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "sessionId is required")
	}
	session, err := h.external.Get(c, sessionID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"meetingId": session.MeetingID,
		"admitted":  session.Admitted,
	})
}

// Admit handles POST /meetings/:id/admit {sessionId}: a host lets the guest in.
func (h *MeetingHandler) Admit(c fiber.Ctx) error {
	session, ok := h.requireAdmissionRights(c)
	if !ok {
		return nil
	}
	admitted, err := h.external.Admit(c, session)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"sessionId": admitted.ID, "admitted": true})
}

// Decline handles POST /meetings/:id/decline {sessionId}: the guest stays out but may re-knock after the cooldown.
func (h *MeetingHandler) Decline(c fiber.Ctx) error {
	session, ok := h.requireAdmissionRights(c)
	if !ok {
		return nil
	}
	declined, err := h.external.Decline(c, session)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"sessionId": declined.ID, "admitted": declined.Admitted})
}

// ListExternal handles GET /meetings/:id/externals: the guests currently at or past the door.
func (h *MeetingHandler) ListExternal(c fiber.Ctx) error {
	m, ok := h.requireOrganizer(c)
	if !ok {
		return nil
	}
	sessions, err := h.external.ListForMeeting(c, m.ID)
	if err != nil {
		return h.mapMeetingError(c, err)
	}
	return httputil.Success(c, fiber.Map{"sessions": sessions})
}

// requireOrganizer loads the meeting from the :id param and checks the caller created it. Writes the error response
// itself when the check fails.
func (h *MeetingHandler) requireOrganizer(c fiber.Ctx) (*meeting.Meeting, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return nil, false
	}
	m, err := h.meetings.Get(c, c.Params("id"))
	if err != nil {
		_ = h.mapMeetingError(c, err)
		return nil, false
	}
	if m.CreatedBy != userID.String() {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "only the organizer may do this")
		return nil, false
	}
	return m, true
}

// requireAdmissionRights checks the caller may admit guests to the meeting in :id — the organizer or any listed
// participant — and returns the sessionId from the body.
func (h *MeetingHandler) requireAdmissionRights(c fiber.Ctx) (string, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return "", false
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		_ = invalidBody(c)
		return "", false
	}
	if body.SessionID == "" {
		_ = httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "sessionId is required")
		return "", false
	}

	m, err := h.meetings.Get(c, c.Params("id"))
	if err != nil {
		_ = h.mapMeetingError(c, err)
		return "", false
	}
	if !m.IsInvited(userID.String()) {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "only meeting participants may admit guests")
		return "", false
	}

	// The session must belong to this meeting; otherwise a host of one meeting could admit into another.
	session, err := h.external.Get(c, body.SessionID)
	if err != nil {
		_ = h.mapMeetingError(c, err)
		return "", false
	}
	if session.MeetingID != m.ID {
		_ = httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "session not found for this meeting")
		return "", false
	}
	return body.SessionID, true
}

// mapMeetingError converts meeting errors to HTTP responses.
func (h *MeetingHandler) mapMeetingError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, meeting.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "meeting not found")
	case errors.Is(err, meeting.ErrSessionNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "session not found")
	case errors.Is(err, meeting.ErrTitleRequired), errors.Is(err, meeting.ErrInvalidRSVP):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, meeting.ErrInvitationInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidToken, err.Error())
	case errors.Is(err, meeting.ErrNotInvited):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, err.Error())
	case errors.Is(err, meeting.ErrExternalDisabled):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, err.Error())
	case errors.Is(err, meeting.ErrTooEarly):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.MeetingNotOpen, err.Error())
	case errors.Is(err, meeting.ErrKnockCooldown):
		return httputil.FailRetryAfter(c, apierr.KnockCooldown, "admission was requested too recently", int(meeting.KnockCooldown.Seconds()))
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "user not found")
	default:
		h.log.Error().Err(err).Str("handler", "meeting").Msg("unhandled meeting error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
