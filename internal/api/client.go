package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/geo"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/hub"
)

// ClientHandler serves device and session management endpoints.
type ClientHandler struct {
	devices  *device.Repository
	sessions *auth.ClientSessionStore
	auth     *auth.Service
	hub      *hub.Hub
	geo      geo.Lookup
	log      zerolog.Logger
}

// NewClientHandler creates the handler.
func NewClientHandler(devices *device.Repository, sessions *auth.ClientSessionStore, svc *auth.Service, h *hub.Hub, lookup geo.Lookup, logger zerolog.Logger) *ClientHandler {
	return &ClientHandler{devices: devices, sessions: sessions, auth: svc, hub: h, geo: lookup, log: logger}
}

// deviceResponse is the client-facing view of a registered device.
type deviceResponse struct {
	ClientID  string `json:"clientId"`
	DeviceID  int    `json:"deviceId"`
	Browser   string `json:"browser"`
	IP        string `json:"ip"`
	Location  string `json:"location"`
	HasSignal bool   `json:"hasSignalIdentity"`
	CreatedAt int64  `json:"createdAt"`
}

// AddWeb handles POST /client/addweb: a signed-in browser adopts a client id so the web app can use the envelope and
// key-directory endpoints that address devices.
func (h *ClientHandler) AddWeb(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		ClientID string `json:"clientId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	clientID, err := auth.ParseClientID(body.ClientID)
	if err != nil {
		return h.mapClientError(c, err)
	}

	d, err := h.devices.FindOrCreate(c, clientID, userID, requestInfo(c, h.geo, h.log))
	if err != nil {
		return h.mapClientError(c, err)
	}
	return httputil.Success(c, deviceView(d))
}

// List handles GET /client/list.
func (h *ClientHandler) List(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	devices, err := h.devices.ListForOwner(c, userID)
	if err != nil {
		return h.mapClientError(c, err)
	}
	views := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		views = append(views, deviceView(&devices[i]))
	}
	return httputil.Success(c, fiber.Map{"clients": views})
}

// Delete handles POST /client/delete: removes a device, its HMAC session, and its live gateway connection.
func (h *ClientHandler) Delete(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		ClientID string `json:"clientId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	clientID, err := auth.ParseClientID(body.ClientID)
	if err != nil {
		return h.mapClientError(c, err)
	}

	if err := h.auth.Logout(c, clientID); err != nil {
		return h.mapClientError(c, err)
	}
	if err := h.devices.Delete(c, clientID, userID); err != nil {
		return h.mapClientError(c, err)
	}
	h.hub.DisconnectClient(clientID.String())
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// sessionResponse is the client-facing view of an HMAC session. The secret never leaves the server after issuance.
type sessionResponse struct {
	ClientID   string    `json:"clientId"`
	DeviceID   int       `json:"deviceId"`
	DeviceInfo string    `json:"deviceInfo"`
	LastUsed   time.Time `json:"lastUsed"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	Current    bool      `json:"current"`
}

// ListSessions handles GET /sessions/list.
func (h *ClientHandler) ListSessions(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	ac := auth.FromContext(c)
	sessions, err := h.sessions.ListForUser(c, userID)
	if err != nil {
		return h.mapClientError(c, err)
	}
	views := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionResponse{
			ClientID:   s.ClientID.String(),
			DeviceID:   s.DeviceID,
			DeviceInfo: s.DeviceInfo,
			LastUsed:   s.LastUsed,
			ExpiresAt:  s.ExpiresAt,
			CreatedAt:  s.CreatedAt,
			Current:    ac.Kind == auth.KindHMAC && ac.ClientID == s.ClientID,
		})
	}
	return httputil.Success(c, fiber.Map{"sessions": views})
}

// RevokeSession handles POST /sessions/revoke: tears down one of the caller's HMAC sessions.
func (h *ClientHandler) RevokeSession(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	clientID, err := auth.ParseClientID(body.SessionID)
	if err != nil {
		return h.mapClientError(c, err)
	}

	session, err := h.sessions.Get(c, clientID)
	if err != nil {
		return h.mapClientError(c, err)
	}
	if session.UserID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "session belongs to another user")
	}
	if err := h.auth.Logout(c, clientID); err != nil {
		return h.mapClientError(c, err)
	}
	h.hub.DisconnectClient(clientID.String())
	return httputil.Success(c, fiber.Map{"status": "revoked"})
}

// RevokeAllSessions handles POST /sessions/revoke-all.
func (h *ClientHandler) RevokeAllSessions(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	sessions, err := h.sessions.ListForUser(c, userID)
	if err != nil {
		return h.mapClientError(c, err)
	}
	if err := h.auth.RevokeAll(c, userID); err != nil {
		return h.mapClientError(c, err)
	}
	for _, s := range sessions {
		h.hub.DisconnectClient(s.ClientID.String())
	}
	return httputil.Success(c, fiber.Map{"status": "revoked", "count": len(sessions)})
}

func deviceView(d *device.Device) deviceResponse {
	return deviceResponse{
		ClientID:  d.ClientID.String(),
		DeviceID:  d.DeviceID,
		Browser:   d.Browser,
		IP:        d.IP,
		Location:  d.Location,
		HasSignal: d.PublicKey != nil,
		CreatedAt: d.CreatedAt.UnixMilli(),
	}
}

// mapClientError converts device and session errors to HTTP responses.
func (h *ClientHandler) mapClientError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidClientID):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, device.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "client not found")
	case errors.Is(err, auth.ErrSessionNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "session not found")
	default:
		h.log.Error().Err(err).Str("handler", "client").Msg("unhandled client error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
