package api

import (
	"time"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/hub"
	"github.com/murmel-chat/murmel-server/internal/meeting"
	"github.com/murmel-chat/murmel-server/internal/ratelimit"
	"github.com/murmel-chat/murmel-server/internal/role"
)

// GatewayConfig carries the connection limits for the upgrade endpoint.
type GatewayConfig struct {
	MaxConnections int
	WSCount        int
	WSWindow       time.Duration
}

// GatewayHandler serves the WebSocket upgrade for the signaling gateway. Identity is pinned before the upgrade:
// native clients authenticate like any API request, admitted external guests present their session id.
type GatewayHandler struct {
	hub      *hub.Hub
	external *meeting.ExternalStore
	roles    *role.Engine
	limiter  *ratelimit.Limiter
	cfg      GatewayConfig
	log      zerolog.Logger
}

// NewGatewayHandler creates the handler.
func NewGatewayHandler(
	h *hub.Hub,
	external *meeting.ExternalStore,
	roles *role.Engine,
	limiter *ratelimit.Limiter,
	cfg GatewayConfig,
	logger zerolog.Logger,
) *GatewayHandler {
	return &GatewayHandler{hub: h, external: external, roles: roles, limiter: limiter, cfg: cfg, log: logger}
}

// Upgrade handles GET /gateway. The connection limit and the per-IP upgrade rate limit are enforced before the
// handshake so a rejected client costs one HTTP response, not a socket.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	allowed, retryAfter, err := h.limiter.Allow(c, "ws:"+c.IP(), h.cfg.WSCount, h.cfg.WSWindow)
	if err != nil {
		h.log.Warn().Err(err).Msg("gateway rate limit check failed")
	} else if !allowed {
		return httputil.FailRetryAfter(c, apierr.RateLimited, "too many connection attempts",
			int(retryAfter.Seconds())+1)
	}

	if h.hub.ClientCount() >= h.cfg.MaxConnections {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierr.ServiceUnavailable,
			"gateway connection limit reached")
	}

	identity, ok := h.identify(c)
	if !ok {
		return nil
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeConn(conn.Conn, identity)
	})(c)
}

// identify resolves who the connection will speak for, writing the error response itself when it fails.
func (h *GatewayHandler) identify(c fiber.Ctx) (hub.Identity, bool) {
	if sessionID := c.Query("sessionId"); sessionID != "" {
		session, err := h.external.Get(c, sessionID)
		if err != nil {
			_ = httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "unknown session")
			return hub.Identity{}, false
		}
		if !session.IsAdmitted() {
			_ = httputil.Fail(c, fiber.StatusForbidden, apierr.NotAdmitted, "session has not been admitted")
			return hub.Identity{}, false
		}
		// Guests are locked to their meeting's room; the hub refuses everything else.
		return hub.Identity{
			ID:        session.ID,
			Name:      session.DisplayName,
			External:  true,
			MeetingID: session.MeetingID,
		}, true
	}

	ac := auth.FromContext(c)
	if ac.Kind == auth.KindPublic {
		_ = httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "authentication required")
		return hub.Identity{}, false
	}

	allowed, err := h.roles.HasServerPermission(c, ac.UserID, role.PermUseSignaling)
	if err != nil {
		h.log.Error().Err(err).Str("userId", ac.UserID.String()).Msg("signaling permission check failed")
		_ = httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
		return hub.Identity{}, false
	}
	if !allowed {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "missing permission to use signaling")
		return hub.Identity{}, false
	}

	// Native clients identify by their client id so a displaced device only displaces itself. Browser sessions have
	// no client id of their own and must bring one.
	clientID := c.Query("clientId")
	if ac.Kind == auth.KindHMAC {
		clientID = ac.ClientID.String()
	}
	if clientID == "" {
		_ = httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "clientId query parameter is required")
		return hub.Identity{}, false
	}
	return hub.Identity{ID: clientID, UserID: ac.UserID}, true
}
