package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/geo"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/ratelimit"
	"github.com/murmel-chat/murmel-server/internal/user"
)

// TokenLimits carries the per-endpoint rate-limit quotas.
type TokenLimits struct {
	ExchangeCount  int
	ExchangeWindow time.Duration
	RefreshCount   int
	RefreshWindow  time.Duration
}

// TokenHandler serves hand-off token exchange, refresh rotation, revocation, and session maintenance.
type TokenHandler struct {
	auth     *auth.Service
	users    *user.Repository
	sessions *auth.ClientSessionStore
	web      *auth.WebSessionStore
	handoff  *auth.HandoffIssuer
	magic    *auth.MagicLinkStore
	limiter  *ratelimit.Limiter
	limits   TokenLimits
	geo      geo.Lookup
	log      zerolog.Logger
}

// NewTokenHandler creates the handler.
func NewTokenHandler(
	svc *auth.Service,
	users *user.Repository,
	sessions *auth.ClientSessionStore,
	web *auth.WebSessionStore,
	handoff *auth.HandoffIssuer,
	magic *auth.MagicLinkStore,
	limiter *ratelimit.Limiter,
	limits TokenLimits,
	lookup geo.Lookup,
	logger zerolog.Logger,
) *TokenHandler {
	return &TokenHandler{
		auth:     svc,
		users:    users,
		sessions: sessions,
		web:      web,
		handoff:  handoff,
		magic:    magic,
		limiter:  limiter,
		limits:   limits,
		geo:      lookup,
		log:      logger,
	}
}

// exchangeResponse is the body of a successful hand-off exchange.
type exchangeResponse struct {
	SessionSecret string    `json:"sessionSecret"`
	UserID        uuid.UUID `json:"userId"`
	Email         string    `json:"email"`
	CredentialID  string    `json:"credentialId,omitempty"`
	DeviceID      int       `json:"deviceId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RefreshToken  string    `json:"refreshToken"`
}

// Exchange handles POST /token/exchange: a native client trades the short-lived hand-off token from a Custom-Tab
// sign-in for a long-lived HMAC session.
func (h *TokenHandler) Exchange(c fiber.Ctx) error {
	var body struct {
		Token    string `json:"token"`
		ClientID string `json:"clientId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "token is required")
	}

	limitKey := "exchange:" + body.ClientID
	if body.ClientID == "" {
		limitKey = "exchange:" + c.IP()
	}
	allowed, retryAfter, err := h.limiter.Allow(c, limitKey, h.limits.ExchangeCount, h.limits.ExchangeWindow)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	if !allowed {
		return httputil.FailRetryAfter(c, apierr.RateLimited, "too many exchange attempts", int(retryAfter.Seconds())+1)
	}

	clientID, err := auth.ParseClientID(body.ClientID)
	if err != nil {
		return h.mapTokenError(c, err)
	}

	claims, err := h.handoff.Redeem(c, body.Token)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return h.mapTokenError(c, auth.ErrInvalidToken)
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapTokenError(c, err)
	}

	material, err := h.auth.EstablishClientSession(c, u, clientID, requestInfo(c, h.geo, h.log))
	if err != nil {
		return h.mapTokenError(c, err)
	}

	return httputil.Success(c, exchangeResponse{
		SessionSecret: material.SessionSecret,
		UserID:        material.UserID,
		Email:         material.Email,
		CredentialID:  claims.CredentialID,
		DeviceID:      material.DeviceID,
		ExpiresAt:     material.ExpiresAt,
		RefreshToken:  material.RefreshToken,
	})
}

// Refresh handles POST /token/refresh: one-shot refresh-token rotation. A replayed token destroys the session.
func (h *TokenHandler) Refresh(c fiber.Ctx) error {
	var body struct {
		ClientID     string `json:"clientId"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "refreshToken is required")
	}
	clientID, err := auth.ParseClientID(body.ClientID)
	if err != nil {
		return h.mapTokenError(c, err)
	}

	allowed, retryAfter, err := h.limiter.Allow(c, "refresh:"+body.ClientID, h.limits.RefreshCount, h.limits.RefreshWindow)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	if !allowed {
		return httputil.FailRetryAfter(c, apierr.RateLimited, "too many refresh attempts", int(retryAfter.Seconds())+1)
	}

	material, err := h.auth.RotateSession(c, clientID, body.RefreshToken)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	return httputil.Success(c, material)
}

// Revoke handles POST /token/revoke: blacklists an outstanding hand-off token.
func (h *TokenHandler) Revoke(c fiber.Ctx) error {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "token is required")
	}
	if err := h.handoff.Revoke(c, body.Token); err != nil {
		return h.mapTokenError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "revoked"})
}

// RefreshSession handles POST /session/refresh: extends the authenticated HMAC session's expiry.
func (h *TokenHandler) RefreshSession(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	expiresAt, err := h.sessions.Extend(c, ac.ClientID, h.auth.SessionTTL())
	if err != nil {
		return h.mapTokenError(c, err)
	}
	return httputil.Success(c, fiber.Map{"expiresAt": expiresAt})
}

// Logout handles POST /logout for both auth forms: native clients lose their HMAC session and refresh chain,
// browsers lose their cookie session.
func (h *TokenHandler) Logout(c fiber.Ctx) error {
	ac := auth.FromContext(c)
	switch ac.Kind {
	case auth.KindHMAC:
		if err := h.auth.Logout(c, ac.ClientID); err != nil {
			return h.mapTokenError(c, err)
		}
	case auth.KindSession:
		if ac.Session != nil {
			if err := h.web.Delete(c, ac.Session.ID); err != nil {
				return h.mapTokenError(c, err)
			}
		}
		c.Cookie(&fiber.Cookie{
			Name:     auth.SessionCookie,
			Value:    "",
			Expires:  time.Unix(0, 0),
			HTTPOnly: true,
			Path:     "/",
		})
	default:
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "authentication required")
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// GenerateMagicLink handles GET /magic/generate for an authenticated caller.
func (h *TokenHandler) GenerateMagicLink(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	link, err := h.magic.Generate(c, u.ID, u.Email)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"magicKey":  link,
		"expiresAt": time.Now().Add(h.magic.TTL()).UnixMilli(),
	})
}

// RedeemMagicLink handles POST /magic/redeem: one-shot sign-in with a generated link, typically to adopt a second
// device. Supplying a clientId establishes an HMAC session for it.
func (h *TokenHandler) RedeemMagicLink(c fiber.Ctx) error {
	var body struct {
		MagicKey string `json:"magicKey"`
		ClientID string `json:"clientId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.MagicKey == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "magicKey is required")
	}

	userID, _, err := h.magic.Redeem(c, body.MagicKey)
	if err != nil {
		return h.mapTokenError(c, err)
	}
	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapTokenError(c, err)
	}

	if body.ClientID != "" {
		clientID, err := auth.ParseClientID(body.ClientID)
		if err != nil {
			return h.mapTokenError(c, err)
		}
		material, err := h.auth.EstablishClientSession(c, u, clientID, requestInfo(c, h.geo, h.log))
		if err != nil {
			return h.mapTokenError(c, err)
		}
		return httputil.Success(c, material)
	}
	return httputil.Success(c, fiber.Map{"status": "ok", "userId": u.ID})
}

// mapTokenError converts token-layer errors to HTTP responses.
func (h *TokenHandler) mapTokenError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidClientID):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, auth.ErrRefreshTokenReused):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenReused, "refresh token has already been used")
	case errors.Is(err, auth.ErrRefreshTokenNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidToken, "refresh token not found or expired")
	case errors.Is(err, auth.ErrTokenRedeemed):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenReused, "token has already been redeemed")
	case errors.Is(err, auth.ErrInvalidToken):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidToken, "invalid or expired token")
	case errors.Is(err, auth.ErrMagicLinkInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidToken, "magic link invalid, expired, or already used")
	case errors.Is(err, auth.ErrSessionNotFound), errors.Is(err, auth.ErrSessionExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "no active session")
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "unknown user")
	default:
		h.log.Error().Err(err).Str("handler", "token").Msg("unhandled token error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
