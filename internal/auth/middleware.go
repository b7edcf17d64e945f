package auth

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/httputil"
)

// HMAC request headers.
const (
	HeaderClientID  = "X-Client-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// Kind discriminates how a request was authenticated.
type Kind int

const (
	// KindPublic marks an unauthenticated request on an endpoint that allows it.
	KindPublic Kind = iota
	// KindHMAC marks a native client request authenticated by request signature.
	KindHMAC
	// KindSession marks a browser request authenticated by session cookie.
	KindSession
)

// AuthContext is attached to every request by the middleware and passed to handlers through Locals. Exactly one
// variant is populated: HMAC requests carry ClientID/UserID/DeviceID, session requests carry UserID/Email/Session.
type AuthContext struct {
	Kind     Kind
	UserID   uuid.UUID
	ClientID uuid.UUID
	DeviceID int
	Email    string
	Session  *WebSession
}

const authLocalsKey = "authContext"

// FromContext returns the AuthContext set by the middleware, or a public context if none ran.
func FromContext(c fiber.Ctx) AuthContext {
	if ac, ok := c.Locals(authLocalsKey).(AuthContext); ok {
		return ac
	}
	return AuthContext{Kind: KindPublic}
}

// Middleware authenticates requests. Native clients sign every request with their session secret; browsers carry a
// session cookie. Endpoints choose which forms they accept.
type Middleware struct {
	sessions *ClientSessionStore
	web      *WebSessionStore
	nonces   *NonceStore
	skew     time.Duration
	log      zerolog.Logger
}

// NewMiddleware creates the middleware.
func NewMiddleware(sessions *ClientSessionStore, web *WebSessionStore, nonces *NonceStore, skew time.Duration, log zerolog.Logger) *Middleware {
	return &Middleware{sessions: sessions, web: web, nonces: nonces, skew: skew, log: log}
}

// RequireNative accepts HMAC-signed requests only.
func (m *Middleware) RequireNative() fiber.Handler {
	return func(c fiber.Ctx) error {
		ac, err := m.authenticateHMAC(c)
		if err != nil {
			return m.reject(c, err)
		}
		c.Locals(authLocalsKey, *ac)
		return c.Next()
	}
}

// RequireWeb accepts cookie-session requests only. The session must belong to a signed-in user.
func (m *Middleware) RequireWeb() fiber.Handler {
	return func(c fiber.Ctx) error {
		ac, err := m.authenticateSession(c)
		if err != nil {
			return m.reject(c, err)
		}
		c.Locals(authLocalsKey, *ac)
		return c.Next()
	}
}

// RequireAny accepts either form. HMAC headers take precedence when present.
func (m *Middleware) RequireAny() fiber.Handler {
	return func(c fiber.Ctx) error {
		var (
			ac  *AuthContext
			err error
		)
		if c.Get(HeaderClientID) != "" {
			ac, err = m.authenticateHMAC(c)
		} else {
			ac, err = m.authenticateSession(c)
		}
		if err != nil {
			return m.reject(c, err)
		}
		c.Locals(authLocalsKey, *ac)
		return c.Next()
	}
}

// WithSession loads the browser session when a cookie is present but does not require one; handlers on registration
// endpoints create the session lazily. A signed-in user becomes visible through the AuthContext either way.
func (m *Middleware) WithSession() fiber.Handler {
	return func(c fiber.Ctx) error {
		ac, err := m.authenticateSession(c)
		if err != nil {
			c.Locals(authLocalsKey, AuthContext{Kind: KindPublic})
			return c.Next()
		}
		c.Locals(authLocalsKey, *ac)
		return c.Next()
	}
}

func (m *Middleware) authenticateHMAC(c fiber.Ctx) (*AuthContext, error) {
	clientID, err := ParseClientID(c.Get(HeaderClientID))
	if err != nil {
		return nil, err
	}

	timestamp := c.Get(HeaderTimestamp)
	nonce := c.Get(HeaderNonce)
	signature := c.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		return nil, ErrBadSignature
	}

	session, err := m.sessions.Get(c, clientID)
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now()) {
		return nil, ErrSessionExpired
	}

	if err := CheckTimestamp(timestamp, m.skew, time.Now()); err != nil {
		return nil, err
	}
	if !VerifySignature(session.SessionSecret, c.Method(), c.Path(), timestamp, nonce, c.Body(), signature) {
		return nil, ErrBadSignature
	}
	if err := m.nonces.Remember(c, clientID, nonce); err != nil {
		if errors.Is(err, ErrNonceReused) {
			// A replay of a correctly signed request means the credential leaked. The session is destroyed, so even
			// fresh nonces stop working.
			if derr := m.sessions.Delete(c, clientID); derr != nil {
				m.log.Error().Err(derr).Str("clientId", clientID.String()).Msg("destroy session after nonce reuse")
			}
		}
		return nil, err
	}

	if err := m.sessions.Touch(c, clientID); err != nil {
		m.log.Warn().Err(err).Str("clientId", clientID.String()).Msg("touch client session")
	}

	return &AuthContext{
		Kind:     KindHMAC,
		UserID:   session.UserID,
		ClientID: clientID,
		DeviceID: session.DeviceID,
	}, nil
}

func (m *Middleware) authenticateSession(c fiber.Ctx) (*AuthContext, error) {
	session, err := m.web.Get(c, c.Cookies(SessionCookie))
	if err != nil {
		return nil, err
	}
	if session.UserID == "" {
		return nil, ErrSessionNotFound
	}
	userID, err := uuid.Parse(session.UserID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return &AuthContext{
		Kind:    KindSession,
		UserID:  userID,
		Email:   session.Email,
		Session: session,
	}, nil
}

func (m *Middleware) reject(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.SessionExpired, "session expired")
	case errors.Is(err, ErrNonceReused), errors.Is(err, ErrNonceTooLong):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NonceReused, "nonce rejected")
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrStaleTimestamp):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.InvalidSignature, "invalid request signature")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrInvalidClientID):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "authentication required")
	default:
		m.log.Error().Err(err).Msg("authenticate request")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "internal error")
	}
}
