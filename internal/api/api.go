// Package api contains the HTTP handlers and route registration. Handlers stay thin: decode the body, call the
// service or repository, map domain errors to the JSON error envelope.
package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/geo"
	"github.com/murmel-chat/murmel-server/internal/httputil"
)

// requireUser returns the authenticated user id or writes a 401. Handlers behind RequireAny/RequireNative middleware
// always find one; the check guards against route misconfiguration.
func requireUser(c fiber.Ctx) (uuid.UUID, bool) {
	ac := auth.FromContext(c)
	if ac.Kind == auth.KindPublic || ac.UserID == uuid.Nil {
		_ = httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "authentication required")
		return uuid.Nil, false
	}
	return ac.UserID, true
}

// requireDevice returns the HMAC identity for endpoints that address a specific device. Browser sessions have no
// device id, so these endpoints are native-only.
func requireDevice(c fiber.Ctx) (auth.AuthContext, bool) {
	ac := auth.FromContext(c)
	if ac.Kind != auth.KindHMAC {
		_ = httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorized, "this endpoint requires a signed client request")
		return ac, false
	}
	return ac, true
}

// requestInfo collects the client metadata recorded on credentials and device rows. Geolocation is best-effort.
func requestInfo(c fiber.Ctx, lookup geo.Lookup, log zerolog.Logger) device.Info {
	ip := c.IP()
	return device.Info{
		IP:       ip,
		Browser:  c.Get(fiber.HeaderUserAgent),
		Location: geo.Resolve(c, lookup, log, ip),
	}
}

// invalidBody is the shared response for bodies that do not decode.
func invalidBody(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "invalid request body")
}
