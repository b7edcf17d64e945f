package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/keydir"
)

// KeyHandler serves the Signal key directory. Every mutation addresses the caller's own device, so these endpoints
// are native-only.
type KeyHandler struct {
	keys    *keydir.Repository
	devices *device.Repository
	log     zerolog.Logger
}

// NewKeyHandler creates the handler.
func NewKeyHandler(keys *keydir.Repository, devices *device.Repository, logger zerolog.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, devices: devices, log: logger}
}

// UploadPreKeys handles POST /keys/prekeys. The identity key rides along on the first upload.
func (h *KeyHandler) UploadPreKeys(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body struct {
		IdentityKey    string          `json:"identityKey"`
		RegistrationID *int64          `json:"registrationId"`
		PreKeys        []keydir.PreKey `json:"preKeys"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if len(body.PreKeys) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "preKeys must not be empty")
	}

	if body.IdentityKey != "" && body.RegistrationID != nil {
		if err := h.devices.SetSignalIdentity(c, ac.ClientID, body.IdentityKey, *body.RegistrationID); err != nil {
			return h.mapKeyError(c, err)
		}
	}
	if err := h.keys.UploadPreKeys(c, ac.ClientID, ac.UserID, body.PreKeys); err != nil {
		return h.mapKeyError(c, err)
	}

	count, err := h.keys.PreKeyCount(c, ac.ClientID)
	if err != nil {
		return h.mapKeyError(c, err)
	}
	return httputil.Success(c, fiber.Map{"remaining": count})
}

// RotateSignedPreKey handles POST /keys/signed-prekey.
func (h *KeyHandler) RotateSignedPreKey(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body keydir.SignedPreKey
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.Data == "" || body.Signature == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "signedPreKeyData and signedPreKeySignature are required")
	}
	if err := h.keys.RotateSignedPreKey(c, ac.ClientID, ac.UserID, body); err != nil {
		return h.mapKeyError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// FetchBundle handles GET /keys/bundle?user=&device=. The returned one-time pre-key is consumed: no second fetch
// ever sees it.
func (h *KeyHandler) FetchBundle(c fiber.Ctx) error {
	if _, ok := requireUser(c); !ok {
		return nil
	}
	target, err := uuid.Parse(c.Query("user"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "user must be a UUID")
	}
	deviceID, err := strconv.Atoi(c.Query("device"))
	if err != nil || deviceID < 1 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "device must be a positive integer")
	}

	bundle, err := h.keys.FetchBundle(c, target, deviceID)
	if err != nil {
		return h.mapKeyError(c, err)
	}
	return httputil.Success(c, bundle)
}

// PutSenderKey handles POST /keys/sender-key: uploads the caller's group fan-out key for a channel.
func (h *KeyHandler) PutSenderKey(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body struct {
		ChannelID string `json:"channelId"`
		SenderKey string `json:"senderKey"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	channelID, err := uuid.Parse(body.ChannelID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "channelId must be a UUID")
	}
	if body.SenderKey == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "senderKey is required")
	}

	if err := h.keys.PutSenderKey(c, channelID, ac.ClientID, ac.UserID, body.SenderKey); err != nil {
		return h.mapKeyError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// ListSenderKeys handles GET /keys/sender-keys?channel=: the keys a member needs to decrypt the channel's messages.
func (h *KeyHandler) ListSenderKeys(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	channelID, err := uuid.Parse(c.Query("channel"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "channel must be a UUID")
	}
	keys, err := h.keys.ListSenderKeys(c, channelID, userID)
	if err != nil {
		return h.mapKeyError(c, err)
	}
	return httputil.Success(c, fiber.Map{"senderKeys": keys})
}

// mapKeyError converts key-directory errors to HTTP responses.
func (h *KeyHandler) mapKeyError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, device.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "device not found")
	case errors.Is(err, keydir.ErrNoSignedPreKey), errors.Is(err, keydir.ErrNoIdentity):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, err.Error())
	case errors.Is(err, keydir.ErrNotChannelMember):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, err.Error())
	case errors.Is(err, keydir.ErrNotGroupChannel):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "keys").Msg("unhandled key directory error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
