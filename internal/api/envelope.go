package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/channel"
	"github.com/murmel-chat/murmel-server/internal/envelope"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/hub"
	"github.com/murmel-chat/murmel-server/internal/wire"
)

// EnvelopeHandler serves the offline envelope store: 1:1 items addressed to a (user, device) pair and group items on
// signal channels. Payloads are opaque ciphertext; the handler routes and queues, nothing more. Sends nudge online
// devices through the gateway so they fetch without polling.
type EnvelopeHandler struct {
	envelopes *envelope.Repository
	channels  *channel.Repository
	hub       *hub.Hub
	log       zerolog.Logger
}

// NewEnvelopeHandler creates the handler.
func NewEnvelopeHandler(envelopes *envelope.Repository, channels *channel.Repository, h *hub.Hub, logger zerolog.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{envelopes: envelopes, channels: channels, hub: h, log: logger}
}

// Send handles POST /items. Sender identity comes from the HMAC session, never from the body. A retried itemId to
// the same target device is idempotent.
func (h *EnvelopeHandler) Send(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body struct {
		Receiver       string `json:"receiver"`
		DeviceReceiver int    `json:"deviceReceiver"`
		ItemID         string `json:"itemId"`
		Type           string `json:"type"`
		Payload        string `json:"payload"`
		CipherType     int    `json:"cipherType"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	receiver, err := uuid.Parse(body.Receiver)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "receiver must be a UUID")
	}
	if body.ItemID == "" || body.Payload == "" || body.DeviceReceiver < 1 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "itemId, payload, and deviceReceiver are required")
	}

	queued, err := h.envelopes.Send(c, envelope.SendParams{
		Sender:         ac.UserID,
		DeviceSender:   ac.DeviceID,
		Receiver:       receiver,
		DeviceReceiver: body.DeviceReceiver,
		ItemID:         body.ItemID,
		Type:           body.Type,
		Payload:        body.Payload,
		CipherType:     body.CipherType,
	})
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	if queued {
		h.hub.NotifyUser(receiver, wire.EventItem, wire.ItemNotice{ItemID: body.ItemID})
	}
	// A send dropped by the receiver's block list answers the same way, so the sender cannot probe for blocks.
	return httputil.Success(c, fiber.Map{"status": "queued"})
}

// Fetch handles GET /items: the undelivered envelopes for the calling device, oldest first. Returned envelopes are
// stamped delivered and never served again.
func (h *EnvelopeHandler) Fetch(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	items, err := h.envelopes.FetchForDevice(c, ac.UserID, ac.DeviceID)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, fiber.Map{"items": items})
}

// MarkRead handles POST /items/read: the client confirms the listed envelopes were displayed.
func (h *EnvelopeHandler) MarkRead(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if err := h.envelopes.MarkRead(c, ac.UserID, ac.DeviceID, body.ItemIDs); err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// SendGroup handles POST /group-items: one row per message regardless of member count, encrypted once with the
// sender key. Members online on the gateway are nudged to fetch.
func (h *EnvelopeHandler) SendGroup(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body struct {
		ChannelID  string `json:"channelId"`
		ItemID     string `json:"itemId"`
		Type       string `json:"type"`
		Payload    string `json:"payload"`
		CipherType int    `json:"cipherType"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	channelID, err := uuid.Parse(body.ChannelID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "channelId must be a UUID")
	}
	if body.ItemID == "" || body.Payload == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "itemId and payload are required")
	}

	item, err := h.envelopes.SendGroup(c, envelope.GroupSendParams{
		Sender:       ac.UserID,
		SenderDevice: ac.DeviceID,
		ChannelID:    channelID,
		ItemID:       body.ItemID,
		Type:         body.Type,
		Payload:      body.Payload,
		CipherType:   body.CipherType,
	})
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}

	h.notifyChannel(c, channelID, item.ItemID)
	return httputil.Success(c, item)
}

// notifyChannel nudges every member's online devices. Best-effort: failures are logged, the envelope is already
// stored and offline devices fetch it later.
func (h *EnvelopeHandler) notifyChannel(c fiber.Ctx, channelID uuid.UUID, itemID string) {
	members, err := h.channels.MemberUserIDs(c, channelID)
	if err != nil {
		h.log.Warn().Err(err).Str("channelId", channelID.String()).Msg("list members for group notification")
		return
	}
	notice := wire.GroupItemNotice{ItemID: itemID, ChannelID: channelID.String()}
	for _, member := range members {
		h.hub.NotifyUser(member, wire.EventGroupItem, notice)
	}
}

// FetchGroup handles GET /group-items?channel=&since=. since is an exclusive UnixMilli lower bound for incremental
// sync; omit it for the full backlog.
func (h *EnvelopeHandler) FetchGroup(c fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	channelID, err := uuid.Parse(c.Query("channel"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "channel must be a UUID")
	}
	var since int64
	if raw := c.Query("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "since must be a UnixMilli timestamp")
		}
	}

	items, err := h.envelopes.FetchGroup(c, channelID, userID, since)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, fiber.Map{"items": items})
}

// MarkGroupRead handles POST /group-items/read: one receipt per (item, user, device), repeats are no-ops.
func (h *EnvelopeHandler) MarkGroupRead(c fiber.Ctx) error {
	ac, ok := requireDevice(c)
	if !ok {
		return nil
	}
	var body struct {
		ItemID string `json:"itemId"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return invalidBody(c)
	}
	if body.ItemID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "itemId is required")
	}
	if err := h.envelopes.MarkGroupRead(c, body.ItemID, ac.UserID, ac.DeviceID); err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// GroupReaders handles GET /group-items/readers?itemId=: which users have read a group item.
func (h *EnvelopeHandler) GroupReaders(c fiber.Ctx) error {
	if _, ok := requireUser(c); !ok {
		return nil
	}
	itemID := c.Query("itemId")
	if itemID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "itemId is required")
	}
	readers, err := h.envelopes.GroupReaders(c, itemID)
	if err != nil {
		return h.mapEnvelopeError(c, err)
	}
	return httputil.Success(c, fiber.Map{"readers": readers})
}

// mapEnvelopeError converts envelope-store errors to HTTP responses.
func (h *EnvelopeHandler) mapEnvelopeError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, envelope.ErrNotChannelMember):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, err.Error())
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "channel not found")
	default:
		h.log.Error().Err(err).Str("handler", "envelope").Msg("unhandled envelope error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
