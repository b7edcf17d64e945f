// Package envelope stores encrypted message envelopes for offline delivery: per-device 1:1 items and per-channel
// group items, with delivery and read receipts. Payloads are opaque ciphertext; the server only routes and queues.
package envelope

import (
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for the envelope package.
var (
	ErrNotChannelMember = errors.New("not a member of this channel")
)

// Cipher types carried on envelopes. The server never inspects payloads; the type tells the receiving client which
// Signal session kind to decrypt with.
const (
	CipherWhisper   = 1
	CipherPreKey    = 3
	CipherSenderKey = 4
)

// Item is one 1:1 envelope addressed to a single (receiver, device) pair. ItemID is client-provided and deduplicates
// retries; the same ItemID sent to several devices of one user yields one row per device.
type Item struct {
	ID             string `json:"id"`
	ItemID         string `json:"itemId"`
	Sender         string `json:"sender"`
	DeviceSender   int    `json:"deviceSender"`
	Receiver       string `json:"receiver"`
	DeviceReceiver int    `json:"deviceReceiver"`
	Type           string `json:"type"`
	Payload        string `json:"payload"`
	CipherType     int    `json:"cipherType"`
	Read           bool   `json:"readed"`
	DeliveredAt    *int64 `json:"deliveredAt,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// GroupItem is one sender-key encrypted group message. There is exactly one row per message; per-device reads are
// tracked separately.
type GroupItem struct {
	ID           string `json:"id"`
	ItemID       string `json:"itemId"`
	ChannelID    string `json:"channelId"`
	Sender       string `json:"sender"`
	SenderDevice int    `json:"senderDevice"`
	Type         string `json:"type"`
	Payload      string `json:"payload"`
	CipherType   int    `json:"cipherType"`
	Timestamp    int64  `json:"timestamp"`
}

// SendParams groups the sender-supplied fields of a 1:1 envelope. Sender identity comes from the authenticated
// session, never from the request body.
type SendParams struct {
	Sender         uuid.UUID
	DeviceSender   int
	Receiver       uuid.UUID
	DeviceReceiver int
	ItemID         string
	Type           string
	Payload        string
	CipherType     int
}

// GroupSendParams groups the sender-supplied fields of a group envelope.
type GroupSendParams struct {
	Sender       uuid.UUID
	SenderDevice int
	ChannelID    uuid.UUID
	ItemID       string
	Type         string
	Payload      string
	CipherType   int
}
