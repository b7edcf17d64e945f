// Package keydir is the Signal protocol key directory: per-device one-time pre-keys, signed pre-keys, and per-channel
// sender keys. Bundle fetches consume exactly one pre-key; consumption is serialized through the write queue so two
// concurrent fetches can never hand out the same key.
package keydir

import "errors"

var (
	// ErrNoSignedPreKey means the device has not uploaded a signed pre-key yet, so no bundle can be served.
	ErrNoSignedPreKey = errors.New("device has no signed pre-key")

	// ErrNoIdentity means the device row exists but carries no Signal identity key.
	ErrNoIdentity = errors.New("device has no identity key")

	// ErrNotChannelMember means the caller is not a member of the channel the sender key belongs to.
	ErrNotChannelMember = errors.New("not a member of this channel")

	// ErrNotGroupChannel means the channel does not carry group messages, so it has no sender keys.
	ErrNotGroupChannel = errors.New("sender keys belong to group channels only")
)

// PreKey is one uploaded one-time pre-key.
type PreKey struct {
	ID   int    `json:"preKeyId"`
	Data string `json:"preKeyData"`
}

// SignedPreKey is the device's current signed pre-key.
type SignedPreKey struct {
	ID        int    `json:"signedPreKeyId"`
	Data      string `json:"signedPreKeyData"`
	Signature string `json:"signedPreKeySignature"`
}

// Bundle is everything a peer needs to start a session with a device. PreKey is nil when the device has run out of
// one-time pre-keys; the session falls back to the signed pre-key alone.
type Bundle struct {
	IdentityKey    string       `json:"identityKey"`
	RegistrationID int64        `json:"registrationId"`
	DeviceID       int          `json:"deviceId"`
	SignedPreKey   SignedPreKey `json:"signedPreKey"`
	PreKey         *PreKey      `json:"preKey,omitempty"`
}

// SenderKey is the group-channel fan-out key for one (channel, device) pair.
type SenderKey struct {
	ChannelID string `json:"channelId"`
	ClientID  string `json:"clientId"`
	Owner     string `json:"owner"`
	Key       string `json:"senderKey"`
	UpdatedAt int64  `json:"updatedAt"`
}
