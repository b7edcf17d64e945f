// Package wire defines the signaling protocol spoken over the gateway WebSocket: the frame envelope, the event
// vocabulary, and the payload shapes. Clients depend on these exact names, so they are constants here rather than
// scattered strings.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event is the name of a signaling event.
type Event string

// WebRTC relay and room events.
const (
	// Unicast relay: delivered to targetId only, stamped with the sender's id.
	EventOffer     Event = "offer"
	EventAnswer    Event = "answer"
	EventCandidate Event = "candidate"

	// Room membership and roster.
	EventWatch        Event = "watch"
	EventClient       Event = "client"
	EventStream       Event = "stream"
	EventSetSlots     Event = "setSlots"
	EventCurrentPeers Event = "currentPeers"

	// File-share rooms.
	EventOfferFile    Event = "offerFile"
	EventDownloadFile Event = "downloadFile"
	EventDeleteFile   Event = "deleteFile"
	EventGetFiles     Event = "getFiles"

	EventDisconnectPeer Event = "disconnectPeer"

	// Meetings.
	EventJoinMeeting     Event = "joinMeeting"
	EventLeaveMeeting    Event = "leaveMeeting"
	EventGetParticipants Event = "getParticipants"
	EventMessage         Event = "message"
	EventKnock           Event = "knock"

	// Envelope notifications: a nudge that new ciphertext is queued, fetched over REST so delivery marking stays
	// with the store.
	EventItem      Event = "item"
	EventGroupItem Event = "groupItem"

	// Server-side errors back to the sender.
	EventError Event = "error"
)

// MessageType is the subtype of an in-meeting message event.
type MessageType string

const (
	MessageChat           MessageType = "chat"
	MessageMute           MessageType = "mute"
	MessageUnmute         MessageType = "unmute"
	MessageCamOn          MessageType = "camon"
	MessageCamOff         MessageType = "camoff"
	MessageRaiseHand      MessageType = "raisehand"
	MessageLowerHand      MessageType = "lowerhand"
	MessageEmote          MessageType = "emote"
	MessageScreenshare    MessageType = "screenshare"
	MessageScreenshareOff MessageType = "screenshareoff"
	MessageMediaDevice    MessageType = "mediaDevice"
	MessageJoin           MessageType = "join"
	MessageLeave          MessageType = "leave"
)

// Valid reports whether t is part of the message vocabulary.
func (t MessageType) Valid() bool {
	switch t {
	case MessageChat, MessageMute, MessageUnmute, MessageCamOn, MessageCamOff, MessageRaiseHand,
		MessageLowerHand, MessageEmote, MessageScreenshare, MessageScreenshareOff, MessageMediaDevice,
		MessageJoin, MessageLeave:
		return true
	}
	return false
}

// VideoMessage reports whether t announces a video capability. Voice-only meetings drop these instead of relaying.
func (t MessageType) VideoMessage() bool {
	return t == MessageCamOn || t == MessageScreenshare
}

// RoomKind is the kind of a signaling room.
type RoomKind string

const (
	RoomStream    RoomKind = "stream"
	RoomFileshare RoomKind = "fileshare"
	RoomMeeting   RoomKind = "meeting"
)

// Frame is the envelope of every gateway message, inbound and outbound. Which fields are set depends on the event:
// relay events carry TargetID, room events carry RoomID, and outbound copies of relayed events carry SenderID so the
// receiver knows whom to answer.
type Frame struct {
	Event    Event           `json:"event"`
	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Encode serialises a frame.
func Encode(f Frame) ([]byte, error) {
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return out, nil
}

// EncodeEvent builds and serialises a frame whose data is the JSON encoding of payload. A nil payload yields a frame
// without a data field.
func EncodeEvent(event Event, roomID, targetID, senderID string, payload any) ([]byte, error) {
	frame := Frame{Event: event, RoomID: roomID, TargetID: targetID, SenderID: senderID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		frame.Data = data
	}
	return Encode(frame)
}

// Decode parses an inbound frame.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame has no event")
	}
	return &f, nil
}

// SessionDescription carries an SDP offer or answer, relayed opaquely.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate carries one ICE candidate, relayed opaquely.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// FileInfo describes one file offered in a file-share room.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SharedFile is a FileInfo plus the peer currently hosting it.
type SharedFile struct {
	FileInfo
	HostID string `json:"hostId"`
}

// SlotsPayload sets or announces a room's viewer capacity.
type SlotsPayload struct {
	Slots int `json:"slots"`
}

// PeersPayload announces the current peer count of a room.
type PeersPayload struct {
	Count int `json:"count"`
}

// JoinMeetingPayload is the data of a joinMeeting request.
type JoinMeetingPayload struct {
	Name string `json:"name"`
}

// Participant is one meeting roster entry.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	External bool   `json:"external,omitempty"`
}

// JoinedPayload answers a joinMeeting request with the caller's id and the roster.
type JoinedPayload struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
}

// MessagePayload is the data of an in-meeting message event.
type MessagePayload struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StreamPayload announces a stream room and its host.
type StreamPayload struct {
	HostID string `json:"hostId"`
}

// KnockPayload notifies meeting members of an external guest's admission request.
type KnockPayload struct {
	SessionID   string `json:"sessionId"`
	MeetingID   string `json:"meetingId"`
	DisplayName string `json:"displayName"`
}

// ItemNotice tells a device that a 1:1 envelope is queued for it.
type ItemNotice struct {
	ItemID string `json:"itemId"`
}

// GroupItemNotice tells channel members that a group envelope was posted.
type GroupItemNotice struct {
	ItemID    string `json:"itemId"`
	ChannelID string `json:"channelId"`
}

// ErrorPayload reports a request the hub refused.
type ErrorPayload struct {
	Message string `json:"message"`
}
