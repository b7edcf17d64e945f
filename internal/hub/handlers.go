package hub

import (
	"encoding/json"
	"time"

	"github.com/murmel-chat/murmel-server/internal/sanitize"
	"github.com/murmel-chat/murmel-server/internal/wire"
)

// handleFrame routes one inbound frame. Runs synchronously in the sender's read loop.
func (h *Hub) handleFrame(c *Client, frame *wire.Frame) {
	switch frame.Event {
	case wire.EventOffer, wire.EventAnswer, wire.EventCandidate:
		h.relay(c, frame)
	case wire.EventStream:
		h.handleStream(c, frame)
	case wire.EventWatch:
		h.handleWatch(c, frame)
	case wire.EventSetSlots:
		h.handleSetSlots(c, frame)
	case wire.EventClient:
		h.handleClient(c, frame)
	case wire.EventOfferFile:
		h.handleOfferFile(c, frame)
	case wire.EventDownloadFile:
		h.relay(c, frame)
	case wire.EventDeleteFile:
		h.handleDeleteFile(c, frame)
	case wire.EventGetFiles:
		h.handleGetFiles(c, frame)
	case wire.EventDisconnectPeer:
		h.handleDisconnectPeer(c, frame)
	case wire.EventJoinMeeting:
		h.handleJoinMeeting(c, frame)
	case wire.EventLeaveMeeting:
		h.handleLeaveMeeting(c, frame)
	case wire.EventGetParticipants:
		h.handleGetParticipants(c, frame)
	case wire.EventMessage:
		h.handleMessage(c, frame)
	default:
		c.sendError("unknown event")
	}
}

// relay unicasts an offer, answer, candidate, or downloadFile frame to its target, stamped with the sender. External
// guests may only reach peers inside their own meeting room.
func (h *Hub) relay(c *Client, frame *wire.Frame) {
	if frame.TargetID == "" {
		c.sendError("target required")
		return
	}
	target, ok := h.getClient(frame.TargetID)
	if !ok {
		// Signaling to a vanished peer is routine; drop without error.
		return
	}
	if c.external && !h.inRoom(c.meetingID, target.id) {
		c.sendError("target not in your meeting")
		return
	}
	if !h.deliverAllowed(target, c) {
		return
	}

	raw, err := wire.Encode(wire.Frame{
		Event:    frame.Event,
		RoomID:   frame.RoomID,
		SenderID: c.id,
		Data:     frame.Data,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode relay frame")
		return
	}
	target.enqueue(raw)
}

// handleStream creates a stream room hosted by the sender.
func (h *Hub) handleStream(c *Client, frame *wire.Frame) {
	if frame.RoomID == "" || c.external {
		c.sendError("cannot open stream room")
		return
	}

	h.mu.Lock()
	if _, exists := h.rooms[frame.RoomID]; exists {
		h.mu.Unlock()
		c.sendError("room already exists")
		return
	}
	h.rooms[frame.RoomID] = &room{
		id:      frame.RoomID,
		kind:    wire.RoomStream,
		host:    c.id,
		members: map[string]*Client{c.id: c},
	}
	h.mu.Unlock()
	c.joinedRoom(frame.RoomID)

	c.sendEvent(wire.EventStream, frame.RoomID, c.id, wire.StreamPayload{HostID: c.id})
}

// handleWatch joins the sender to a stream or file-share room as a viewer and announces the new peer count.
func (h *Hub) handleWatch(c *Client, frame *wire.Frame) {
	h.mu.Lock()
	r, ok := h.rooms[frame.RoomID]
	if !ok || r.kind == wire.RoomMeeting {
		h.mu.Unlock()
		c.sendError("room not found")
		return
	}
	if r.slots > 0 && len(r.members) >= r.slots+1 {
		h.mu.Unlock()
		c.sendError("room full")
		return
	}
	r.members[c.id] = c
	host := r.host
	count := len(r.members)
	h.mu.Unlock()
	c.joinedRoom(frame.RoomID)

	c.sendEvent(wire.EventStream, frame.RoomID, host, wire.StreamPayload{HostID: host})
	h.broadcastPeerCount(frame.RoomID, count)
}

// handleSetSlots lets the host cap the room's viewer count.
func (h *Hub) handleSetSlots(c *Client, frame *wire.Frame) {
	var payload wire.SlotsPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Slots < 0 {
		c.sendError("invalid slots")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[frame.RoomID]
	if !ok || r.host != c.id {
		h.mu.Unlock()
		c.sendError("not the room host")
		return
	}
	r.slots = payload.Slots
	h.mu.Unlock()

	h.broadcast(frame.RoomID, c, wire.EventSetSlots, payload)
}

// handleClient joins a downloader to a file-share room and notifies the offering host which file they want.
func (h *Hub) handleClient(c *Client, frame *wire.Frame) {
	var payload wire.FileInfo
	if len(frame.Data) > 0 {
		_ = json.Unmarshal(frame.Data, &payload)
	}

	h.mu.Lock()
	r, ok := h.rooms[frame.RoomID]
	if !ok || r.kind != wire.RoomFileshare {
		h.mu.Unlock()
		c.sendError("room not found")
		return
	}
	r.members[c.id] = c
	var hostID string
	if payload.Name != "" {
		if file, ok := r.files[payload.Name]; ok {
			hostID = file.HostID
		}
	}
	count := len(r.members)
	h.mu.Unlock()
	c.joinedRoom(frame.RoomID)

	if hostID != "" {
		if host, ok := h.getClient(hostID); ok && h.deliverAllowed(host, c) {
			host.sendEvent(wire.EventClient, frame.RoomID, c.id, payload)
		}
	}
	h.broadcastPeerCount(frame.RoomID, count)
}

// handleOfferFile registers a file in a file-share room, creating the room on first offer, and announces it.
func (h *Hub) handleOfferFile(c *Client, frame *wire.Frame) {
	var info wire.FileInfo
	if err := json.Unmarshal(frame.Data, &info); err != nil || info.Name == "" {
		c.sendError("invalid file offer")
		return
	}
	if c.external {
		c.sendError("cannot share files")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[frame.RoomID]
	if !ok {
		r = &room{
			id:      frame.RoomID,
			kind:    wire.RoomFileshare,
			host:    c.id,
			files:   make(map[string]wire.SharedFile),
			members: make(map[string]*Client),
		}
		h.rooms[frame.RoomID] = r
	}
	if r.kind != wire.RoomFileshare {
		h.mu.Unlock()
		c.sendError("not a file-share room")
		return
	}
	r.members[c.id] = c
	shared := wire.SharedFile{FileInfo: info, HostID: c.id}
	r.files[info.Name] = shared
	h.mu.Unlock()
	c.joinedRoom(frame.RoomID)

	h.broadcast(frame.RoomID, c, wire.EventOfferFile, shared)
}

// handleDeleteFile withdraws a file. Only the peer that offered it may delete it.
func (h *Hub) handleDeleteFile(c *Client, frame *wire.Frame) {
	var info wire.FileInfo
	if err := json.Unmarshal(frame.Data, &info); err != nil || info.Name == "" {
		c.sendError("invalid file name")
		return
	}

	h.mu.Lock()
	r, ok := h.findFileRoom(c, frame.RoomID, info.Name)
	if !ok {
		h.mu.Unlock()
		c.sendError("file not found")
		return
	}
	if r.files[info.Name].HostID != c.id {
		h.mu.Unlock()
		c.sendError("not the file host")
		return
	}
	delete(r.files, info.Name)
	roomID := r.id
	h.mu.Unlock()

	h.broadcast(roomID, c, wire.EventDeleteFile, info)
}

// findFileRoom resolves the room a deleteFile frame refers to. The event historically carries only the file name, so
// fall back to scanning the sender's rooms when no room id is given. Caller holds the hub lock.
func (h *Hub) findFileRoom(c *Client, roomID, fileName string) (*room, bool) {
	if roomID != "" {
		r, ok := h.rooms[roomID]
		if !ok {
			return nil, false
		}
		_, ok = r.files[fileName]
		return r, ok
	}
	for _, r := range h.rooms {
		if r.kind != wire.RoomFileshare {
			continue
		}
		if _, member := r.members[c.id]; !member {
			continue
		}
		if _, ok := r.files[fileName]; ok {
			return r, true
		}
	}
	return nil, false
}

// handleGetFiles replies with the room's current file list.
func (h *Hub) handleGetFiles(c *Client, frame *wire.Frame) {
	h.mu.RLock()
	r, ok := h.rooms[frame.RoomID]
	var files []wire.SharedFile
	if ok {
		files = make([]wire.SharedFile, 0, len(r.files))
		for _, f := range r.files {
			files = append(files, f)
		}
	}
	h.mu.RUnlock()

	if !ok {
		c.sendError("room not found")
		return
	}
	c.sendEvent(wire.EventGetFiles, frame.RoomID, "", files)
}

// handleDisconnectPeer lets a room host eject a peer.
func (h *Hub) handleDisconnectPeer(c *Client, frame *wire.Frame) {
	if frame.TargetID == "" {
		c.sendError("target required")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[frame.RoomID]
	if !ok || r.host != c.id {
		h.mu.Unlock()
		c.sendError("not the room host")
		return
	}
	target, member := r.members[frame.TargetID]
	h.mu.Unlock()
	if !member {
		return
	}

	target.sendEvent(wire.EventDisconnectPeer, frame.RoomID, c.id, nil)
	h.leaveRoom(target, frame.RoomID)
}

// handleJoinMeeting admits the sender to a meeting room, creating it with the meeting's policy on first join.
// External guests may only enter the meeting their session was admitted to; authenticated users must be on the
// participant list of a persisted meeting inside its join window. Rooms with no persisted meeting are instant calls
// and open to any authenticated user.
func (h *Hub) handleJoinMeeting(c *Client, frame *wire.Frame) {
	if frame.RoomID == "" {
		c.sendError("room required")
		return
	}
	if c.external && frame.RoomID != c.meetingID {
		c.sendError("not admitted to this meeting")
		return
	}

	name := c.name
	if len(frame.Data) > 0 {
		var payload wire.JoinMeetingPayload
		if err := json.Unmarshal(frame.Data, &payload); err == nil && payload.Name != "" {
			name = sanitize.Truncate(sanitize.Oneline(payload.Name), 100)
		}
	}

	voiceOnly, muteOnJoin := false, false
	if !c.external {
		m, err := h.lookupMeeting(frame.RoomID)
		if err != nil {
			c.sendError("meeting lookup failed")
			return
		}
		if m != nil {
			if !m.Joinable(time.Now()) {
				c.sendError("meeting has not opened yet")
				return
			}
			if !m.IsInvited(c.userID.String()) {
				c.sendError("not invited")
				return
			}
			voiceOnly, muteOnJoin = m.VoiceOnly, m.MuteOnJoin
		}
	}

	h.mu.Lock()
	r, ok := h.rooms[frame.RoomID]
	if !ok {
		r = &room{
			id:         frame.RoomID,
			kind:       wire.RoomMeeting,
			host:       c.id,
			voiceOnly:  voiceOnly,
			muteOnJoin: muteOnJoin,
			members:    make(map[string]*Client),
		}
		h.rooms[frame.RoomID] = r
	}
	if r.kind != wire.RoomMeeting {
		h.mu.Unlock()
		c.sendError("not a meeting room")
		return
	}
	c.name = name
	r.members[c.id] = c
	participants := make([]wire.Participant, 0, len(r.members))
	for _, member := range r.members {
		participants = append(participants, wire.Participant{ID: member.id, Name: member.name, External: member.external})
	}
	h.mu.Unlock()
	c.joinedRoom(frame.RoomID)

	c.sendEvent(wire.EventJoinMeeting, frame.RoomID, "", wire.JoinedPayload{ID: c.id, Participants: participants})
	h.broadcast(frame.RoomID, c, wire.EventMessage, wire.MessagePayload{Type: wire.MessageJoin})
}

// handleLeaveMeeting removes the sender from the meeting room.
func (h *Hub) handleLeaveMeeting(c *Client, frame *wire.Frame) {
	h.leaveRoom(c, frame.RoomID)
}

// handleGetParticipants replies with the meeting roster.
func (h *Hub) handleGetParticipants(c *Client, frame *wire.Frame) {
	h.mu.RLock()
	r, ok := h.rooms[frame.RoomID]
	var participants []wire.Participant
	if ok {
		participants = make([]wire.Participant, 0, len(r.members))
		for _, member := range r.members {
			participants = append(participants, wire.Participant{ID: member.id, Name: member.name, External: member.external})
		}
	}
	h.mu.RUnlock()

	if !ok {
		c.sendError("room not found")
		return
	}
	c.sendEvent(wire.EventGetParticipants, frame.RoomID, "", participants)
}

// handleMessage fans an in-meeting message out to the room, skipping the originator. Voice-only rooms drop video
// announcements instead of relaying them.
func (h *Hub) handleMessage(c *Client, frame *wire.Frame) {
	var payload wire.MessagePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || !payload.Type.Valid() {
		c.sendError("invalid message")
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[frame.RoomID]
	var member, voiceOnly bool
	if ok {
		_, member = r.members[c.id]
		voiceOnly = r.voiceOnly
	}
	h.mu.RUnlock()

	if !ok || !member {
		c.sendError("not in this room")
		return
	}
	if voiceOnly && payload.Type.VideoMessage() {
		c.sendError("meeting is voice only")
		return
	}

	h.broadcast(frame.RoomID, c, wire.EventMessage, payload)
}

// inRoom reports whether clientID is a member of the room.
func (h *Hub) inRoom(roomID, clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[clientID]
	return member
}

// leaveRoom removes a client from a room and broadcasts the departure. When the host of a stream or file-share room
// leaves, the room dies with them and remaining members are told the host is gone. Empty rooms are deleted.
func (h *Hub) leaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		c.leftRoom(roomID)
		return
	}
	if _, member := r.members[c.id]; !member {
		h.mu.Unlock()
		c.leftRoom(roomID)
		return
	}
	delete(r.members, c.id)

	hostLeft := r.kind != wire.RoomMeeting && r.host == c.id
	var orphans []*Client
	if hostLeft {
		for _, member := range r.members {
			orphans = append(orphans, member)
		}
		delete(h.rooms, roomID)
	} else if len(r.members) == 0 {
		delete(h.rooms, roomID)
	}
	count := len(r.members)
	kind := r.kind
	h.mu.Unlock()
	c.leftRoom(roomID)

	if hostLeft {
		for _, orphan := range orphans {
			orphan.sendEvent(wire.EventDisconnectPeer, roomID, c.id, nil)
			orphan.leftRoom(roomID)
		}
		return
	}

	switch kind {
	case wire.RoomMeeting:
		h.broadcast(roomID, c, wire.EventMessage, wire.MessagePayload{Type: wire.MessageLeave})
	default:
		h.broadcastPeerCount(roomID, count)
	}
}

// broadcastPeerCount announces the room's member count to everyone in it.
func (h *Hub) broadcastPeerCount(roomID string, count int) {
	for _, member := range h.roomMembers(roomID, "") {
		member.sendEvent(wire.EventCurrentPeers, roomID, "", wire.PeersPayload{Count: count})
	}
}
