// Package hub is the signaling switchboard: one registered connection per client, rooms for streams, file sharing,
// and meetings, unicast WebRTC relay, and room broadcasts. Events from a blocked user never reach the blocker.
// Delivery preserves order per (source, target) pair: frames are handled synchronously in the source's read loop and
// appended to the target's FIFO mailbox. There is no cross-pair guarantee, and frames to a full mailbox drop the
// whole connection rather than block.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/meeting"
	"github.com/murmel-chat/murmel-server/internal/wire"
)

// lookupTimeout bounds per-frame store lookups (meetings, block sets).
const lookupTimeout = 5 * time.Second

// Blocklist serves cached per-user block sets. Satisfied by abuse.Repository.
type Blocklist interface {
	BlockedSet(ctx context.Context, blocker uuid.UUID) (map[uuid.UUID]struct{}, error)
}

// Presence records gateway connectivity per user. Satisfied by presence.Tracker; nil disables tracking.
type Presence interface {
	Connect(ctx context.Context, userID uuid.UUID) error
	Refresh(ctx context.Context, userID uuid.UUID) error
	Disconnect(ctx context.Context, userID uuid.UUID) error
}

// MeetingLookup resolves meeting policy when a meeting room is first entered. Satisfied by meeting.Repository.
type MeetingLookup interface {
	Get(ctx context.Context, id string) (*meeting.Meeting, error)
}

// room is one signaling room. All access goes through the hub mutex.
type room struct {
	id         string
	kind       wire.RoomKind
	host       string
	slots      int
	voiceOnly  bool
	muteOnJoin bool
	files      map[string]wire.SharedFile
	members    map[string]*Client
}

// Hub is the connection registry and event router.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	rooms    map[string]*room
	blocks   Blocklist
	meetings MeetingLookup
	presence Presence
	log      zerolog.Logger
}

// NewHub creates the hub.
func NewHub(blocks Blocklist, meetings MeetingLookup, presence Presence, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		rooms:    make(map[string]*room),
		blocks:   blocks,
		meetings: meetings,
		presence: presence,
		log:      logger.With().Str("component", "hub").Logger(),
	}
}

// ServeConn runs an upgraded connection under the given identity. It blocks until the connection drops; the caller
// is the websocket upgrade handler, which must not return earlier.
func (h *Hub) ServeConn(conn *websocket.Conn, identity Identity) {
	client := newClient(h, conn, identity, h.log)
	h.register(client)

	go client.writePump()
	client.readPump()
}

// register adds a client, displacing any previous connection with the same id.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	existing, ok := h.clients[client.id]
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.log.Debug().Str("client_id", client.id).Msg("displacing existing connection")
		h.dropClient(existing)
	}
	h.markConnected(client)
	h.log.Debug().Str("client_id", client.id).Int("total", total).Msg("client registered")
}

// unregister removes a client and leaves all its rooms, with the usual departure broadcasts.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	h.mu.Unlock()

	for _, roomID := range client.roomIDs() {
		h.leaveRoom(client, roomID)
	}
	client.closeSend()
	h.markDisconnected(client)
	h.log.Debug().Str("client_id", client.id).Msg("client unregistered")
}

// markConnected records the user as online. Guests carry no account and are skipped.
func (h *Hub) markConnected(client *Client) {
	if h.presence == nil || client.external {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := h.presence.Connect(ctx, client.userID); err != nil {
		h.log.Warn().Err(err).Str("client_id", client.id).Msg("presence connect failed")
	}
}

// markDisconnected clears the user's presence unless another of their devices is still connected.
func (h *Hub) markDisconnected(client *Client) {
	if h.presence == nil || client.external {
		return
	}

	h.mu.RLock()
	stillConnected := false
	for _, other := range h.clients {
		if !other.external && other.userID == client.userID {
			stillConnected = true
			break
		}
	}
	h.mu.RUnlock()
	if stillConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := h.presence.Disconnect(ctx, client.userID); err != nil {
		h.log.Warn().Err(err).Str("client_id", client.id).Msg("presence disconnect failed")
	}
}

// refreshPresence extends the user's presence TTL, driven by keepalive pongs.
func (h *Hub) refreshPresence(client *Client) {
	if h.presence == nil || client.external {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := h.presence.Refresh(ctx, client.userID); err != nil {
		h.log.Warn().Err(err).Str("client_id", client.id).Msg("presence refresh failed")
	}
}

// dropClient tears down a connection that is being displaced or force-disconnected.
func (h *Hub) dropClient(client *Client) {
	for _, roomID := range client.roomIDs() {
		h.leaveRoom(client, roomID)
	}
	client.closeSend()
	if client.conn != nil {
		_ = client.conn.Close()
	}
}

// Knock notifies the meeting room's admitting-capable members of an external guest's admission request. Guests in
// the room never receive knocks.
func (h *Hub) Knock(meetingID string, payload wire.KnockPayload) {
	h.mu.RLock()
	r, ok := h.rooms[meetingID]
	var targets []*Client
	if ok {
		for _, member := range r.members {
			if !member.external {
				targets = append(targets, member)
			}
		}
	}
	h.mu.RUnlock()

	for _, target := range targets {
		target.sendEvent(wire.EventKnock, meetingID, "", payload)
	}
}

// NotifyUser pushes an event to every connected client owned by the user. Delivery is best-effort: devices that are
// offline pick the data up over REST, which is where the envelope store marks delivery.
func (h *Hub) NotifyUser(userID uuid.UUID, event wire.Event, payload any) {
	h.mu.RLock()
	var targets []*Client
	for _, client := range h.clients {
		if !client.external && client.userID == userID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	msg, err := wire.EncodeEvent(event, "", "", "", payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(event)).Msg("encode user notification")
		return
	}
	for _, target := range targets {
		target.enqueue(msg)
	}
}

// DisconnectClient force-closes a connection by id, if present. Used when a session is revoked.
func (h *Hub) DisconnectClient(clientID string) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.unregister(client)
	if client.conn != nil {
		_ = client.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = c.conn.Close()
		}
	}
	h.log.Info().Msg("hub shut down")
}

// deliverAllowed reports whether an event from sender may reach recipient. External guests have no user id and are
// never filtered; otherwise the recipient's cached block set decides. Lookup failures fail open: dropping legitimate
// signaling on a cache error is worse than one event slipping through.
func (h *Hub) deliverAllowed(recipient, sender *Client) bool {
	if sender == nil || recipient == nil {
		return false
	}
	if sender.userID == uuid.Nil || recipient.userID == uuid.Nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	set, err := h.blocks.BlockedSet(ctx, recipient.userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", recipient.userID.String()).Msg("block set lookup failed")
		return true
	}
	_, blocked := set[sender.userID]
	return !blocked
}

// getClient returns a connected client by id.
func (h *Hub) getClient(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// roomMembers snapshots a room's members, optionally excluding one client.
func (h *Hub) roomMembers(roomID, except string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(r.members))
	for id, member := range r.members {
		if id == except {
			continue
		}
		out = append(out, member)
	}
	return out
}

// broadcast sends an event to every member of a room except the originator, applying block filtering.
func (h *Hub) broadcast(roomID string, originator *Client, event wire.Event, payload any) {
	for _, member := range h.roomMembers(roomID, originator.id) {
		if !h.deliverAllowed(member, originator) {
			continue
		}
		member.sendEvent(event, roomID, originator.id, payload)
	}
}

// lookupMeeting fetches meeting policy. A missing meeting is not an error: instant calls signal through rooms that
// were never persisted.
func (h *Hub) lookupMeeting(id string) (*meeting.Meeting, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	m, err := h.meetings.Get(ctx, id)
	if errors.Is(err, meeting.ErrNotFound) {
		return nil, nil
	}
	return m, err
}
