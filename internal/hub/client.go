package hub

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/wire"
)

const (
	// maxMessageSize bounds one inbound frame. SDP offers with many candidates run a few KB; 64 KiB leaves headroom
	// without letting a peer stream garbage.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may stay silent before it is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so a ping is always in flight before the deadline.
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-client outbound mailbox. A client that cannot drain this is disconnected rather than
	// allowed to stall the hub.
	sendBuffer = 256
)

// Identity is who a connection speaks for, established during the HTTP upgrade. Native clients carry their user;
// external guests carry only their admitted meeting.
type Identity struct {
	ID        string
	UserID    uuid.UUID
	Name      string
	External  bool
	MeetingID string
}

// Client is one gateway connection. Frames are read in readPump, handled synchronously so per-pair ordering holds,
// and written by the single writePump draining the mailbox.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	id        string
	userID    uuid.UUID
	name      string
	external  bool
	meetingID string

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, identity Identity, logger zerolog.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		log:       logger.With().Str("client_id", identity.ID).Logger(),
		id:        identity.ID,
		userID:    identity.UserID,
		name:      identity.Name,
		external:  identity.External,
		meetingID: identity.MeetingID,
	}
}

// ID returns the connection's client id (native client uuid or external session id).
func (c *Client) ID() string {
	return c.id
}

// readPump reads frames and dispatches them to the hub. It owns the connection teardown: when the loop exits for any
// reason the client is unregistered and the socket closed.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.refreshPresence(c)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		frame, err := wire.Decode(message)
		if err != nil {
			c.sendError("invalid frame")
			continue
		}
		c.hub.handleFrame(c, frame)
	}
}

// writePump drains the mailbox onto the socket and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue appends a message to the mailbox. A full mailbox means the peer stopped draining; the connection is
// dropped so backpressure never reaches the hub. Once the mailbox is closed, enqueue is a no-op: broadcasts snapshot
// their targets before sending, so a send may race a disconnect and must never hit the closed channel.
func (c *Client) enqueue(msg []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return
	default:
	}
	c.mu.Unlock()

	c.log.Warn().Msg("send buffer full, closing connection")
	c.hub.unregister(c)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// closeSend closes the mailbox exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// sendEvent serialises and enqueues an outbound event.
func (c *Client) sendEvent(event wire.Event, roomID, senderID string, payload any) {
	raw, err := wire.EncodeEvent(event, roomID, "", senderID, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event)).Msg("failed to encode event")
		return
	}
	c.enqueue(raw)
}

// sendError reports a refused request back to the sender.
func (c *Client) sendError(message string) {
	c.sendEvent(wire.EventError, "", "", wire.ErrorPayload{Message: message})
}

// joinedRoom records room membership on the client for disconnect cleanup.
func (c *Client) joinedRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[roomID] = struct{}{}
}

// leftRoom removes the membership record.
func (c *Client) leftRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// roomIDs returns a snapshot of the rooms the client is in.
func (c *Client) roomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}
