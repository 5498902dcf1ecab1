package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60

	writeWait     = 10 * time.Second
	maxFrameSize  = 65536
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator resolves a connection token to a user identity.
type TokenValidator func(token string) (userID, username, avatarURL string, err error)

// Client is one WebSocket connection. It owns no business state beyond its
// identity and current room membership; all routing goes through the registry
// and the signaling relay.
type Client struct {
	ID        string
	UserID    string
	Username  string
	AvatarURL string

	mu       sync.Mutex
	streamID string
	role     string
	joinedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	registry  *Registry
	relay     *Relay
	logger    *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// is passed in the query string since browsers cannot set headers on
// WebSocket dials.
func ServeWs(registry *Registry, relay *Relay, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, username, avatarURL, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			UserID:    userID,
			Username:  username,
			AvatarURL: avatarURL,
			conn:      conn,
			send:      make(chan []byte, sendQueueSize),
			registry:  registry,
			relay:     relay,
			logger:    logger,
		}
		go client.writePump()
		client.readPump()
	}
}

// setMembership records the room c belongs to. Called under the room lock.
func (c *Client) setMembership(streamID, role string) {
	c.mu.Lock()
	c.streamID = streamID
	c.role = role
	c.joinedAt = time.Now()
	c.mu.Unlock()
}

// membership returns the room c currently belongs to, if any.
func (c *Client) membership() (streamID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID, c.role
}

// clearMembership atomically clears and returns the previous membership,
// making Leave idempotent.
func (c *Client) clearMembership() (streamID, role string, joinedAt time.Time) {
	c.mu.Lock()
	streamID, role, joinedAt = c.streamID, c.role, c.joinedAt
	c.streamID, c.role = "", ""
	c.mu.Unlock()
	return streamID, role, joinedAt
}

// trySend queues a frame without blocking. A saturated queue means the peer
// is too slow to keep up: the connection is closed and false returned, so one
// unresponsive member never stalls a broadcast.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.Close()
		return false
	}
}

// sendEvent marshals and queues a typed envelope for this client only.
func (c *Client) sendEvent(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError returns a private typed error envelope to this client.
func (c *Client) sendError(streamID string, err error) {
	c.sendEvent(ErrorEvent{
		Type:     TypeError,
		StreamID: streamID,
		Code:     errorCode(err),
		Message:  err.Error(),
	})
}

// Close tears down the transport. Idempotent; pending sends are dropped with
// the connection, never partially written.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		c.registry.Leave(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(raw)
	}
}

// dispatch routes one inbound envelope. Malformed envelopes are logged and
// dropped with the connection kept alive; membership violations come back as
// private error envelopes.
func (c *Client) dispatch(raw []byte) {
	msgType, err := EnvelopeType(raw)
	if err != nil {
		c.logger.Warn("dropping malformed envelope",
			zap.String("connection_id", c.ID), zap.Error(err))
		return
	}

	switch msgType {
	case TypeJoinStreamAsHost, TypeJoinStream:
		var m JoinStreamMessage
		if err := json.Unmarshal(raw, &m); err != nil || m.StreamID == "" {
			c.dropMalformed(msgType, err)
			return
		}
		c.adoptDisplayMeta(m.Username, m.UserAvatar)
		if msgType == TypeJoinStreamAsHost {
			err = c.registry.JoinAsHost(c, m.StreamID, m.Title)
		} else {
			err = c.registry.JoinAsViewer(c, m.StreamID)
		}
		if err != nil {
			c.sendError(m.StreamID, err)
		}

	case TypeLeaveStream:
		var m LeaveStreamMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			c.dropMalformed(msgType, err)
			return
		}
		c.registry.Leave(c)

	case TypeSendChatMessage:
		var m SendChatMessage
		if err := json.Unmarshal(raw, &m); err != nil || m.StreamID == "" {
			c.dropMalformed(msgType, err)
			return
		}
		if err := c.registry.RelayChat(c, m.StreamID, m.Message); err != nil {
			c.sendError(m.StreamID, err)
		}

	case TypeSendReaction:
		var m SendReactionMessage
		if err := json.Unmarshal(raw, &m); err != nil || m.StreamID == "" {
			c.dropMalformed(msgType, err)
			return
		}
		if err := c.registry.RelayReaction(c, m.StreamID, m.ReactionType); err != nil {
			c.sendError(m.StreamID, err)
		}

	case TypeOffer, TypeAnswer, TypeICECandidate, TypeRequestOffer:
		var m SignalMessage
		if err := json.Unmarshal(raw, &m); err != nil || m.StreamID == "" {
			c.dropMalformed(msgType, err)
			return
		}
		if err := c.relay.Handle(c, m); err != nil {
			c.sendError(m.StreamID, err)
		}
	}
}

func (c *Client) dropMalformed(msgType MessageType, err error) {
	c.logger.Warn("dropping malformed envelope",
		zap.String("connection_id", c.ID),
		zap.String("message_type", string(msgType)),
		zap.Error(err))
}

// adoptDisplayMeta picks up display name/avatar sent in join envelopes when
// present. The authoritative user id always comes from the JWT.
func (c *Client) adoptDisplayMeta(username, avatarURL string) {
	if username != "" {
		c.Username = username
	}
	if avatarURL != "" {
		c.AvatarURL = avatarURL
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
