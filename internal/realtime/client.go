package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/polls"
)

// Client messages.
const (
	MsgJoinPoll  = "join_poll"
	MsgLeavePoll = "leave_poll"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pollRef struct {
	PollID string `json:"poll_id"`
}

// TokenValidator resolves a bearer token to the caller's user id and role.
type TokenValidator func(token string) (userID uuid.UUID, role string, err error)

// Client is a single WebSocket connection. It may be subscribed to any number of polls.
type Client struct {
	ID     string
	UserID *uuid.UUID
	Role   string
	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan WSMessage, sendBuffer),
		logger: logger,
	}
}

// trySend queues msg without blocking. Callers hold the hub lock so send is still open.
func (c *Client) trySend(msg WSMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ServeWs upgrades GET /ws. The token query parameter is optional; when present it must be valid.
func ServeWs(hub *Hub, validate TokenValidator, allowedOrigins string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return func(c *gin.Context) {
		var (
			userID *uuid.UUID
			role   string
		)
		if token := c.Query("token"); token != "" {
			id, r, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
				return
			}
			userID, role = &id, r
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(hub, conn, logger)
		client.UserID = userID
		client.Role = role
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	origins := middleware.ParseOrigins(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 || origins["*"] {
			return true
		}
		return origins[origin]
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		c.handle(msg)
	}
}

// handle applies one client message.
func (c *Client) handle(msg WSMessage) {
	switch msg.Event {
	case MsgJoinPoll:
		pollID, ok := c.pollID(msg)
		if !ok {
			return
		}
		// Join before reading the snapshot so any update that follows it is newer.
		c.hub.Join(c, pollID)
		ctx, cancel := context.WithTimeout(context.Background(), notifyTTL)
		defer cancel()
		res, err := c.hub.load(ctx, pollID)
		if err != nil {
			c.hub.Leave(c, pollID)
			c.sendError(polls.Kind(err), "cannot join poll")
			return
		}
		c.hub.SendToClient(c, EventVoteUpdate, res)
	case MsgLeavePoll:
		if pollID, ok := c.pollID(msg); ok {
			c.hub.Leave(c, pollID)
		}
	default:
		c.sendError("validation_error", "unknown event")
	}
}

func (c *Client) pollID(msg WSMessage) (uuid.UUID, bool) {
	var ref pollRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		c.sendError("validation_error", "invalid payload")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ref.PollID)
	if err != nil {
		c.sendError("validation_error", "invalid poll_id")
		return uuid.Nil, false
	}
	return id, true
}

func (c *Client) sendError(code, message string) {
	c.hub.SendToClient(c, EventError, ErrorPayload{Code: code, Message: message})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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
