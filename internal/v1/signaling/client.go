package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// wsConnection is the subset of *websocket.Conn the client needs;
// tests substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one connected signaling endpoint. Its room membership and
// role are set on join and never change afterwards (rejoining means a
// new connection).
type Client struct {
	ID   types.ClientIdType
	hub  *Hub
	conn wsConnection

	mu        sync.RWMutex
	roomID    types.RoomIdType
	role      types.RoleType
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func newClient(id types.ClientIdType, hub *Hub, conn wsConnection) *Client {
	return &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 64),
	}
}

// Room returns the joined room, or "" before join.
func (c *Client) Room() types.RoomIdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Role returns the joined role, or unknown before join.
func (c *Client) Role() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.role == "" {
		return types.RoleTypeUnknown
	}
	return c.role
}

func (c *Client) setMembership(roomID types.RoomIdType, role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.role = role
}

// Send queues an envelope for the write pump, dropping it when the
// client's buffer is full; signaling is retried end-to-end by peers.
func (c *Client) Send(env *Envelope) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data := env.marshal()
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send buffer full, dropping envelope",
			zap.String("clientId", string(c.ID)), zap.String("type", env.Type))
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(context.Background(), c)
		c.close()
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.handleEnvelope(context.Background(), c, data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing signaling envelope", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
