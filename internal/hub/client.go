package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/observ"
	"github.com/lalith-99/studyhub/internal/relay"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// Client is one attached socket. Its keys are guarded by the hub lock.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID uuid.UUID
	kind   string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	keys    map[string]struct{}
	aliases map[string]participant

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(h *Hub, conn *websocket.Conn, userID uuid.UUID, kind string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:     h,
		conn:    conn,
		userID:  userID,
		kind:    kind,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		keys:    make(map[string]struct{}),
		aliases: make(map[string]participant),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) UserID() uuid.UUID { return c.userID }

// Context is cancelled when the socket goes away.
func (c *Client) Context() context.Context { return c.ctx }

// InKey reports whether the client is attached to key.
func (c *Client) InKey(key string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

// JoinedRoom resolves the room f addresses and checks that the client is
// joined to it.
func (c *Client) JoinedRoom(f Frame) (uuid.UUID, error) {
	roomID, err := parseRoomID(f)
	if err != nil {
		return uuid.Nil, err
	}
	if !c.InKey(relay.RoomKey(roomID)) {
		return uuid.Nil, apperr.Unauthorized("not joined to room")
	}
	return roomID, nil
}

// enqueue never blocks.
func (c *Client) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrClientQueueFull
	}
}

func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		// The close frame goes out before done is closed, otherwise the
		// write pump may drop the connection first.
		if c.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		c.cancel()
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		if p := recover(); p != nil {
			c.hub.logger.Error("socket task panicked",
				zap.String("user_id", c.userID.String()),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			c.hub.unregister(c, websocket.CloseInternalServerErr, "internal error")
			return
		}
		c.hub.unregister(c, websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("socket read failed", zap.String("user_id", c.userID.String()), zap.Error(err))
			}
			return
		}
		c.hub.handleInbound(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// SendFrame queues f for this socket only. A full queue or closed socket
// is reported to the caller and affects nobody else.
func (c *Client) SendFrame(f Frame) error {
	if f.Timestamp == "" {
		f.Timestamp = c.hub.now()
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := c.enqueue(b); err != nil {
		return err
	}
	observ.IncWSFrame("out", f.Type)
	return nil
}

// SendError replies with an error frame built from a classified error.
func (c *Client) SendError(err error) error {
	return c.SendFrame(Frame{
		Type: TypeError,
		Error: &FrameError{
			Code:    apperr.SocketCode(err),
			Message: apperr.PublicMessage(err),
		},
	})
}
