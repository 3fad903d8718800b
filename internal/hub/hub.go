package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/observ"
	"github.com/lalith-99/studyhub/internal/relay"
	"go.uber.org/zap"
)

// Socket kinds.
const (
	KindRoom         = "room"
	KindNotification = "notification"
)

// Bus is the cross-process side of the hub. *relay.Relay implements it.
type Bus interface {
	Publish(ctx context.Context, channel, eventType string, data any) error
	SubscribeKey(ctx context.Context, key string) error
	UnsubscribeKey(ctx context.Context, key string) error
}

// PresenceTracker is told about every socket that opens or closes.
type PresenceTracker interface {
	Connected(ctx context.Context, userID uuid.UUID) error
	Disconnected(ctx context.Context, userID uuid.UUID) error
}

// RoomAuthorizer decides whether a user may attach to a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, userID, roomID uuid.UUID) error
}

// ParticipantNamer is implemented by authorizers whose rooms may hide
// member identities. When blind is true the user appears in room events
// as name and never by id.
type ParticipantNamer interface {
	ParticipantName(ctx context.Context, roomID, userID uuid.UUID) (name string, blind bool, err error)
}

// Handler receives every inbound frame the hub does not handle itself.
type Handler interface {
	HandleFrame(ctx context.Context, c *Client, f Frame) error
}

// Options wires the hub's collaborators. Every field is optional; a nil
// Bus keeps all fan-out local to this process.
type Options struct {
	Bus        Bus
	Presence   PresenceTracker
	Authorizer RoomAuthorizer
	Handler    Handler
	Clock      clock.Clock
}

// Hub tracks, per process, which sockets are attached to which key.
type Hub struct {
	mu   sync.RWMutex
	keys map[string]map[*Client]struct{}
	all  map[*Client]struct{}

	bus        Bus
	presence   PresenceTracker
	authorizer RoomAuthorizer
	handler    Handler
	clock      clock.Clock
	logger     *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Hub{
		keys:       make(map[string]map[*Client]struct{}),
		all:        make(map[*Client]struct{}),
		bus:        opts.Bus,
		presence:   opts.Presence,
		authorizer: opts.Authorizer,
		handler:    opts.Handler,
		clock:      opts.Clock,
		logger:     logger.Named("hub"),
	}
}

// SetAuthorizer installs the room membership check used by join_room.
// Like SetHandler it must be called before the first socket is served.
func (h *Hub) SetAuthorizer(a RoomAuthorizer) { h.authorizer = a }

// SetHandler installs the inbound frame handler. It must be called before
// the first socket is served.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade completes the websocket handshake.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Reject closes a freshly upgraded socket with code and reason.
func Reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// Serve attaches conn to keys and runs its pumps. It blocks until the
// socket is gone and every key has been detached.
func (h *Hub) Serve(conn *websocket.Conn, userID uuid.UUID, kind string, keys []string, greeting *Frame) {
	c := newClient(h, conn, userID, kind)
	h.register(c)
	for _, key := range keys {
		h.Attach(c, key)
	}
	if greeting != nil {
		_ = c.SendFrame(*greeting)
	}
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.all[c] = struct{}{}
	h.mu.Unlock()

	observ.IncWSActive(c.kind)
	if h.presence != nil {
		if err := h.presence.Connected(c.ctx, c.userID); err != nil {
			h.logger.Warn("presence connect failed", zap.String("user_id", c.userID.String()), zap.Error(err))
		}
	}
}

// unregister detaches every key and closes the socket. Safe to call more
// than once.
func (h *Hub) unregister(c *Client, code int, reason string) {
	h.mu.Lock()
	_, present := h.all[c]
	delete(h.all, c)
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	h.mu.Unlock()

	for _, k := range keys {
		h.Detach(c, k)
	}
	c.close(code, reason)

	if !present {
		return
	}
	observ.DecWSActive(c.kind)
	if h.presence != nil {
		// The socket context is already cancelled; reconcile on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.Disconnected(ctx, c.userID); err != nil {
			h.logger.Warn("presence disconnect failed", zap.String("user_id", c.userID.String()), zap.Error(err))
		}
	}
}

// Attach adds c to key and announces it to the key's other sockets.
func (h *Hub) Attach(c *Client, key string) {
	h.mu.Lock()
	if _, ok := c.keys[key]; ok {
		h.mu.Unlock()
		return
	}
	set, exists := h.keys[key]
	if !exists {
		set = make(map[*Client]struct{})
		h.keys[key] = set
	}
	set[c] = struct{}{}
	c.keys[key] = struct{}{}
	h.mu.Unlock()

	if !exists && h.bus != nil {
		if err := h.bus.SubscribeKey(c.ctx, key); err != nil {
			h.logger.Warn("subscribe key failed", zap.String("key", key), zap.Error(err))
		}
	}
	if roomID, ok := roomOf(key); ok {
		p := h.identify(c, roomID)
		h.mu.Lock()
		if _, attached := c.keys[key]; attached {
			c.aliases[key] = p
		}
		h.mu.Unlock()
		h.Emit(c.ctx, key, TypeParticipantJoined, p)
	}
}

// identify resolves how c appears in events of roomID. A lookup failure
// hides the id rather than risk exposing it in a blind room.
func (h *Hub) identify(c *Client, roomID uuid.UUID) participant {
	namer, ok := h.authorizer.(ParticipantNamer)
	if !ok {
		return participantOf(c.userID, roomID)
	}
	name, blind, err := namer.ParticipantName(c.ctx, roomID, c.userID)
	if err != nil {
		h.logger.Warn("resolve participant name failed",
			zap.String("room_id", roomID.String()), zap.Error(err))
		return participant{RoomID: roomID}
	}
	if blind {
		return participant{Name: name, RoomID: roomID}
	}
	return participantOf(c.userID, roomID)
}

// unnamed is used when c has no resolved identity for roomID. Rooms that
// may be blind get no id at all.
func (h *Hub) unnamed(c *Client, roomID uuid.UUID) participant {
	if _, ok := h.authorizer.(ParticipantNamer); ok {
		return participant{RoomID: roomID}
	}
	return participantOf(c.userID, roomID)
}

// Detach removes c from key. Detaching a socket that is not attached is
// a no-op.
func (h *Hub) Detach(c *Client, key string) {
	h.mu.Lock()
	if _, ok := c.keys[key]; !ok {
		h.mu.Unlock()
		return
	}
	delete(c.keys, key)
	p, named := c.aliases[key]
	delete(c.aliases, key)
	set := h.keys[key]
	delete(set, c)
	emptied := len(set) == 0
	if emptied {
		delete(h.keys, key)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if roomID, ok := roomOf(key); ok {
		if !named {
			p = h.unnamed(c, roomID)
		}
		h.Emit(ctx, key, TypeParticipantLeft, p)
	}
	if emptied && h.bus != nil {
		if err := h.bus.UnsubscribeKey(ctx, key); err != nil {
			h.logger.Warn("unsubscribe key failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// BroadcastLocal writes one frame to every socket attached to key on this
// process. A socket whose buffer is full is detached instead of waited on.
func (h *Hub) BroadcastLocal(key, frameType string, data json.RawMessage) {
	f := Frame{Type: frameType, Data: data, Timestamp: h.now()}
	if isParticipantEvent(frameType) {
		var p participant
		if json.Unmarshal(data, &p) == nil {
			f.RoomID = p.RoomID.String()
			f.Name = p.Name
			if p.UserID != nil {
				f.UserID = p.UserID.String()
			}
		}
	}
	b, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("encode broadcast frame", zap.String("type", frameType), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.keys[key]))
	for c := range h.keys[key] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		switch err := c.enqueue(b); {
		case err == nil:
			observ.IncWSFrame("out", frameType)
		case errors.Is(err, ErrClientQueueFull):
			observ.IncWSSlowConsumer()
			h.logger.Warn("detaching slow socket", zap.String("user_id", c.userID.String()), zap.String("key", key))
			go h.unregister(c, websocket.ClosePolicyViolation, "slow consumer")
		}
	}
}

// Emit delivers an event to every socket on key across the cluster. It
// publishes through the bus, whose listener feeds BroadcastLocal on every
// process including this one; without a bus, or when the publish fails,
// only local sockets are reached.
func (h *Hub) Emit(ctx context.Context, key, eventType string, data any) {
	if h.bus != nil {
		channel, ok := relay.ChannelForKey(key)
		if ok {
			err := h.bus.Publish(ctx, channel, eventType, data)
			if err == nil {
				return
			}
		}
	}
	h.BroadcastLocal(key, eventType, DataOf(data))
}

// SendPersonal writes f to a single socket.
func (h *Hub) SendPersonal(c *Client, f Frame) error {
	return c.SendFrame(f)
}

// KeyCount reports how many sockets on this process are attached to key.
func (h *Hub) KeyCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.keys[key])
}

// Close shuts every socket with a going-away code.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c, websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339Nano)
}

// participant identifies a socket's user in typing and presence-in-room
// events. UserID is nil in blind rooms, where Name carries the label.
type participant struct {
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Name   string     `json:"name,omitempty"`
	RoomID uuid.UUID  `json:"room_id"`
}

func participantOf(userID, roomID uuid.UUID) participant {
	return participant{UserID: &userID, RoomID: roomID}
}

func isParticipantEvent(frameType string) bool {
	switch frameType {
	case TypeTyping, TypeParticipantJoined, TypeParticipantLeft:
		return true
	}
	return false
}

func roomOf(key string) (uuid.UUID, bool) {
	const prefix = "room:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(key[len(prefix):])
	return id, err == nil
}

// handleInbound routes one frame read from c.
func (h *Hub) handleInbound(c *Client, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		h.reply(c, Frame{Type: TypeError, Error: &FrameError{
			Code:    CodeInvalidMessage,
			Message: "frame must be a JSON object with a type",
		}})
		return
	}
	switch f.Type {
	case TypePing, TypeJoinRoom, TypeLeaveRoom, TypeTyping:
		observ.IncWSFrame("in", f.Type)
	default:
		observ.IncWSFrame("in", "forwarded")
	}

	switch f.Type {
	case TypePing:
		h.reply(c, Frame{Type: TypePong})
	case TypeJoinRoom:
		h.joinRoom(c, f)
	case TypeLeaveRoom:
		h.leaveRoom(c, f)
	case TypeTyping:
		h.typing(c, f)
	default:
		if h.handler == nil {
			h.replyErr(c, apperr.InvalidInput("unsupported frame type %q", f.Type))
			return
		}
		if err := h.handler.HandleFrame(c.ctx, c, f); err != nil {
			if apperr.KindOf(err) == apperr.KindFatal {
				h.logger.Error("frame handler failed", zap.String("type", f.Type), zap.Error(err))
			}
			h.replyErr(c, err)
		}
	}
}

// reply sends to the origin socket and detaches it if the write fails.
func (h *Hub) reply(c *Client, f Frame) {
	if err := h.SendPersonal(c, f); err != nil {
		go h.unregister(c, websocket.CloseInternalServerErr, "write failed")
	}
}

func (h *Hub) replyErr(c *Client, err error) {
	if werr := c.SendError(err); werr != nil {
		go h.unregister(c, websocket.CloseInternalServerErr, "write failed")
	}
}

func parseRoomID(f Frame) (uuid.UUID, error) {
	if f.RoomID == "" {
		return uuid.Nil, apperr.InvalidInput("room_id is required")
	}
	id, err := uuid.Parse(f.RoomID)
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("room_id is not a valid id")
	}
	return id, nil
}

func (h *Hub) joinRoom(c *Client, f Frame) {
	roomID, err := parseRoomID(f)
	if err != nil {
		h.replyErr(c, err)
		return
	}
	if h.authorizer != nil {
		if err := h.authorizer.AuthorizeRoom(c.ctx, c.userID, roomID); err != nil {
			h.replyErr(c, err)
			return
		}
	}
	h.Attach(c, relay.RoomKey(roomID))
	h.reply(c, Frame{Type: TypeJoined, RoomID: roomID.String()})
}

func (h *Hub) leaveRoom(c *Client, f Frame) {
	roomID, err := parseRoomID(f)
	if err != nil {
		h.replyErr(c, err)
		return
	}
	h.Detach(c, relay.RoomKey(roomID))
	h.reply(c, Frame{Type: TypeLeft, RoomID: roomID.String()})
}

func (h *Hub) typing(c *Client, f Frame) {
	roomID, err := c.JoinedRoom(f)
	if err != nil {
		h.replyErr(c, err)
		return
	}
	key := relay.RoomKey(roomID)
	h.mu.RLock()
	p, ok := c.aliases[key]
	h.mu.RUnlock()
	if !ok {
		p = h.unnamed(c, roomID)
	}
	h.Emit(c.ctx, key, TypeTyping, p)
}
