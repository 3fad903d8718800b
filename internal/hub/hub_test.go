package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type allowRooms struct {
	allowed map[uuid.UUID]bool
}

func (a allowRooms) AuthorizeRoom(ctx context.Context, userID, roomID uuid.UUID) error {
	if a.allowed[roomID] {
		return nil
	}
	return apperr.Unauthorized("not a member of this room")
}

type countingPresence struct {
	mu           sync.Mutex
	connected    int
	disconnected int
}

func (p *countingPresence) Connected(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected++
	return nil
}

func (p *countingPresence) Disconnected(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected++
	return nil
}

func (p *countingPresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected, p.disconnected
}

type handlerFunc func(ctx context.Context, c *Client, f Frame) error

func (fn handlerFunc) HandleFrame(ctx context.Context, c *Client, f Frame) error { return fn(ctx, c, f) }

type recordingBus struct {
	mu           sync.Mutex
	published    []string
	subscribed   []string
	unsubscribed []string
	publishErr   error
}

func (b *recordingBus) Publish(ctx context.Context, channel, eventType string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel+"|"+eventType)
	return b.publishErr
}

func (b *recordingBus) SubscribeKey(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, key)
	return nil
}

func (b *recordingBus) UnsubscribeKey(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, key)
	return nil
}

func (b *recordingBus) snapshot() (pub, sub, unsub []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...), append([]string(nil), b.subscribed...), append([]string(nil), b.unsubscribed...)
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := uuid.MustParse(r.URL.Query().Get("user"))
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		h.Serve(conn, user, KindRoom, r.URL.Query()["key"], nil)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user uuid.UUID, keys ...string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user.String()
	for _, k := range keys {
		u += "&key=" + k
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readType reads frames until one of type want arrives.
func readType(t *testing.T, conn *websocket.Conn, want string) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f Frame
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == want {
			return f
		}
	}
}

func TestPingPong(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	conn := dial(t, newTestServer(t, h), uuid.New())

	send(t, conn, map[string]string{"type": "ping"})
	f := readType(t, conn, TypePong)
	assert.NotEmpty(t, f.Timestamp)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	conn := dial(t, newTestServer(t, h), uuid.New())

	tcases := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"missing type", `{"room_id":"x"}`},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)))
			f := readType(t, conn, TypeError)
			require.NotNil(t, f.Error)
			assert.Equal(t, CodeInvalidMessage, f.Error.Code)
		})
	}

	send(t, conn, map[string]string{"type": "ping"})
	readType(t, conn, TypePong)
}

func TestUnknownTypeWithoutHandler(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	conn := dial(t, newTestServer(t, h), uuid.New())

	send(t, conn, map[string]string{"type": "dance"})
	f := readType(t, conn, TypeError)
	assert.Equal(t, CodeInvalidMessage, f.Error.Code)
}

func TestJoinRoomAnnouncesParticipant(t *testing.T) {
	room := uuid.New()
	h := New(Options{Authorizer: allowRooms{allowed: map[uuid.UUID]bool{room: true}}}, zap.NewNop())
	srv := newTestServer(t, h)
	key := relay.RoomKey(room)

	watcher := dial(t, srv, uuid.New(), key)
	require.Eventually(t, func() bool { return h.KeyCount(key) == 1 }, time.Second, 5*time.Millisecond)

	joiner := uuid.New()
	conn := dial(t, srv, joiner)
	send(t, conn, map[string]string{"type": "join_room", "room_id": room.String()})

	joined := readType(t, conn, TypeJoined)
	assert.Equal(t, room.String(), joined.RoomID)

	// The watcher first sees its own arrival, then the joiner's.
	var f Frame
	for f.UserID != joiner.String() {
		f = readType(t, watcher, TypeParticipantJoined)
	}
	assert.Equal(t, room.String(), f.RoomID)

	send(t, conn, map[string]string{"type": "leave_room", "room_id": room.String()})
	left := readType(t, conn, TypeLeft)
	assert.Equal(t, room.String(), left.RoomID)
	readType(t, watcher, TypeParticipantLeft)
	assert.Equal(t, 1, h.KeyCount(key))
}

func TestJoinRoomRefusedStaysOpen(t *testing.T) {
	h := New(Options{Authorizer: allowRooms{}}, zap.NewNop())
	conn := dial(t, newTestServer(t, h), uuid.New())

	send(t, conn, map[string]string{"type": "join_room", "room_id": uuid.NewString()})
	f := readType(t, conn, TypeError)
	assert.Equal(t, "forbidden", f.Error.Code)

	send(t, conn, map[string]string{"type": "join_room"})
	f = readType(t, conn, TypeError)
	assert.Equal(t, CodeInvalidMessage, f.Error.Code)

	send(t, conn, map[string]string{"type": "ping"})
	readType(t, conn, TypePong)
}

func TestTypingReachesRoom(t *testing.T) {
	room := uuid.New()
	key := relay.RoomKey(room)
	h := New(Options{}, zap.NewNop())
	srv := newTestServer(t, h)

	typist := uuid.New()
	a := dial(t, srv, typist, key)
	b := dial(t, srv, uuid.New(), key)
	require.Eventually(t, func() bool { return h.KeyCount(key) == 2 }, time.Second, 5*time.Millisecond)

	send(t, a, map[string]string{"type": "typing", "room_id": room.String()})
	f := readType(t, b, TypeTyping)
	assert.Equal(t, typist.String(), f.UserID)
	assert.Equal(t, room.String(), f.RoomID)

	// Typing into a room the socket never joined is refused.
	send(t, a, map[string]string{"type": "typing", "room_id": uuid.NewString()})
	e := readType(t, a, TypeError)
	assert.Equal(t, "forbidden", e.Error.Code)
}

type blindRooms struct {
	allowRooms
	names map[uuid.UUID]string
}

func (b blindRooms) ParticipantName(ctx context.Context, roomID, userID uuid.UUID) (string, bool, error) {
	return b.names[userID], true, nil
}

func TestBlindRoomHidesParticipantIDs(t *testing.T) {
	room := uuid.New()
	key := relay.RoomKey(room)
	watcher, joiner := uuid.New(), uuid.New()
	h := New(Options{Authorizer: blindRooms{
		allowRooms: allowRooms{allowed: map[uuid.UUID]bool{room: true}},
		names:      map[uuid.UUID]string{watcher: "A1", joiner: "B2"},
	}}, zap.NewNop())
	srv := newTestServer(t, h)

	w := dial(t, srv, watcher, key)
	require.Eventually(t, func() bool { return h.KeyCount(key) == 1 }, time.Second, 5*time.Millisecond)

	conn := dial(t, srv, joiner)
	send(t, conn, map[string]string{"type": "join_room", "room_id": room.String()})
	readType(t, conn, TypeJoined)

	var f Frame
	for f.Name != "B2" {
		f = readType(t, w, TypeParticipantJoined)
		assert.Empty(t, f.UserID)
		assert.NotContains(t, string(f.Data), joiner.String())
	}
	assert.Equal(t, room.String(), f.RoomID)

	send(t, conn, map[string]string{"type": "typing", "room_id": room.String()})
	f = readType(t, w, TypeTyping)
	assert.Equal(t, "B2", f.Name)
	assert.Empty(t, f.UserID)
	assert.NotContains(t, string(f.Data), joiner.String())

	require.NoError(t, conn.Close())
	f = readType(t, w, TypeParticipantLeft)
	assert.Equal(t, "B2", f.Name)
	assert.Empty(t, f.UserID)
}

func TestBroadcastLocalFanOut(t *testing.T) {
	key := relay.RoomKey(uuid.New())
	h := New(Options{}, zap.NewNop())
	srv := newTestServer(t, h)

	conns := []*websocket.Conn{
		dial(t, srv, uuid.New(), key),
		dial(t, srv, uuid.New(), key),
		dial(t, srv, uuid.New(), key),
	}
	require.Eventually(t, func() bool { return h.KeyCount(key) == 3 }, time.Second, 5*time.Millisecond)

	h.BroadcastLocal(key, "message", json.RawMessage(`{"content":"hello"}`))
	for _, c := range conns {
		f := readType(t, c, "message")
		assert.JSONEq(t, `{"content":"hello"}`, string(f.Data))
	}
}

func TestHandlerErrorsBecomeFrames(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	h.SetHandler(handlerFunc(func(ctx context.Context, c *Client, f Frame) error {
		switch f.Type {
		case "timer_pause":
			return apperr.InvalidState(apperr.CodeInvalidTimerState, "idle", "pause")
		case "boom":
			return errors.New("database exploded")
		}
		return nil
	}))
	conn := dial(t, newTestServer(t, h), uuid.New())

	send(t, conn, map[string]string{"type": "timer_pause"})
	f := readType(t, conn, TypeError)
	assert.Equal(t, "invalid_state", f.Error.Code)
	assert.Contains(t, f.Error.Message, "pause")

	send(t, conn, map[string]string{"type": "boom"})
	f = readType(t, conn, TypeError)
	assert.Equal(t, CodeServerError, f.Error.Code)
	assert.Equal(t, "internal error", f.Error.Message)
}

func TestHandlerPanicClosesWithInternalError(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	h.SetHandler(handlerFunc(func(ctx context.Context, c *Client, f Frame) error {
		panic("unexpected")
	}))
	conn := dial(t, newTestServer(t, h), uuid.New())

	send(t, conn, map[string]string{"type": "anything"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
		break
	}
}

func TestPresenceTrackedPerSocket(t *testing.T) {
	p := &countingPresence{}
	h := New(Options{Presence: p}, zap.NewNop())
	srv := newTestServer(t, h)

	user := uuid.New()
	a := dial(t, srv, user)
	dial(t, srv, user)
	require.Eventually(t, func() bool { c, _ := p.counts(); return c == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { _, d := p.counts(); return d == 1 }, time.Second, 5*time.Millisecond)
}

func TestDetachIsIdempotent(t *testing.T) {
	bus := &recordingBus{}
	h := New(Options{Bus: bus}, zap.NewNop())
	key := relay.RoomKey(uuid.New())
	c := newClient(h, nil, uuid.New(), KindRoom)

	h.Attach(c, key)
	h.Attach(c, key)
	assert.Equal(t, 1, h.KeyCount(key))

	h.Detach(c, key)
	h.Detach(c, key)
	assert.Equal(t, 0, h.KeyCount(key))
	assert.False(t, c.InKey(key))

	pub, sub, unsub := bus.snapshot()
	assert.Equal(t, []string{key}, sub)
	assert.Equal(t, []string{key}, unsub)
	channel, _ := relay.ChannelForKey(key)
	assert.Equal(t, []string{channel + "|" + TypeParticipantJoined, channel + "|" + TypeParticipantLeft}, pub)
}

func TestSlowConsumerIsDetached(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	key := relay.RoomKey(uuid.New())
	slow := newClient(h, nil, uuid.New(), KindRoom)
	h.register(slow)
	h.Attach(slow, key)

	// Attach already queued one participant_joined frame.
	for i := 0; i < sendBufferSize-1; i++ {
		h.BroadcastLocal(key, "message", nil)
	}
	assert.Equal(t, 1, h.KeyCount(key))

	h.BroadcastLocal(key, "message", nil)
	require.Eventually(t, func() bool { return h.KeyCount(key) == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, slow.SendFrame(Frame{Type: "message"}), ErrClientClosed)
}

func TestEmitFallsBackToLocalWhenPublishFails(t *testing.T) {
	bus := &recordingBus{publishErr: errors.New("broker down")}
	h := New(Options{Bus: bus}, zap.NewNop())
	key := relay.RoomKey(uuid.New())
	c := newClient(h, nil, uuid.New(), KindRoom)
	h.Attach(c, key)
	// Drain the participant_joined frame delivered by the fallback.
	<-c.send

	h.Emit(context.Background(), key, "message", map[string]string{"content": "hi"})
	select {
	case raw := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		assert.Equal(t, "message", f.Type)
	case <-time.After(time.Second):
		t.Fatal("no local delivery")
	}
}

func TestSendPersonalToClosedClient(t *testing.T) {
	h := New(Options{}, zap.NewNop())
	c := newClient(h, nil, uuid.New(), KindRoom)
	c.close(websocket.CloseNormalClosure, "")

	err := h.SendPersonal(c, Frame{Type: "notification"})
	assert.ErrorIs(t, err, ErrClientClosed)
}
