package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/studyhub/internal/hub"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// process is one server instance: a hub fed by its own relay listener.
type process struct {
	relay *relay.Relay
	hub   *hub.Hub
	srv   *httptest.Server
}

func startProcess(t *testing.T, broker relay.Broker) *process {
	t.Helper()
	r := relay.New(broker, nil, time.Second, zap.NewNop())
	h := hub.New(hub.Options{Bus: r}, zap.NewNop())
	r.SetSink(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user := uuid.MustParse(req.URL.Query().Get("user"))
		conn, err := hub.Upgrade(w, req)
		if err != nil {
			return
		}
		h.Serve(conn, user, hub.KindRoom, req.URL.Query()["key"], nil)
	}))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		cancel()
		<-done
	})
	return &process{relay: r, hub: h, srv: srv}
}

func (p *process) dial(t *testing.T, user uuid.UUID, keys ...string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/?user=" + user.String()
	for _, k := range keys {
		u += "&key=" + k
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, frameType string) hub.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f hub.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == frameType {
			return f
		}
	}
}

func TestRoomEventReachesEveryProcess(t *testing.T) {
	broker := relay.NewMemBroker()
	p1, p2 := startProcess(t, broker), startProcess(t, broker)
	room := uuid.New()
	key := relay.RoomKey(room)
	channel, ok := relay.ChannelForKey(key)
	require.True(t, ok)

	sender := uuid.New()
	local := []*websocket.Conn{p1.dial(t, sender, key), p1.dial(t, uuid.New(), key)}
	remote := p2.dial(t, uuid.New(), key)
	require.Eventually(t, func() bool {
		return p1.hub.KeyCount(key) == 2 && p2.hub.KeyCount(key) == 1 && broker.Holders(channel) == 2
	}, 2*time.Second, 5*time.Millisecond)

	p1.hub.Emit(context.Background(), key, "message", map[string]any{"content": "hello", "sender_id": sender})

	for i, conn := range append(local, remote) {
		f := readUntil(t, conn, "message")
		var body struct {
			Content  string    `json:"content"`
			SenderID uuid.UUID `json:"sender_id"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &body), "socket %d", i)
		assert.Equal(t, "hello", body.Content, "socket %d", i)
		assert.Equal(t, sender, body.SenderID, "socket %d", i)
	}
}

func TestRoomEventSkipsProcessesWithoutSockets(t *testing.T) {
	broker := relay.NewMemBroker()
	p1, p2 := startProcess(t, broker), startProcess(t, broker)
	busy, idle := relay.RoomKey(uuid.New()), relay.RoomKey(uuid.New())
	busyChannel, _ := relay.ChannelForKey(busy)
	idleChannel, _ := relay.ChannelForKey(idle)

	conn := p2.dial(t, uuid.New(), idle)
	p1.dial(t, uuid.New(), busy)
	require.Eventually(t, func() bool {
		return broker.Holders(busyChannel) == 1 && broker.Holders(idleChannel) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p1.hub.Emit(context.Background(), busy, "message", map[string]any{"content": "only here"})
	p1.hub.Emit(context.Background(), idle, "message", map[string]any{"content": "for p2"})

	f := readUntil(t, conn, "message")
	assert.JSONEq(t, `{"content":"for p2"}`, string(f.Data))
	assert.NotContains(t, p2.relay.Channels(), busyChannel)
}

func TestPresenceUpdateReachesOtherProcess(t *testing.T) {
	broker := relay.NewMemBroker()
	p1, p2 := startProcess(t, broker), startProcess(t, broker)

	watcher := p1.dial(t, uuid.New(), relay.PresenceKey)
	require.Eventually(t, func() bool { return broker.Holders(relay.PresenceChannel) == 1 }, 2*time.Second, 5*time.Millisecond)

	friend := uuid.New()
	require.NoError(t, p2.relay.PublishPresence(context.Background(), models.Presence{UserID: friend, IsOnline: true}))

	f := readUntil(t, watcher, relay.EventPresenceUpdate)
	var update relay.PresenceUpdate
	require.NoError(t, json.Unmarshal(f.Data, &update))
	assert.Equal(t, friend, update.UserID)
	assert.True(t, update.IsOnline)
}
