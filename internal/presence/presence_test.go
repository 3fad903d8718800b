package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBus struct {
	mu        sync.Mutex
	online    map[uuid.UUID]struct{}
	cached    []models.Presence
	published []models.Presence
	failAll   error
}

func newFakeBus() *fakeBus { return &fakeBus{online: map[uuid.UUID]struct{}{}} }

func (b *fakeBus) MarkOnline(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return b.failAll
	}
	b.online[id] = struct{}{}
	return nil
}

func (b *fakeBus) MarkOffline(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return b.failAll
	}
	delete(b.online, id)
	return nil
}

func (b *fakeBus) OnlineUsers(context.Context) (map[uuid.UUID]struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uuid.UUID]struct{}, len(b.online))
	for id := range b.online {
		out[id] = struct{}{}
	}
	return out, nil
}

func (b *fakeBus) CachePresence(_ context.Context, p models.Presence) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return b.failAll
	}
	b.cached = append(b.cached, p)
	return nil
}

func (b *fakeBus) PublishPresence(_ context.Context, p models.Presence) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return b.failAll
	}
	b.published = append(b.published, p)
	return nil
}

type fixture struct {
	repo    *mocks.PresenceRepositoryMock
	friends *mocks.FriendDirectoryMock
	bus     *fakeBus
	clock   *clock.FakeClock
	svc     *Service
}

func newFixture() *fixture {
	f := &fixture{
		repo:    &mocks.PresenceRepositoryMock{},
		friends: &mocks.FriendDirectoryMock{},
		bus:     newFakeBus(),
		clock:   clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.svc = NewService(f.repo, f.friends, f.bus, f.clock, 5*time.Minute, zap.NewNop())
	return f
}

func TestConnectedPublishesOnlyFirstSocket(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	now := f.clock.Now()

	f.repo.On("Connect", ctx, user, now).Return(&models.Presence{UserID: user, IsOnline: true, ConnectionCount: 1, LastSeenAt: now}, nil).Once()
	f.repo.On("Connect", ctx, user, now).Return(&models.Presence{UserID: user, IsOnline: true, ConnectionCount: 2, LastSeenAt: now}, nil).Once()

	require.NoError(t, f.svc.Connected(ctx, user))
	require.NoError(t, f.svc.Connected(ctx, user))

	assert.Equal(t, 2, f.svc.LocalConnections(user))
	assert.Len(t, f.bus.published, 1)
	assert.Len(t, f.bus.cached, 2)
	assert.Contains(t, f.bus.online, user)
	f.repo.AssertExpectations(t)
}

func TestDisconnectedGoesOfflineAtZero(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	now := f.clock.Now()

	f.repo.On("Connect", ctx, user, now).Return(&models.Presence{UserID: user, IsOnline: true, ConnectionCount: 1}, nil).Once()
	f.repo.On("Connect", ctx, user, now).Return(&models.Presence{UserID: user, IsOnline: true, ConnectionCount: 2}, nil).Once()
	f.repo.On("Disconnect", ctx, user, now).Return(&models.Presence{UserID: user, IsOnline: true, ConnectionCount: 1}, nil).Once()
	f.repo.On("Disconnect", ctx, user, now).Return(&models.Presence{UserID: user, IsOnline: false, ConnectionCount: 0}, nil).Once()

	require.NoError(t, f.svc.Connected(ctx, user))
	require.NoError(t, f.svc.Connected(ctx, user))

	require.NoError(t, f.svc.Disconnected(ctx, user))
	assert.Contains(t, f.bus.online, user)
	assert.Len(t, f.bus.published, 1)

	require.NoError(t, f.svc.Disconnected(ctx, user))
	assert.NotContains(t, f.bus.online, user)
	require.Len(t, f.bus.published, 2)
	assert.False(t, f.bus.published[1].IsOnline)
	assert.Zero(t, f.svc.LocalConnections(user))
}

func TestBrokerFailureDoesNotFailConnect(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	f.bus.failAll = errors.New("redis down")

	f.repo.On("Connect", ctx, user, f.clock.Now()).Return(&models.Presence{UserID: user, IsOnline: true, ConnectionCount: 1}, nil)

	assert.NoError(t, f.svc.Connected(ctx, user))
}

func TestConnectStoreFailureIsTransient(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	f.repo.On("Connect", ctx, user, f.clock.Now()).Return(nil, errors.New("conn refused"))

	err := f.svc.Connected(ctx, user)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
}

func TestGetUnknownUserIsOffline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	f.repo.On("Get", ctx, user).Return(nil, nil)

	p, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, user, p.UserID)
	assert.False(t, p.IsOnline)
	assert.Zero(t, p.ConnectionCount)
}

func TestSetStatus(t *testing.T) {
	tcases := []struct {
		name    string
		msg     *string
		wantErr apperr.Kind
		stored  *string
	}{
		{name: "sets message", msg: ptr("deep work"), stored: ptr("deep work")},
		{name: "empty clears", msg: ptr(""), stored: nil},
		{name: "nil clears", msg: nil, stored: nil},
		{name: "too long", msg: ptr(strings.Repeat("x", 101)), wantErr: apperr.KindInvalidInput},
		{name: "exactly 100 runes", msg: ptr(strings.Repeat("é", 100)), stored: ptr(strings.Repeat("é", 100))},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			user := uuid.New()
			f.repo.On("SetStatusMessage", ctx, user, tc.stored, f.clock.Now()).
				Return(&models.Presence{UserID: user, StatusMessage: tc.stored}, nil).Maybe()

			p, err := f.svc.SetStatus(ctx, user, tc.msg)
			if tc.wantErr != "" {
				assert.True(t, apperr.Is(err, tc.wantErr))
				f.repo.AssertNotCalled(t, "SetStatusMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.stored, p.StatusMessage)
			assert.Len(t, f.bus.published, 1)
		})
	}
}

func TestFriendsOnline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	stranger := uuid.New()

	f.bus.online[a] = struct{}{}
	f.bus.online[c] = struct{}{}
	f.bus.online[stranger] = struct{}{}
	f.friends.On("FriendIDs", ctx, user).Return([]uuid.UUID{a, b, c}, nil)

	got, err := f.svc.FriendsOnline(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, c}, got)
}

func TestHeartbeatTouchesOnlineAndRestoresSwept(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alive, swept := uuid.New(), uuid.New()
	now := f.clock.Now()

	f.repo.On("Connect", ctx, alive, now).Return(&models.Presence{UserID: alive, IsOnline: true, ConnectionCount: 1}, nil).Once()
	f.repo.On("Connect", ctx, swept, now).Return(&models.Presence{UserID: swept, IsOnline: true, ConnectionCount: 1}, nil).Once()
	require.NoError(t, f.svc.Connected(ctx, alive))
	require.NoError(t, f.svc.Connected(ctx, swept))

	f.clock.Advance(2 * time.Minute)
	later := f.clock.Now()
	f.repo.On("Get", ctx, alive).Return(&models.Presence{UserID: alive, IsOnline: true, ConnectionCount: 1}, nil)
	f.repo.On("Touch", ctx, alive, later).Return(nil).Once()
	f.repo.On("Get", ctx, swept).Return(&models.Presence{UserID: swept}, nil)
	f.repo.On("Connect", ctx, swept, later).Return(&models.Presence{UserID: swept, IsOnline: true, ConnectionCount: 1}, nil).Once()

	f.svc.Heartbeat(ctx)

	f.repo.AssertExpectations(t)
	assert.Contains(t, f.bus.online, swept)
}

func TestSweepAnnouncesOffline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	gone := uuid.New()
	f.bus.online[gone] = struct{}{}
	cutoff := f.clock.Now().Add(-5 * time.Minute)
	f.repo.On("SweepStale", ctx, cutoff).Return([]uuid.UUID{gone}, nil)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, f.bus.online, gone)
	require.Len(t, f.bus.published, 1)
	assert.False(t, f.bus.published[0].IsOnline)
}

func ptr[T any](v T) *T { return &v }
