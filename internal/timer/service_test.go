package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/lalith-99/studyhub/internal/repository"
	"github.com/lalith-99/studyhub/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memTimers is a TimerRepository with the same compare-and-swap rule as
// the Postgres store.
type memTimers struct {
	mu     sync.Mutex
	timers map[uuid.UUID]models.Timer
	// steal, when set, rewrites the stored timer right before the next
	// CompareAndSwap to simulate a writer on another process.
	steal func(models.Timer) models.Timer
}

func newMemTimers() *memTimers { return &memTimers{timers: map[uuid.UUID]models.Timer{}} }

func (m *memTimers) Get(_ context.Context, roomID uuid.UUID) (*models.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[roomID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memTimers) Create(_ context.Context, t *models.Timer) (*models.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[t.RoomID]; ok {
		return &existing, nil
	}
	m.timers[t.RoomID] = *t
	cp := *t
	return &cp, nil
}

func (m *memTimers) CompareAndSwap(_ context.Context, prev, next *models.Timer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steal != nil {
		m.timers[prev.RoomID] = m.steal(m.timers[prev.RoomID])
		m.steal = nil
	}
	cur := m.timers[prev.RoomID]
	if cur.Status != prev.Status || cur.Phase != prev.Phase || cur.RemainingSeconds != prev.RemainingSeconds {
		return false, nil
	}
	if !sameTime(cur.StartedAt, prev.StartedAt) || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return false, nil
	}
	m.timers[prev.RoomID] = *next
	return true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

var _ repository.TimerRepository = (*memTimers)(nil)

type recordingEmitter struct {
	mu     sync.Mutex
	frames []*models.Timer
	keys   []string
}

func (r *recordingEmitter) Emit(_ context.Context, key, _ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.frames = append(r.frames, data.(*models.Timer))
}

type denyAll struct{}

func (denyAll) AuthorizeRoom(context.Context, uuid.UUID, uuid.UUID) error {
	return apperr.Unauthorized("not a member of this room")
}

type fixture struct {
	timers  *memTimers
	rooms   *mocks.RoomRepositoryMock
	emitter *recordingEmitter
	clock   *clock.FakeClock
	svc     *Service
	room    *models.Room
}

func newFixture(roomSettings *models.TimerSettings) *fixture {
	f := &fixture{
		timers:  newMemTimers(),
		rooms:   &mocks.RoomRepositoryMock{},
		emitter: &recordingEmitter{},
		clock:   clock.Fake(t0),
		room:    &models.Room{ID: uuid.New(), Type: models.RoomTeam, IsActive: true},
	}
	f.room.Metadata.Timer = roomSettings
	f.rooms.On("GetByID", mock.Anything, f.room.ID).Return(f.room, nil)
	defaults := models.TimerSettings{WorkSeconds: 1500, BreakSeconds: 300}
	f.svc = NewService(f.timers, f.rooms, nil, f.emitter, defaults, f.clock, zap.NewNop())
	return f
}

func TestGetCreatesIdleTimerFromDefaults(t *testing.T) {
	f := newFixture(nil)
	timer, err := f.svc.Get(context.Background(), uuid.New(), f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimerIdle, timer.Status)
	assert.Equal(t, 1500, timer.DurationSeconds)
	assert.Empty(t, f.emitter.frames, "reads that change nothing are not broadcast")
}

// Work runs out, the first read shows it completed and the next read
// starts the break on its own.
func TestAutoPhaseAcrossReads(t *testing.T) {
	f := newFixture(&models.TimerSettings{WorkSeconds: 1500, BreakSeconds: 300, AutoStartBreak: true})
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.Start(ctx, user, f.room.ID)
	require.NoError(t, err)

	f.clock.Advance(1500 * time.Second)
	timer, err := f.svc.Get(ctx, user, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimerCompleted, timer.Status)
	assert.Equal(t, models.PhaseWork, timer.Phase)
	assert.Zero(t, timer.RemainingSeconds)

	timer, err = f.svc.Get(ctx, user, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunning, timer.Status)
	assert.Equal(t, models.PhaseBreak, timer.Phase)
	assert.Equal(t, 300, timer.DurationSeconds)
	assert.Equal(t, 300, timer.RemainingSeconds)
	assert.Equal(t, f.clock.Now(), *timer.StartedAt)

	require.Len(t, f.emitter.frames, 3)
	for _, key := range f.emitter.keys {
		assert.Equal(t, relay.RoomKey(f.room.ID), key)
	}
}

func TestCompletePhaseAfterTimeout(t *testing.T) {
	f := newFixture(&models.TimerSettings{WorkSeconds: 1500, BreakSeconds: 300, AutoStartBreak: true})
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.Start(ctx, user, f.room.ID)
	require.NoError(t, err)
	f.clock.Advance(1600 * time.Second)

	timer, err := f.svc.CompletePhase(ctx, user, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunning, timer.Status)
	assert.Equal(t, models.PhaseBreak, timer.Phase)
	assert.Equal(t, 300, timer.RemainingSeconds)
}

func TestStartPauseStartPreservesElapsed(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.Start(ctx, user, f.room.ID)
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)
	paused, err := f.svc.Pause(ctx, user, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1410, paused.RemainingSeconds)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.Start(ctx, user, f.room.ID)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	timer, err := f.svc.Get(ctx, user, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1400, timer.RemainingSeconds)
}

func TestIllegalActionKeepsState(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	_, err := f.svc.Pause(ctx, uuid.New(), f.room.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
	assert.Equal(t, models.TimerIdle, f.timers.timers[f.room.ID].Status)
	assert.Empty(t, f.emitter.frames)
}

func TestLostRaceIsRetried(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.Get(ctx, user, f.room.ID)
	require.NoError(t, err)

	// Another process starts the timer between our read and our write, so
	// our start must be re-evaluated against the running timer.
	f.timers.steal = func(t models.Timer) models.Timer {
		started := t0
		t.Status = models.TimerRunning
		t.StartedAt = &started
		return t
	}
	_, err = f.svc.Start(ctx, user, f.room.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestRestartAtSameRemainingIsNotOverwritten(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.Start(ctx, user, f.room.ID)
	require.NoError(t, err)
	f.clock.Advance(100 * time.Second)

	// Elsewhere the timer was paused within its first second and resumed
	// at 60s: status, phase and remaining are what we loaded. Our pause
	// must be computed from that restart.
	f.timers.steal = func(t models.Timer) models.Timer {
		restarted := at(60 * time.Second)
		t.StartedAt = &restarted
		t.UpdatedAt = restarted
		return t
	}
	paused, err := f.svc.Pause(ctx, user, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1460, paused.RemainingSeconds)
}

func TestConcurrentStartsSerialize(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Start(ctx, uuid.New(), f.room.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperr.Is(err, apperr.KindInvalidState))
	}
	assert.Equal(t, 1, ok)
	assert.Empty(t, f.svc.locks, "room locks are released")
}

func TestUnauthorizedUser(t *testing.T) {
	f := newFixture(nil)
	f.svc.authorizer = denyAll{}
	_, err := f.svc.Start(context.Background(), uuid.New(), f.room.ID)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestMissingRoom(t *testing.T) {
	f := newFixture(nil)
	missing := uuid.New()
	f.rooms.On("GetByID", mock.Anything, missing).Return(nil, nil)
	_, err := f.svc.Get(context.Background(), uuid.New(), missing)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
