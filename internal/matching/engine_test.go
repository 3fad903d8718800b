package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/events"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/lalith-99/studyhub/internal/repository"
	"github.com/lalith-99/studyhub/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type emitted struct {
	key  string
	data models.Notification
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(_ context.Context, key, _ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{key: key, data: data.(models.Notification)})
}

func (r *recordingEmitter) kinds(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.key == key {
			out = append(out, e.data.Kind)
		}
	}
	return out
}

type recordingExporter struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingExporter) Export(_ context.Context, routingKey string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, routingKey)
}

type fakeRooms struct {
	calls int
	room  *models.Room
	err   error
}

func (f *fakeRooms) CreateMatchingRoom(_ context.Context, _ *models.MatchingProposal, _, _ *models.MatchingPool) (*models.Room, error) {
	f.calls++
	return f.room, f.err
}

type fixture struct {
	pools     *mocks.PoolRepositoryMock
	proposals *mocks.ProposalRepositoryMock
	stats     *mocks.MatchingStatsRepositoryMock
	users     *mocks.UserDirectoryMock
	rooms     *fakeRooms
	emitter   *recordingEmitter
	exporter  *recordingExporter
	clock     *clock.FakeClock
	engine    *Engine
}

func newFixture() *fixture {
	f := &fixture{
		pools:     &mocks.PoolRepositoryMock{},
		proposals: &mocks.ProposalRepositoryMock{},
		stats:     &mocks.MatchingStatsRepositoryMock{},
		users:     &mocks.UserDirectoryMock{},
		rooms:     &fakeRooms{room: &models.Room{ID: uuid.New()}},
		emitter:   &recordingEmitter{},
		exporter:  &recordingExporter{},
		clock:     clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	}
	f.engine = NewEngine(Deps{
		Pools:     f.pools,
		Proposals: f.proposals,
		Stats:     f.stats,
		Users:     f.users,
		Rooms:     f.rooms,
		Emitter:   f.emitter,
		Exporter:  f.exporter,
		Clock:     f.clock,
	}, nil, 7*24*time.Hour, zap.NewNop())
	return f
}

func verified(ids ...uuid.UUID) map[uuid.UUID]models.UserProfile {
	out := make(map[uuid.UUID]models.UserProfile, len(ids))
	for _, id := range ids {
		out[id] = models.UserProfile{ID: id, Department: "CS", Grade: 2, Gender: models.GenderFemale, IsVerified: true}
	}
	return out
}

func TestCreatePoolSnapshotsCreator(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	creator, friend := uuid.New(), uuid.New()
	members := []uuid.UUID{creator, friend}

	f.users.On("GetProfiles", ctx, members).Return(verified(creator, friend), nil)
	f.pools.On("FindActiveMembers", ctx, members).Return([]uuid.UUID{}, nil)

	var stored *models.MatchingPool
	f.pools.On("Create", ctx, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(1).(*models.MatchingPool) }).
		Return(&models.MatchingPool{ID: uuid.New(), Status: models.PoolWaiting}, nil)

	_, err := f.engine.CreatePool(ctx, creator, PoolInput{MemberIDs: []uuid.UUID{friend, creator}})
	require.NoError(t, err)

	require.NotNil(t, stored)
	assert.Equal(t, members, stored.MemberIDs, "creator listed once and first")
	assert.Equal(t, 2, stored.MemberCount)
	assert.Equal(t, "CS", stored.Department)
	assert.Equal(t, models.GenderFemale, stored.Gender)
	assert.Equal(t, models.PreferAny, stored.PreferredMatchType)
	assert.Equal(t, models.DisplayOpen, stored.MatchingType)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), stored.ExpiresAt)
}

func TestCreatePoolValidation(t *testing.T) {
	creator := uuid.New()
	others := func(n int) []uuid.UUID {
		ids := make([]uuid.UUID, n)
		for i := range ids {
			ids[i] = uuid.New()
		}
		return ids
	}

	tcases := []struct {
		name string
		in   PoolInput
	}{
		{name: "alone", in: PoolInput{}},
		{name: "too many", in: PoolInput{MemberIDs: others(8)}},
		{name: "bad preference", in: PoolInput{MemberIDs: others(1), PreferredMatchType: "nearby"}},
		{name: "bad display", in: PoolInput{MemberIDs: others(1), MatchingType: "hidden"}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.engine.CreatePool(context.Background(), creator, tc.in)
			assert.True(t, apperr.Is(err, apperr.KindInvalidInput), "got %v", err)
			f.pools.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestCreatePoolRequiresVerifiedMembers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	creator, stranger := uuid.New(), uuid.New()

	profiles := verified(creator, stranger)
	p := profiles[stranger]
	p.IsVerified = false
	profiles[stranger] = p
	f.users.On("GetProfiles", ctx, mock.Anything).Return(profiles, nil)

	_, err := f.engine.CreatePool(ctx, creator, PoolInput{MemberIDs: []uuid.UUID{stranger}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))

	delete(profiles, creator)
	_, err = f.engine.CreatePool(ctx, creator, PoolInput{MemberIDs: []uuid.UUID{stranger}})
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestCreatePoolRejectsBusyMembers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	creator, friend := uuid.New(), uuid.New()

	f.users.On("GetProfiles", ctx, mock.Anything).Return(verified(creator, friend), nil)
	f.pools.On("FindActiveMembers", ctx, mock.Anything).Return([]uuid.UUID{friend}, nil)

	_, err := f.engine.CreatePool(ctx, creator, PoolInput{MemberIDs: []uuid.UUID{friend}})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, apperr.CodeAlreadyInPool, appErr.Code)

	// The insert itself can still lose a race with another pool.
	f.pools.ExpectedCalls = nil
	f.pools.On("FindActiveMembers", ctx, mock.Anything).Return(nil, nil)
	f.pools.On("Create", ctx, mock.Anything).Return(nil, repository.ErrUserInActivePool)
	_, err = f.engine.CreatePool(ctx, creator, PoolInput{MemberIDs: []uuid.UUID{friend}})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

// proposalFixture registers two pools of two members and a pending
// proposal between them.
func (f *fixture) proposalFixture() (*models.MatchingProposal, *models.MatchingPool, *models.MatchingPool) {
	a := &models.MatchingPool{ID: uuid.New(), CreatorID: uuid.New(), Status: models.PoolProposed}
	a.MemberIDs = []uuid.UUID{a.CreatorID, uuid.New()}
	b := &models.MatchingPool{ID: uuid.New(), CreatorID: uuid.New(), Status: models.PoolProposed}
	b.MemberIDs = []uuid.UUID{b.CreatorID, uuid.New()}
	p := &models.MatchingProposal{
		ID:           uuid.New(),
		PoolAID:      a.ID,
		PoolBID:      b.ID,
		GroupAStatus: models.ResponsePending,
		GroupBStatus: models.ResponsePending,
		FinalStatus:  models.ProposalPending,
	}
	f.pools.On("GetByID", mock.Anything, a.ID).Return(a, nil)
	f.pools.On("GetByID", mock.Anything, b.ID).Return(b, nil)
	f.proposals.On("GetByID", mock.Anything, p.ID).Return(p, nil)
	return p, a, b
}

func TestRespondFirstAcceptNotifiesBothGroups(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, a, b := f.proposalFixture()

	updated := *p
	updated.GroupAStatus = models.ResponseAccepted
	f.proposals.On("RecordResponse", ctx, p.ID, "A", models.ResponseAccepted, f.clock.Now()).Return(&updated, nil)

	got, err := f.engine.Respond(ctx, a.CreatorID, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPending, got.FinalStatus)
	assert.Zero(t, f.rooms.calls)

	for _, id := range append(a.MemberIDs, b.MemberIDs...) {
		assert.Equal(t, []string{models.NotifyProposalUpdated}, f.emitter.kinds(relay.UserKey(id)))
	}
}

func TestRespondSecondAcceptCreatesRoom(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, a, b := f.proposalFixture()

	accepted := *p
	accepted.GroupAStatus = models.ResponseAccepted
	accepted.GroupBStatus = models.ResponseAccepted
	f.proposals.On("RecordResponse", ctx, p.ID, "B", models.ResponseAccepted, f.clock.Now()).Return(&accepted, nil)

	roomID := f.rooms.room.ID
	matched := accepted
	matched.FinalStatus = models.ProposalMatched
	matched.ChatRoomID = &roomID
	f.proposals.On("Finalize", ctx, p.ID, models.ProposalMatched, &roomID, f.clock.Now()).Return(&matched, nil)

	got, err := f.engine.Respond(ctx, b.CreatorID, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalMatched, got.FinalStatus)
	assert.Equal(t, roomID, *got.ChatRoomID)
	assert.Equal(t, 1, f.rooms.calls)
	assert.Equal(t, []string{models.NotifyProposalMatched}, f.emitter.kinds(relay.UserKey(a.MemberIDs[1])))
	assert.Equal(t, []string{events.ProposalMatched}, f.exporter.keys)
}

func TestRespondRejectReleasesPools(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, a, _ := f.proposalFixture()

	rejected := *p
	rejected.GroupAStatus = models.ResponseRejected
	f.proposals.On("RecordResponse", ctx, p.ID, "A", models.ResponseRejected, f.clock.Now()).Return(&rejected, nil)
	final := rejected
	final.FinalStatus = models.ProposalRejected
	f.proposals.On("Finalize", ctx, p.ID, models.ProposalRejected, (*uuid.UUID)(nil), f.clock.Now()).Return(&final, nil)

	got, err := f.engine.Respond(ctx, a.CreatorID, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, got.FinalStatus)
	assert.Zero(t, f.rooms.calls)
	assert.Equal(t, []string{events.ProposalRejected}, f.exporter.keys)
}

func TestRespondAccessAndFinalized(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, a, _ := f.proposalFixture()

	_, err := f.engine.Respond(ctx, a.MemberIDs[1], p.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized), "members other than the creator cannot answer")

	_, err = f.engine.Respond(ctx, uuid.New(), p.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	f.proposals.On("RecordResponse", ctx, p.ID, "A", models.ResponseAccepted, f.clock.Now()).
		Return(nil, repository.ErrProposalFinalized)
	_, err = f.engine.Respond(ctx, a.CreatorID, p.ID, true)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindInvalidState, appErr.Kind)
	assert.Equal(t, apperr.CodeProposalFinalized, appErr.Code)
}

func TestCancelPoolRejectsPendingProposal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, a, _ := f.proposalFixture()

	f.proposals.On("ListForPool", ctx, a.ID).Return([]models.MatchingProposal{*p}, nil)
	final := *p
	final.FinalStatus = models.ProposalRejected
	f.proposals.On("Finalize", ctx, p.ID, models.ProposalRejected, (*uuid.UUID)(nil), f.clock.Now()).Return(&final, nil)
	f.pools.On("Transition", ctx, a.ID, []models.PoolStatus{models.PoolWaiting, models.PoolProposed}, models.PoolCancelled, f.clock.Now()).
		Return(true, nil)

	_, err := f.engine.CancelPool(ctx, a.MemberIDs[1], a.ID)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	got, err := f.engine.CancelPool(ctx, a.CreatorID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PoolCancelled, got.Status)
	f.proposals.AssertCalled(t, "Finalize", ctx, p.ID, models.ProposalRejected, (*uuid.UUID)(nil), f.clock.Now())
}

func TestRunPass(t *testing.T) {
	f := newFixture()
	ctx := mock.Anything
	now := f.clock.Now()

	stale, _, _ := f.proposalFixture()
	expired := *stale
	expired.FinalStatus = models.ProposalRejected

	a := pool(models.GenderMale, "CS", models.PreferSameDepartment, 1)
	b := pool(models.GenderFemale, "CS", models.PreferSameDepartment, 3)
	c := pool(models.GenderMale, "CS", models.PreferAny, 1)
	d := pool(models.GenderFemale, "CS", models.PreferAny, 3)

	f.pools.On("ExpireWaiting", ctx, now).Return(2, nil)
	f.proposals.On("ListExpired", ctx, now).Return([]models.MatchingProposal{*stale}, nil)
	// Expiry is recorded as a rejection; only the exported event differs.
	f.proposals.On("Finalize", ctx, stale.ID, models.ProposalRejected, (*uuid.UUID)(nil), now).Return(&expired, nil)
	f.proposals.On("ListAwaitingRoom", ctx).Return(nil, nil)
	f.pools.On("ListWaiting", ctx, now).Return([]models.MatchingPool{a, b, c, d}, nil)

	involves := func(x, y models.MatchingPool) func(*models.MatchingProposal) bool {
		return func(p *models.MatchingProposal) bool {
			return orderedIDs(p.PoolAID, p.PoolBID) == orderedIDs(x.ID, y.ID)
		}
	}
	f.proposals.On("CreateReserving", ctx, mock.MatchedBy(involves(a, b))).
		Return(&models.MatchingProposal{ID: uuid.New(), Score: 200}, nil)
	// c and d were grabbed by someone else between the read and the insert.
	f.proposals.On("CreateReserving", ctx, mock.MatchedBy(involves(c, d))).
		Return(nil, repository.ErrPoolUnavailable)

	res, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PoolsExpired)
	assert.Equal(t, 1, res.ProposalsExpired)
	assert.Equal(t, 4, res.WaitingPools)
	assert.Equal(t, 1, res.ProposalsCreated)

	assert.Equal(t, []string{events.PoolExpired, events.ProposalExpired, events.ProposalCreated}, f.exporter.keys)
	require.NotNil(t, f.engine.LastRun())
	assert.Equal(t, 1, f.engine.LastRun().ProposalsCreated)
}

func TestRunPassFinishesAcceptedProposals(t *testing.T) {
	f := newFixture()
	ctx := mock.Anything
	now := f.clock.Now()

	p, _, _ := f.proposalFixture()
	roomID := f.rooms.room.ID
	matched := *p
	matched.FinalStatus = models.ProposalMatched

	f.pools.On("ExpireWaiting", ctx, now).Return(0, nil)
	f.proposals.On("ListExpired", ctx, now).Return(nil, nil)
	f.proposals.On("ListAwaitingRoom", ctx).Return([]models.MatchingProposal{*p}, nil)
	f.proposals.On("Finalize", ctx, p.ID, models.ProposalMatched, &roomID, now).Return(&matched, nil)
	f.pools.On("ListWaiting", ctx, now).Return(nil, nil)

	res, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.RoomsMaterialized)
	assert.Equal(t, 1, f.rooms.calls)
}

func TestRunPassStoreFailure(t *testing.T) {
	f := newFixture()
	f.pools.On("ExpireWaiting", mock.Anything, mock.Anything).Return(0, errors.New("connection reset"))

	_, err := f.engine.RunPass(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Nil(t, f.engine.LastRun())
}

func TestStatsAndHistory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := f.clock.Now()

	f.stats.On("PoolCountsByStatus", ctx).Return(map[models.PoolStatus]int{models.PoolWaiting: 3}, nil)
	f.stats.On("WaitingByMemberCount", ctx).Return(map[int]int{3: 2, 4: 1}, nil)
	f.stats.On("WaitingByGender", ctx).Return(map[models.Gender]int{models.GenderMale: 2, models.GenderFemale: 1}, nil)
	f.stats.On("AverageWaitSeconds", ctx, now).Return(90.0, nil)
	f.stats.On("ProposalCountsByStatus", ctx).Return(map[models.ProposalStatus]int{
		models.ProposalMatched:  3,
		models.ProposalRejected: 5,
		models.ProposalPending:  5,
	}, nil)
	f.stats.On("AverageTimeToMatchSeconds", ctx).Return(3600.0, nil)

	st, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.375, st.AcceptanceRate, 1e-9)
	assert.Equal(t, 2, st.WaitingByMemberCount[3])
	assert.Nil(t, st.LastRun)

	f.stats.On("History", ctx, "week", now.Add(-12*7*24*time.Hour)).Return([]repository.HistoryPoint{{PoolsCreated: 4}}, nil)
	points, err := f.engine.History(ctx, "weekly")
	require.NoError(t, err)
	assert.Len(t, points, 1)

	_, err = f.engine.History(ctx, "hourly")
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}
