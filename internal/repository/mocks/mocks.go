package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
)

// get returns args.Get(i) as T, or T's zero value when the mock was told
// to return nil.
func get[T any](args mock.Arguments, i int) T {
	var zero T
	if v := args.Get(i); v != nil {
		return v.(T)
	}
	return zero
}

type RoomRepositoryMock struct {
	mock.Mock
}

func (m *RoomRepositoryMock) Create(ctx context.Context, room *models.Room, members []models.Member) (*models.Room, error) {
	args := m.Called(ctx, room, members)
	return get[*models.Room](args, 0), args.Error(1)
}

func (m *RoomRepositoryMock) GetOrCreateDirect(ctx context.Context, pair [2]uuid.UUID, now time.Time) (*models.Room, bool, error) {
	args := m.Called(ctx, pair, now)
	return get[*models.Room](args, 0), args.Bool(1), args.Error(2)
}

func (m *RoomRepositoryMock) GetByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	args := m.Called(ctx, roomID)
	return get[*models.Room](args, 0), args.Error(1)
}

func (m *RoomRepositoryMock) GetByProposal(ctx context.Context, proposalID uuid.UUID) (*models.Room, error) {
	args := m.Called(ctx, proposalID)
	return get[*models.Room](args, 0), args.Error(1)
}

func (m *RoomRepositoryMock) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.RoomSummary, error) {
	args := m.Called(ctx, userID)
	return get[[]models.RoomSummary](args, 0), args.Error(1)
}

func (m *RoomRepositoryMock) SetInvitation(ctx context.Context, roomID uuid.UUID, code string, expiresAt *time.Time, maxUses *int) error {
	args := m.Called(ctx, roomID, code, expiresAt, maxUses)
	return args.Error(0)
}

func (m *RoomRepositoryMock) JoinByInvitation(ctx context.Context, code string, userID uuid.UUID, now time.Time) (*models.Room, repository.JoinOutcome, error) {
	args := m.Called(ctx, code, userID, now)
	return get[*models.Room](args, 0), args.Get(1).(repository.JoinOutcome), args.Error(2)
}

func (m *RoomRepositoryMock) UpdateTimerSettings(ctx context.Context, roomID uuid.UUID, settings models.TimerSettings) error {
	args := m.Called(ctx, roomID, settings)
	return args.Error(0)
}

type MemberRepositoryMock struct {
	mock.Mock
}

func (m *MemberRepositoryMock) Get(ctx context.Context, roomID, userID uuid.UUID) (*models.Member, error) {
	args := m.Called(ctx, roomID, userID)
	return get[*models.Member](args, 0), args.Error(1)
}

func (m *MemberRepositoryMock) ListActive(ctx context.Context, roomID uuid.UUID) ([]models.Member, error) {
	args := m.Called(ctx, roomID)
	return get[[]models.Member](args, 0), args.Error(1)
}

func (m *MemberRepositoryMock) Add(ctx context.Context, member models.Member) error {
	args := m.Called(ctx, member)
	return args.Error(0)
}

func (m *MemberRepositoryMock) Deactivate(ctx context.Context, roomID, userID uuid.UUID) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *MemberRepositoryMock) SetRole(ctx context.Context, roomID, userID uuid.UUID, role models.Role) error {
	args := m.Called(ctx, roomID, userID, role)
	return args.Error(0)
}

func (m *MemberRepositoryMock) SetMuted(ctx context.Context, roomID, userID uuid.UUID, muted bool) error {
	args := m.Called(ctx, roomID, userID, muted)
	return args.Error(0)
}

func (m *MemberRepositoryMock) MarkRead(ctx context.Context, roomID, userID uuid.UUID) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *MemberRepositoryMock) CountUnread(ctx context.Context, roomID, userID uuid.UUID) (int, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Int(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, msg *models.Message) (*models.Message, error) {
	args := m.Called(ctx, msg)
	return get[*models.Message](args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) GetByID(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	args := m.Called(ctx, messageID)
	return get[*models.Message](args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) List(ctx context.Context, roomID uuid.UUID, limit int, before *time.Time) ([]models.Message, error) {
	args := m.Called(ctx, roomID, limit, before)
	return get[[]models.Message](args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) Search(ctx context.Context, roomID uuid.UUID, query string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, query, limit)
	return get[[]models.Message](args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) UpdateContent(ctx context.Context, messageID uuid.UUID, content string, now time.Time) (*models.Message, error) {
	args := m.Called(ctx, messageID, content, now)
	return get[*models.Message](args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID uuid.UUID, now time.Time) (*models.Message, error) {
	args := m.Called(ctx, messageID, now)
	return get[*models.Message](args, 0), args.Error(1)
}

// UpdateReactions applies fn to the reactions given to Return, so tests
// exercise the caller's real mutation.
func (m *MessageRepositoryMock) UpdateReactions(ctx context.Context, messageID uuid.UUID, fn func(models.Reactions) (models.Reactions, bool)) (*models.Message, error) {
	args := m.Called(ctx, messageID, fn)
	msg := get[*models.Message](args, 0)
	if msg != nil {
		cp := *msg
		cp.Reactions, _ = fn(msg.Reactions)
		msg = &cp
	}
	return msg, args.Error(1)
}

type TimerRepositoryMock struct {
	mock.Mock
}

func (m *TimerRepositoryMock) Get(ctx context.Context, roomID uuid.UUID) (*models.Timer, error) {
	args := m.Called(ctx, roomID)
	return get[*models.Timer](args, 0), args.Error(1)
}

func (m *TimerRepositoryMock) Create(ctx context.Context, t *models.Timer) (*models.Timer, error) {
	args := m.Called(ctx, t)
	return get[*models.Timer](args, 0), args.Error(1)
}

func (m *TimerRepositoryMock) CompareAndSwap(ctx context.Context, prev, next *models.Timer) (bool, error) {
	args := m.Called(ctx, prev, next)
	return args.Bool(0), args.Error(1)
}

type PresenceRepositoryMock struct {
	mock.Mock
}

func (m *PresenceRepositoryMock) Get(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	args := m.Called(ctx, userID)
	return get[*models.Presence](args, 0), args.Error(1)
}

func (m *PresenceRepositoryMock) Connect(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Presence, error) {
	args := m.Called(ctx, userID, now)
	return get[*models.Presence](args, 0), args.Error(1)
}

func (m *PresenceRepositoryMock) Disconnect(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Presence, error) {
	args := m.Called(ctx, userID, now)
	return get[*models.Presence](args, 0), args.Error(1)
}

func (m *PresenceRepositoryMock) Touch(ctx context.Context, userID uuid.UUID, now time.Time) error {
	args := m.Called(ctx, userID, now)
	return args.Error(0)
}

func (m *PresenceRepositoryMock) SetStatusMessage(ctx context.Context, userID uuid.UUID, msg *string, now time.Time) (*models.Presence, error) {
	args := m.Called(ctx, userID, msg, now)
	return get[*models.Presence](args, 0), args.Error(1)
}

func (m *PresenceRepositoryMock) SweepStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, cutoff)
	return get[[]uuid.UUID](args, 0), args.Error(1)
}

type PoolRepositoryMock struct {
	mock.Mock
}

func (m *PoolRepositoryMock) Create(ctx context.Context, pool *models.MatchingPool) (*models.MatchingPool, error) {
	args := m.Called(ctx, pool)
	return get[*models.MatchingPool](args, 0), args.Error(1)
}

func (m *PoolRepositoryMock) GetByID(ctx context.Context, poolID uuid.UUID) (*models.MatchingPool, error) {
	args := m.Called(ctx, poolID)
	return get[*models.MatchingPool](args, 0), args.Error(1)
}

func (m *PoolRepositoryMock) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.MatchingPool, error) {
	args := m.Called(ctx, userID)
	return get[*models.MatchingPool](args, 0), args.Error(1)
}

func (m *PoolRepositoryMock) FindActiveMembers(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, userIDs)
	return get[[]uuid.UUID](args, 0), args.Error(1)
}

func (m *PoolRepositoryMock) ListWaiting(ctx context.Context, now time.Time) ([]models.MatchingPool, error) {
	args := m.Called(ctx, now)
	return get[[]models.MatchingPool](args, 0), args.Error(1)
}

func (m *PoolRepositoryMock) Transition(ctx context.Context, poolID uuid.UUID, from []models.PoolStatus, to models.PoolStatus, now time.Time) (bool, error) {
	args := m.Called(ctx, poolID, from, to, now)
	return args.Bool(0), args.Error(1)
}

func (m *PoolRepositoryMock) ExpireWaiting(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

type ProposalRepositoryMock struct {
	mock.Mock
}

func (m *ProposalRepositoryMock) CreateReserving(ctx context.Context, p *models.MatchingProposal) (*models.MatchingProposal, error) {
	args := m.Called(ctx, p)
	return get[*models.MatchingProposal](args, 0), args.Error(1)
}

func (m *ProposalRepositoryMock) GetByID(ctx context.Context, proposalID uuid.UUID) (*models.MatchingProposal, error) {
	args := m.Called(ctx, proposalID)
	return get[*models.MatchingProposal](args, 0), args.Error(1)
}

func (m *ProposalRepositoryMock) ListForPool(ctx context.Context, poolID uuid.UUID) ([]models.MatchingProposal, error) {
	args := m.Called(ctx, poolID)
	return get[[]models.MatchingProposal](args, 0), args.Error(1)
}

func (m *ProposalRepositoryMock) ListExpired(ctx context.Context, now time.Time) ([]models.MatchingProposal, error) {
	args := m.Called(ctx, now)
	return get[[]models.MatchingProposal](args, 0), args.Error(1)
}

func (m *ProposalRepositoryMock) ListAwaitingRoom(ctx context.Context) ([]models.MatchingProposal, error) {
	args := m.Called(ctx)
	return get[[]models.MatchingProposal](args, 0), args.Error(1)
}

func (m *ProposalRepositoryMock) RecordResponse(ctx context.Context, proposalID uuid.UUID, side string, resp models.GroupResponse, now time.Time) (*models.MatchingProposal, error) {
	args := m.Called(ctx, proposalID, side, resp, now)
	return get[*models.MatchingProposal](args, 0), args.Error(1)
}

func (m *ProposalRepositoryMock) Finalize(ctx context.Context, proposalID uuid.UUID, final models.ProposalStatus, roomID *uuid.UUID, now time.Time) (*models.MatchingProposal, error) {
	args := m.Called(ctx, proposalID, final, roomID, now)
	return get[*models.MatchingProposal](args, 0), args.Error(1)
}

type MatchingStatsRepositoryMock struct {
	mock.Mock
}

func (m *MatchingStatsRepositoryMock) PoolCountsByStatus(ctx context.Context) (map[models.PoolStatus]int, error) {
	args := m.Called(ctx)
	return get[map[models.PoolStatus]int](args, 0), args.Error(1)
}

func (m *MatchingStatsRepositoryMock) WaitingByMemberCount(ctx context.Context) (map[int]int, error) {
	args := m.Called(ctx)
	return get[map[int]int](args, 0), args.Error(1)
}

func (m *MatchingStatsRepositoryMock) WaitingByGender(ctx context.Context) (map[models.Gender]int, error) {
	args := m.Called(ctx)
	return get[map[models.Gender]int](args, 0), args.Error(1)
}

func (m *MatchingStatsRepositoryMock) AverageWaitSeconds(ctx context.Context, now time.Time) (float64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MatchingStatsRepositoryMock) ProposalCountsByStatus(ctx context.Context) (map[models.ProposalStatus]int, error) {
	args := m.Called(ctx)
	return get[map[models.ProposalStatus]int](args, 0), args.Error(1)
}

func (m *MatchingStatsRepositoryMock) AverageTimeToMatchSeconds(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MatchingStatsRepositoryMock) History(ctx context.Context, bucket string, since time.Time) ([]repository.HistoryPoint, error) {
	args := m.Called(ctx, bucket, since)
	return get[[]repository.HistoryPoint](args, 0), args.Error(1)
}

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	args := m.Called(ctx, userID)
	return get[*models.UserProfile](args, 0), args.Error(1)
}

func (m *UserDirectoryMock) GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]models.UserProfile, error) {
	args := m.Called(ctx, userIDs)
	return get[map[uuid.UUID]models.UserProfile](args, 0), args.Error(1)
}

type FriendDirectoryMock struct {
	mock.Mock
}

func (m *FriendDirectoryMock) FriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, userID)
	return get[[]uuid.UUID](args, 0), args.Error(1)
}

var (
	_ repository.RoomRepository          = (*RoomRepositoryMock)(nil)
	_ repository.MemberRepository        = (*MemberRepositoryMock)(nil)
	_ repository.MessageRepository       = (*MessageRepositoryMock)(nil)
	_ repository.TimerRepository         = (*TimerRepositoryMock)(nil)
	_ repository.PresenceRepository      = (*PresenceRepositoryMock)(nil)
	_ repository.PoolRepository          = (*PoolRepositoryMock)(nil)
	_ repository.ProposalRepository      = (*ProposalRepositoryMock)(nil)
	_ repository.MatchingStatsRepository = (*MatchingStatsRepositoryMock)(nil)
	_ repository.UserDirectory           = (*UserDirectoryMock)(nil)
	_ repository.FriendDirectory         = (*FriendDirectoryMock)(nil)
)
