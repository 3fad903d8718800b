package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/models"
)

// Every method takes ctx first and returns nil, nil for a missing row.
// Multi-row writes that must be atomic (send, join-by-code, proposal
// reservation) are single methods so each store can run them in one
// transaction.

var (
	// ErrDuplicateInvitationCode is returned when a generated code collides.
	ErrDuplicateInvitationCode = errors.New("invitation code already in use")
	// ErrUserInActivePool is returned when a member already belongs to a
	// waiting or proposed pool.
	ErrUserInActivePool = errors.New("user already in an active pool")
	// ErrPoolUnavailable is returned when a pool left the state an
	// operation expected.
	ErrPoolUnavailable = errors.New("pool no longer available")
	// ErrProposalFinalized is returned when a proposal already has a final status.
	ErrProposalFinalized = errors.New("proposal already finalized")
)

// RoomRepository persists rooms and their creation-time membership.
type RoomRepository interface {
	// Create inserts a room together with its initial members.
	Create(ctx context.Context, room *models.Room, members []models.Member) (*models.Room, error)

	// GetOrCreateDirect returns the direct room for the pair, creating it
	// (with both users as members) when missing. created reports which.
	GetOrCreateDirect(ctx context.Context, pair [2]uuid.UUID, now time.Time) (room *models.Room, created bool, err error)

	GetByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error)

	// GetByProposal returns the matching room created for a proposal, so
	// that a retried materialization reuses it.
	GetByProposal(ctx context.Context, proposalID uuid.UUID) (*models.Room, error)

	// ListForUser returns the rooms the user is an active member of,
	// most recent activity first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.RoomSummary, error)

	// SetInvitation stores a fresh invitation on the room, resetting the
	// use counter. Returns ErrDuplicateInvitationCode on collision.
	SetInvitation(ctx context.Context, roomID uuid.UUID, code string, expiresAt *time.Time, maxUses *int) error

	// JoinByInvitation validates the code under a row lock and adds the
	// user. Already-active members get the room back without consuming a use.
	JoinByInvitation(ctx context.Context, code string, userID uuid.UUID, now time.Time) (*models.Room, JoinOutcome, error)

	// UpdateTimerSettings replaces the room's timer settings.
	UpdateTimerSettings(ctx context.Context, roomID uuid.UUID, settings models.TimerSettings) error
}

// JoinOutcome describes what JoinByInvitation did.
type JoinOutcome int

const (
	JoinInvalidCode JoinOutcome = iota
	JoinAdded
	JoinAlreadyMember
	JoinExpired
	JoinExhausted
)

// MemberRepository handles who belongs to which room.
type MemberRepository interface {
	Get(ctx context.Context, roomID, userID uuid.UUID) (*models.Member, error)
	ListActive(ctx context.Context, roomID uuid.UUID) ([]models.Member, error)

	// Add inserts the member, or reactivates a member that left.
	Add(ctx context.Context, m models.Member) error

	// Deactivate flips is_active off. Prior messages are untouched.
	Deactivate(ctx context.Context, roomID, userID uuid.UUID) error

	SetRole(ctx context.Context, roomID, userID uuid.UUID, role models.Role) error
	SetMuted(ctx context.Context, roomID, userID uuid.UUID, muted bool) error

	// MarkRead moves the read cursor to the current database time and
	// zeroes the unread counter.
	MarkRead(ctx context.Context, roomID, userID uuid.UUID) error

	// CountUnread computes the unread count from messages and writes it
	// back to the cached counter.
	CountUnread(ctx context.Context, roomID, userID uuid.UUID) (int, error)
}

// MessageRepository handles chat message persistence.
type MessageRepository interface {
	// Create inserts the message and, in the same transaction, bumps the
	// room's last_message_at, the parent's thread_count and the unread
	// counters of every other active member. CreatedAt is assigned by the
	// database.
	Create(ctx context.Context, msg *models.Message) (*models.Message, error)

	GetByID(ctx context.Context, messageID uuid.UUID) (*models.Message, error)

	// List returns up to limit messages older than before (all when nil),
	// oldest first.
	List(ctx context.Context, roomID uuid.UUID, limit int, before *time.Time) ([]models.Message, error)

	// Search does a case-insensitive substring match over non-deleted
	// messages, newest first.
	Search(ctx context.Context, roomID uuid.UUID, query string, limit int) ([]models.Message, error)

	UpdateContent(ctx context.Context, messageID uuid.UUID, content string, now time.Time) (*models.Message, error)

	// SoftDelete tombstones the message and takes it back out of the
	// unread counters of members who had not read it.
	SoftDelete(ctx context.Context, messageID uuid.UUID, now time.Time) (*models.Message, error)

	// UpdateReactions applies fn to the message's reactions under a row
	// lock and persists the result when fn reports a change.
	UpdateReactions(ctx context.Context, messageID uuid.UUID, fn func(models.Reactions) (models.Reactions, bool)) (*models.Message, error)
}

// TimerRepository persists one timer per room.
type TimerRepository interface {
	Get(ctx context.Context, roomID uuid.UUID) (*models.Timer, error)

	// Create inserts t unless a timer already exists, and returns the
	// stored row either way.
	Create(ctx context.Context, t *models.Timer) (*models.Timer, error)

	// CompareAndSwap writes next only if the stored (status, phase,
	// remaining_seconds, started_at, updated_at) still equals prev's.
	// ok=false means another writer won.
	CompareAndSwap(ctx context.Context, prev, next *models.Timer) (ok bool, err error)
}

// PresenceRepository maintains per-user connection counts.
type PresenceRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Presence, error)
	Connect(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Presence, error)
	Disconnect(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Presence, error)
	Touch(ctx context.Context, userID uuid.UUID, now time.Time) error
	SetStatusMessage(ctx context.Context, userID uuid.UUID, msg *string, now time.Time) (*models.Presence, error)

	// SweepStale marks every online record last seen before cutoff as
	// offline with zero connections and returns the affected users.
	SweepStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// PoolRepository persists matching pools.
type PoolRepository interface {
	// Create inserts the pool. Returns ErrUserInActivePool when any member
	// is already in a waiting or proposed pool.
	Create(ctx context.Context, pool *models.MatchingPool) (*models.MatchingPool, error)

	GetByID(ctx context.Context, poolID uuid.UUID) (*models.MatchingPool, error)

	// GetActiveForUser returns the waiting or proposed pool the user is in.
	GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.MatchingPool, error)

	// FindActiveMembers returns which of userIDs are in an active pool.
	FindActiveMembers(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error)

	ListWaiting(ctx context.Context, now time.Time) ([]models.MatchingPool, error)

	// Transition moves the pool to `to` if its current status is one of
	// from. ok=false means the pool was in some other state.
	Transition(ctx context.Context, poolID uuid.UUID, from []models.PoolStatus, to models.PoolStatus, now time.Time) (ok bool, err error)

	// ExpireWaiting expires waiting pools whose expires_at has passed.
	ExpireWaiting(ctx context.Context, now time.Time) (int, error)
}

// ProposalRepository persists matching proposals.
type ProposalRepository interface {
	// CreateReserving inserts the proposal and moves both pools from
	// waiting to proposed in one transaction. Returns ErrPoolUnavailable
	// when either pool is no longer waiting.
	CreateReserving(ctx context.Context, p *models.MatchingProposal) (*models.MatchingProposal, error)

	GetByID(ctx context.Context, proposalID uuid.UUID) (*models.MatchingProposal, error)
	ListForPool(ctx context.Context, poolID uuid.UUID) ([]models.MatchingProposal, error)

	// ListExpired returns pending proposals whose expires_at has passed.
	ListExpired(ctx context.Context, now time.Time) ([]models.MatchingProposal, error)

	// ListAwaitingRoom returns pending proposals both groups accepted.
	ListAwaitingRoom(ctx context.Context) ([]models.MatchingProposal, error)

	// RecordResponse stores one group's response. Returns
	// ErrProposalFinalized when the proposal is no longer pending.
	RecordResponse(ctx context.Context, proposalID uuid.UUID, side string, resp models.GroupResponse, now time.Time) (*models.MatchingProposal, error)

	// Finalize sets the final status. For ProposalMatched it attaches the
	// room and moves both pools to matched. For ProposalRejected a group
	// still pending is marked rejected, and pools return to waiting or
	// expire if their own window has passed.
	Finalize(ctx context.Context, proposalID uuid.UUID, final models.ProposalStatus, roomID *uuid.UUID, now time.Time) (*models.MatchingProposal, error)
}

// MatchingStatsRepository answers the derived statistics queries.
type MatchingStatsRepository interface {
	PoolCountsByStatus(ctx context.Context) (map[models.PoolStatus]int, error)
	WaitingByMemberCount(ctx context.Context) (map[int]int, error)
	WaitingByGender(ctx context.Context) (map[models.Gender]int, error)
	AverageWaitSeconds(ctx context.Context, now time.Time) (float64, error)
	ProposalCountsByStatus(ctx context.Context) (map[models.ProposalStatus]int, error)
	AverageTimeToMatchSeconds(ctx context.Context) (float64, error)
	History(ctx context.Context, bucket string, since time.Time) ([]HistoryPoint, error)
}

// HistoryPoint is one bucket of the windowed matching history.
type HistoryPoint struct {
	Bucket            time.Time `json:"bucket"`
	PoolsCreated      int       `json:"pools_created"`
	ProposalsCreated  int       `json:"proposals_created"`
	ProposalsMatched  int       `json:"proposals_matched"`
	ProposalsRejected int       `json:"proposals_rejected"`
}

// UserDirectory reads verified profiles owned by the account service.
type UserDirectory interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error)
	GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]models.UserProfile, error)
}

// FriendDirectory reads the friend graph owned by the social service.
type FriendDirectory interface {
	FriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}
