// Package matching pairs waiting pools of students into proposals and,
// once both groups accept, into shared chat rooms.
package matching

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/events"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/observ"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxPoolMessageLength = 200
	maxCategories        = 10
	notificationEvent    = "notification"
)

// RoomMaker materializes the chat room of a matched proposal.
// *chat.Service implements it.
type RoomMaker interface {
	CreateMatchingRoom(ctx context.Context, proposal *models.MatchingProposal, poolA, poolB *models.MatchingPool) (*models.Room, error)
}

// Emitter delivers notifications to user keys. *hub.Hub implements it.
type Emitter interface {
	Emit(ctx context.Context, key, eventType string, data any)
}

// Exporter hands domain events to external collaborators.
type Exporter interface {
	Export(ctx context.Context, routingKey string, data any)
}

// Deps are the collaborators of Engine.
type Deps struct {
	Pools     repository.PoolRepository
	Proposals repository.ProposalRepository
	Stats     repository.MatchingStatsRepository
	Users     repository.UserDirectory
	Rooms     RoomMaker
	Emitter   Emitter
	Exporter  Exporter
	Clock     clock.Clock
}

type Engine struct {
	pools     repository.PoolRepository
	proposals repository.ProposalRepository
	stats     repository.MatchingStatsRepository
	users     repository.UserDirectory
	rooms     RoomMaker
	emitter   Emitter
	exporter  Exporter
	clock     clock.Clock

	categories Categories
	poolTTL    time.Duration
	tracer     trace.Tracer
	logger     *zap.Logger

	mu      sync.Mutex
	lastRun *PassResult
}

func NewEngine(d Deps, categories Categories, poolTTL time.Duration, logger *zap.Logger) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Engine{
		pools:      d.Pools,
		proposals:  d.Proposals,
		stats:      d.Stats,
		users:      d.Users,
		rooms:      d.Rooms,
		emitter:    d.Emitter,
		exporter:   d.Exporter,
		clock:      d.Clock,
		categories: categories,
		poolTTL:    poolTTL,
		tracer:     otel.Tracer("github.com/lalith-99/studyhub/internal/matching"),
		logger:     logger.Named("matching"),
	}
}

// PoolInput describes a pool a user opens for their group.
type PoolInput struct {
	MemberIDs           []uuid.UUID
	PreferredMatchType  models.MatchPreference
	PreferredCategories []string
	MatchingType        models.DisplayMode
	Message             *string
}

// CreatePool opens a waiting pool for the creator and the listed members.
// Every member must be verified and free of other active pools.
func (e *Engine) CreatePool(ctx context.Context, creatorID uuid.UUID, in PoolInput) (*models.MatchingPool, error) {
	if in.PreferredMatchType == "" {
		in.PreferredMatchType = models.PreferAny
	}
	if !in.PreferredMatchType.Valid() {
		return nil, apperr.InvalidInput("unknown preferred_match_type %q", in.PreferredMatchType)
	}
	if in.MatchingType == "" {
		in.MatchingType = models.DisplayOpen
	}
	if !in.MatchingType.Valid() {
		return nil, apperr.InvalidInput("unknown matching_type %q", in.MatchingType)
	}
	if len(in.PreferredCategories) > maxCategories {
		return nil, apperr.InvalidInput("at most %d preferred categories", maxCategories)
	}
	if in.Message != nil && len([]rune(*in.Message)) > maxPoolMessageLength {
		return nil, apperr.InvalidInput("message exceeds %d characters", maxPoolMessageLength)
	}

	members := []uuid.UUID{creatorID}
	for _, id := range in.MemberIDs {
		if id != uuid.Nil && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < models.MinPoolMembers || len(members) > models.MaxPoolMembers {
		return nil, apperr.InvalidInput("a pool has %d to %d members", models.MinPoolMembers, models.MaxPoolMembers)
	}

	profiles, err := e.users.GetProfiles(ctx, members)
	if err != nil {
		return nil, apperr.Transient(err, "load profiles")
	}
	creator, ok := profiles[creatorID]
	if !ok || !creator.IsVerified {
		return nil, apperr.Unauthorized("only verified users can open a pool")
	}
	if !creator.Gender.Valid() {
		return nil, apperr.InvalidInput("profile gender is required to join matching")
	}
	for _, id := range members[1:] {
		if p, ok := profiles[id]; !ok || !p.IsVerified {
			return nil, apperr.InvalidInput("member %s is not a verified user", id)
		}
	}

	busy, err := e.pools.FindActiveMembers(ctx, members)
	if err != nil {
		return nil, apperr.Transient(err, "check active pools")
	}
	if len(busy) > 0 {
		return nil, apperr.Conflict(apperr.CodeAlreadyInPool, "%d member(s) already waiting in another pool", len(busy))
	}

	now := e.clock.Now()
	pool, err := e.pools.Create(ctx, &models.MatchingPool{
		CreatorID:           creatorID,
		MemberIDs:           members,
		MemberCount:         len(members),
		Department:          creator.Department,
		Grade:               creator.Grade,
		Gender:              creator.Gender,
		PreferredMatchType:  in.PreferredMatchType,
		PreferredCategories: normalizeCategories(in.PreferredCategories),
		MatchingType:        in.MatchingType,
		Message:             in.Message,
		Status:              models.PoolWaiting,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           now.Add(e.poolTTL),
	})
	if errors.Is(err, repository.ErrUserInActivePool) {
		return nil, apperr.Conflict(apperr.CodeAlreadyInPool, "a member joined another pool meanwhile")
	}
	if err != nil {
		return nil, apperr.Transient(err, "create pool")
	}
	e.logger.Info("pool created",
		zap.String("pool_id", pool.ID.String()),
		zap.Int("members", pool.MemberCount),
		zap.String("gender", string(pool.Gender)),
	)
	return pool, nil
}

func normalizeCategories(in []string) []string {
	var out []string
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// MyPool returns the waiting or proposed pool the user belongs to.
func (e *Engine) MyPool(ctx context.Context, userID uuid.UUID) (*models.MatchingPool, error) {
	pool, err := e.pools.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(err, "load pool")
	}
	if pool == nil {
		return nil, apperr.NotFound("no active pool")
	}
	return pool, nil
}

// GetPool returns a pool the user is a member of.
func (e *Engine) GetPool(ctx context.Context, userID, poolID uuid.UUID) (*models.MatchingPool, error) {
	pool, err := e.pools.GetByID(ctx, poolID)
	if err != nil {
		return nil, apperr.Transient(err, "load pool")
	}
	if pool == nil {
		return nil, apperr.NotFound("pool not found")
	}
	if !slices.Contains(pool.MemberIDs, userID) {
		return nil, apperr.Unauthorized("not a member of this pool")
	}
	return pool, nil
}

// CancelPool withdraws a waiting or proposed pool. Only its creator may
// do so. A pending proposal is rejected first so the other pool goes back
// to waiting.
func (e *Engine) CancelPool(ctx context.Context, userID, poolID uuid.UUID) (*models.MatchingPool, error) {
	pool, err := e.GetPool(ctx, userID, poolID)
	if err != nil {
		return nil, err
	}
	if pool.CreatorID != userID {
		return nil, apperr.Unauthorized("only the creator can cancel a pool")
	}
	if !pool.Status.Active() {
		return nil, apperr.InvalidState("", string(pool.Status), "cancel")
	}

	now := e.clock.Now()
	if pool.Status == models.PoolProposed {
		proposals, err := e.proposals.ListForPool(ctx, poolID)
		if err != nil {
			return nil, apperr.Transient(err, "list proposals")
		}
		for _, p := range proposals {
			if p.FinalStatus != models.ProposalPending {
				continue
			}
			if _, err := e.finalize(ctx, &p, events.ProposalRejected, nil); err != nil {
				return nil, err
			}
		}
	}

	ok, err := e.pools.Transition(ctx, poolID, []models.PoolStatus{models.PoolWaiting, models.PoolProposed}, models.PoolCancelled, now)
	if err != nil {
		return nil, apperr.Transient(err, "cancel pool")
	}
	if !ok {
		current, _ := e.pools.GetByID(ctx, poolID)
		state := "changed"
		if current != nil {
			state = string(current.Status)
		}
		return nil, apperr.InvalidState("", state, "cancel")
	}
	pool.Status = models.PoolCancelled
	pool.UpdatedAt = now
	e.logger.Info("pool cancelled", zap.String("pool_id", poolID.String()))
	return pool, nil
}

// MyProposals lists the proposals of the user's active pool.
func (e *Engine) MyProposals(ctx context.Context, userID uuid.UUID) ([]models.MatchingProposal, error) {
	pool, err := e.pools.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(err, "load pool")
	}
	if pool == nil {
		return []models.MatchingProposal{}, nil
	}
	proposals, err := e.proposals.ListForPool(ctx, pool.ID)
	if err != nil {
		return nil, apperr.Transient(err, "list proposals")
	}
	if proposals == nil {
		proposals = []models.MatchingProposal{}
	}
	return proposals, nil
}

// Respond records the answer of the caller's group. The creator of each
// pool answers for the group. A reject ends the proposal; the second
// accept creates the room.
func (e *Engine) Respond(ctx context.Context, userID, proposalID uuid.UUID, accept bool) (*models.MatchingProposal, error) {
	p, err := e.proposals.GetByID(ctx, proposalID)
	if err != nil {
		return nil, apperr.Transient(err, "load proposal")
	}
	if p == nil {
		return nil, apperr.NotFound("proposal not found")
	}
	poolA, poolB, err := e.proposalPools(ctx, p)
	if err != nil {
		return nil, err
	}

	var side string
	switch userID {
	case poolA.CreatorID:
		side = p.Side(poolA.ID)
	case poolB.CreatorID:
		side = p.Side(poolB.ID)
	default:
		if slices.Contains(poolA.MemberIDs, userID) || slices.Contains(poolB.MemberIDs, userID) {
			return nil, apperr.Unauthorized("only the pool creator can respond")
		}
		return nil, apperr.NotFound("proposal not found")
	}

	resp := models.ResponseRejected
	if accept {
		resp = models.ResponseAccepted
	}
	updated, err := e.proposals.RecordResponse(ctx, proposalID, side, resp, e.clock.Now())
	if errors.Is(err, repository.ErrProposalFinalized) {
		return nil, apperr.InvalidState(apperr.CodeProposalFinalized, string(p.FinalStatus), "respond")
	}
	if err != nil {
		return nil, apperr.Transient(err, "record response")
	}
	if updated == nil {
		return nil, apperr.NotFound("proposal not found")
	}

	var final *models.MatchingProposal
	switch {
	case resp == models.ResponseRejected:
		final, err = e.finalize(ctx, updated, events.ProposalRejected, []*models.MatchingPool{poolA, poolB})
	case updated.GroupAStatus == models.ResponseAccepted && updated.GroupBStatus == models.ResponseAccepted:
		final, err = e.materialize(ctx, updated, poolA, poolB)
	default:
		e.notifyPools(ctx, models.NotifyProposalUpdated, updated, poolA, poolB)
		return updated, nil
	}
	if err != nil {
		return nil, err
	}
	if final == nil {
		return updated, nil
	}
	return final, nil
}

func (e *Engine) proposalPools(ctx context.Context, p *models.MatchingProposal) (*models.MatchingPool, *models.MatchingPool, error) {
	poolA, err := e.pools.GetByID(ctx, p.PoolAID)
	if err != nil {
		return nil, nil, apperr.Transient(err, "load pool")
	}
	poolB, err := e.pools.GetByID(ctx, p.PoolBID)
	if err != nil {
		return nil, nil, apperr.Transient(err, "load pool")
	}
	if poolA == nil || poolB == nil {
		return nil, nil, apperr.Internal(nil, "proposal %s references a missing pool", p.ID)
	}
	return poolA, poolB, nil
}

// materialize creates the room of an accepted proposal and marks it
// matched. Re-running it after a crash reuses the room. A nil proposal
// means someone else finalized it first.
func (e *Engine) materialize(ctx context.Context, p *models.MatchingProposal, poolA, poolB *models.MatchingPool) (*models.MatchingProposal, error) {
	room, err := e.rooms.CreateMatchingRoom(ctx, p, poolA, poolB)
	if err != nil {
		return nil, err
	}
	roomID := room.ID
	final, err := e.proposals.Finalize(ctx, p.ID, models.ProposalMatched, &roomID, e.clock.Now())
	if errors.Is(err, repository.ErrProposalFinalized) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient(err, "finalize proposal")
	}
	if final == nil {
		return nil, apperr.NotFound("proposal not found")
	}
	e.logger.Info("proposal matched",
		zap.String("proposal_id", p.ID.String()),
		zap.String("room_id", roomID.String()),
	)
	e.notifyPools(ctx, models.NotifyProposalMatched, final, poolA, poolB)
	e.export(ctx, events.ProposalMatched, final)
	return final, nil
}

// finalize ends a proposal as rejected and tells both groups. Expiry
// and an explicit reject differ only in routingKey. pools may be nil, in
// which case they are loaded.
func (e *Engine) finalize(ctx context.Context, p *models.MatchingProposal, routingKey string, pools []*models.MatchingPool) (*models.MatchingProposal, error) {
	final, err := e.proposals.Finalize(ctx, p.ID, models.ProposalRejected, nil, e.clock.Now())
	if errors.Is(err, repository.ErrProposalFinalized) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient(err, "finalize proposal")
	}
	if final == nil {
		return nil, nil
	}
	if pools == nil {
		a, b, err := e.proposalPools(ctx, final)
		if err != nil {
			e.logger.Warn("cannot notify finalized proposal", zap.String("proposal_id", p.ID.String()), zap.Error(err))
		} else {
			pools = []*models.MatchingPool{a, b}
		}
	}
	if len(pools) == 2 {
		e.notifyPools(ctx, models.NotifyProposalRejected, final, pools[0], pools[1])
	}
	e.export(ctx, routingKey, final)
	return final, nil
}

func (e *Engine) notifyPools(ctx context.Context, kind string, p *models.MatchingProposal, pools ...*models.MatchingPool) {
	if e.emitter == nil {
		return
	}
	n := models.Notification{Kind: kind, Payload: p}
	for _, pool := range pools {
		for _, userID := range pool.MemberIDs {
			e.emitter.Emit(ctx, relay.UserKey(userID), notificationEvent, n)
		}
	}
}

func (e *Engine) export(ctx context.Context, routingKey string, data any) {
	if e.exporter != nil {
		e.exporter.Export(ctx, routingKey, data)
	}
}

// PassResult summarizes one scheduler pass.
type PassResult struct {
	StartedAt         time.Time `json:"started_at"`
	DurationMS        int64     `json:"duration_ms"`
	PoolsExpired      int       `json:"pools_expired"`
	ProposalsExpired  int       `json:"proposals_expired"`
	RoomsMaterialized int       `json:"rooms_materialized"`
	WaitingPools      int       `json:"waiting_pools"`
	ProposalsCreated  int       `json:"proposals_created"`
}

// RunPass does one round of housekeeping and matching: expire stale
// pools and proposals, finish accepted proposals whose room is missing,
// then pair the remaining waiting pools. The caller must make sure only
// one pass runs at a time across the cluster.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	ctx, span := e.tracer.Start(ctx, "matching.pass")
	defer span.End()

	start := time.Now()
	now := e.clock.Now()
	res := &PassResult{StartedAt: now}

	expired, err := e.pools.ExpireWaiting(ctx, now)
	if err != nil {
		return e.failPass(span, apperr.Transient(err, "expire pools"))
	}
	res.PoolsExpired = expired
	if expired > 0 {
		e.export(ctx, events.PoolExpired, map[string]int{"count": expired})
	}

	stale, err := e.proposals.ListExpired(ctx, now)
	if err != nil {
		return e.failPass(span, apperr.Transient(err, "list expired proposals"))
	}
	for i := range stale {
		if _, err := e.finalize(ctx, &stale[i], events.ProposalExpired, nil); err != nil {
			e.logger.Warn("expire proposal failed", zap.String("proposal_id", stale[i].ID.String()), zap.Error(err))
			continue
		}
		res.ProposalsExpired++
	}

	awaiting, err := e.proposals.ListAwaitingRoom(ctx)
	if err != nil {
		return e.failPass(span, apperr.Transient(err, "list accepted proposals"))
	}
	for i := range awaiting {
		p := &awaiting[i]
		poolA, poolB, err := e.proposalPools(ctx, p)
		if err == nil {
			_, err = e.materialize(ctx, p, poolA, poolB)
		}
		if err != nil {
			e.logger.Warn("materialize room failed", zap.String("proposal_id", p.ID.String()), zap.Error(err))
			continue
		}
		res.RoomsMaterialized++
	}

	waiting, err := e.pools.ListWaiting(ctx, now)
	if err != nil {
		return e.failPass(span, apperr.Transient(err, "list waiting pools"))
	}
	res.WaitingPools = len(waiting)

	for _, pair := range SelectPairs(waiting, e.categories) {
		created, err := e.proposals.CreateReserving(ctx, &models.MatchingProposal{
			PoolAID:      pair.A.ID,
			PoolBID:      pair.B.ID,
			GroupAStatus: models.ResponsePending,
			GroupBStatus: models.ResponsePending,
			FinalStatus:  models.ProposalPending,
			Score:        pair.Score,
			CreatedAt:    now,
			UpdatedAt:    now,
			ExpiresAt:    now.Add(models.ProposalTTL),
		})
		if errors.Is(err, repository.ErrPoolUnavailable) {
			continue
		}
		if err != nil {
			e.logger.Warn("create proposal failed",
				zap.String("pool_a", pair.A.ID.String()),
				zap.String("pool_b", pair.B.ID.String()),
				zap.Error(err),
			)
			continue
		}
		res.ProposalsCreated++
		e.notifyPools(ctx, models.NotifyProposalCreated, created, pair.A, pair.B)
		e.export(ctx, events.ProposalCreated, created)
	}

	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()
	observ.ObserveMatchingPass(elapsed)
	observ.AddProposalsCreated(res.ProposalsCreated)
	span.SetAttributes(
		attribute.Int("matching.waiting_pools", res.WaitingPools),
		attribute.Int("matching.proposals_created", res.ProposalsCreated),
	)

	e.mu.Lock()
	e.lastRun = res
	e.mu.Unlock()

	e.logger.Info("matching pass done",
		zap.Int("waiting", res.WaitingPools),
		zap.Int("proposals", res.ProposalsCreated),
		zap.Int("pools_expired", res.PoolsExpired),
		zap.Int("proposals_expired", res.ProposalsExpired),
		zap.Duration("took", elapsed),
	)
	return res, nil
}

func (e *Engine) failPass(span trace.Span, err error) (*PassResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// LastRun returns the result of the most recent pass on this process.
func (e *Engine) LastRun() *PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRun == nil {
		return nil
	}
	cp := *e.lastRun
	return &cp
}
