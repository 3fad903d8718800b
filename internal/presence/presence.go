// Package presence keeps each user's cluster-wide online state in step
// with the sockets actually attached to every process.
package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.uber.org/zap"
)

const maxStatusLength = 100

// Broadcaster is the broker-side presence state. *relay.Relay implements it.
type Broadcaster interface {
	MarkOnline(ctx context.Context, userID uuid.UUID) error
	MarkOffline(ctx context.Context, userID uuid.UUID) error
	OnlineUsers(ctx context.Context) (map[uuid.UUID]struct{}, error)
	CachePresence(ctx context.Context, p models.Presence) error
	PublishPresence(ctx context.Context, p models.Presence) error
}

type Service struct {
	repo       repository.PresenceRepository
	friends    repository.FriendDirectory
	bus        Broadcaster
	clock      clock.Clock
	staleAfter time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	local map[uuid.UUID]int
}

func NewService(repo repository.PresenceRepository, friends repository.FriendDirectory, bus Broadcaster, clk clock.Clock, staleAfter time.Duration, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		friends:    friends,
		bus:        bus,
		clock:      clk,
		staleAfter: staleAfter,
		logger:     logger.Named("presence"),
		local:      make(map[uuid.UUID]int),
	}
}

// Connected records one more socket for userID.
func (s *Service) Connected(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	s.local[userID]++
	s.mu.Unlock()

	p, err := s.repo.Connect(ctx, userID, s.clock.Now())
	if err != nil {
		return apperr.Transient(err, "record connect")
	}
	s.announce(ctx, *p, p.ConnectionCount == 1)
	return nil
}

// Disconnected records one socket fewer for userID.
func (s *Service) Disconnected(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	if s.local[userID] <= 1 {
		delete(s.local, userID)
	} else {
		s.local[userID]--
	}
	s.mu.Unlock()

	p, err := s.repo.Disconnect(ctx, userID, s.clock.Now())
	if err != nil {
		return apperr.Transient(err, "record disconnect")
	}
	if p == nil {
		return nil
	}
	s.announce(ctx, *p, !p.IsOnline)
	return nil
}

// LocalConnections is the number of sockets userID holds on this process.
func (s *Service) LocalConnections(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[userID]
}

// announce refreshes the broker view of p. Broker failures are logged
// only; the database record stays authoritative.
func (s *Service) announce(ctx context.Context, p models.Presence, changed bool) {
	if err := s.bus.CachePresence(ctx, p); err != nil {
		s.logger.Warn("cache presence failed", zap.String("user_id", p.UserID.String()), zap.Error(err))
	}
	setOp := s.bus.MarkOffline
	if p.IsOnline {
		setOp = s.bus.MarkOnline
	}
	if err := setOp(ctx, p.UserID); err != nil {
		s.logger.Warn("update online set failed", zap.String("user_id", p.UserID.String()), zap.Error(err))
	}
	if !changed {
		return
	}
	if err := s.bus.PublishPresence(ctx, p); err != nil {
		s.logger.Warn("publish presence failed", zap.String("user_id", p.UserID.String()), zap.Error(err))
	}
}

// Get returns the stored presence, or an offline record for users never seen.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	p, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(err, "get presence")
	}
	if p == nil {
		return &models.Presence{UserID: userID}, nil
	}
	return p, nil
}

// SetStatus replaces the user's status message. nil or empty clears it.
func (s *Service) SetStatus(ctx context.Context, userID uuid.UUID, msg *string) (*models.Presence, error) {
	if msg != nil && *msg == "" {
		msg = nil
	}
	if msg != nil && utf8.RuneCountInString(*msg) > maxStatusLength {
		return nil, apperr.InvalidInput("status message exceeds %d characters", maxStatusLength)
	}
	p, err := s.repo.SetStatusMessage(ctx, userID, msg, s.clock.Now())
	if err != nil {
		return nil, apperr.Transient(err, "set status message")
	}
	s.announce(ctx, *p, true)
	return p, nil
}

// FriendsOnline intersects the cluster online set with the user's friends.
func (s *Service) FriendsOnline(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	friends, err := s.friends.FriendIDs(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(err, "list friends")
	}
	online, err := s.bus.OnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(friends))
	for _, f := range friends {
		if _, ok := online[f]; ok {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

// Heartbeat refreshes last_seen_at for every user with a local socket. A
// user whose record was swept while still connected here is restored
// with this process's connection count.
func (s *Service) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	local := make(map[uuid.UUID]int, len(s.local))
	for id, n := range s.local {
		local[id] = n
	}
	s.mu.Unlock()

	now := s.clock.Now()
	for userID, n := range local {
		p, err := s.repo.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("heartbeat read failed", zap.String("user_id", userID.String()), zap.Error(err))
			continue
		}
		if p != nil && p.IsOnline {
			if err := s.repo.Touch(ctx, userID, now); err != nil {
				s.logger.Warn("heartbeat touch failed", zap.String("user_id", userID.String()), zap.Error(err))
			}
			continue
		}
		var restored *models.Presence
		for i := 0; i < n; i++ {
			if restored, err = s.repo.Connect(ctx, userID, now); err != nil {
				s.logger.Warn("heartbeat restore failed", zap.String("user_id", userID.String()), zap.Error(err))
				break
			}
		}
		if restored != nil {
			s.announce(ctx, *restored, true)
		}
	}
}

// Sweep marks users not seen within the stale window as offline.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.repo.SweepStale(ctx, s.clock.Now().Add(-s.staleAfter))
	if err != nil {
		return 0, apperr.Transient(err, "sweep stale presence")
	}
	now := s.clock.Now()
	for _, id := range ids {
		s.announce(ctx, models.Presence{UserID: id, LastSeenAt: now}, true)
	}
	if len(ids) > 0 {
		s.logger.Info("swept stale presence", zap.Int("users", len(ids)))
	}
	return len(ids), nil
}

// Run heartbeats and sweeps until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := s.staleAfter / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Heartbeat(ctx)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("presence sweep failed", zap.Error(err))
			}
		}
	}
}
