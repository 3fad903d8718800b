package matching

import (
	"context"
	"time"

	"github.com/lalith-99/studyhub/internal/apperr"
	"go.uber.org/zap"
)

// LockKey is the cluster-wide lock that keeps passes from overlapping.
const LockKey = "matching:pass:lock"

// Locker is a best-effort distributed mutex. *relay.RedisBroker
// implements it.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// Scheduler runs the engine on an interval. Only the process holding the
// lock runs a given pass; the others skip it.
type Scheduler struct {
	engine   *Engine
	locker   Locker
	owner    string
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

func NewScheduler(engine *Engine, locker Locker, owner string, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		locker:   locker,
		owner:    owner,
		interval: interval,
		lockTTL:  max(interval, time.Minute),
		logger:   logger.Named("matching.scheduler"),
	}
}

// RunOnce runs a single pass under the lock. It fails with a conflict when
// another pass holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (*PassResult, error) {
	ok, err := s.locker.TryLock(ctx, LockKey, s.owner, s.lockTTL)
	if err != nil {
		return nil, apperr.Transient(err, "acquire matching lock")
	}
	if !ok {
		return nil, apperr.Conflict("", "a matching pass is already running")
	}
	defer func() {
		// Released with a fresh context so a cancelled pass still frees it.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, LockKey, s.owner); err != nil {
			s.logger.Warn("release matching lock failed", zap.Error(err))
		}
	}()
	return s.engine.RunPass(ctx)
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("matching scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if apperr.Is(err, apperr.KindConflict) {
					s.logger.Debug("matching pass skipped, lock held elsewhere")
					continue
				}
				s.logger.Error("matching pass failed", zap.Error(err))
			}
		}
	}
}
