package timer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/hub"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.uber.org/zap"
)

// EventTimerUpdate carries the full timer state after every transition.
const EventTimerUpdate = "timer_update"

// casAttempts bounds retries when another process wins the
// compare-and-swap on the same room.
const casAttempts = 5

// Emitter fans an event out to a room. *hub.Hub implements it.
type Emitter interface {
	Emit(ctx context.Context, key, eventType string, data any)
}

// Authorizer checks room membership. *chat.Service implements it.
type Authorizer interface {
	AuthorizeRoom(ctx context.Context, userID, roomID uuid.UUID) error
}

type Service struct {
	timers     repository.TimerRepository
	rooms      repository.RoomRepository
	authorizer Authorizer
	emitter    Emitter
	defaults   models.TimerSettings
	clock      clock.Clock
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func NewService(timers repository.TimerRepository, rooms repository.RoomRepository, authorizer Authorizer, emitter Emitter, defaults models.TimerSettings, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		timers:     timers,
		rooms:      rooms,
		authorizer: authorizer,
		emitter:    emitter,
		defaults:   defaults,
		clock:      clk,
		logger:     logger.Named("timer"),
		locks:      make(map[uuid.UUID]*roomLock),
	}
}

// lock serializes writers to one room's timer within this process.
// Writers on other processes are fenced by the compare-and-swap.
func (s *Service) lock(roomID uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &roomLock{}
		s.locks[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, roomID)
		}
		s.mu.Unlock()
	}
}

// Get returns the room's timer with its live remaining time. Reading a
// timer that has run out completes it; reading a completed timer moves it
// to the next phase.
func (s *Service) Get(ctx context.Context, userID, roomID uuid.UUID) (*models.Timer, error) {
	if err := s.authorize(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, roomID, func(t models.Timer, settings models.TimerSettings) (models.Timer, bool, error) {
		next, changed := Observe(t, settings, s.clock.Now())
		return next, changed, nil
	})
}

func (s *Service) Start(ctx context.Context, userID, roomID uuid.UUID) (*models.Timer, error) {
	return s.Do(ctx, userID, roomID, ActionStart)
}

func (s *Service) Pause(ctx context.Context, userID, roomID uuid.UUID) (*models.Timer, error) {
	return s.Do(ctx, userID, roomID, ActionPause)
}

// CompletePhase ends the current phase early, or advances a completed one.
func (s *Service) CompletePhase(ctx context.Context, userID, roomID uuid.UUID) (*models.Timer, error) {
	return s.Do(ctx, userID, roomID, ActionComplete)
}

// Do applies action to the room's timer and broadcasts the new state.
func (s *Service) Do(ctx context.Context, userID, roomID uuid.UUID, action Action) (*models.Timer, error) {
	if err := s.authorize(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, roomID, func(t models.Timer, settings models.TimerSettings) (models.Timer, bool, error) {
		now := s.clock.Now()
		// A timer that ran out while nobody looked is completed first so
		// that the action sees the real state.
		t, _ = settle(t, settings, now)
		next, err := Apply(t, action, settings, now)
		return next, err == nil, err
	})
}

// settle completes a running timer whose time is up.
func settle(t models.Timer, settings models.TimerSettings, now time.Time) (models.Timer, bool) {
	if t.Status == models.TimerRunning && t.LiveRemaining(now) == 0 {
		return Observe(t, settings, now)
	}
	return t, false
}

type mutation func(t models.Timer, settings models.TimerSettings) (next models.Timer, write bool, err error)

// mutate loads (or creates) the timer, runs fn and persists the result
// with compare-and-swap, retrying when another writer got there first.
func (s *Service) mutate(ctx context.Context, roomID uuid.UUID, fn mutation) (*models.Timer, error) {
	unlock := s.lock(roomID)
	defer unlock()

	settings, err := s.settings(ctx, roomID)
	if err != nil {
		return nil, err
	}

	for range casAttempts {
		current, err := s.load(ctx, roomID, settings)
		if err != nil {
			return nil, err
		}
		next, write, err := fn(*current, settings)
		if err != nil {
			return nil, err
		}
		if !write {
			return s.view(next), nil
		}
		ok, err := s.timers.CompareAndSwap(ctx, current, &next)
		if err != nil {
			return nil, apperr.Transient(err, "save timer")
		}
		if !ok {
			s.logger.Debug("timer changed concurrently, retrying", zap.String("room_id", roomID.String()))
			continue
		}
		if s.emitter != nil {
			s.emitter.Emit(ctx, relay.RoomKey(roomID), EventTimerUpdate, s.view(next))
		}
		return s.view(next), nil
	}
	return nil, apperr.Transient(nil, "timer is busy, try again")
}

func (s *Service) load(ctx context.Context, roomID uuid.UUID, settings models.TimerSettings) (*models.Timer, error) {
	t, err := s.timers.Get(ctx, roomID)
	if err != nil {
		return nil, apperr.Transient(err, "load timer")
	}
	if t != nil {
		return t, nil
	}
	fresh := New(roomID, settings, s.clock.Now())
	t, err = s.timers.Create(ctx, &fresh)
	if err != nil {
		return nil, apperr.Transient(err, "create timer")
	}
	return t, nil
}

// view is what clients see: the live remaining time.
func (s *Service) view(t models.Timer) *models.Timer {
	t.RemainingSeconds = t.LiveRemaining(s.clock.Now())
	return &t
}

// settings returns the room's timer lengths, falling back to the
// deployment defaults.
func (s *Service) settings(ctx context.Context, roomID uuid.UUID) (models.TimerSettings, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return models.TimerSettings{}, apperr.Transient(err, "load room")
	}
	if room == nil {
		return models.TimerSettings{}, apperr.NotFound("room not found")
	}
	if ts := room.Metadata.Timer; ts != nil && ts.WorkSeconds > 0 && ts.BreakSeconds > 0 {
		return *ts, nil
	}
	return s.defaults, nil
}

func (s *Service) authorize(ctx context.Context, userID, roomID uuid.UUID) error {
	if s.authorizer == nil {
		return nil
	}
	return s.authorizer.AuthorizeRoom(ctx, userID, roomID)
}

// Socket frame types handled by the timer.
const (
	FrameStart    = "timer_start"
	FramePause    = "timer_pause"
	FrameReset    = "timer_reset"
	FrameComplete = "timer_complete"
)

var frameActions = map[string]Action{
	FrameStart:    ActionStart,
	FramePause:    ActionPause,
	FrameReset:    ActionReset,
	FrameComplete: ActionComplete,
}

// Handles reports whether frameType is a timer action.
func Handles(frameType string) bool {
	_, ok := frameActions[frameType]
	return ok
}

// HandleFrame performs a timer action sent over a room socket. Anything
// the client put in the frame besides its type and room is ignored; the
// resulting state reaches every participant as a timer_update.
func (s *Service) HandleFrame(ctx context.Context, c *hub.Client, f hub.Frame) error {
	action, ok := frameActions[f.Type]
	if !ok {
		return apperr.InvalidInput("unsupported frame type %q", f.Type)
	}
	roomID, err := c.JoinedRoom(f)
	if err != nil {
		return err
	}
	_, err = s.Do(ctx, c.UserID(), roomID, action)
	return err
}
