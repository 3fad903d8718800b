// Package timer runs the shared Pomodoro timer of each room.
//
// The state machine in this file is pure: it takes the stored timer, an
// action and the current time, and returns the next timer. Service adds
// persistence, per-room serialization and broadcast on top.
package timer

import (
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/models"
)

type Action string

const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionReset    Action = "reset"
	ActionComplete Action = "complete"
)

// New returns an idle work timer sized from settings.
func New(roomID uuid.UUID, settings models.TimerSettings, now time.Time) models.Timer {
	return models.Timer{
		RoomID:           roomID,
		Status:           models.TimerIdle,
		Phase:            models.PhaseWork,
		DurationSeconds:  settings.WorkSeconds,
		RemainingSeconds: settings.WorkSeconds,
		WorkSeconds:      settings.WorkSeconds,
		BreakSeconds:     settings.BreakSeconds,
		AutoStartBreak:   settings.AutoStartBreak,
		UpdatedAt:        now,
	}
}

// Apply performs action on t. Illegal pairs fail with an invalid-state
// error naming the current status and the attempted action.
//
// complete on a running timer finishes the phase and immediately swaps to
// the next one; on a completed timer it only swaps.
func Apply(t models.Timer, action Action, settings models.TimerSettings, now time.Time) (models.Timer, error) {
	switch {
	case action == ActionReset:
		return reset(t, settings, now), nil

	case action == ActionStart && (t.Status == models.TimerIdle || t.Status == models.TimerPaused):
		started := now.Add(-carried(t))
		t.Status = models.TimerRunning
		t.StartedAt = &started
		t.PausedAt = nil
		t.CompletedAt = nil
		t.UpdatedAt = now
		return t, nil

	case action == ActionPause && t.Status == models.TimerRunning:
		remaining := clamp(t.LiveRemaining(now), t.DurationSeconds)
		// Keep the part of a second that ran but is not yet counted in
		// RemainingSeconds as PausedAt - StartedAt; the next start resumes it.
		var frac time.Duration
		if t.StartedAt != nil && remaining > 0 {
			elapsed := max(0, now.Sub(*t.StartedAt))
			frac = elapsed - elapsed.Truncate(time.Second)
		}
		started := now.Add(-frac)
		t.RemainingSeconds = remaining
		t.Status = models.TimerPaused
		t.StartedAt = &started
		t.PausedAt = &now
		t.UpdatedAt = now
		return t, nil

	case action == ActionComplete && t.Status == models.TimerRunning:
		return swap(complete(t, now), settings, now), nil

	case action == ActionComplete && t.Status == models.TimerCompleted:
		return swap(t, settings, now), nil
	}
	return t, apperr.InvalidState(apperr.CodeInvalidTimerState, string(t.Status), string(action))
}

// Observe brings a stored timer up to date for a read at now. A running
// timer that has run out becomes completed; a completed timer moves on to
// its next phase. changed reports whether the result must be persisted.
func Observe(t models.Timer, settings models.TimerSettings, now time.Time) (next models.Timer, changed bool) {
	switch {
	case t.Status == models.TimerRunning && t.LiveRemaining(now) == 0:
		return complete(t, now), true
	case t.Status == models.TimerCompleted:
		return swap(t, settings, now), true
	}
	return t, false
}

// carried is the sub-second run time a paused timer still owes.
func carried(t models.Timer) time.Duration {
	if t.Status != models.TimerPaused || t.StartedAt == nil || t.PausedAt == nil {
		return 0
	}
	frac := t.PausedAt.Sub(*t.StartedAt)
	if frac <= 0 || frac >= time.Second {
		return 0
	}
	return frac
}

func complete(t models.Timer, now time.Time) models.Timer {
	t.Status = models.TimerCompleted
	t.RemainingSeconds = 0
	t.CompletedAt = &now
	t.PausedAt = nil
	t.UpdatedAt = now
	return t
}

// swap flips work and break, reloading lengths from settings. Only a
// finished work phase with auto_start_break starts running by itself.
func swap(t models.Timer, settings models.TimerSettings, now time.Time) models.Timer {
	prev := t.Phase
	t.WorkSeconds = settings.WorkSeconds
	t.BreakSeconds = settings.BreakSeconds
	t.AutoStartBreak = settings.AutoStartBreak

	if prev == models.PhaseWork {
		t.Phase = models.PhaseBreak
		t.DurationSeconds = settings.BreakSeconds
	} else {
		t.Phase = models.PhaseWork
		t.DurationSeconds = settings.WorkSeconds
	}
	t.RemainingSeconds = t.DurationSeconds
	t.PausedAt = nil
	t.UpdatedAt = now

	if prev == models.PhaseWork && settings.AutoStartBreak {
		t.Status = models.TimerRunning
		t.StartedAt = &now
	} else {
		t.Status = models.TimerIdle
		t.StartedAt = nil
	}
	return t
}

func reset(t models.Timer, settings models.TimerSettings, now time.Time) models.Timer {
	return New(t.RoomID, settings, now)
}

func clamp(v, upper int) int {
	return max(0, min(v, upper))
}
