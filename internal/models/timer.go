package models

import (
	"time"

	"github.com/google/uuid"
)

type TimerStatus string

const (
	TimerIdle      TimerStatus = "idle"
	TimerRunning   TimerStatus = "running"
	TimerPaused    TimerStatus = "paused"
	TimerCompleted TimerStatus = "completed"
)

type TimerPhase string

const (
	PhaseWork  TimerPhase = "work"
	PhaseBreak TimerPhase = "break"
)

// Timer is the server-authoritative Pomodoro timer of one room.
// RemainingSeconds is the value persisted at the last transition; while
// running, the live value is derived from StartedAt.
type Timer struct {
	RoomID           uuid.UUID   `json:"room_id"`
	Status           TimerStatus `json:"status"`
	Phase            TimerPhase  `json:"phase"`
	DurationSeconds  int         `json:"duration"`
	RemainingSeconds int         `json:"remaining_seconds"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	PausedAt         *time.Time  `json:"paused_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	WorkSeconds      int         `json:"work_seconds"`
	BreakSeconds     int         `json:"break_seconds"`
	AutoStartBreak   bool        `json:"auto_start_break"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// LiveRemaining returns the remaining seconds as of now.
func (t *Timer) LiveRemaining(now time.Time) int {
	if t.Status != TimerRunning || t.StartedAt == nil {
		return t.RemainingSeconds
	}
	elapsed := int(now.Sub(*t.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return max(0, t.RemainingSeconds-elapsed)
}
