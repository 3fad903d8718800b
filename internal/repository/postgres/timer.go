package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/studyhub/internal/models"
)

const timerColumns = `room_id, status, phase, duration_seconds, remaining_seconds, started_at, paused_at,
	completed_at, work_seconds, break_seconds, auto_start_break, updated_at`

type TimerStore struct {
	pool *pgxpool.Pool
}

func NewTimerStore(pool *pgxpool.Pool) *TimerStore {
	return &TimerStore{pool: pool}
}

func scanTimer(row rowScanner) (*models.Timer, error) {
	var t models.Timer
	err := row.Scan(
		&t.RoomID,
		&t.Status,
		&t.Phase,
		&t.DurationSeconds,
		&t.RemainingSeconds,
		&t.StartedAt,
		&t.PausedAt,
		&t.CompletedAt,
		&t.WorkSeconds,
		&t.BreakSeconds,
		&t.AutoStartBreak,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TimerStore) Get(ctx context.Context, roomID uuid.UUID) (*models.Timer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+timerColumns+` FROM room_timers WHERE room_id = $1`, roomID)
	t, err := scanTimer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get timer: %w", err)
	}
	return t, nil
}

func (s *TimerStore) Create(ctx context.Context, t *models.Timer) (*models.Timer, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_timers (`+timerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (room_id) DO NOTHING`,
		t.RoomID, t.Status, t.Phase, t.DurationSeconds, t.RemainingSeconds, t.StartedAt, t.PausedAt,
		t.CompletedAt, t.WorkSeconds, t.BreakSeconds, t.AutoStartBreak, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert timer: %w", err)
	}
	stored, err := s.Get(ctx, t.RoomID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("insert timer: row for room %s vanished", t.RoomID)
	}
	return stored, nil
}

func (s *TimerStore) CompareAndSwap(ctx context.Context, prev, next *models.Timer) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE room_timers
		SET status = $7, phase = $8, duration_seconds = $9, remaining_seconds = $10,
		    started_at = $11, paused_at = $12, completed_at = $13,
		    work_seconds = $14, break_seconds = $15, auto_start_break = $16, updated_at = $17
		WHERE room_id = $1 AND status = $2 AND phase = $3 AND remaining_seconds = $4
		  AND started_at IS NOT DISTINCT FROM $5 AND updated_at = $6`,
		prev.RoomID, prev.Status, prev.Phase, prev.RemainingSeconds, prev.StartedAt, prev.UpdatedAt,
		next.Status, next.Phase, next.DurationSeconds, next.RemainingSeconds,
		next.StartedAt, next.PausedAt, next.CompletedAt,
		next.WorkSeconds, next.BreakSeconds, next.AutoStartBreak, next.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("swap timer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
