package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/studyhub/internal/models"
)

const presenceColumns = `user_id, is_online, last_seen_at, connection_count, status_message`

type PresenceStore struct {
	pool *pgxpool.Pool
}

func NewPresenceStore(pool *pgxpool.Pool) *PresenceStore {
	return &PresenceStore{pool: pool}
}

func scanPresence(row rowScanner) (*models.Presence, error) {
	var p models.Presence
	if err := row.Scan(&p.UserID, &p.IsOnline, &p.LastSeenAt, &p.ConnectionCount, &p.StatusMessage); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PresenceStore) Get(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+presenceColumns+` FROM user_presence WHERE user_id = $1`, userID)
	p, err := scanPresence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return p, nil
}

func (s *PresenceStore) Connect(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Presence, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO user_presence (user_id, is_online, last_seen_at, connection_count)
		VALUES ($1, true, $2, 1)
		ON CONFLICT (user_id) DO UPDATE SET
			connection_count = user_presence.connection_count + 1,
			is_online        = true,
			last_seen_at     = $2
		RETURNING `+presenceColumns,
		userID, now,
	)
	p, err := scanPresence(row)
	if err != nil {
		return nil, fmt.Errorf("connect presence: %w", err)
	}
	return p, nil
}

// Disconnect floors the count at zero so a disconnect that races a stale
// sweep cannot go negative.
func (s *PresenceStore) Disconnect(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Presence, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE user_presence SET
			connection_count = GREATEST(connection_count - 1, 0),
			is_online        = connection_count - 1 > 0,
			last_seen_at     = $2
		WHERE user_id = $1
		RETURNING `+presenceColumns,
		userID, now,
	)
	p, err := scanPresence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("disconnect presence: %w", err)
	}
	return p, nil
}

func (s *PresenceStore) Touch(ctx context.Context, userID uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE user_presence SET last_seen_at = $2 WHERE user_id = $1 AND is_online`,
		userID, now,
	)
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) SetStatusMessage(ctx context.Context, userID uuid.UUID, msg *string, now time.Time) (*models.Presence, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO user_presence (user_id, is_online, last_seen_at, connection_count, status_message)
		VALUES ($1, false, $2, 0, $3)
		ON CONFLICT (user_id) DO UPDATE SET status_message = $3
		RETURNING `+presenceColumns,
		userID, now, msg,
	)
	p, err := scanPresence(row)
	if err != nil {
		return nil, fmt.Errorf("set status message: %w", err)
	}
	return p, nil
}

func (s *PresenceStore) SweepStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE user_presence SET is_online = false, connection_count = 0
		WHERE is_online AND last_seen_at < $1
		RETURNING user_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep presence: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("sweep presence: %w", err)
	}
	return ids, nil
}
