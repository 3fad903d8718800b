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

// UserStore reads profiles and friendships owned by the account service.
// This service never writes either table.
type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	query := `
		SELECT id, display_name, department, grade, gender, is_verified
		FROM users
		WHERE id = $1`

	var u models.UserProfile
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.DisplayName,
		&u.Department,
		&u.Grade,
		&u.Gender,
		&u.IsVerified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetProfiles returns the profiles found; missing ids are simply absent.
func (s *UserStore) GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]models.UserProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, department, grade, gender, is_verified
		FROM users
		WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]models.UserProfile, len(userIDs))
	for rows.Next() {
		var u models.UserProfile
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Department, &u.Grade, &u.Gender, &u.IsVerified); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func (s *UserStore) FriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT friend_id FROM friendships WHERE user_id = $1 AND status = 'accepted'`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return ids, nil
}
