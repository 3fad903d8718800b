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
	"github.com/lalith-99/studyhub/internal/repository"
)

const poolColumns = `id, creator_id, member_ids, member_count, department, grade, gender,
	preferred_match_type, preferred_categories, matching_type, message, status,
	created_at, updated_at, expires_at, matched_at`

// activeMemberIndex backs the one-active-pool-per-user rule.
const activeMemberIndex = "uq_matching_pool_members_active"

type PoolStore struct {
	pool *pgxpool.Pool
}

func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

func scanPool(row rowScanner) (*models.MatchingPool, error) {
	var p models.MatchingPool
	err := row.Scan(
		&p.ID,
		&p.CreatorID,
		&p.MemberIDs,
		&p.MemberCount,
		&p.Department,
		&p.Grade,
		&p.Gender,
		&p.PreferredMatchType,
		&p.PreferredCategories,
		&p.MatchingType,
		&p.Message,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ExpiresAt,
		&p.MatchedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPools(rows pgx.Rows) ([]models.MatchingPool, error) {
	defer rows.Close()
	pools := make([]models.MatchingPool, 0)
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return pools, nil
}

// releaseMembers frees the members of pools that left the active states.
func releaseMembers(ctx context.Context, tx pgx.Tx, poolIDs []uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE matching_pool_members SET active = false WHERE pool_id = ANY($1) AND active`,
		poolIDs,
	)
	if err != nil {
		return fmt.Errorf("release pool members: %w", err)
	}
	return nil
}

func (s *PoolStore) Create(ctx context.Context, p *models.MatchingPool) (*models.MatchingPool, error) {
	categories := p.PreferredCategories
	if categories == nil {
		categories = []string{}
	}

	var created *models.MatchingPool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO matching_pools
				(creator_id, member_ids, member_count, department, grade, gender,
				 preferred_match_type, preferred_categories, matching_type, message, status,
				 created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'waiting', $11, $11, $12)
			RETURNING `+poolColumns,
			p.CreatorID, p.MemberIDs, len(p.MemberIDs), p.Department, p.Grade, p.Gender,
			p.PreferredMatchType, categories, p.MatchingType, p.Message,
			p.CreatedAt, p.ExpiresAt,
		)
		np, err := scanPool(row)
		if err != nil {
			return fmt.Errorf("insert pool: %w", err)
		}
		for _, uid := range np.MemberIDs {
			_, err := tx.Exec(ctx,
				`INSERT INTO matching_pool_members (pool_id, user_id, active) VALUES ($1, $2, true)`,
				np.ID, uid,
			)
			if err != nil {
				if isUniqueViolation(err, activeMemberIndex) {
					return repository.ErrUserInActivePool
				}
				return fmt.Errorf("insert pool member: %w", err)
			}
		}
		created = np
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PoolStore) GetByID(ctx context.Context, poolID uuid.UUID) (*models.MatchingPool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM matching_pools WHERE id = $1`, poolID)
	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (s *PoolStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.MatchingPool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+prefixed(poolColumns, "p")+`
		FROM matching_pools p
		JOIN matching_pool_members m ON m.pool_id = p.id
		WHERE m.user_id = $1 AND m.active`, userID)
	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active pool: %w", err)
	}
	return p, nil
}

func (s *PoolStore) FindActiveMembers(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM matching_pool_members WHERE active AND user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("find active members: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("find active members: %w", err)
	}
	return ids, nil
}

func (s *PoolStore) ListWaiting(ctx context.Context, now time.Time) ([]models.MatchingPool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+poolColumns+` FROM matching_pools
		WHERE status = 'waiting' AND expires_at > $1
		ORDER BY created_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list waiting pools: %w", err)
	}
	return collectPools(rows)
}

func (s *PoolStore) Transition(ctx context.Context, poolID uuid.UUID, from []models.PoolStatus, to models.PoolStatus, now time.Time) (bool, error) {
	var ok bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE matching_pools
			SET status = $3, updated_at = $4,
			    matched_at = CASE WHEN $3 = 'matched' THEN $4 ELSE matched_at END
			WHERE id = $1 AND status = ANY($2)`,
			poolID, stringsOf(from), string(to), now,
		)
		if err != nil {
			return fmt.Errorf("transition pool: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		ok = true
		if to.Active() {
			return nil
		}
		return releaseMembers(ctx, tx, []uuid.UUID{poolID})
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *PoolStore) ExpireWaiting(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE matching_pools SET status = 'expired', updated_at = $1
			WHERE status = 'waiting' AND expires_at <= $1
			RETURNING id`, now)
		if err != nil {
			return fmt.Errorf("expire pools: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("expire pools: %w", err)
		}
		n = len(ids)
		if n == 0 {
			return nil
		}
		return releaseMembers(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
