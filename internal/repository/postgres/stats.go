package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
)

type StatsStore struct {
	pool *pgxpool.Pool
}

func NewStatsStore(pool *pgxpool.Pool) *StatsStore {
	return &StatsStore{pool: pool}
}

// countBy runs a two-column (key, count) query into a map.
func countBy[K comparable](ctx context.Context, s *StatsStore, what, query string, args ...any) (map[K]int, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	out := make(map[K]int)
	for rows.Next() {
		var k K
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func (s *StatsStore) PoolCountsByStatus(ctx context.Context) (map[models.PoolStatus]int, error) {
	return countBy[models.PoolStatus](ctx, s, "pool counts",
		`SELECT status, count(*)::int FROM matching_pools GROUP BY status`)
}

func (s *StatsStore) WaitingByMemberCount(ctx context.Context) (map[int]int, error) {
	return countBy[int](ctx, s, "waiting by size",
		`SELECT member_count, count(*)::int FROM matching_pools WHERE status = 'waiting' GROUP BY member_count`)
}

func (s *StatsStore) WaitingByGender(ctx context.Context) (map[models.Gender]int, error) {
	return countBy[models.Gender](ctx, s, "waiting by gender",
		`SELECT gender, count(*)::int FROM matching_pools WHERE status = 'waiting' GROUP BY gender`)
}

func (s *StatsStore) AverageWaitSeconds(ctx context.Context, now time.Time) (float64, error) {
	var avg float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(avg(extract(epoch FROM ($1 - created_at))), 0)::float8
		FROM matching_pools WHERE status = 'waiting'`, now).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average wait: %w", err)
	}
	return avg, nil
}

func (s *StatsStore) ProposalCountsByStatus(ctx context.Context) (map[models.ProposalStatus]int, error) {
	return countBy[models.ProposalStatus](ctx, s, "proposal counts",
		`SELECT final_status, count(*)::int FROM matching_proposals GROUP BY final_status`)
}

// AverageTimeToMatchSeconds measures from pool creation to match, per pool.
func (s *StatsStore) AverageTimeToMatchSeconds(ctx context.Context) (float64, error) {
	var avg float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(avg(extract(epoch FROM (matched_at - created_at))), 0)::float8
		FROM matching_pools WHERE status = 'matched' AND matched_at IS NOT NULL`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average time to match: %w", err)
	}
	return avg, nil
}

// History buckets by day, week or month. The caller validates bucket.
func (s *StatsStore) History(ctx context.Context, bucket string, since time.Time) ([]repository.HistoryPoint, error) {
	query := `
		WITH buckets AS (
			SELECT generate_series(
				date_trunc($1, $2::timestamptz),
				date_trunc($1, now()),
				('1 ' || $1)::interval
			) AS b
		)
		SELECT b,
			(SELECT count(*) FROM matching_pools p WHERE date_trunc($1, p.created_at) = b)::int,
			(SELECT count(*) FROM matching_proposals x WHERE date_trunc($1, x.created_at) = b)::int,
			(SELECT count(*) FROM matching_proposals x
			  WHERE x.final_status = 'matched' AND date_trunc($1, x.matched_at) = b)::int,
			(SELECT count(*) FROM matching_proposals x
			  WHERE x.final_status = 'rejected' AND date_trunc($1, x.updated_at) = b)::int
		FROM buckets
		ORDER BY b`

	rows, err := s.pool.Query(ctx, query, bucket, since)
	if err != nil {
		return nil, fmt.Errorf("matching history: %w", err)
	}
	defer rows.Close()

	points := make([]repository.HistoryPoint, 0)
	for rows.Next() {
		var p repository.HistoryPoint
		if err := rows.Scan(&p.Bucket, &p.PoolsCreated, &p.ProposalsCreated, &p.ProposalsMatched, &p.ProposalsRejected); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return points, nil
}
