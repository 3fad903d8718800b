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

const proposalColumns = `id, group_a_id, group_b_id, group_a_status, group_b_status, final_status,
	score, chat_room_id, created_at, updated_at, expires_at, matched_at`

type ProposalStore struct {
	pool *pgxpool.Pool
}

func NewProposalStore(pool *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

func scanProposal(row rowScanner) (*models.MatchingProposal, error) {
	var p models.MatchingProposal
	err := row.Scan(
		&p.ID,
		&p.PoolAID,
		&p.PoolBID,
		&p.GroupAStatus,
		&p.GroupBStatus,
		&p.FinalStatus,
		&p.Score,
		&p.ChatRoomID,
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

func (s *ProposalStore) list(ctx context.Context, what, query string, args ...any) ([]models.MatchingProposal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	proposals := make([]models.MatchingProposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return proposals, nil
}

func (s *ProposalStore) CreateReserving(ctx context.Context, p *models.MatchingProposal) (*models.MatchingProposal, error) {
	var created *models.MatchingProposal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE matching_pools SET status = 'proposed', updated_at = $3
			WHERE id IN ($1, $2) AND status = 'waiting' AND expires_at > $3`,
			p.PoolAID, p.PoolBID, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("reserve pools: %w", err)
		}
		if tag.RowsAffected() != 2 {
			return repository.ErrPoolUnavailable
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO matching_proposals
				(group_a_id, group_b_id, group_a_status, group_b_status, final_status, score,
				 created_at, updated_at, expires_at)
			VALUES ($1, $2, 'pending', 'pending', 'pending', $3, $4, $4, $5)
			RETURNING `+proposalColumns,
			p.PoolAID, p.PoolBID, p.Score, p.CreatedAt, p.ExpiresAt,
		)
		np, err := scanProposal(row)
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		created = np
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *ProposalStore) GetByID(ctx context.Context, proposalID uuid.UUID) (*models.MatchingProposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM matching_proposals WHERE id = $1`, proposalID)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *ProposalStore) ListForPool(ctx context.Context, poolID uuid.UUID) ([]models.MatchingProposal, error) {
	return s.list(ctx, "list proposals", `
		SELECT `+proposalColumns+` FROM matching_proposals
		WHERE group_a_id = $1 OR group_b_id = $1
		ORDER BY created_at DESC, id`, poolID)
}

func (s *ProposalStore) ListExpired(ctx context.Context, now time.Time) ([]models.MatchingProposal, error) {
	return s.list(ctx, "list expired proposals", `
		SELECT `+proposalColumns+` FROM matching_proposals
		WHERE final_status = 'pending' AND expires_at <= $1
		ORDER BY expires_at, id`, now)
}

func (s *ProposalStore) ListAwaitingRoom(ctx context.Context) ([]models.MatchingProposal, error) {
	return s.list(ctx, "list accepted proposals", `
		SELECT `+proposalColumns+` FROM matching_proposals
		WHERE final_status = 'pending' AND group_a_status = 'accepted' AND group_b_status = 'accepted'
		ORDER BY updated_at, id`)
}

func lockPendingProposal(ctx context.Context, tx pgx.Tx, proposalID uuid.UUID) (*models.MatchingProposal, error) {
	row := tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM matching_proposals WHERE id = $1 FOR UPDATE`, proposalID)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock proposal: %w", err)
	}
	if p.FinalStatus != models.ProposalPending {
		return nil, repository.ErrProposalFinalized
	}
	return p, nil
}

func (s *ProposalStore) RecordResponse(ctx context.Context, proposalID uuid.UUID, side string, resp models.GroupResponse, now time.Time) (*models.MatchingProposal, error) {
	column := "group_a_status"
	switch side {
	case "A":
	case "B":
		column = "group_b_status"
	default:
		return nil, fmt.Errorf("record response: unknown side %q", side)
	}

	var updated *models.MatchingProposal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := lockPendingProposal(ctx, tx, proposalID)
		if err != nil || p == nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE matching_proposals SET `+column+` = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+proposalColumns,
			proposalID, resp, now,
		)
		updated, err = scanProposal(row)
		if err != nil {
			return fmt.Errorf("record response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ProposalStore) Finalize(ctx context.Context, proposalID uuid.UUID, final models.ProposalStatus, roomID *uuid.UUID, now time.Time) (*models.MatchingProposal, error) {
	var updated *models.MatchingProposal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := lockPendingProposal(ctx, tx, proposalID)
		if err != nil || p == nil {
			return err
		}
		pools := []uuid.UUID{p.PoolAID, p.PoolBID}

		if final == models.ProposalMatched {
			row := tx.QueryRow(ctx, `
				UPDATE matching_proposals
				SET final_status = 'matched', chat_room_id = $2, matched_at = $3, updated_at = $3
				WHERE id = $1
				RETURNING `+proposalColumns,
				proposalID, roomID, now,
			)
			if updated, err = scanProposal(row); err != nil {
				return fmt.Errorf("finalize proposal: %w", err)
			}
			_, err = tx.Exec(ctx, `
				UPDATE matching_pools SET status = 'matched', matched_at = $2, updated_at = $2
				WHERE id = ANY($1)`, pools, now)
			if err != nil {
				return fmt.Errorf("match pools: %w", err)
			}
			return releaseMembers(ctx, tx, pools)
		}

		// A group that never answered counts as having rejected.
		row := tx.QueryRow(ctx, `
			UPDATE matching_proposals
			SET final_status = $2, updated_at = $3,
			    group_a_status = CASE WHEN group_a_status = 'pending' THEN 'rejected' ELSE group_a_status END,
			    group_b_status = CASE WHEN group_b_status = 'pending' THEN 'rejected' ELSE group_b_status END
			WHERE id = $1
			RETURNING `+proposalColumns,
			proposalID, final, now,
		)
		if updated, err = scanProposal(row); err != nil {
			return fmt.Errorf("finalize proposal: %w", err)
		}

		// Pools go back to the waiting list unless their own window closed
		// while the proposal was pending.
		rows, err := tx.Query(ctx, `
			UPDATE matching_pools
			SET status = CASE WHEN expires_at <= $2 THEN 'expired' ELSE 'waiting' END, updated_at = $2
			WHERE id = ANY($1) AND status = 'proposed'
			RETURNING id, status`, pools, now)
		if err != nil {
			return fmt.Errorf("release pools: %w", err)
		}
		var expired []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			var status models.PoolStatus
			if err := rows.Scan(&id, &status); err != nil {
				rows.Close()
				return fmt.Errorf("scan released pool: %w", err)
			}
			if status == models.PoolExpired {
				expired = append(expired, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate released pools: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		return releaseMembers(ctx, tx, expired)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
