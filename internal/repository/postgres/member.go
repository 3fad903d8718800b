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

const memberColumns = `room_id, user_id, role, display_name, anonymous_name, group_label, group_index,
	is_active, is_muted, last_read_at, unread_count, joined_at`

type MemberStore struct {
	pool *pgxpool.Pool
}

func NewMemberStore(pool *pgxpool.Pool) *MemberStore {
	return &MemberStore{pool: pool}
}

func scanMember(row rowScanner) (*models.Member, error) {
	var m models.Member
	err := row.Scan(
		&m.RoomID,
		&m.UserID,
		&m.Role,
		&m.DisplayName,
		&m.AnonymousName,
		&m.GroupLabel,
		&m.GroupIndex,
		&m.IsActive,
		&m.IsMuted,
		&m.LastReadAt,
		&m.UnreadCount,
		&m.JoinedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Get returns the membership row whether or not it is active.
func (s *MemberStore) Get(ctx context.Context, roomID, userID uuid.UUID) (*models.Member, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM chat_room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func (s *MemberStore) ListActive(ctx context.Context, roomID uuid.UUID) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+memberColumns+` FROM chat_room_members
		WHERE room_id = $1 AND is_active
		ORDER BY joined_at, user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]models.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *MemberStore) Add(ctx context.Context, m models.Member) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertMember(ctx, tx, m)
	})
}

func (s *MemberStore) Deactivate(ctx context.Context, roomID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_room_members SET is_active = false WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("deactivate member: %w", err)
	}
	return nil
}

func (s *MemberStore) SetRole(ctx context.Context, roomID, userID uuid.UUID, role models.Role) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_room_members SET role = $3 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, role,
	)
	if err != nil {
		return fmt.Errorf("set member role: %w", err)
	}
	return nil
}

func (s *MemberStore) SetMuted(ctx context.Context, roomID, userID uuid.UUID, muted bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_room_members SET is_muted = $3 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, muted,
	)
	if err != nil {
		return fmt.Errorf("set member muted: %w", err)
	}
	return nil
}

// MarkRead never moves the cursor backwards. The cursor comes from the
// database clock, the same one that stamps chat_messages.created_at.
func (s *MemberStore) MarkRead(ctx context.Context, roomID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_room_members
		SET last_read_at = GREATEST(COALESCE(last_read_at, clock_timestamp()), clock_timestamp()),
		    unread_count = 0
		WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *MemberStore) CountUnread(ctx context.Context, roomID, userID uuid.UUID) (int, error) {
	query := `
		WITH c AS (
			SELECT count(*)::int AS n
			FROM chat_messages msg
			JOIN chat_room_members m ON m.room_id = msg.room_id AND m.user_id = $2
			WHERE msg.room_id = $1
			  AND msg.sender_id <> $2
			  AND NOT msg.is_deleted
			  AND (m.last_read_at IS NULL OR msg.created_at > m.last_read_at)
		)
		UPDATE chat_room_members SET unread_count = (SELECT n FROM c)
		WHERE room_id = $1 AND user_id = $2
		RETURNING unread_count`

	var n int
	err := s.pool.QueryRow(ctx, query, roomID, userID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
