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

const roomColumns = `id, room_type, name, description, metadata, display_mode, is_active,
	invitation_code, invitation_expires_at, invitation_max_uses, invitation_use_count,
	created_at, updated_at, last_message_at`

type RoomStore struct {
	pool *pgxpool.Pool
}

func NewRoomStore(pool *pgxpool.Pool) *RoomStore {
	return &RoomStore{pool: pool}
}

func scanRoom(row rowScanner, extra ...any) (*models.Room, error) {
	var r models.Room
	var meta []byte
	dest := []any{
		&r.ID,
		&r.Type,
		&r.Name,
		&r.Description,
		&meta,
		&r.DisplayMode,
		&r.IsActive,
		&r.InvitationCode,
		&r.InvitationExpiresAt,
		&r.InvitationMaxUses,
		&r.InvitationUseCount,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.LastMessageAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &r.Metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

func insertMember(ctx context.Context, tx pgx.Tx, m models.Member) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO chat_room_members
			(room_id, user_id, role, display_name, anonymous_name, group_label, group_index,
			 is_active, is_muted, last_read_at, unread_count, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, false, $8, 0, $8)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			is_active      = true,
			role           = EXCLUDED.role,
			display_name   = COALESCE(EXCLUDED.display_name, chat_room_members.display_name),
			anonymous_name = COALESCE(EXCLUDED.anonymous_name, chat_room_members.anonymous_name),
			group_label    = COALESCE(EXCLUDED.group_label, chat_room_members.group_label),
			group_index    = COALESCE(EXCLUDED.group_index, chat_room_members.group_index),
			last_read_at   = EXCLUDED.last_read_at,
			unread_count   = 0,
			joined_at      = EXCLUDED.joined_at`,
		m.RoomID, m.UserID, m.Role, m.DisplayName, m.AnonymousName, m.GroupLabel, m.GroupIndex, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *RoomStore) Create(ctx context.Context, room *models.Room, members []models.Member) (*models.Room, error) {
	meta, err := jsonParam(room.Metadata)
	if err != nil {
		return nil, err
	}

	var created *models.Room
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO chat_rooms (room_type, name, description, metadata, display_mode, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, true, $6, $6)
			RETURNING `+roomColumns,
			room.Type, room.Name, room.Description, meta, room.DisplayMode, room.CreatedAt,
		)
		r, err := scanRoom(row)
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		for _, m := range members {
			m.RoomID = r.ID
			if m.JoinedAt.IsZero() {
				m.JoinedAt = r.CreatedAt
			}
			if err := insertMember(ctx, tx, m); err != nil {
				return err
			}
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func directKey(pair [2]uuid.UUID) string {
	return pair[0].String() + ":" + pair[1].String()
}

func (s *RoomStore) GetOrCreateDirect(ctx context.Context, pair [2]uuid.UUID, now time.Time) (*models.Room, bool, error) {
	meta, err := jsonParam(models.RoomMetadata{Participants: pair[:]})
	if err != nil {
		return nil, false, err
	}
	key := directKey(pair)

	var room *models.Room
	var created bool
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Two racing creators both reach the insert; the unique direct_key
		// lets exactly one of them through.
		row := tx.QueryRow(ctx, `
			INSERT INTO chat_rooms (room_type, metadata, display_mode, direct_key, created_at, updated_at)
			VALUES ('direct', $1::jsonb, 'open', $2, $3, $3)
			ON CONFLICT (direct_key) DO NOTHING
			RETURNING `+roomColumns,
			meta, key, now,
		)
		r, err := scanRoom(row)
		if errors.Is(err, pgx.ErrNoRows) {
			row = tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE direct_key = $1`, key)
			r, err = scanRoom(row)
			if err != nil {
				return fmt.Errorf("get direct room: %w", err)
			}
			room = r
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert direct room: %w", err)
		}
		for _, uid := range pair {
			if err := insertMember(ctx, tx, models.Member{
				RoomID:   r.ID,
				UserID:   uid,
				Role:     models.RoleMember,
				JoinedAt: now,
			}); err != nil {
				return err
			}
		}
		room, created = r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return room, created, nil
}

func (s *RoomStore) GetByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1`, roomID)
	r, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

// GetByProposal returns the matching room materialized for proposalID.
func (s *RoomStore) GetByProposal(ctx context.Context, proposalID uuid.UUID) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM chat_rooms
		WHERE room_type = 'matching' AND metadata->>'proposal_id' = $1
		ORDER BY created_at
		LIMIT 1`, proposalID.String())
	r, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get room by proposal: %w", err)
	}
	return r, nil
}

func (s *RoomStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.RoomSummary, error) {
	query := `
		SELECT r.id, r.room_type, r.name, r.description, r.metadata, r.display_mode, r.is_active,
		       r.invitation_code, r.invitation_expires_at, r.invitation_max_uses, r.invitation_use_count,
		       r.created_at, r.updated_at, r.last_message_at,
		       m.role, m.unread_count,
		       (SELECT count(*) FROM chat_room_members x WHERE x.room_id = r.id AND x.is_active)::int
		FROM chat_rooms r
		JOIN chat_room_members m ON m.room_id = r.id
		WHERE m.user_id = $1 AND m.is_active AND r.is_active
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.id`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]models.RoomSummary, 0)
	for rows.Next() {
		var sum models.RoomSummary
		r, err := scanRoom(rows, &sum.Role, &sum.UnreadCount, &sum.MemberCount)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		sum.Room = *r
		rooms = append(rooms, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

func (s *RoomStore) SetInvitation(ctx context.Context, roomID uuid.UUID, code string, expiresAt *time.Time, maxUses *int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_rooms
		SET invitation_code = $2, invitation_expires_at = $3, invitation_max_uses = $4,
		    invitation_use_count = 0, updated_at = now()
		WHERE id = $1`,
		roomID, code, expiresAt, maxUses,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return repository.ErrDuplicateInvitationCode
		}
		return fmt.Errorf("set invitation: %w", err)
	}
	return nil
}

func (s *RoomStore) JoinByInvitation(ctx context.Context, code string, userID uuid.UUID, now time.Time) (*models.Room, repository.JoinOutcome, error) {
	var room *models.Room
	outcome := repository.JoinInvalidCode

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock serializes joiners so use_count never passes max_uses.
		row := tx.QueryRow(ctx, `
			SELECT `+roomColumns+` FROM chat_rooms
			WHERE invitation_code = $1 AND is_active
			FOR UPDATE`, code)
		r, err := scanRoom(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock room by invitation: %w", err)
		}
		room = r

		var active bool
		err = tx.QueryRow(ctx,
			`SELECT is_active FROM chat_room_members WHERE room_id = $1 AND user_id = $2`,
			r.ID, userID,
		).Scan(&active)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("get member: %w", err)
		}
		if active {
			outcome = repository.JoinAlreadyMember
			return nil
		}

		switch r.Invitation().State(now) {
		case models.InvitationExpired:
			outcome = repository.JoinExpired
			return nil
		case models.InvitationExhausted:
			outcome = repository.JoinExhausted
			return nil
		}

		if err := insertMember(ctx, tx, models.Member{
			RoomID:   r.ID,
			UserID:   userID,
			Role:     models.RoleMember,
			JoinedAt: now,
		}); err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			UPDATE chat_rooms SET invitation_use_count = invitation_use_count + 1, updated_at = $2
			WHERE id = $1
			RETURNING invitation_use_count, updated_at`,
			r.ID, now,
		).Scan(&room.InvitationUseCount, &room.UpdatedAt)
		if err != nil {
			return fmt.Errorf("consume invitation: %w", err)
		}
		outcome = repository.JoinAdded
		return nil
	})
	if err != nil {
		return nil, repository.JoinInvalidCode, err
	}
	return room, outcome, nil
}

func (s *RoomStore) UpdateTimerSettings(ctx context.Context, roomID uuid.UUID, settings models.TimerSettings) error {
	raw, err := jsonParam(settings)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE chat_rooms
		SET metadata = jsonb_set(metadata, '{timer}', $2::jsonb), updated_at = now()
		WHERE id = $1`,
		roomID, raw,
	)
	if err != nil {
		return fmt.Errorf("update timer settings: %w", err)
	}
	return nil
}
