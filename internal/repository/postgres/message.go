package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/studyhub/internal/models"
)

const messageColumns = `id, room_id, sender_id, content, message_type, attachments, parent_message_id,
	thread_count, reactions, is_edited, is_deleted, created_at, updated_at, deleted_at`

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var attachments, reactions []byte
	err := row.Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.SenderID,
		&msg.Content,
		&msg.Type,
		&attachments,
		&msg.ParentMessageID,
		&msg.ThreadCount,
		&reactions,
		&msg.IsEdited,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(attachments, &msg.Attachments); err != nil {
		return nil, err
	}
	if err := decodeJSON(reactions, &msg.Reactions); err != nil {
		return nil, err
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *MessageStore) Create(ctx context.Context, msg *models.Message) (*models.Message, error) {
	attachments, err := jsonParam(msg.Attachments)
	if err != nil {
		return nil, err
	}

	var created *models.Message
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// created_at comes from clock_timestamp() so that messages in one
		// room are strictly ordered even within a single transaction.
		row := tx.QueryRow(ctx, `
			INSERT INTO chat_messages (room_id, sender_id, content, message_type, attachments, parent_message_id)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)
			RETURNING `+messageColumns,
			msg.RoomID, msg.SenderID, msg.Content, msg.Type, attachments, msg.ParentMessageID,
		)
		m, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if m.ParentMessageID != nil {
			_, err := tx.Exec(ctx,
				`UPDATE chat_messages SET thread_count = thread_count + 1 WHERE id = $1`,
				*m.ParentMessageID,
			)
			if err != nil {
				return fmt.Errorf("bump thread count: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE chat_rooms SET last_message_at = $2, updated_at = $2 WHERE id = $1`,
			m.RoomID, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("touch room: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE chat_room_members SET unread_count = unread_count + 1
			WHERE room_id = $1 AND is_active AND user_id <> $2`,
			m.RoomID, m.SenderID,
		)
		if err != nil {
			return fmt.Errorf("bump unread counts: %w", err)
		}

		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) List(ctx context.Context, roomID uuid.UUID, limit int, before *time.Time) ([]models.Message, error) {
	// The inner query takes the newest page below the cursor; the outer one
	// flips it back to chronological order for the client.
	var query string
	var args []any

	if before != nil {
		query = `
			SELECT * FROM (
				SELECT ` + messageColumns + ` FROM chat_messages
				WHERE room_id = $1 AND created_at < $2
				ORDER BY created_at DESC, id DESC
				LIMIT $3
			) page ORDER BY created_at, id`
		args = []any{roomID, *before, limit}
	} else {
		query = `
			SELECT * FROM (
				SELECT ` + messageColumns + ` FROM chat_messages
				WHERE room_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			) page ORDER BY created_at, id`
		args = []any{roomID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *MessageStore) Search(ctx context.Context, roomID uuid.UUID, query string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE room_id = $1 AND NOT is_deleted AND content ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		roomID, likeEscaper.Replace(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return collectMessages(rows)
}

// UpdateContent keeps updated_at strictly after created_at even when the
// caller's clock lags the database's.
func (s *MessageStore) UpdateContent(ctx context.Context, messageID uuid.UUID, content string, now time.Time) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE chat_messages
		SET content = $2, is_edited = true,
		    updated_at = GREATEST($3, created_at + interval '1 microsecond')
		WHERE id = $1 AND NOT is_deleted
		RETURNING `+messageColumns,
		messageID, content, now,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, messageID uuid.UUID, now time.Time) (*models.Message, error) {
	var deleted *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE chat_messages
			SET is_deleted = true, deleted_at = $2,
			    updated_at = GREATEST($2, created_at + interval '1 microsecond')
			WHERE id = $1 AND NOT is_deleted
			RETURNING `+messageColumns,
			messageID, now,
		)
		msg, err := scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already deleted, or never existed.
			row = tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, messageID)
			msg, err = scanMessage(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get message: %w", err)
			}
			deleted = msg
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE chat_room_members
			SET unread_count = unread_count - 1
			WHERE room_id = $1 AND is_active AND user_id <> $2 AND unread_count > 0
			  AND (last_read_at IS NULL OR last_read_at < $3)`,
			msg.RoomID, msg.SenderID, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("release unread counts: %w", err)
		}
		deleted = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *MessageStore) UpdateReactions(ctx context.Context, messageID uuid.UUID, fn func(models.Reactions) (models.Reactions, bool)) (*models.Message, error) {
	var updated *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1 FOR UPDATE`, messageID)
		msg, err := scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock message: %w", err)
		}

		next, changed := fn(msg.Reactions)
		if !changed {
			updated = msg
			return nil
		}
		raw, err := jsonParam(next)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE chat_messages SET reactions = $2::jsonb WHERE id = $1`, messageID, raw)
		if err != nil {
			return fmt.Errorf("update reactions: %w", err)
		}
		msg.Reactions = next
		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
