package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	maxAttachments  = 10
	maxEmojiLength  = 32
)

// SendInput is one message to post.
type SendInput struct {
	RoomID          uuid.UUID
	SenderID        uuid.UUID
	Content         string
	Type            models.MessageType
	Attachments     []string
	ParentMessageID *uuid.UUID
}

// Send stores a message and then broadcasts it to the room. The broadcast
// is best effort; the stored message is the source of truth.
func (s *Service) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() || in.Type == models.MessageSystem {
		return nil, apperr.InvalidInput("unsupported message type %q", in.Type)
	}
	if err := s.validateContent(in.Content); err != nil {
		return nil, err
	}
	if len(in.Attachments) > maxAttachments {
		return nil, apperr.InvalidInput("at most %d attachments per message", maxAttachments)
	}
	room, _, err := s.requireMember(ctx, in.RoomID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if in.ParentMessageID != nil {
		parent, err := s.messages.GetByID(ctx, *in.ParentMessageID)
		if err != nil {
			return nil, apperr.Transient(err, "load parent message")
		}
		if parent == nil || parent.RoomID != in.RoomID {
			return nil, apperr.InvalidInput("parent message is not in this room")
		}
	}

	msg, err := s.messages.Create(ctx, &models.Message{
		RoomID:          in.RoomID,
		SenderID:        in.SenderID,
		Content:         in.Content,
		Type:            in.Type,
		Attachments:     in.Attachments,
		ParentMessageID: in.ParentMessageID,
	})
	if err != nil {
		return nil, apperr.Transient(err, "store message")
	}
	s.emitMessage(ctx, room, EventMessage, msg)
	return msg, nil
}

// Edit replaces the content of the caller's own message.
func (s *Service) Edit(ctx context.Context, userID, messageID uuid.UUID, content string) (*models.Message, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	msg, room, err := s.ownMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, apperr.InvalidState("", "deleted", "edit")
	}
	updated, err := s.messages.UpdateContent(ctx, messageID, content, s.clock.Now())
	if err != nil {
		return nil, apperr.Transient(err, "edit message")
	}
	if updated == nil {
		return nil, apperr.NotFound("message not found")
	}
	s.emitMessage(ctx, room, EventMessageUpdated, updated)
	return updated, nil
}

// Delete tombstones the caller's own message. Deleting twice is a no-op.
func (s *Service) Delete(ctx context.Context, userID, messageID uuid.UUID) error {
	msg, _, err := s.ownMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return nil
	}
	deleted, err := s.messages.SoftDelete(ctx, messageID, s.clock.Now())
	if err != nil {
		return apperr.Transient(err, "delete message")
	}
	if deleted == nil {
		return apperr.NotFound("message not found")
	}
	s.emitRoom(ctx, deleted.RoomID, EventMessageDeleted, deletedEvent{MessageID: deleted.ID})
	return nil
}

type deletedEvent struct {
	MessageID uuid.UUID `json:"message_id"`
}

// ownMessage loads a message the caller sent into a room they still belong to.
func (s *Service) ownMessage(ctx context.Context, userID, messageID uuid.UUID) (*models.Message, *models.Room, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, apperr.Transient(err, "load message")
	}
	if msg == nil {
		return nil, nil, apperr.NotFound("message not found")
	}
	if msg.SenderID != userID {
		return nil, nil, apperr.Unauthorized("only the sender can change this message")
	}
	room, _, err := s.requireMember(ctx, msg.RoomID, userID)
	if err != nil {
		return nil, nil, err
	}
	return msg, room, nil
}

// emitMessage broadcasts msg to its room. In blind rooms every socket gets
// the anonymous view. When the labels cannot be loaded nothing is sent.
func (s *Service) emitMessage(ctx context.Context, room *models.Room, eventType string, msg *models.Message) {
	k, err := s.maskerFor(ctx, room)
	if err != nil {
		s.logger.Warn("skip blind broadcast", zap.String("room_id", room.ID.String()), zap.Error(err))
		return
	}
	s.emitRoom(ctx, room.ID, eventType, k.message(ctx, msg, uuid.Nil))
}

// AddReaction records the caller reacting with emoji. Reacting twice is
// the same as reacting once.
func (s *Service) AddReaction(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*models.Message, error) {
	return s.react(ctx, userID, messageID, emoji, models.Reactions.Add)
}

// RemoveReaction withdraws the caller's emoji. Removing twice is the same
// as removing once.
func (s *Service) RemoveReaction(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*models.Message, error) {
	return s.react(ctx, userID, messageID, emoji, models.Reactions.Remove)
}

func (s *Service) react(ctx context.Context, userID, messageID uuid.UUID, emoji string,
	op func(models.Reactions, string, uuid.UUID) (models.Reactions, bool),
) (*models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return nil, apperr.InvalidInput("emoji must be 1 to %d characters", maxEmojiLength)
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, apperr.Transient(err, "load message")
	}
	if msg == nil {
		return nil, apperr.NotFound("message not found")
	}
	room, _, err := s.requireMember(ctx, msg.RoomID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, apperr.InvalidState("", "deleted", "react")
	}

	changed := false
	updated, err := s.messages.UpdateReactions(ctx, messageID, func(rs models.Reactions) (models.Reactions, bool) {
		out, ok := op(rs, emoji, userID)
		changed = ok
		return out, ok
	})
	if err != nil {
		return nil, apperr.Transient(err, "update reactions")
	}
	if updated == nil {
		return nil, apperr.NotFound("message not found")
	}
	k, err := s.maskerFor(ctx, room)
	if err != nil {
		return nil, err
	}
	if changed {
		s.emitRoom(ctx, updated.RoomID, EventReactionUpdated, reactionEvent{
			MessageID: updated.ID,
			Reactions: k.reactions(updated.Reactions, uuid.Nil),
		})
	}
	return k.message(ctx, updated, userID), nil
}

type reactionEvent struct {
	MessageID uuid.UUID        `json:"message_id"`
	Reactions models.Reactions `json:"reactions"`
}

// MarkRead moves the caller's read cursor to now and clears the unread count.
func (s *Service) MarkRead(ctx context.Context, userID, roomID uuid.UUID) error {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return err
	}
	if err := s.members.MarkRead(ctx, roomID, userID); err != nil {
		return apperr.Transient(err, "mark read")
	}
	return nil
}

// UnreadCount recomputes the caller's unread count from the messages
// themselves and refreshes the cached counter.
func (s *Service) UnreadCount(ctx context.Context, userID, roomID uuid.UUID) (int, error) {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return 0, err
	}
	n, err := s.members.CountUnread(ctx, roomID, userID)
	if err != nil {
		return 0, apperr.Transient(err, "count unread")
	}
	return n, nil
}

// GetMessages returns up to limit messages created before before, oldest
// first. Deleted messages keep their place with content stripped.
func (s *Service) GetMessages(ctx context.Context, userID, roomID uuid.UUID, limit int, before *time.Time) ([]models.Message, error) {
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}
	room, _, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.List(ctx, roomID, limit, before)
	if err != nil {
		return nil, apperr.Transient(err, "list messages")
	}
	k, err := s.maskerFor(ctx, room)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Redacted()
	}
	return k.messages(ctx, out, userID), nil
}

// Search finds non-deleted messages containing query, newest first.
func (s *Service) Search(ctx context.Context, userID, roomID uuid.UUID, query string, limit int) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.InvalidInput("query is required")
	}
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}
	room, _, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.Search(ctx, roomID, query, limit)
	if err != nil {
		return nil, apperr.Transient(err, "search messages")
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	k, err := s.maskerFor(ctx, room)
	if err != nil {
		return nil, err
	}
	return k.messages(ctx, msgs, userID), nil
}

func (s *Service) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.InvalidInput("content must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > s.maxMessageLength {
		return apperr.InvalidInput("content exceeds %d characters", s.maxMessageLength)
	}
	return nil
}

// pageSize applies the default and rejects limits outside [1, MaxPageSize].
func pageSize(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultPageSize, nil
	case limit < 0 || limit > MaxPageSize:
		return 0, apperr.InvalidInput("limit must be between 1 and %d", MaxPageSize)
	}
	return limit, nil
}
