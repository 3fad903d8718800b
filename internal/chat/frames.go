package chat

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/hub"
	"github.com/lalith-99/studyhub/internal/models"
)

// Inbound socket frame types handled by chat.
const (
	FrameSendMessage   = "send_message"
	FrameEditMessage   = "edit_message"
	FrameDeleteMessage = "delete_message"
	FrameMarkRead      = "mark_read"
	FrameReact         = "react"
	FrameUnreact       = "unreact"
)

// Handles reports whether frameType belongs to chat.
func Handles(frameType string) bool {
	switch frameType {
	case FrameSendMessage, FrameEditMessage, FrameDeleteMessage, FrameMarkRead, FrameReact, FrameUnreact:
		return true
	}
	return false
}

type sendFrame struct {
	Content         string             `json:"content"`
	Type            models.MessageType `json:"message_type"`
	Attachments     []string           `json:"attachments"`
	ParentMessageID *uuid.UUID         `json:"parent_message_id"`
}

type messageRef struct {
	MessageID uuid.UUID `json:"message_id"`
}

type editFrame struct {
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

type reactFrame struct {
	MessageID uuid.UUID `json:"message_id"`
	Emoji     string    `json:"emoji"`
}

// HandleFrame runs a chat action sent over a room socket. The socket must
// already be joined to the room it addresses.
func (s *Service) HandleFrame(ctx context.Context, c *hub.Client, f hub.Frame) error {
	roomID, err := c.JoinedRoom(f)
	if err != nil {
		return err
	}
	return s.handleRoomFrame(ctx, c.UserID(), roomID, f)
}

func (s *Service) handleRoomFrame(ctx context.Context, userID, roomID uuid.UUID, f hub.Frame) error {
	var err error
	switch f.Type {
	case FrameSendMessage:
		var in sendFrame
		if err := decodeData(f.Data, &in); err != nil {
			return err
		}
		_, err = s.Send(ctx, SendInput{
			RoomID:          roomID,
			SenderID:        userID,
			Content:         in.Content,
			Type:            in.Type,
			Attachments:     in.Attachments,
			ParentMessageID: in.ParentMessageID,
		})
		return err
	case FrameEditMessage:
		var in editFrame
		if err := decodeData(f.Data, &in); err != nil {
			return err
		}
		_, err = s.Edit(ctx, userID, in.MessageID, in.Content)
		return err
	case FrameDeleteMessage:
		var in messageRef
		if err := decodeData(f.Data, &in); err != nil {
			return err
		}
		return s.Delete(ctx, userID, in.MessageID)
	case FrameMarkRead:
		return s.MarkRead(ctx, userID, roomID)
	case FrameReact, FrameUnreact:
		var in reactFrame
		if err := decodeData(f.Data, &in); err != nil {
			return err
		}
		if f.Type == FrameReact {
			_, err = s.AddReaction(ctx, userID, in.MessageID, in.Emoji)
		} else {
			_, err = s.RemoveReaction(ctx, userID, in.MessageID, in.Emoji)
		}
		return err
	}
	return apperr.InvalidInput("unsupported frame type %q", f.Type)
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.InvalidInput("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.InvalidInput("data is malformed")
	}
	return nil
}
