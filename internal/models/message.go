package models

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Message is a single chat message. Deletes are soft: the row and its
// identifier survive so threads and reactions stay consistent.
type Message struct {
	ID              uuid.UUID   `json:"id"`
	RoomID          uuid.UUID   `json:"room_id"`
	SenderID        uuid.UUID   `json:"sender_id"`
	SenderName      *string     `json:"sender_name,omitempty"`
	Content         string      `json:"content"`
	Type            MessageType `json:"message_type"`
	Attachments     []string    `json:"attachments,omitempty"`
	ParentMessageID *uuid.UUID  `json:"parent_message_id,omitempty"`
	ThreadCount     int         `json:"thread_count"`
	Reactions       Reactions   `json:"reactions"`
	IsEdited        bool        `json:"is_edited"`
	IsDeleted       bool        `json:"is_deleted"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`
}

// Redacted returns the message with content and attachments stripped if
// it has been deleted. Non-deleted messages are returned unchanged.
func (m Message) Redacted() Message {
	if !m.IsDeleted {
		return m
	}
	m.Content = ""
	m.Attachments = nil
	m.Reactions = Reactions{}
	return m
}

// Anonymized returns the message as viewer sees it in a blind room. A
// sender other than viewer is replaced by name, and reactions list only
// the viewer's own id. Pass uuid.Nil to hide every id.
func (m Message) Anonymized(viewer uuid.UUID, name string) Message {
	if m.SenderID != viewer || viewer == uuid.Nil {
		m.SenderID = uuid.Nil
		m.SenderName = nil
		if name != "" {
			m.SenderName = &name
		}
	}
	m.Reactions = m.Reactions.Only(viewer)
	return m
}
