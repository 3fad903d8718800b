package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/chat"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/models"
	"go.uber.org/zap"
)

// MessageService is the part of *chat.Service the message routes use.
type MessageService interface {
	GetMessages(ctx context.Context, userID, roomID uuid.UUID, limit int, before *time.Time) ([]models.Message, error)
	Send(ctx context.Context, in chat.SendInput) (*models.Message, error)
	Edit(ctx context.Context, userID, messageID uuid.UUID, content string) (*models.Message, error)
	Delete(ctx context.Context, userID, messageID uuid.UUID) error
	Search(ctx context.Context, userID, roomID uuid.UUID, query string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, userID, roomID uuid.UUID) error
	UnreadCount(ctx context.Context, userID, roomID uuid.UUID) (int, error)
	AddReaction(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*models.Message, error)
	RemoveReaction(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*models.Message, error)
}

type MessageHandler struct {
	messages MessageService
	logger   *zap.Logger
}

func NewMessageHandler(messages MessageService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: logger}
}

type createMessageRequest struct {
	Content         string             `json:"content"`
	MessageType     models.MessageType `json:"message_type"`
	Attachments     []string           `json:"attachments"`
	ParentMessageID *uuid.UUID         `json:"parent_message_id"`
}

// Create handles POST /rooms/:id/messages. The stored message is
// returned even if the broadcast to other sockets failed.
func (h *MessageHandler) Create(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), chat.SendInput{
		RoomID:          roomID,
		SenderID:        middleware.GetUserID(c),
		Content:         req.Content,
		Type:            req.MessageType,
		Attachments:     req.Attachments,
		ParentMessageID: req.ParentMessageID,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// List handles GET /rooms/:id/messages?before=<RFC3339>&limit=50.
//
// This is also how a client catches up after a reconnect: ask for
// everything before now and merge by id.
func (h *MessageHandler) List(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	before, ok := queryTime(c, "before")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	messages, err := h.messages.GetMessages(c.Request.Context(), middleware.GetUserID(c), roomID, limit, before)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// Search handles GET /rooms/:id/messages/search?q=...
func (h *MessageHandler) Search(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	messages, err := h.messages.Search(c.Request.Context(), middleware.GetUserID(c), roomID, c.Query("q"), limit)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Edit handles PATCH /messages/:id.
func (h *MessageHandler) Edit(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.messages.Edit(c.Request.Context(), middleware.GetUserID(c), messageID, req.Content)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Delete handles DELETE /messages/:id.
func (h *MessageHandler) Delete(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.messages.Delete(c.Request.Context(), middleware.GetUserID(c), messageID); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

// React handles POST /messages/:id/reactions.
func (h *MessageHandler) React(c *gin.Context) {
	h.reaction(c, h.messages.AddReaction)
}

// Unreact handles DELETE /messages/:id/reactions.
func (h *MessageHandler) Unreact(c *gin.Context) {
	h.reaction(c, h.messages.RemoveReaction)
}

func (h *MessageHandler) reaction(c *gin.Context, apply func(ctx context.Context, userID, messageID uuid.UUID, emoji string) (*models.Message, error)) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := apply(c.Request.Context(), middleware.GetUserID(c), messageID, req.Emoji)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// MarkRead handles POST /rooms/:id/read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.messages.MarkRead(c.Request.Context(), middleware.GetUserID(c), roomID); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Unread handles GET /rooms/:id/unread.
func (h *MessageHandler) Unread(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	n, err := h.messages.UnreadCount(c.Request.Context(), middleware.GetUserID(c), roomID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "unread_count": n})
}
