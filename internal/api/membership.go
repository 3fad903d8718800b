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

// MembershipService is the part of *chat.Service that changes who is in
// a room.
type MembershipService interface {
	Leave(ctx context.Context, userID, roomID uuid.UUID) error
	SetRole(ctx context.Context, actorID, roomID, targetID uuid.UUID, role models.Role) error
	SetMuted(ctx context.Context, userID, roomID uuid.UUID, muted bool) error
	CreateInvitation(ctx context.Context, userID, roomID uuid.UUID, in chat.InvitationInput) (*models.Invitation, error)
	JoinByCode(ctx context.Context, userID uuid.UUID, code string) (*models.RoomDetail, error)
}

// MembershipHandler serves membership and invitation routes.
type MembershipHandler struct {
	members MembershipService
	logger  *zap.Logger
}

func NewMembershipHandler(members MembershipService, logger *zap.Logger) *MembershipHandler {
	return &MembershipHandler{members: members, logger: logger}
}

// Leave handles POST /rooms/:id/leave.
func (h *MembershipHandler) Leave(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.members.Leave(c.Request.Context(), middleware.GetUserID(c), roomID); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setRoleRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

// SetRole handles PUT /rooms/:id/members/:userId/role.
func (h *MembershipHandler) SetRole(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.members.SetRole(c.Request.Context(), middleware.GetUserID(c), roomID, targetID, req.Role); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setMutedRequest struct {
	Muted bool `json:"muted"`
}

// SetMuted handles PUT /rooms/:id/mute for the caller's own membership.
func (h *MembershipHandler) SetMuted(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req setMutedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.members.SetMuted(c.Request.Context(), middleware.GetUserID(c), roomID, req.Muted); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createInvitationRequest struct {
	ExpiresInHours *int `json:"expires_in_hours"`
	MaxUses        *int `json:"max_uses"`
}

// CreateInvitation handles POST /rooms/:id/invitation. The previous code
// stops working.
func (h *MembershipHandler) CreateInvitation(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req createInvitationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	in := chat.InvitationInput{MaxUses: req.MaxUses}
	if req.ExpiresInHours != nil {
		d := time.Duration(*req.ExpiresInHours) * time.Hour
		in.ExpiresIn = &d
	}
	inv, err := h.members.CreateInvitation(c.Request.Context(), middleware.GetUserID(c), roomID, in)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

type joinRequest struct {
	Code string `json:"code" binding:"required"`
}

// Join handles POST /rooms/join.
func (h *MembershipHandler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	room, err := h.members.JoinByCode(c.Request.Context(), middleware.GetUserID(c), req.Code)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, room)
}
