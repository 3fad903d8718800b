package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/chat"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/models"
	"go.uber.org/zap"
)

// RoomService is the part of *chat.Service the room routes use.
type RoomService interface {
	ListRooms(ctx context.Context, userID uuid.UUID) ([]models.RoomSummary, error)
	CreateDirect(ctx context.Context, userID, otherID uuid.UUID) (*models.RoomDetail, error)
	CreateTeam(ctx context.Context, creatorID uuid.UUID, in chat.TeamRoomInput) (*models.RoomDetail, error)
	GetRoom(ctx context.Context, userID, roomID uuid.UUID) (*models.RoomDetail, error)
	UpdateTimerSettings(ctx context.Context, userID, roomID uuid.UUID, settings models.TimerSettings) error
}

// RoomHandler serves /rooms.
type RoomHandler struct {
	rooms  RoomService
	logger *zap.Logger
}

func NewRoomHandler(rooms RoomService, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, logger: logger}
}

// List handles GET /rooms, most recent activity first.
func (h *RoomHandler) List(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

type createDirectRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// CreateDirect handles POST /rooms/direct. Asking twice for the same pair
// returns the same room with 200 instead of 201.
func (h *RoomHandler) CreateDirect(c *gin.Context) {
	var req createDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	room, err := h.rooms.CreateDirect(c.Request.Context(), middleware.GetUserID(c), req.UserID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type createTeamRequest struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	MemberIDs   []uuid.UUID `json:"member_ids"`
}

// CreateTeam handles POST /rooms/team.
func (h *RoomHandler) CreateTeam(c *gin.Context) {
	var req createTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	room, err := h.rooms.CreateTeam(c.Request.Context(), middleware.GetUserID(c), chat.TeamRoomInput{
		Name:        req.Name,
		Description: req.Description,
		MemberIDs:   req.MemberIDs,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// Get handles GET /rooms/:id.
func (h *RoomHandler) Get(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	room, err := h.rooms.GetRoom(c.Request.Context(), middleware.GetUserID(c), roomID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// UpdateTimerSettings handles PUT /rooms/:id/timer/settings.
func (h *RoomHandler) UpdateTimerSettings(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.TimerSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.rooms.UpdateTimerSettings(c.Request.Context(), middleware.GetUserID(c), roomID, req); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, req)
}
