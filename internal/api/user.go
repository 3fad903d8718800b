package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.uber.org/zap"
)

// PresenceService is what the user routes need from *presence.Service.
type PresenceService interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Presence, error)
	SetStatus(ctx context.Context, userID uuid.UUID, msg *string) (*models.Presence, error)
	FriendsOnline(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// UserHandler serves the caller's own profile and presence.
type UserHandler struct {
	users    repository.UserDirectory
	presence PresenceService
	logger   *zap.Logger
}

func NewUserHandler(users repository.UserDirectory, presence PresenceService, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, presence: presence, logger: logger}
}

// GetMe handles GET /users/me.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.users.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}
	// The token is valid but the account service has no profile for it.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	p, err := h.presence.Get(c.Request.Context(), userID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "presence": p})
}

// GetPresence handles GET /presence/:userId.
func (h *UserHandler) GetPresence(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	p, err := h.presence.Get(c.Request.Context(), userID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type statusRequest struct {
	StatusMessage *string `json:"status_message"`
}

// SetStatus handles PUT /presence/status. A null message clears it.
func (h *UserHandler) SetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.presence.SetStatus(c.Request.Context(), middleware.GetUserID(c), req.StatusMessage)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// FriendsOnline handles GET /presence/friends.
func (h *UserHandler) FriendsOnline(c *gin.Context) {
	ids, err := h.presence.FriendsOnline(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": ids})
}
