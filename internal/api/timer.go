package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/timer"
	"go.uber.org/zap"
)

// TimerService is what the timer routes need from *timer.Service.
type TimerService interface {
	Get(ctx context.Context, userID, roomID uuid.UUID) (*models.Timer, error)
	Do(ctx context.Context, userID, roomID uuid.UUID, action timer.Action) (*models.Timer, error)
}

type TimerHandler struct {
	timers TimerService
	logger *zap.Logger
}

func NewTimerHandler(timers TimerService, logger *zap.Logger) *TimerHandler {
	return &TimerHandler{timers: timers, logger: logger}
}

// Get handles GET /rooms/:id/timer.
func (h *TimerHandler) Get(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := h.timers.Get(c.Request.Context(), middleware.GetUserID(c), roomID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Action returns the handler for POST /rooms/:id/timer/<action>.
func (h *TimerHandler) Action(action timer.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID, ok := pathID(c, "id")
		if !ok {
			return
		}
		t, err := h.timers.Do(c.Request.Context(), middleware.GetUserID(c), roomID, action)
		if err != nil {
			fail(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
