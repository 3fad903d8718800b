package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/matching"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.uber.org/zap"
)

// MatchingService is what the matching routes need from *matching.Engine.
type MatchingService interface {
	CreatePool(ctx context.Context, creatorID uuid.UUID, in matching.PoolInput) (*models.MatchingPool, error)
	MyPool(ctx context.Context, userID uuid.UUID) (*models.MatchingPool, error)
	GetPool(ctx context.Context, userID, poolID uuid.UUID) (*models.MatchingPool, error)
	CancelPool(ctx context.Context, userID, poolID uuid.UUID) (*models.MatchingPool, error)
	MyProposals(ctx context.Context, userID uuid.UUID) ([]models.MatchingProposal, error)
	Respond(ctx context.Context, userID, proposalID uuid.UUID, accept bool) (*models.MatchingProposal, error)
	Stats(ctx context.Context) (*matching.Stats, error)
	History(ctx context.Context, window string) ([]repository.HistoryPoint, error)
}

// PassRunner triggers a matching pass under the cluster lock.
type PassRunner interface {
	RunOnce(ctx context.Context) (*matching.PassResult, error)
}

type MatchingHandler struct {
	engine MatchingService
	runner PassRunner
	logger *zap.Logger
}

func NewMatchingHandler(engine MatchingService, runner PassRunner, logger *zap.Logger) *MatchingHandler {
	return &MatchingHandler{engine: engine, runner: runner, logger: logger}
}

type createPoolRequest struct {
	MemberIDs           []uuid.UUID            `json:"member_ids"`
	PreferredMatchType  models.MatchPreference `json:"preferred_match_type"`
	PreferredCategories []string               `json:"preferred_categories"`
	MatchingType        models.DisplayMode     `json:"matching_type"`
	Message             *string                `json:"message"`
}

// CreatePool handles POST /matching/pools. The caller is the creator and
// is added to the members.
func (h *MatchingHandler) CreatePool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	pool, err := h.engine.CreatePool(c.Request.Context(), middleware.GetUserID(c), matching.PoolInput{
		MemberIDs:           req.MemberIDs,
		PreferredMatchType:  req.PreferredMatchType,
		PreferredCategories: req.PreferredCategories,
		MatchingType:        req.MatchingType,
		Message:             req.Message,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, pool)
}

// MyPool handles GET /matching/pools/me.
func (h *MatchingHandler) MyPool(c *gin.Context) {
	pool, err := h.engine.MyPool(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// GetPool handles GET /matching/pools/:id.
func (h *MatchingHandler) GetPool(c *gin.Context) {
	poolID, ok := pathID(c, "id")
	if !ok {
		return
	}
	pool, err := h.engine.GetPool(c.Request.Context(), middleware.GetUserID(c), poolID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// CancelPool handles DELETE /matching/pools/:id.
func (h *MatchingHandler) CancelPool(c *gin.Context) {
	poolID, ok := pathID(c, "id")
	if !ok {
		return
	}
	pool, err := h.engine.CancelPool(c.Request.Context(), middleware.GetUserID(c), poolID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// Proposals handles GET /matching/proposals.
func (h *MatchingHandler) Proposals(c *gin.Context) {
	proposals, err := h.engine.MyProposals(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, proposals)
}

type respondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// Respond handles POST /matching/proposals/:id/respond.
func (h *MatchingHandler) Respond(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.engine.Respond(c.Request.Context(), middleware.GetUserID(c), proposalID, *req.Accept)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Stats handles GET /matching/stats.
func (h *MatchingHandler) Stats(c *gin.Context) {
	st, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// History handles GET /matching/stats/history?window=daily|weekly|monthly.
func (h *MatchingHandler) History(c *gin.Context) {
	points, err := h.engine.History(c.Request.Context(), c.DefaultQuery("window", "daily"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

// Run handles POST /matching/run. It answers 409 when a pass is already
// running somewhere in the cluster.
func (h *MatchingHandler) Run(c *gin.Context) {
	res, err := h.runner.RunOnce(c.Request.Context())
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
