package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/observ"
	"github.com/lalith-99/studyhub/internal/timer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Pinger is a dependency the health check probes.
type Pinger func(ctx context.Context) error

// Handlers bundles everything the router mounts. Nil handlers leave their
// routes out.
type Handlers struct {
	Rooms      *RoomHandler
	Members    *MembershipHandler
	Messages   *MessageHandler
	Matching   *MatchingHandler
	Timers     *TimerHandler
	Users      *UserHandler
	Sockets    *SocketHandler
	Health     map[string]Pinger
	JWTSecret  string
	ServiceTag string
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(h Handlers, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observ.RequestLogger(logger), observ.HTTPMetricsMiddleware())
	if h.ServiceTag != "" {
		r.Use(otelgin.Middleware(h.ServiceTag))
	}

	// Health and metrics are public so load balancers and scrapers can
	// reach them without a token.
	r.GET("/health", health(h.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if h.Sockets != nil {
		r.GET("/ws/rooms/:id", h.Sockets.Room)
		r.GET("/ws/notifications", h.Sockets.Notifications)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(h.JWTSecret))

	if h.Rooms != nil {
		v1.GET("/rooms", h.Rooms.List)
		v1.POST("/rooms/direct", h.Rooms.CreateDirect)
		v1.POST("/rooms/team", h.Rooms.CreateTeam)
		v1.GET("/rooms/:id", h.Rooms.Get)
		v1.PUT("/rooms/:id/timer/settings", h.Rooms.UpdateTimerSettings)
	}
	if h.Members != nil {
		v1.POST("/rooms/join", h.Members.Join)
		v1.POST("/rooms/:id/leave", h.Members.Leave)
		v1.PUT("/rooms/:id/mute", h.Members.SetMuted)
		v1.PUT("/rooms/:id/members/:userId/role", h.Members.SetRole)
		v1.POST("/rooms/:id/invitation", h.Members.CreateInvitation)
	}
	if h.Messages != nil {
		v1.GET("/rooms/:id/messages", h.Messages.List)
		v1.POST("/rooms/:id/messages", h.Messages.Create)
		v1.GET("/rooms/:id/messages/search", h.Messages.Search)
		v1.POST("/rooms/:id/read", h.Messages.MarkRead)
		v1.GET("/rooms/:id/unread", h.Messages.Unread)
		v1.PATCH("/messages/:id", h.Messages.Edit)
		v1.DELETE("/messages/:id", h.Messages.Delete)
		v1.POST("/messages/:id/reactions", h.Messages.React)
		v1.DELETE("/messages/:id/reactions", h.Messages.Unreact)
	}
	if h.Timers != nil {
		v1.GET("/rooms/:id/timer", h.Timers.Get)
		v1.POST("/rooms/:id/timer/start", h.Timers.Action(timer.ActionStart))
		v1.POST("/rooms/:id/timer/pause", h.Timers.Action(timer.ActionPause))
		v1.POST("/rooms/:id/timer/reset", h.Timers.Action(timer.ActionReset))
		v1.POST("/rooms/:id/timer/complete", h.Timers.Action(timer.ActionComplete))
	}
	if h.Matching != nil {
		v1.POST("/matching/pools", h.Matching.CreatePool)
		v1.GET("/matching/pools/me", h.Matching.MyPool)
		v1.GET("/matching/pools/:id", h.Matching.GetPool)
		v1.DELETE("/matching/pools/:id", h.Matching.CancelPool)
		v1.GET("/matching/proposals", h.Matching.Proposals)
		v1.POST("/matching/proposals/:id/respond", h.Matching.Respond)
		v1.GET("/matching/stats", h.Matching.Stats)
		v1.GET("/matching/stats/history", h.Matching.History)
		v1.POST("/matching/run", h.Matching.Run)
	}
	if h.Users != nil {
		v1.GET("/users/me", h.Users.GetMe)
		v1.GET("/presence/friends", h.Users.FriendsOnline)
		v1.PUT("/presence/status", h.Users.SetStatus)
		v1.GET("/presence/:userId", h.Users.GetPresence)
	}

	logger.Debug("routes registered", zap.Int("count", len(r.Routes())))
	return r
}

// health answers 200 when every dependency pings within two seconds and
// 503 with the failing names otherwise.
func health(deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true
		for name, ping := range deps {
			if err := ping(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}
