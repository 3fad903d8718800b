package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/auth"
	"github.com/lalith-99/studyhub/internal/hub"
	"github.com/lalith-99/studyhub/internal/middleware"
	"github.com/lalith-99/studyhub/internal/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FrameHandler is one domain's share of inbound socket frames.
type FrameHandler interface {
	hub.Handler
	Handles(frameType string) bool
}

// FrameRouter sends each inbound frame to the domain that owns its type.
// It is the hub's Handler.
type FrameRouter struct {
	routes []FrameHandler
}

func NewFrameRouter(routes ...FrameHandler) *FrameRouter {
	return &FrameRouter{routes: routes}
}

func (r *FrameRouter) HandleFrame(ctx context.Context, c *hub.Client, f hub.Frame) error {
	for _, route := range r.routes {
		if route.Handles(f.Type) {
			return route.HandleFrame(ctx, c, f)
		}
	}
	return apperr.InvalidInput("unsupported frame type %q", f.Type)
}

// Handles adapts a package-level Handles func plus a service into a
// FrameHandler.
func Handles(handles func(string) bool, h hub.Handler) FrameHandler {
	return routeFunc{handles: handles, Handler: h}
}

type routeFunc struct {
	handles func(string) bool
	hub.Handler
}

func (r routeFunc) Handles(frameType string) bool { return r.handles(frameType) }

// SocketHandler upgrades websocket requests and hands them to the hub.
type SocketHandler struct {
	hub        *hub.Hub
	authorizer hub.RoomAuthorizer
	secret     string
	logger     *zap.Logger
}

func NewSocketHandler(h *hub.Hub, authorizer hub.RoomAuthorizer, secret string, logger *zap.Logger) *SocketHandler {
	return &SocketHandler{hub: h, authorizer: authorizer, secret: secret, logger: logger.Named("ws")}
}

// admit upgrades the request and validates its token. A bad token closes
// the fresh socket with 1008.
func (h *SocketHandler) admit(c *gin.Context) (*websocket.Conn, uuid.UUID, bool) {
	conn, err := hub.Upgrade(c.Writer, c.Request)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil, uuid.Nil, false
	}
	userID, err := auth.ParseToken(middleware.TokenFrom(c), h.secret)
	if err != nil {
		hub.Reject(conn, websocket.ClosePolicyViolation, "invalid token")
		return nil, uuid.Nil, false
	}
	return conn, userID, true
}

// Room handles GET /ws/rooms/:id?token=...
//
// The socket starts attached to the room; further join_room frames may
// add more rooms. Non-members are closed with 1008.
func (h *SocketHandler) Room(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	ctx, span := otel.Tracer("github.com/lalith-99/studyhub/internal/api").Start(c.Request.Context(), "ws.handshake")
	span.SetAttributes(attribute.String("room_id", roomID.String()))

	conn, userID, ok := h.admit(c)
	if !ok {
		span.End()
		return
	}
	if h.authorizer != nil {
		if err := h.authorizer.AuthorizeRoom(ctx, userID, roomID); err != nil {
			span.RecordError(err)
			span.End()
			code := websocket.ClosePolicyViolation
			if apperr.Is(err, apperr.KindTransient) || apperr.KindOf(err) == apperr.KindFatal {
				code = websocket.CloseInternalServerErr
			}
			hub.Reject(conn, code, apperr.PublicMessage(err))
			return
		}
	}
	span.End()

	h.hub.Serve(conn, userID, hub.KindRoom, []string{relay.RoomKey(roomID)}, &hub.Frame{
		Type:   hub.TypeJoined,
		RoomID: roomID.String(),
	})
}

// Notifications handles GET /ws/notifications?token=...
//
// The socket receives the user's own notifications and every
// presence_update in the cluster.
func (h *SocketHandler) Notifications(c *gin.Context) {
	conn, userID, ok := h.admit(c)
	if !ok {
		return
	}
	keys := []string{relay.UserKey(userID), relay.PresenceKey}
	h.hub.Serve(conn, userID, hub.KindNotification, keys, &hub.Frame{
		Type:    hub.TypeConnected,
		UserID:  userID.String(),
		Message: "connected to notifications",
	})
}
