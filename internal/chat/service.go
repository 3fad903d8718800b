// Package chat owns rooms, memberships, messages and invitations.
//
// Every mutation is persisted through the repositories first. Fan-out to
// sockets happens afterwards through the Emitter, so a failed publish never
// loses a message: clients recover it with GetMessages on reconnect.
package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.uber.org/zap"
)

// Room event types broadcast on room keys.
const (
	EventMessage         = "message"
	EventMessageUpdated  = "message_updated"
	EventMessageDeleted  = "message_deleted"
	EventReactionUpdated = "reaction_updated"
	EventMemberJoined    = "member_joined"
	EventMemberLeft      = "member_left"
	EventMemberUpdated   = "member_updated"
	EventRoomUpdated     = "room_updated"

	// EventNotification is the frame type on user keys.
	EventNotification = "notification"
)

// Emitter fans an event out to every socket attached to key. *hub.Hub
// implements it.
type Emitter interface {
	Emit(ctx context.Context, key, eventType string, data any)
}

// Exporter hands domain events to external collaborators.
type Exporter interface {
	Export(ctx context.Context, routingKey string, data any)
}

// Deps are the collaborators of Service.
type Deps struct {
	Rooms    repository.RoomRepository
	Members  repository.MemberRepository
	Messages repository.MessageRepository
	Emitter  Emitter
	Exporter Exporter
	Clock    clock.Clock
}

type Service struct {
	rooms    repository.RoomRepository
	members  repository.MemberRepository
	messages repository.MessageRepository
	emitter  Emitter
	exporter Exporter
	clock    clock.Clock
	logger   *zap.Logger

	maxMessageLength int
	newCode          func() (string, error)
}

func NewService(d Deps, maxMessageLength int, logger *zap.Logger) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Service{
		rooms:            d.Rooms,
		members:          d.Members,
		messages:         d.Messages,
		emitter:          d.Emitter,
		exporter:         d.Exporter,
		clock:            d.Clock,
		logger:           logger.Named("chat"),
		maxMessageLength: maxMessageLength,
		newCode:          generateCode,
	}
}

// AuthorizeRoom lets a socket attach to a room only if the user is an
// active member.
func (s *Service) AuthorizeRoom(ctx context.Context, userID, roomID uuid.UUID) error {
	_, _, err := s.requireMember(ctx, roomID, userID)
	return err
}

// requireRoom loads an active room.
func (s *Service) requireRoom(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, apperr.Transient(err, "load room")
	}
	if room == nil || !room.IsActive {
		return nil, apperr.NotFound("room not found")
	}
	return room, nil
}

// requireMember loads the room and the caller's active membership.
func (s *Service) requireMember(ctx context.Context, roomID, userID uuid.UUID) (*models.Room, *models.Member, error) {
	room, err := s.requireRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.members.Get(ctx, roomID, userID)
	if err != nil {
		return nil, nil, apperr.Transient(err, "load membership")
	}
	if m == nil || !m.IsActive {
		return nil, nil, apperr.Unauthorized("not a member of this room")
	}
	return room, m, nil
}

func (s *Service) emitRoom(ctx context.Context, roomID uuid.UUID, eventType string, data any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, relay.RoomKey(roomID), eventType, data)
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, n models.Notification) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, relay.UserKey(userID), EventNotification, n)
}

func (s *Service) export(ctx context.Context, routingKey string, data any) {
	if s.exporter == nil {
		return
	}
	s.exporter.Export(ctx, routingKey, data)
}
