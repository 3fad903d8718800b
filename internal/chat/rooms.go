package chat

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/events"
	"github.com/lalith-99/studyhub/internal/models"
	"go.uber.org/zap"
)

const (
	maxRoomNameLength        = 100
	maxRoomDescriptionLength = 500
	maxTeamMembers           = 50
)

// CreateDirect returns the direct room between userID and otherID,
// creating it on first use. Repeated calls in either order return the
// same room.
func (s *Service) CreateDirect(ctx context.Context, userID, otherID uuid.UUID) (*models.RoomDetail, error) {
	if otherID == uuid.Nil {
		return nil, apperr.InvalidInput("other user is required")
	}
	if userID == otherID {
		return nil, apperr.InvalidInput("cannot open a direct room with yourself")
	}

	room, created, err := s.rooms.GetOrCreateDirect(ctx, models.DirectPair(userID, otherID), s.clock.Now())
	if err != nil {
		return nil, apperr.Transient(err, "open direct room")
	}
	detail, err := s.detail(ctx, room)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("direct room created", zap.String("room_id", room.ID.String()))
		s.notify(ctx, otherID, models.Notification{Kind: models.NotifyRoomAdded, Payload: room})
		s.export(ctx, events.RoomCreated, room)
	}
	return detail, nil
}

// TeamRoomInput describes a new team room.
type TeamRoomInput struct {
	Name        *string
	Description *string
	MemberIDs   []uuid.UUID
}

// CreateTeam creates a room owned by creatorID. Other listed users join
// as plain members.
func (s *Service) CreateTeam(ctx context.Context, creatorID uuid.UUID, in TeamRoomInput) (*models.RoomDetail, error) {
	name, err := optionalText(in.Name, "name", maxRoomNameLength)
	if err != nil {
		return nil, err
	}
	desc, err := optionalText(in.Description, "description", maxRoomDescriptionLength)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	members := []models.Member{{UserID: creatorID, Role: models.RoleOwner, JoinedAt: now}}
	seen := map[uuid.UUID]bool{creatorID: true}
	for _, id := range in.MemberIDs {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, models.Member{UserID: id, Role: models.RoleMember, JoinedAt: now})
	}
	if len(members) > maxTeamMembers {
		return nil, apperr.InvalidInput("a team room holds at most %d members", maxTeamMembers)
	}

	room, err := s.rooms.Create(ctx, &models.Room{
		Type:        models.RoomTeam,
		Name:        name,
		Description: desc,
		DisplayMode: models.DisplayOpen,
		CreatedAt:   now,
	}, members)
	if err != nil {
		return nil, apperr.Transient(err, "create team room")
	}
	s.logger.Info("team room created", zap.String("room_id", room.ID.String()), zap.Int("members", len(members)))

	for _, m := range members[1:] {
		s.notify(ctx, m.UserID, models.Notification{Kind: models.NotifyRoomAdded, Payload: room})
	}
	s.export(ctx, events.RoomCreated, room)
	return s.detail(ctx, room)
}

// CreateMatchingRoom materializes the room for a matched proposal. Group A
// members join first, then group B, each in pool order. In blind rooms
// every member gets an anonymous label such as "A1" or "B2". A room that
// already exists for the proposal is returned as is.
func (s *Service) CreateMatchingRoom(ctx context.Context, proposal *models.MatchingProposal, poolA, poolB *models.MatchingPool) (*models.Room, error) {
	existing, err := s.rooms.GetByProposal(ctx, proposal.ID)
	if err != nil {
		return nil, apperr.Transient(err, "look up matching room")
	}
	if existing != nil {
		return existing, nil
	}

	mode := models.DisplayOpen
	if poolA.MatchingType == models.DisplayBlind || poolB.MatchingType == models.DisplayBlind {
		mode = models.DisplayBlind
	}

	now := s.clock.Now()
	var members []models.Member
	for _, g := range []struct {
		label string
		pool  *models.MatchingPool
	}{{"A", poolA}, {"B", poolB}} {
		for i, userID := range g.pool.MemberIDs {
			label := g.label
			index := i + 1
			m := models.Member{
				UserID:     userID,
				Role:       models.RoleMember,
				GroupLabel: &label,
				GroupIndex: &index,
				JoinedAt:   now,
			}
			if mode == models.DisplayBlind {
				anon := label + strconv.Itoa(index)
				m.AnonymousName = &anon
			}
			members = append(members, m)
		}
	}

	name := "Study match"
	proposalID := proposal.ID
	room, err := s.rooms.Create(ctx, &models.Room{
		Type:        models.RoomMatching,
		Name:        &name,
		DisplayMode: mode,
		Metadata: models.RoomMetadata{
			GroupA:     snapshotOf(poolA),
			GroupB:     snapshotOf(poolB),
			ProposalID: &proposalID,
		},
		CreatedAt: now,
	}, members)
	if err != nil {
		return nil, apperr.Transient(err, "create matching room")
	}
	s.logger.Info("matching room created",
		zap.String("room_id", room.ID.String()),
		zap.String("proposal_id", proposal.ID.String()),
		zap.String("display_mode", string(mode)),
	)
	s.export(ctx, events.RoomCreated, room)
	return room, nil
}

func snapshotOf(p *models.MatchingPool) *models.GroupSnapshot {
	return &models.GroupSnapshot{
		PoolID:     p.ID,
		MemberIDs:  append([]uuid.UUID(nil), p.MemberIDs...),
		Department: p.Department,
		Grade:      p.Grade,
		Gender:     p.Gender,
	}
}

// ListRooms returns the user's active rooms, most recent activity first.
func (s *Service) ListRooms(ctx context.Context, userID uuid.UUID) ([]models.RoomSummary, error) {
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(err, "list rooms")
	}
	if rooms == nil {
		rooms = []models.RoomSummary{}
	}
	for i := range rooms {
		rooms[i].Room = maskSnapshots(rooms[i].Room)
	}
	return rooms, nil
}

// GetRoom returns the room with its active members as seen by userID.
func (s *Service) GetRoom(ctx context.Context, userID, roomID uuid.UUID) (*models.RoomDetail, error) {
	room, _, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	detail, err := s.detail(ctx, room)
	if err != nil {
		return nil, err
	}
	detail.Room = maskSnapshots(detail.Room)
	detail.Members = maskMembers(room, detail.Members, userID)
	return detail, nil
}

func (s *Service) detail(ctx context.Context, room *models.Room) (*models.RoomDetail, error) {
	members, err := s.members.ListActive(ctx, room.ID)
	if err != nil {
		return nil, apperr.Transient(err, "list members")
	}
	if members == nil {
		members = []models.Member{}
	}
	return &models.RoomDetail{Room: *room, Members: members}, nil
}

// maskMembers hides the identity of other members in blind rooms. The
// anonymous label takes the place of the display name.
func maskMembers(room *models.Room, members []models.Member, viewer uuid.UUID) []models.Member {
	if room.DisplayMode != models.DisplayBlind {
		return members
	}
	out := make([]models.Member, len(members))
	for i, m := range members {
		if m.UserID != viewer {
			m.UserID = uuid.Nil
			m.DisplayName = m.AnonymousName
		}
		out[i] = m
	}
	return out
}

// Leave deactivates the caller's membership. Their messages stay.
func (s *Service) Leave(ctx context.Context, userID, roomID uuid.UUID) error {
	room, m, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if err := s.members.Deactivate(ctx, roomID, userID); err != nil {
		return apperr.Transient(err, "leave room")
	}
	s.emitRoom(ctx, roomID, EventMemberLeft, memberEventOf(room, m))
	return nil
}

// SetRole changes another member's role. Only the owner may do this and
// ownership itself cannot be handed out.
func (s *Service) SetRole(ctx context.Context, actorID, roomID, targetID uuid.UUID, role models.Role) error {
	if role != models.RoleAdmin && role != models.RoleMember {
		return apperr.InvalidInput("role must be admin or member")
	}
	room, actor, err := s.requireMember(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if actor.Role != models.RoleOwner {
		return apperr.Unauthorized("only the owner can change roles")
	}
	if targetID == actorID {
		return apperr.InvalidInput("the owner cannot change their own role")
	}
	target, err := s.members.Get(ctx, roomID, targetID)
	if err != nil {
		return apperr.Transient(err, "load member")
	}
	if target == nil || !target.IsActive {
		return apperr.NotFound("member not found")
	}
	if target.Role == role {
		return nil
	}
	if err := s.members.SetRole(ctx, roomID, targetID, role); err != nil {
		return apperr.Transient(err, "set role")
	}
	ev := memberEventOf(room, target)
	ev.Role = role
	s.emitRoom(ctx, roomID, EventMemberUpdated, ev)
	return nil
}

// SetMuted mutes or unmutes the room for the caller.
func (s *Service) SetMuted(ctx context.Context, userID, roomID uuid.UUID, muted bool) error {
	if _, _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return err
	}
	if err := s.members.SetMuted(ctx, roomID, userID, muted); err != nil {
		return apperr.Transient(err, "set muted")
	}
	return nil
}

// UpdateTimerSettings stores the room's Pomodoro lengths. Admins and the
// owner may change them.
func (s *Service) UpdateTimerSettings(ctx context.Context, userID, roomID uuid.UUID, settings models.TimerSettings) error {
	if settings.WorkSeconds <= 0 || settings.BreakSeconds <= 0 {
		return apperr.InvalidInput("work_seconds and break_seconds must be positive")
	}
	room, m, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if room.Type != models.RoomDirect && !m.Role.AtLeast(models.RoleAdmin) {
		return apperr.Unauthorized("only admins can change timer settings")
	}
	if err := s.rooms.UpdateTimerSettings(ctx, roomID, settings); err != nil {
		return apperr.Transient(err, "update timer settings")
	}
	s.emitRoom(ctx, roomID, EventRoomUpdated, map[string]any{"room_id": roomID, "timer": settings})
	return nil
}

type memberEvent struct {
	RoomID uuid.UUID   `json:"room_id"`
	UserID *uuid.UUID  `json:"user_id,omitempty"`
	Name   string      `json:"name,omitempty"`
	Role   models.Role `json:"role,omitempty"`
}

// memberEventOf names m the way its room shows members: by label in blind
// rooms and by id otherwise.
func memberEventOf(room *models.Room, m *models.Member) memberEvent {
	ev := memberEvent{RoomID: room.ID}
	if room.DisplayMode == models.DisplayBlind {
		if m.AnonymousName != nil {
			ev.Name = *m.AnonymousName
		}
		return ev
	}
	id := m.UserID
	ev.UserID = &id
	return ev
}

func optionalText(v *string, field string, maxLen int) (*string, error) {
	if v == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return nil, apperr.InvalidInput("%s exceeds %d characters", field, maxLen)
	}
	return &trimmed, nil
}
