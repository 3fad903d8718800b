package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/models"
)

// ParticipantName reports whether userID must appear by anonymous label in
// the room's socket events, and which label. The hub uses it for typing
// and participant frames.
func (s *Service) ParticipantName(ctx context.Context, roomID, userID uuid.UUID) (string, bool, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return "", false, err
	}
	if room == nil || room.DisplayMode != models.DisplayBlind {
		return "", false, nil
	}
	m, err := s.members.Get(ctx, roomID, userID)
	if err != nil {
		return "", true, err
	}
	if m == nil || m.AnonymousName == nil {
		return "", true, nil
	}
	return *m.AnonymousName, true, nil
}

// masker projects messages of a blind room for one viewer. Its names
// map is nil for rooms that show real identities.
type masker struct {
	s     *Service
	names map[uuid.UUID]string
}

func (s *Service) maskerFor(ctx context.Context, room *models.Room) (*masker, error) {
	k := &masker{s: s}
	if room.DisplayMode != models.DisplayBlind {
		return k, nil
	}
	members, err := s.members.ListActive(ctx, room.ID)
	if err != nil {
		return nil, apperr.Transient(err, "list members")
	}
	k.names = make(map[uuid.UUID]string, len(members))
	for _, m := range members {
		if m.AnonymousName != nil {
			k.names[m.UserID] = *m.AnonymousName
		}
	}
	return k, nil
}

// label finds the sender's label, falling back to the stored membership
// for members who have since left.
func (k *masker) label(ctx context.Context, m *models.Message) string {
	if name, ok := k.names[m.SenderID]; ok {
		return name
	}
	var name string
	member, err := k.s.members.Get(ctx, m.RoomID, m.SenderID)
	if err == nil && member != nil && member.AnonymousName != nil {
		name = *member.AnonymousName
	}
	k.names[m.SenderID] = name
	return name
}

func (k *masker) messages(ctx context.Context, msgs []models.Message, viewer uuid.UUID) []models.Message {
	if k.names == nil {
		return msgs
	}
	out := make([]models.Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Anonymized(viewer, k.label(ctx, &msgs[i]))
	}
	return out
}

func (k *masker) message(ctx context.Context, msg *models.Message, viewer uuid.UUID) *models.Message {
	if k.names == nil {
		return msg
	}
	out := msg.Anonymized(viewer, k.label(ctx, msg))
	return &out
}

func (k *masker) reactions(rs models.Reactions, viewer uuid.UUID) models.Reactions {
	if k.names == nil {
		return rs
	}
	return rs.Only(viewer)
}

// maskSnapshots drops member ids from the group snapshots of a blind room.
func maskSnapshots(room models.Room) models.Room {
	if room.DisplayMode != models.DisplayBlind {
		return room
	}
	for _, g := range []**models.GroupSnapshot{&room.Metadata.GroupA, &room.Metadata.GroupB} {
		if *g == nil {
			continue
		}
		masked := **g
		masked.MemberIDs = nil
		*g = &masked
	}
	return room
}
