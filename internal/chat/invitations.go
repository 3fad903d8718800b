package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/events"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/repository"
	"go.uber.org/zap"
)

const (
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength       = 8
	codeMaxAttempts  = 10
	maxInvitationTTL = 30 * 24 * time.Hour
)

// InvitationInput configures a new code. Nil fields mean no limit.
type InvitationInput struct {
	ExpiresIn *time.Duration
	MaxUses   *int
}

// CreateInvitation replaces the room's join code. Admins and the owner of
// a team room may do this.
func (s *Service) CreateInvitation(ctx context.Context, userID, roomID uuid.UUID, in InvitationInput) (*models.Invitation, error) {
	if in.ExpiresIn != nil && (*in.ExpiresIn <= 0 || *in.ExpiresIn > maxInvitationTTL) {
		return nil, apperr.InvalidInput("expiry must be between 1 second and %d days", int(maxInvitationTTL.Hours()/24))
	}
	if in.MaxUses != nil && *in.MaxUses < 1 {
		return nil, apperr.InvalidInput("max_uses must be at least 1")
	}
	room, m, err := s.requireMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room.Type != models.RoomTeam {
		return nil, apperr.InvalidInput("only team rooms have invitations")
	}
	if !m.Role.AtLeast(models.RoleAdmin) {
		return nil, apperr.Unauthorized("only admins can create invitations")
	}

	var expiresAt *time.Time
	if in.ExpiresIn != nil {
		t := s.clock.Now().Add(*in.ExpiresIn)
		expiresAt = &t
	}

	for attempt := 1; attempt <= codeMaxAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, apperr.Internal(err, "generate invitation code")
		}
		err = s.rooms.SetInvitation(ctx, roomID, code, expiresAt, in.MaxUses)
		if errors.Is(err, repository.ErrDuplicateInvitationCode) {
			s.logger.Debug("invitation code collision", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, apperr.Transient(err, "store invitation")
		}
		return &models.Invitation{RoomID: roomID, Code: code, ExpiresAt: expiresAt, MaxUses: in.MaxUses}, nil
	}
	s.logger.Warn("invitation code space exhausted", zap.String("room_id", roomID.String()))
	return nil, apperr.Conflict(apperr.CodeInvitationGeneration, "could not generate a unique invitation code")
}

// JoinByCode adds the caller to the room behind code. A caller who is
// already a member gets the room back without using up the code.
func (s *Service) JoinByCode(ctx context.Context, userID uuid.UUID, code string) (*models.RoomDetail, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !validCode(code) {
		return nil, apperr.InvalidInput("invitation code must be %d letters or digits", codeLength)
	}

	room, outcome, err := s.rooms.JoinByInvitation(ctx, code, userID, s.clock.Now())
	if err != nil {
		return nil, apperr.Transient(err, "join by invitation")
	}
	switch outcome {
	case repository.JoinInvalidCode:
		return nil, apperr.NotFound("invitation code not found")
	case repository.JoinExpired:
		return nil, apperr.Conflict(apperr.CodeInvitationExpired, "invitation code has expired")
	case repository.JoinExhausted:
		return nil, apperr.Conflict(apperr.CodeInvitationExhausted, "invitation code has no uses left")
	case repository.JoinAdded:
		s.logger.Info("member joined by invitation",
			zap.String("room_id", room.ID.String()),
			zap.String("user_id", userID.String()),
		)
		joined := memberEventOf(room, &models.Member{UserID: userID})
		joined.Role = models.RoleMember
		s.emitRoom(ctx, room.ID, EventMemberJoined, joined)
		s.export(ctx, events.InvitationJoined, memberEvent{RoomID: room.ID, UserID: &userID})
	}
	detail, err := s.detail(ctx, room)
	if err != nil {
		return nil, err
	}
	detail.Room = maskSnapshots(detail.Room)
	detail.Members = maskMembers(room, detail.Members, userID)
	return detail, nil
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}

func generateCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	n := big.NewInt(int64(len(codeAlphabet)))
	for range codeLength {
		i, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[i.Int64()])
	}
	return b.String(), nil
}
