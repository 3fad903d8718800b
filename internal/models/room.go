package models

import (
	"time"

	"github.com/google/uuid"
)

type RoomType string

const (
	RoomDirect   RoomType = "direct"
	RoomTeam     RoomType = "team"
	RoomMatching RoomType = "matching"
)

type DisplayMode string

const (
	DisplayOpen  DisplayMode = "open"
	DisplayBlind DisplayMode = "blind"
)

func (m DisplayMode) Valid() bool { return m == DisplayOpen || m == DisplayBlind }

// Room is a chat room of any type. Type-specific data lives in Metadata,
// which is stored as a JSON column.
type Room struct {
	ID            uuid.UUID    `json:"id"`
	Type          RoomType     `json:"type"`
	Name          *string      `json:"name,omitempty"`
	Description   *string      `json:"description,omitempty"`
	Metadata      RoomMetadata `json:"metadata"`
	DisplayMode   DisplayMode  `json:"display_mode"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`

	InvitationCode      *string    `json:"invitation_code,omitempty"`
	InvitationExpiresAt *time.Time `json:"invitation_expires_at,omitempty"`
	InvitationMaxUses   *int       `json:"invitation_max_uses,omitempty"`
	InvitationUseCount  int        `json:"invitation_use_count"`
}

// RoomMetadata holds the type-specific part of a room.
//   - direct rooms carry the ordered pair of participants
//   - matching rooms carry both group snapshots
//   - any room may override the timer lengths
type RoomMetadata struct {
	Participants []uuid.UUID    `json:"participants,omitempty"`
	GroupA       *GroupSnapshot `json:"group_a,omitempty"`
	GroupB       *GroupSnapshot `json:"group_b,omitempty"`
	ProposalID   *uuid.UUID     `json:"proposal_id,omitempty"`
	Timer        *TimerSettings `json:"timer,omitempty"`
}

// GroupSnapshot freezes a matching pool at the moment its room is created.
type GroupSnapshot struct {
	PoolID     uuid.UUID   `json:"pool_id"`
	MemberIDs  []uuid.UUID `json:"member_ids,omitempty"`
	Department string      `json:"department"`
	Grade      int         `json:"grade"`
	Gender     Gender      `json:"gender"`
}

// TimerSettings are the per-room Pomodoro lengths.
type TimerSettings struct {
	WorkSeconds    int  `json:"work_seconds"`
	BreakSeconds   int  `json:"break_seconds"`
	AutoStartBreak bool `json:"auto_start_break"`
}

// DirectPair returns the canonical ordering of two users so that a direct
// room between them has exactly one lookup key.
func DirectPair(a, b uuid.UUID) [2]uuid.UUID {
	if a.String() > b.String() {
		a, b = b, a
	}
	return [2]uuid.UUID{a, b}
}

// Invitation returns the room's invitation, or nil when none was generated.
func (r *Room) Invitation() *Invitation {
	if r.InvitationCode == nil {
		return nil
	}
	return &Invitation{
		RoomID:    r.ID,
		Code:      *r.InvitationCode,
		ExpiresAt: r.InvitationExpiresAt,
		MaxUses:   r.InvitationMaxUses,
		UseCount:  r.InvitationUseCount,
	}
}

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is equal to or above other in the
// member < admin < owner hierarchy.
func (r Role) AtLeast(other Role) bool { return r.rank() >= other.rank() }

func (r Role) Valid() bool { return r.rank() > 0 }

// Member is a user's participation in a room.
type Member struct {
	RoomID        uuid.UUID  `json:"room_id"`
	UserID        uuid.UUID  `json:"user_id"`
	Role          Role       `json:"role"`
	DisplayName   *string    `json:"display_name,omitempty"`
	AnonymousName *string    `json:"anonymous_name,omitempty"`
	GroupLabel    *string    `json:"group_label,omitempty"`
	GroupIndex    *int       `json:"group_index,omitempty"`
	IsActive      bool       `json:"is_active"`
	IsMuted       bool       `json:"is_muted"`
	LastReadAt    *time.Time `json:"last_read_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	JoinedAt      time.Time  `json:"joined_at"`
}

// RoomSummary is a room as seen by one member in a room list.
type RoomSummary struct {
	Room
	Role        Role `json:"role"`
	UnreadCount int  `json:"unread_count"`
	MemberCount int  `json:"member_count"`
}

// RoomDetail is a room together with its active members.
type RoomDetail struct {
	Room
	Members []Member `json:"members"`
}
