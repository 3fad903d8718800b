package models

import (
	"time"

	"github.com/google/uuid"
)

// Invitation is the join code attached to a room.
type Invitation struct {
	RoomID    uuid.UUID  `json:"room_id"`
	Code      string     `json:"code"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxUses   *int       `json:"max_uses,omitempty"`
	UseCount  int        `json:"use_count"`
}

type InvitationState int

const (
	InvitationValid InvitationState = iota
	InvitationExpired
	InvitationExhausted
)

// State reports whether the code can still be used at now. Expiry is
// checked before exhaustion.
func (i *Invitation) State(now time.Time) InvitationState {
	if i.ExpiresAt != nil && !now.Before(*i.ExpiresAt) {
		return InvitationExpired
	}
	if i.MaxUses != nil && i.UseCount >= *i.MaxUses {
		return InvitationExhausted
	}
	return InvitationValid
}
