package models

import (
	"time"

	"github.com/google/uuid"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Opposite returns the gender a pool is paired against.
func (g Gender) Opposite() Gender {
	if g == GenderMale {
		return GenderFemale
	}
	return GenderMale
}

func (g Gender) Valid() bool { return g == GenderMale || g == GenderFemale }

type MatchPreference string

const (
	PreferSameDepartment MatchPreference = "same_department"
	PreferMajorCategory  MatchPreference = "major_category"
	PreferAny            MatchPreference = "any"
)

func (p MatchPreference) Valid() bool {
	switch p {
	case PreferSameDepartment, PreferMajorCategory, PreferAny:
		return true
	}
	return false
}

type PoolStatus string

const (
	PoolWaiting   PoolStatus = "waiting"
	PoolProposed  PoolStatus = "proposed"
	PoolMatched   PoolStatus = "matched"
	PoolExpired   PoolStatus = "expired"
	PoolCancelled PoolStatus = "cancelled"
)

// Active reports whether the pool still holds its members.
func (s PoolStatus) Active() bool { return s == PoolWaiting || s == PoolProposed }

const (
	MinPoolMembers = 2
	MaxPoolMembers = 8
)

// MatchingPool is a group of users waiting together for a match.
// Department, Grade and Gender are snapshots of the creator's profile.
type MatchingPool struct {
	ID                  uuid.UUID       `json:"id"`
	CreatorID           uuid.UUID       `json:"creator_id"`
	MemberIDs           []uuid.UUID     `json:"member_ids"`
	MemberCount         int             `json:"member_count"`
	Department          string          `json:"department"`
	Grade               int             `json:"grade"`
	Gender              Gender          `json:"gender"`
	PreferredMatchType  MatchPreference `json:"preferred_match_type"`
	PreferredCategories []string        `json:"preferred_categories,omitempty"`
	MatchingType        DisplayMode     `json:"matching_type"`
	Message             *string         `json:"message,omitempty"`
	Status              PoolStatus      `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
	MatchedAt           *time.Time      `json:"matched_at,omitempty"`
}

type GroupResponse string

const (
	ResponsePending  GroupResponse = "pending"
	ResponseAccepted GroupResponse = "accepted"
	ResponseRejected GroupResponse = "rejected"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalMatched  ProposalStatus = "matched"
	ProposalRejected ProposalStatus = "rejected"
)

// ProposalTTL is how long both groups have to respond.
const ProposalTTL = 24 * time.Hour

// MatchingProposal pairs two pools pending mutual acceptance.
type MatchingProposal struct {
	ID           uuid.UUID      `json:"id"`
	PoolAID      uuid.UUID      `json:"group_a_id"`
	PoolBID      uuid.UUID      `json:"group_b_id"`
	GroupAStatus GroupResponse  `json:"group_a_status"`
	GroupBStatus GroupResponse  `json:"group_b_status"`
	FinalStatus  ProposalStatus `json:"final_status"`
	Score        int            `json:"score"`
	ChatRoomID   *uuid.UUID     `json:"chat_room_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	MatchedAt    *time.Time     `json:"matched_at,omitempty"`
}

// Side reports which group of the proposal poolID belongs to ("A" or
// "B"), or "" when it belongs to neither.
func (p *MatchingProposal) Side(poolID uuid.UUID) string {
	switch poolID {
	case p.PoolAID:
		return "A"
	case p.PoolBID:
		return "B"
	}
	return ""
}
