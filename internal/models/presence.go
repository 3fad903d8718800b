package models

import (
	"time"

	"github.com/google/uuid"
)

// Presence is a user's cluster-wide online state.
// IsOnline is true exactly when ConnectionCount > 0.
type Presence struct {
	UserID          uuid.UUID `json:"user_id"`
	IsOnline        bool      `json:"is_online"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	ConnectionCount int       `json:"connection_count"`
	StatusMessage   *string   `json:"status_message,omitempty"`
}
