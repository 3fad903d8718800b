package models

import "github.com/google/uuid"

// UserProfile is the subset of an account the core reads from the user
// directory. Registration and verification live outside this service.
type UserProfile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Department  string    `json:"department"`
	Grade       int       `json:"grade"`
	Gender      Gender    `json:"gender"`
	IsVerified  bool      `json:"is_verified"`
}
