// Package domain contains core domain types for the chat service.
package domain

import (
	"time"
)

// User is a person talking to the assistant, keyed by a transport-assigned ID.
type User struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	ReasoningMode bool      `json:"reasoning_mode"`
	RefineMode    bool      `json:"refine_mode"`
	Model         string    `json:"model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserMetadata is the display information supplied by a transport on first contact.
type UserMetadata struct {
	Username  string
	FirstName string
	LastName  string
}

// ModelOr returns the user's preferred model, or fallback when none is set.
func (u *User) ModelOr(fallback string) string {
	if u == nil || u.Model == "" {
		return fallback
	}
	return u.Model
}
