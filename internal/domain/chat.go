package domain

import (
	"fmt"
	"time"
)

// DefaultChatName is the name given to chats created implicitly for a user.
const DefaultChatName = "Чат по умолчанию"

// Chat is a named conversation owned by a single user.
type Chat struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Role identifies the author of a message.
type Role string

// Message roles accepted by the store and the completion providers.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole converts a stored role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Message is an immutable entry in a chat's history. ID increases with
// insertion order within the store.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptMessage is a role/content pair sent to a completion provider.
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
