// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/chatkeeper/internal/domain"
)

// Repair describes how DeleteChat restored the single-active-chat invariant.
type Repair int

const (
	// RepairNone means the deleted chat was not active.
	RepairNone Repair = iota
	// RepairReactivated means the most recently created remaining chat was activated.
	RepairReactivated
	// RepairDefaultCreated means no chats remained and a default chat was created.
	RepairDefaultCreated
)

func (r Repair) String() string {
	switch r {
	case RepairReactivated:
		return "reactivated"
	case RepairDefaultCreated:
		return "default_created"
	default:
		return "none"
	}
}

// Repository persists users, their chats and chat messages.
//
// Operations that reference an absent user or chat return an error matching
// errdefs.IsNotFound. Empty names and unknown roles match errdefs.IsInvalidArgument.
type Repository interface {
	// EnsureUser creates the user on first contact together with an active
	// default chat. Later calls refresh display metadata only.
	EnsureUser(ctx context.Context, userID string, meta domain.UserMetadata) (user *domain.User, created bool, err error)

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// ToggleReasoningMode flips the reasoning flag and returns the new value.
	ToggleReasoningMode(ctx context.Context, userID string) (bool, error)

	// ToggleRefineMode flips the refinement flag and returns the new value.
	ToggleRefineMode(ctx context.Context, userID string) (bool, error)

	// SetModel stores the user's preferred model. An empty model clears it.
	SetModel(ctx context.Context, userID, model string) error

	// GetOrCreateActiveChat returns the user's active chat, creating a default
	// one when none is active. Duplicate active chats converge to one.
	GetOrCreateActiveChat(ctx context.Context, userID string) (*domain.Chat, error)

	// GetChat retrieves a chat by ID.
	GetChat(ctx context.Context, chatID int64) (*domain.Chat, error)

	// CreateChat deactivates the user's chats and creates a new active one.
	CreateChat(ctx context.Context, userID, name string) (*domain.Chat, error)

	// ActivateChat makes chatID the only active chat of its owner.
	ActivateChat(ctx context.Context, chatID int64) error

	// RenameChat changes a chat's display name.
	RenameChat(ctx context.Context, chatID int64, name string) error

	// DeleteChat removes a chat and its messages and repairs the owner's
	// active chat when the deleted chat was active.
	DeleteChat(ctx context.Context, chatID int64) (Repair, error)

	// ClearHistory removes every message of a chat.
	ClearHistory(ctx context.Context, chatID int64) error

	// AppendMessage adds a message at the end of a chat's history.
	AppendMessage(ctx context.Context, chatID int64, role domain.Role, content string) (*domain.Message, error)

	// ListHistory returns the newest limit messages, oldest first.
	ListHistory(ctx context.Context, chatID int64, limit int) ([]domain.Message, error)

	// ListChats returns the user's chats, most recently created first.
	ListChats(ctx context.Context, userID string) ([]domain.Chat, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
