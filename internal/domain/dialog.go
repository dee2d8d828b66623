package domain

import "time"

// DialogKind enumerates the per-user conversational states of the chat menu.
type DialogKind int

const (
	// DialogIdle means free text is treated as a message to the assistant.
	DialogIdle DialogKind = iota
	// DialogAwaitingNewChatName means the next text names a new chat.
	DialogAwaitingNewChatName
	// DialogAwaitingRenameTarget means the next text renames ChatID.
	DialogAwaitingRenameTarget
)

func (k DialogKind) String() string {
	switch k {
	case DialogAwaitingNewChatName:
		return "awaiting_new_chat_name"
	case DialogAwaitingRenameTarget:
		return "awaiting_rename_target"
	default:
		return "idle"
	}
}

// DialogState is the pending menu action for a user. ChatID is only
// meaningful for DialogAwaitingRenameTarget.
type DialogState struct {
	Kind      DialogKind
	ChatID    int64
	UpdatedAt time.Time
}

// IsIdle reports whether no menu action is pending.
func (s DialogState) IsIdle() bool {
	return s.Kind == DialogIdle
}
