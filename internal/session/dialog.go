package session

import (
	"sync"
	"time"

	"github.com/ashureev/chatkeeper/internal/domain"
)

// DialogStates tracks the pending chat-menu action of each user. Users with
// no entry are idle.
type DialogStates struct {
	mu     sync.Mutex
	states map[string]domain.DialogState
	now    func() time.Time
}

// NewDialogStates creates an empty state table.
func NewDialogStates() *DialogStates {
	return &DialogStates{
		states: make(map[string]domain.DialogState),
		now:    time.Now,
	}
}

// Get returns the user's current state.
func (d *DialogStates) Get(userID string) domain.DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[userID]
}

// BeginNewChat moves the user to AwaitingNewChatName.
func (d *DialogStates) BeginNewChat(userID string) {
	d.set(userID, domain.DialogState{Kind: domain.DialogAwaitingNewChatName})
}

// BeginRename moves the user to AwaitingRenameTarget for chatID.
func (d *DialogStates) BeginRename(userID string, chatID int64) {
	d.set(userID, domain.DialogState{Kind: domain.DialogAwaitingRenameTarget, ChatID: chatID})
}

// Take returns the user's state and resets it to idle.
func (d *DialogStates) Take(userID string) domain.DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.states[userID]
	delete(d.states, userID)
	return s
}

// Reset returns the user to idle.
func (d *DialogStates) Reset(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, userID)
}

// Expire resets every state last updated more than ttl ago and returns how
// many were reset.
func (d *DialogStates) Expire(ttl time.Duration) int {
	cutoff := d.now().Add(-ttl)

	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for userID, s := range d.states {
		if s.UpdatedAt.Before(cutoff) {
			delete(d.states, userID)
			n++
		}
	}
	return n
}

// Len returns the number of users with a pending action.
func (d *DialogStates) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}

func (d *DialogStates) set(userID string, s domain.DialogState) {
	s.UpdatedAt = d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[userID] = s
}
