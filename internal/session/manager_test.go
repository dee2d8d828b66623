package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatkeeper/internal/completion"
	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/ashureev/chatkeeper/internal/refine"
	"github.com/ashureev/chatkeeper/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDirective = "think step by step"

type fakeClient struct {
	mu    sync.Mutex
	calls [][]domain.PromptMessage
	model []string
	err   error
	reply func(n int) string
}

func (c *fakeClient) Generate(_ context.Context, messages []domain.PromptMessage, model string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]domain.PromptMessage(nil), messages...))
	c.model = append(c.model, model)
	if c.err != nil {
		return "", c.err
	}
	if c.reply != nil {
		return c.reply(len(c.calls)), nil
	}
	return fmt.Sprintf("reply-%d", len(c.calls)), nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestManager(t *testing.T, client completion.Client, opts Options) (*Manager, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	if opts.ReasoningPrompt == "" {
		opts.ReasoningPrompt = testDirective
	}
	return NewManager(repo, client, refine.NewEngine(client, 3), opts), repo
}

func TestFirstMessageCreatesDefaultChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{}
	m, repo := newTestManager(t, client, Options{})

	turn, err := m.HandleUserMessage(ctx, "U1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "reply-1", turn.Reply)
	assert.Equal(t, "gpt-4", turn.Model)
	assert.NotEmpty(t, turn.ID)

	chats, err := repo.ListChats(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, domain.DefaultChatName, chats[0].Name)
	assert.True(t, chats[0].IsActive)
	assert.Equal(t, chats[0].ID, turn.ChatID)

	want := []domain.PromptMessage{{Role: domain.RoleUser, Content: "Hello"}}
	if diff := cmp.Diff(want, client.calls[0]); diff != "" {
		t.Fatalf("prompt mismatch (-want +got):\n%s", diff)
	}

	history, err := repo.ListHistory(ctx, turn.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	assert.Equal(t, "reply-1", history[1].Content)
}

func TestEmptyMessageRejected(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, &fakeClient{}, Options{})

	_, err := m.HandleUserMessage(context.Background(), "U1", "   ")
	assert.True(t, IsInvalidInput(err), "got %v", err)
}

func TestHistoryWindowBoundsPrompt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{}
	m, _ := newTestManager(t, client, Options{HistoryWindow: 4})

	for i := 1; i <= 3; i++ {
		_, err := m.HandleUserMessage(ctx, "U1", fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}

	last := client.calls[len(client.calls)-1]
	want := []domain.PromptMessage{
		{Role: domain.RoleUser, Content: "q2"},
		{Role: domain.RoleAssistant, Content: "reply-2"},
		{Role: domain.RoleUser, Content: "q3"},
	}
	// Window 4: [reply-1, q2, reply-2, q3]
	require.Len(t, last, 4)
	if diff := cmp.Diff(want, last[1:]); diff != "" {
		t.Fatalf("prompt mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleAssistant, Content: "reply-1"}, last[0])
}

func TestReasoningModeToggle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{}
	m, repo := newTestManager(t, client, Options{})

	_, err := m.HandleUserMessage(ctx, "U1", "first")
	require.NoError(t, err)

	on, err := m.ToggleReasoningMode(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, on)

	turn, err := m.HandleUserMessage(ctx, "U1", "second")
	require.NoError(t, err)
	prompt := client.calls[1]
	require.NotEmpty(t, prompt)
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleSystem, Content: testDirective}, prompt[0])
	assert.Len(t, prompt, 4)

	off, err := m.ToggleReasoningMode(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, off)

	_, err = m.HandleUserMessage(ctx, "U1", "third")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, client.calls[2][0].Role)

	// Stored history never contains the directive.
	history, err := repo.ListHistory(ctx, turn.ChatID, 100)
	require.NoError(t, err)
	for _, msg := range history {
		assert.NotEqual(t, domain.RoleSystem, msg.Role)
	}
}

func TestSelectModel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{}
	m, _ := newTestManager(t, client, Options{})

	err := m.SelectModel(ctx, "U1", "not-a-model")
	assert.True(t, IsInvalidInput(err), "got %v", err)

	require.NoError(t, m.SelectModel(ctx, "U1", "claude"))
	models, current, err := m.Models(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "claude", current)
	assert.Contains(t, models, "gpt-4o")

	turn, err := m.HandleUserMessage(ctx, "U1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "claude", turn.Model)
	assert.Equal(t, "claude", client.model[0])
}

func TestProviderFailureKeepsUserMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{err: &completion.ProviderError{Provider: "fake", Model: "gpt-4", Err: errors.New("down")}}
	m, repo := newTestManager(t, client, Options{})

	_, err := m.HandleUserMessage(ctx, "U1", "Hello")
	require.Error(t, err)
	assert.True(t, IsProviderFailure(err))

	chat, err := repo.GetOrCreateActiveChat(ctx, "U1")
	require.NoError(t, err)
	history, err := repo.ListHistory(ctx, chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Hello", history[0].Content)
}

func TestRefineModeStoresOnlyFinalAnswer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{}
	m, repo := newTestManager(t, client, Options{})

	enabled, err := m.ToggleRefineMode(ctx, "U1")
	require.NoError(t, err)
	require.True(t, enabled)

	turn, err := m.HandleUserMessage(ctx, "U1", "Explain channels")
	require.NoError(t, err)
	assert.True(t, turn.Refined)
	assert.Equal(t, 4, client.callCount(), "3 elaborations + synthesis")
	assert.Equal(t, "reply-4", turn.Reply)

	history, err := repo.ListHistory(ctx, turn.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "reply-4", history[1].Content)
}

func TestChatOperationsCheckOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, &fakeClient{}, Options{})

	chat, err := m.CreateChat(ctx, "alice", "Secrets")
	require.NoError(t, err)

	assert.True(t, IsNotFound(m.RenameChat(ctx, "mallory", chat.ID, "mine")))
	assert.True(t, IsNotFound(m.ActivateChat(ctx, "mallory", chat.ID)))
	assert.True(t, IsNotFound(m.ClearChat(ctx, "mallory", chat.ID)))
	assert.True(t, IsNotFound(m.DeleteChat(ctx, "mallory", chat.ID)))
	_, err = m.History(ctx, "mallory", chat.ID, 10)
	assert.True(t, IsNotFound(err))

	require.NoError(t, m.RenameChat(ctx, "alice", chat.ID, "Notes"))
	chats, err := m.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "Notes", chats[0].Name)
}

func TestDeleteActiveChatKeepsOneActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, &fakeClient{}, Options{})

	chat, err := m.CreateChat(ctx, "U1", "temp")
	require.NoError(t, err)
	require.NoError(t, m.DeleteChat(ctx, "U1", chat.ID))

	chats, err := m.ListChats(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.True(t, chats[0].IsActive)
	assert.Equal(t, domain.DefaultChatName, chats[0].Name)
}

func TestActivateAndClearChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, &fakeClient{}, Options{})

	first, err := m.HandleUserMessage(ctx, "U1", "hello")
	require.NoError(t, err)
	_, err = m.CreateChat(ctx, "U1", "other")
	require.NoError(t, err)

	require.NoError(t, m.ActivateChat(ctx, "U1", first.ChatID))
	turn, err := m.HandleUserMessage(ctx, "U1", "back again")
	require.NoError(t, err)
	assert.Equal(t, first.ChatID, turn.ChatID)

	require.NoError(t, m.ClearChat(ctx, "U1", first.ChatID))
	history, err := m.History(ctx, "U1", first.ChatID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConcurrentTurnsSameChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := &fakeClient{}
	m, repo := newTestManager(t, client, Options{})

	_, _, err := m.Start(ctx, "U1", domain.UserMetadata{FirstName: "Ann"})
	require.NoError(t, err)

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.HandleUserMessage(ctx, "U1", fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	chat, err := repo.GetOrCreateActiveChat(ctx, "U1")
	require.NoError(t, err)
	history, err := repo.ListHistory(ctx, chat.ID, 100)
	require.NoError(t, err)
	require.Len(t, history, 2*turns)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].ID, history[i-1].ID)
	}
	// Every prompt ends with a user message: the snapshot is taken right after the append.
	for _, call := range client.calls {
		assert.Equal(t, domain.RoleUser, call[len(call)-1].Role)
	}
}

func TestDialogStates(t *testing.T) {
	t.Parallel()

	d := NewDialogStates()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.True(t, d.Get("u").IsIdle())

	d.BeginNewChat("u")
	assert.Equal(t, domain.DialogAwaitingNewChatName, d.Get("u").Kind)

	d.BeginRename("u", 42)
	s := d.Take("u")
	assert.Equal(t, domain.DialogAwaitingRenameTarget, s.Kind)
	assert.Equal(t, int64(42), s.ChatID)
	assert.True(t, d.Get("u").IsIdle())

	d.BeginNewChat("old")
	now = now.Add(10 * time.Minute)
	d.BeginNewChat("fresh")
	assert.Equal(t, 1, d.Expire(5*time.Minute))
	assert.True(t, d.Get("old").IsIdle())
	assert.False(t, d.Get("fresh").IsIdle())

	d.Reset("fresh")
	assert.Equal(t, 0, d.Len())
}

func TestDialogExpiryWorkerStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := StartDialogExpiryWorker(ctx, NewDialogStates(), time.Minute)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry worker did not stop")
	}
}
