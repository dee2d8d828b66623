// Package session turns inbound user messages into assistant replies while
// keeping each user's chats and history consistent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatkeeper/internal/completion"
	"github.com/ashureev/chatkeeper/internal/convlog"
	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/ashureev/chatkeeper/internal/refine"
	"github.com/ashureev/chatkeeper/internal/shared"
	"github.com/ashureev/chatkeeper/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// DefaultHistoryWindow is the number of most recent messages sent with each prompt.
const DefaultHistoryWindow = 10

// Options configures a Manager.
type Options struct {
	HistoryWindow   int
	ReasoningPrompt string
	Catalog         *completion.Catalog
	ConversationLog convlog.Logger
	Logger          *slog.Logger
}

// Manager implements the chat operations exposed to transports.
type Manager struct {
	repo            store.Repository
	client          completion.Client
	refiner         *refine.Engine
	catalog         *completion.Catalog
	window          int
	reasoningPrompt string
	chatLocks       *shared.KeyedMutex[int64]
	dialogs         *DialogStates
	convLog         convlog.Logger
	logger          *slog.Logger
}

// Turn is the result of one handled user message.
type Turn struct {
	ID      string
	ChatID  int64
	Model   string
	Refined bool
	Reply   string
}

// NewManager wires a Manager around an explicitly constructed store.
func NewManager(repo store.Repository, client completion.Client, refiner *refine.Engine, opts Options) *Manager {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.Catalog == nil {
		opts.Catalog = completion.NewCatalog("gpt-4", nil)
	}
	if opts.ConversationLog == nil {
		opts.ConversationLog = convlog.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if refiner == nil {
		refiner = refine.NewEngine(client, refine.DefaultIterations)
	}
	return &Manager{
		repo:            repo,
		client:          client,
		refiner:         refiner,
		catalog:         opts.Catalog,
		window:          opts.HistoryWindow,
		reasoningPrompt: opts.ReasoningPrompt,
		chatLocks:       shared.NewKeyedMutex[int64](),
		dialogs:         NewDialogStates(),
		convLog:         opts.ConversationLog,
		logger:          opts.Logger,
	}
}

// Dialogs returns the per-user dialog state table.
func (m *Manager) Dialogs() *DialogStates {
	return m.dialogs
}

// Catalog returns the selectable models.
func (m *Manager) Catalog() *completion.Catalog {
	return m.catalog
}

// Start registers the user on first contact, creating their default chat.
func (m *Manager) Start(ctx context.Context, userID string, meta domain.UserMetadata) (*domain.User, bool, error) {
	user, created, err := m.repo.EnsureUser(ctx, userID, meta)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		m.logger.Info("New user registered", "user_id", userID)
	}
	return user, created, nil
}

// User returns the user, registering them if this is their first contact.
func (m *Manager) User(ctx context.Context, userID string) (*domain.User, error) {
	user, err := m.repo.GetUser(ctx, userID)
	if errdefs.IsNotFound(err) {
		user, _, err = m.Start(ctx, userID, domain.UserMetadata{})
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// HandleUserMessage appends text to the user's active chat, asks the
// completion provider for a reply and appends the reply.
func (m *Manager) HandleUserMessage(ctx context.Context, userID, text string) (*Turn, error) {
	return m.handleUserMessage(ctx, userID, text, "")
}

// HandleUserMessageVia is HandleUserMessage with the transport name recorded
// in the conversation log.
func (m *Manager) HandleUserMessageVia(ctx context.Context, channel, userID, text string) (*Turn, error) {
	return m.handleUserMessage(ctx, userID, text, channel)
}

func (m *Manager) handleUserMessage(ctx context.Context, userID, text, channel string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty message: %w", errdefs.ErrInvalidArgument)
	}
	start := time.Now()

	user, err := m.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	chat, err := m.repo.GetOrCreateActiveChat(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve active chat: %w", err)
	}

	history, err := m.appendAndSnapshot(ctx, chat.ID, text)
	if err != nil {
		return nil, err
	}

	turn := &Turn{
		ID:      uuid.NewString(),
		ChatID:  chat.ID,
		Model:   user.ModelOr(m.catalog.Default()),
		Refined: user.RefineMode,
	}
	event := convlog.Event{
		TurnID:        turn.ID,
		UserID:        userID,
		ChatID:        chat.ID,
		Channel:       channel,
		Model:         turn.Model,
		ReasoningMode: user.ReasoningMode,
		Refined:       turn.Refined,
		UserText:      text,
	}

	// The provider call runs without the chat lock held.
	reply, err := m.generate(ctx, user, history, text, turn.Model)
	event.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		event.Error = err.Error()
		m.convLog.Log(event)
		m.logger.Warn("Completion failed", "user_id", userID, "chat_id", chat.ID, "model", turn.Model, "error", err)
		return nil, err
	}
	turn.Reply = reply

	unlock := m.chatLocks.Lock(chat.ID)
	_, err = m.repo.AppendMessage(ctx, chat.ID, domain.RoleAssistant, reply)
	unlock()
	switch {
	case errdefs.IsNotFound(err):
		m.logger.Warn("Chat deleted during turn, reply not stored", "user_id", userID, "chat_id", chat.ID)
	case err != nil:
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	event.Reply = reply
	m.convLog.Log(event)
	m.logger.Info("Turn completed",
		"user_id", userID,
		"chat_id", chat.ID,
		"model", turn.Model,
		"refined", turn.Refined,
		"latency_ms", event.LatencyMS)
	return turn, nil
}

// appendAndSnapshot stores the user message and reads the history window
// under the chat lock so concurrent turns cannot reorder them.
func (m *Manager) appendAndSnapshot(ctx context.Context, chatID int64, text string) ([]domain.Message, error) {
	unlock := m.chatLocks.Lock(chatID)
	defer unlock()

	if _, err := m.repo.AppendMessage(ctx, chatID, domain.RoleUser, text); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	history, err := m.repo.ListHistory(ctx, chatID, m.window)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return history, nil
}

func (m *Manager) generate(ctx context.Context, user *domain.User, history []domain.Message, text, model string) (string, error) {
	if user.RefineMode {
		res, err := m.refiner.Process(ctx, text, model)
		if err != nil {
			return "", err
		}
		return res.Answer, nil
	}
	return m.client.Generate(ctx, m.BuildPrompt(user.ReasoningMode, history), model)
}

// BuildPrompt assembles the messages sent to the provider: the reasoning
// directive when enabled, then history in chronological order.
func (m *Manager) BuildPrompt(reasoning bool, history []domain.Message) []domain.PromptMessage {
	prompt := make([]domain.PromptMessage, 0, len(history)+1)
	if reasoning && m.reasoningPrompt != "" {
		prompt = append(prompt, domain.PromptMessage{Role: domain.RoleSystem, Content: m.reasoningPrompt})
	}
	for _, msg := range history {
		prompt = append(prompt, domain.PromptMessage{Role: msg.Role, Content: msg.Content})
	}
	return prompt
}

// ToggleReasoningMode flips the reasoning flag and returns the new state.
func (m *Manager) ToggleReasoningMode(ctx context.Context, userID string) (bool, error) {
	if _, err := m.User(ctx, userID); err != nil {
		return false, err
	}
	enabled, err := m.repo.ToggleReasoningMode(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("toggle reasoning mode: %w", err)
	}
	m.logger.Info("Reasoning mode toggled", "user_id", userID, "enabled", enabled)
	return enabled, nil
}

// ToggleRefineMode flips the refinement flag and returns the new state.
func (m *Manager) ToggleRefineMode(ctx context.Context, userID string) (bool, error) {
	if _, err := m.User(ctx, userID); err != nil {
		return false, err
	}
	enabled, err := m.repo.ToggleRefineMode(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("toggle refine mode: %w", err)
	}
	m.logger.Info("Refine mode toggled", "user_id", userID, "enabled", enabled)
	return enabled, nil
}

// SelectModel sets the user's preferred model. Only catalog models are accepted.
func (m *Manager) SelectModel(ctx context.Context, userID, model string) error {
	if !m.catalog.Contains(model) {
		return fmt.Errorf("model %q: %w", model, errdefs.ErrInvalidArgument)
	}
	if _, err := m.User(ctx, userID); err != nil {
		return err
	}
	if err := m.repo.SetModel(ctx, userID, model); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	m.logger.Info("Model changed", "user_id", userID, "model", model)
	return nil
}

// Models returns the selectable models and the one currently in effect for the user.
func (m *Manager) Models(ctx context.Context, userID string) ([]string, string, error) {
	user, err := m.User(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return m.catalog.Models(), user.ModelOr(m.catalog.Default()), nil
}

// ListChats returns the user's chats, most recently created first.
func (m *Manager) ListChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	if _, err := m.User(ctx, userID); err != nil {
		return nil, err
	}
	chats, err := m.repo.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// CreateChat creates and activates a new chat.
func (m *Manager) CreateChat(ctx context.Context, userID, name string) (*domain.Chat, error) {
	if _, err := m.User(ctx, userID); err != nil {
		return nil, err
	}
	chat, err := m.repo.CreateChat(ctx, userID, name)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	m.logger.Info("Chat created", "user_id", userID, "chat_id", chat.ID)
	return chat, nil
}

// RenameChat renames one of the user's chats.
func (m *Manager) RenameChat(ctx context.Context, userID string, chatID int64, name string) error {
	return m.withOwnedChat(ctx, userID, chatID, func() error {
		if err := m.repo.RenameChat(ctx, chatID, name); err != nil {
			return fmt.Errorf("rename chat: %w", err)
		}
		m.logger.Info("Chat renamed", "user_id", userID, "chat_id", chatID)
		return nil
	})
}

// ActivateChat makes chatID the user's only active chat.
func (m *Manager) ActivateChat(ctx context.Context, userID string, chatID int64) error {
	return m.withOwnedChat(ctx, userID, chatID, func() error {
		if err := m.repo.ActivateChat(ctx, chatID); err != nil {
			return fmt.Errorf("activate chat: %w", err)
		}
		m.logger.Info("Chat activated", "user_id", userID, "chat_id", chatID)
		return nil
	})
}

// ClearChat deletes every message of the chat.
func (m *Manager) ClearChat(ctx context.Context, userID string, chatID int64) error {
	return m.withOwnedChat(ctx, userID, chatID, func() error {
		if err := m.repo.ClearHistory(ctx, chatID); err != nil {
			return fmt.Errorf("clear chat: %w", err)
		}
		m.logger.Info("Chat history cleared", "user_id", userID, "chat_id", chatID)
		return nil
	})
}

// DeleteChat deletes the chat and its messages, repairing the active chat if needed.
func (m *Manager) DeleteChat(ctx context.Context, userID string, chatID int64) error {
	return m.withOwnedChat(ctx, userID, chatID, func() error {
		repair, err := m.repo.DeleteChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		m.logger.Info("Chat deleted", "user_id", userID, "chat_id", chatID)
		if repair != store.RepairNone {
			m.logger.Warn("Active chat invariant repaired", "user_id", userID, "deleted_chat_id", chatID, "repair", repair.String())
		}
		return nil
	})
}

// History returns up to limit most recent messages of one of the user's chats,
// oldest first. A non-positive limit uses the history window.
func (m *Manager) History(ctx context.Context, userID string, chatID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = m.window
	}
	if _, err := m.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	history, err := m.repo.ListHistory(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return history, nil
}

// Chat returns one of the user's chats.
func (m *Manager) Chat(ctx context.Context, userID string, chatID int64) (*domain.Chat, error) {
	return m.ownedChat(ctx, userID, chatID)
}

// withOwnedChat runs fn under the chat lock after checking ownership.
func (m *Manager) withOwnedChat(ctx context.Context, userID string, chatID int64, fn func() error) error {
	unlock := m.chatLocks.Lock(chatID)
	defer unlock()

	if _, err := m.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return fn()
}

// ownedChat loads chatID and reports chats of other users as not found.
func (m *Manager) ownedChat(ctx context.Context, userID string, chatID int64) (*domain.Chat, error) {
	chat, err := m.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, fmt.Errorf("chat %d: %w", chatID, errdefs.ErrNotFound)
	}
	return chat, nil
}

// IsNotFound reports whether err means a referenced user or chat is absent.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsInvalidInput reports whether err was caused by invalid user input.
func IsInvalidInput(err error) bool {
	return errdefs.IsInvalidArgument(err)
}

// IsProviderFailure reports whether err came from the completion provider.
func IsProviderFailure(err error) bool {
	return completion.IsProviderError(err) || errors.Is(err, context.DeadlineExceeded)
}
