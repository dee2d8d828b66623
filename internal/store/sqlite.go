package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes write transactions to prevent SQLITE_BUSY on lock upgrade
	now     func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Foreign keys are per-connection in SQLite, so they go in the DSN.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		reasoning_mode INTEGER NOT NULL DEFAULT 0,
		refine_mode INTEGER NOT NULL DEFAULT 0,
		selected_model TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		chat_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user_created ON chats(user_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		message_id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, message_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// write runs fn inside a serialized transaction, retrying on lock conflicts.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Debug("Rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

// EnsureUser creates the user and a default chat on first contact.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string, meta domain.UserMetadata) (*domain.User, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, fmt.Errorf("empty user id: %w", errdefs.ErrInvalidArgument)
	}

	var created bool
	err := s.write(ctx, "ensure user", func(tx *sql.Tx) error {
		created = false
		now := s.now().UnixNano()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (user_id, username, first_name, last_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			userID, meta.Username, meta.FirstName, meta.LastName, now, now)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}

		if n == 0 {
			if meta == (domain.UserMetadata{}) {
				return nil
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE users SET
					username = COALESCE(NULLIF(?, ''), username),
					first_name = COALESCE(NULLIF(?, ''), first_name),
					last_name = COALESCE(NULLIF(?, ''), last_name),
					updated_at = ?
				WHERE user_id = ?`,
				meta.Username, meta.FirstName, meta.LastName, now, userID)
			if err != nil {
				return fmt.Errorf("update user metadata: %w", err)
			}
			return nil
		}

		created = true
		if _, err := insertActiveChat(ctx, tx, userID, domain.DefaultChatName, now); err != nil {
			return fmt.Errorf("create default chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, reasoning_mode, refine_mode,
		       selected_model, created_at, updated_at
		FROM users WHERE user_id = ?`, userID)

	var (
		user                 domain.User
		reasoning, refine    int64
		model                sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&user.UserID, &user.Username, &user.FirstName, &user.LastName,
		&reasoning, &refine, &model, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.ReasoningMode = reasoning != 0
	user.RefineMode = refine != 0
	user.Model = model.String
	user.CreatedAt = time.Unix(0, createdAt)
	user.UpdatedAt = time.Unix(0, updatedAt)
	return &user, nil
}

// ToggleReasoningMode flips the user's reasoning-mode flag.
func (s *SQLiteStore) ToggleReasoningMode(ctx context.Context, userID string) (bool, error) {
	return s.toggleFlag(ctx, userID, "reasoning_mode")
}

// ToggleRefineMode flips the user's refinement flag.
func (s *SQLiteStore) ToggleRefineMode(ctx context.Context, userID string) (bool, error) {
	return s.toggleFlag(ctx, userID, "refine_mode")
}

// toggleFlag flips a boolean users column. column is never user input.
func (s *SQLiteStore) toggleFlag(ctx context.Context, userID, column string) (bool, error) {
	var enabled bool
	err := s.write(ctx, "toggle "+column, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, "SELECT "+column+" FROM users WHERE user_id = ?", userID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", userID, errdefs.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", column, err)
		}
		enabled = current == 0
		_, err = tx.ExecContext(ctx, "UPDATE users SET "+column+" = ?, updated_at = ? WHERE user_id = ?",
			boolToInt(enabled), s.now().UnixNano(), userID)
		if err != nil {
			return fmt.Errorf("update %s: %w", column, err)
		}
		return nil
	})
	return enabled, err
}

// SetModel stores the user's preferred model.
func (s *SQLiteStore) SetModel(ctx context.Context, userID, model string) error {
	var value any
	if model != "" {
		value = model
	}
	return s.write(ctx, "set model", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET selected_model = ?, updated_at = ? WHERE user_id = ?`,
			value, s.now().UnixNano(), userID)
		if err != nil {
			return fmt.Errorf("update selected model: %w", err)
		}
		return requireAffected(res, "user "+userID)
	})
}

// GetOrCreateActiveChat returns the active chat, healing the invariant if needed.
func (s *SQLiteStore) GetOrCreateActiveChat(ctx context.Context, userID string) (*domain.Chat, error) {
	active, err := listActive(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if len(active) == 1 {
		return &active[0], nil
	}

	var chat *domain.Chat
	err = s.write(ctx, "get or create active chat", func(tx *sql.Tx) error {
		if err := userExists(ctx, tx, userID); err != nil {
			return err
		}
		active, err := listActive(ctx, tx, userID)
		if err != nil {
			return err
		}
		switch len(active) {
		case 0:
			chat, err = insertActiveChat(ctx, tx, userID, domain.DefaultChatName, s.now().UnixNano())
			if err != nil {
				return fmt.Errorf("create default chat: %w", err)
			}
			slog.Info("Created default chat", "user_id", userID, "chat_id", chat.ID)
		case 1:
			chat = &active[0]
		default:
			chat = &active[0]
			if _, err := tx.ExecContext(ctx,
				`UPDATE chats SET is_active = 0 WHERE user_id = ? AND chat_id <> ?`, userID, chat.ID); err != nil {
				return fmt.Errorf("deactivate duplicate active chats: %w", err)
			}
			slog.Warn("Repaired multiple active chats", "user_id", userID, "chat_id", chat.ID, "active_count", len(active))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID int64) (*domain.Chat, error) {
	return getChat(ctx, s.db, chatID)
}

// CreateChat creates a new active chat for the user.
func (s *SQLiteStore) CreateChat(ctx context.Context, userID, name string) (*domain.Chat, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	var chat *domain.Chat
	err = s.write(ctx, "create chat", func(tx *sql.Tx) error {
		if err := userExists(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET is_active = 0 WHERE user_id = ? AND is_active = 1`, userID); err != nil {
			return fmt.Errorf("deactivate chats: %w", err)
		}
		chat, err = insertActiveChat(ctx, tx, userID, name, s.now().UnixNano())
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// ActivateChat deactivates all other chats of the owner and activates chatID.
func (s *SQLiteStore) ActivateChat(ctx context.Context, chatID int64) error {
	return s.write(ctx, "activate chat", func(tx *sql.Tx) error {
		chat, err := getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE chats SET is_active = CASE WHEN chat_id = ? THEN 1 ELSE 0 END WHERE user_id = ?`,
			chatID, chat.UserID)
		if err != nil {
			return fmt.Errorf("activate chat: %w", err)
		}
		return nil
	})
}

// RenameChat changes a chat's display name.
func (s *SQLiteStore) RenameChat(ctx context.Context, chatID int64, name string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	return s.write(ctx, "rename chat", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chats SET name = ? WHERE chat_id = ?`, name, chatID)
		if err != nil {
			return fmt.Errorf("rename chat: %w", err)
		}
		return requireAffected(res, fmt.Sprintf("chat %d", chatID))
	})
}

// DeleteChat removes a chat and its messages. When the chat was active the
// most recently created remaining chat is activated (ties broken by the
// highest chat ID), or a default chat is created if none remain.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID int64) (Repair, error) {
	repair := RepairNone
	err := s.write(ctx, "delete chat", func(tx *sql.Tx) error {
		repair = RepairNone
		chat, err := getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete chat messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		if !chat.IsActive {
			return nil
		}

		var newest int64
		err = tx.QueryRowContext(ctx, `
			SELECT chat_id FROM chats WHERE user_id = ?
			ORDER BY created_at DESC, chat_id DESC LIMIT 1`, chat.UserID).Scan(&newest)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := insertActiveChat(ctx, tx, chat.UserID, domain.DefaultChatName, s.now().UnixNano()); err != nil {
				return fmt.Errorf("create default chat: %w", err)
			}
			repair = RepairDefaultCreated
		case err != nil:
			return fmt.Errorf("find newest chat: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE chats SET is_active = 1 WHERE chat_id = ?`, newest); err != nil {
				return fmt.Errorf("reactivate chat: %w", err)
			}
			repair = RepairReactivated
		}
		return nil
	})
	if err != nil {
		return RepairNone, err
	}
	return repair, nil
}

// ClearHistory deletes all messages of a chat, leaving the chat itself intact.
func (s *SQLiteStore) ClearHistory(ctx context.Context, chatID int64) error {
	return s.write(ctx, "clear history", func(tx *sql.Tx) error {
		if _, err := getChat(ctx, tx, chatID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			slog.Debug("ClearHistory affected 0 rows", "chat_id", chatID)
		}
		return nil
	})
}

// AppendMessage adds a message to the end of a chat's history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID int64, role domain.Role, content string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("role %q: %w", role, errdefs.ErrInvalidArgument)
	}

	var msg *domain.Message
	err := s.write(ctx, "append message", func(tx *sql.Tx) error {
		if _, err := getChat(ctx, tx, chatID); err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (chat_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			chatID, string(role), content, now.UnixNano())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("get message id: %w", err)
		}
		msg = &domain.Message{
			ID:        id,
			ChatID:    chatID,
			Role:      role,
			Content:   content,
			CreatedAt: time.Unix(0, now.UnixNano()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// historyPrealloc caps the slice preallocated for a history read.
const historyPrealloc = 64

// ListHistory returns the most recent limit messages in chronological order.
func (s *SQLiteStore) ListHistory(ctx context.Context, chatID int64, limit int) ([]domain.Message, error) {
	if _, err := getChat(ctx, s.db, chatID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, role, content, created_at
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY message_id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	messages := make([]domain.Message, 0, min(limit, historyPrealloc))
	for rows.Next() {
		var (
			m         domain.Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if m.Role, err = domain.ParseRole(role); err != nil {
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		m.CreatedAt = time.Unix(0, createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Fetched newest first; callers need oldest first.
	slices.Reverse(messages)
	return messages, nil
}

// ListChats returns the user's chats, most recently created first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	if err := userExists(ctx, s.db, userID); err != nil {
		return nil, err
	}
	return queryChats(ctx, s.db, `
		SELECT chat_id, user_id, name, is_active, created_at
		FROM chats WHERE user_id = ?
		ORDER BY created_at DESC, chat_id DESC`, userID)
}

func listActive(ctx context.Context, q querier, userID string) ([]domain.Chat, error) {
	return queryChats(ctx, q, `
		SELECT chat_id, user_id, name, is_active, created_at
		FROM chats WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC, chat_id DESC`, userID)
}

func queryChats(ctx context.Context, q querier, query string, args ...any) ([]domain.Chat, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	chats := []domain.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*domain.Chat, error) {
	var (
		chat      domain.Chat
		active    int64
		createdAt int64
	)
	if err := row.Scan(&chat.ID, &chat.UserID, &chat.Name, &active, &createdAt); err != nil {
		return nil, err
	}
	chat.IsActive = active != 0
	chat.CreatedAt = time.Unix(0, createdAt)
	return &chat, nil
}

func getChat(ctx context.Context, q querier, chatID int64) (*domain.Chat, error) {
	row := q.QueryRowContext(ctx, `
		SELECT chat_id, user_id, name, is_active, created_at
		FROM chats WHERE chat_id = ?`, chatID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %d: %w", chatID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

func userExists(ctx context.Context, q querier, userID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %s: %w", userID, errdefs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	return nil
}

func insertActiveChat(ctx context.Context, tx *sql.Tx, userID, name string, createdAt int64) (*domain.Chat, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO chats (user_id, name, is_active, created_at) VALUES (?, ?, 1, ?)`,
		userID, name, createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get chat id: %w", err)
	}
	return &domain.Chat{
		ID:        id,
		UserID:    userID,
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Unix(0, createdAt),
	}, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, errdefs.ErrNotFound)
	}
	return nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty chat name: %w", errdefs.ErrInvalidArgument)
	}
	return name, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
