// Package convlog writes completed conversation turns as NDJSON, one file
// per user and chat, without blocking the caller.
package convlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one completed (or failed) turn.
type Event struct {
	Timestamp     time.Time `json:"ts"`
	TurnID        string    `json:"turn_id"`
	UserID        string    `json:"user_id"`
	ChatID        int64     `json:"chat_id"`
	Channel       string    `json:"channel,omitempty"`
	Model         string    `json:"model"`
	ReasoningMode bool      `json:"reasoning_mode"`
	Refined       bool      `json:"refined"`
	UserText      string    `json:"user_text"`
	Reply         string    `json:"reply,omitempty"`
	LatencyMS     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

// Logger records conversation events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Nop discards every event.
type Nop struct{}

// Log does nothing.
func (Nop) Log(Event) {}

// Close does nothing.
func (Nop) Close() error { return nil }

// FileLogger appends events to <Dir>/<user>/<chat>.ndjson from a single
// background goroutine. Events are dropped when the queue is full.
type FileLogger struct {
	dir     string
	queue   chan Event
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// New returns a FileLogger, or Nop when cfg is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewFileLogger(cfg, logger)
}

// NewFileLogger creates the log directory and starts the writer goroutine.
func NewFileLogger(cfg Config, logger *slog.Logger) (*FileLogger, error) {
	l, err := newFileLogger(cfg, logger)
	if err != nil {
		return nil, err
	}
	go l.run()
	return l, nil
}

func newFileLogger(cfg Config, logger *slog.Logger) (*FileLogger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir is empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	return l, nil
}

// Log enqueues event. It never blocks.
func (l *FileLogger) Log(event Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- event:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (l *FileLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if n := l.Dropped(); n > 0 {
		l.logger.Warn("Conversation log closed with dropped events", "dropped_total", n)
	}
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write conversation log", "user_id", event.UserID, "chat_id", event.ChatID, "error", err)
		}
	}
}

// Path returns the file that holds events for userID and chatID.
func (l *FileLogger) Path(userID string, chatID int64) string {
	return filepath.Join(l.dir, sanitize(userID), strconv.FormatInt(chatID, 10)+".ndjson")
}

func (l *FileLogger) write(event Event) error {
	path := l.Path(event.UserID, event.ChatID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create user log dir: %w", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log line: %w", err)
	}
	return f.Close()
}

// sanitize maps a user ID to a directory name. IDs that needed rewriting get
// a hash suffix after "~", which never occurs in an unchanged ID, so distinct
// IDs keep distinct directories.
func sanitize(id string) string {
	if id == "" {
		return "~empty"
	}
	s := unsafePathChars.ReplaceAllString(id, "_")
	if strings.Trim(s, ".") == "" {
		s = strings.Repeat("_", len(s))
	}
	if s == id {
		return s
	}
	sum := sha256.Sum256([]byte(id))
	return s + "~" + hex.EncodeToString(sum[:6])
}
