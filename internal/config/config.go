// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultReasoningPrompt is the system directive prepended to prompts when
// reasoning mode is enabled for a user.
const DefaultReasoningPrompt = `Теперь ты должен тщательно обдумывать каждый ответ.
Разбивай свои мысли на короткие сообщения, показывая процесс размышления.
Используй эмодзи для обозначения этапов:
🤔 - начало размышления
💭 - процесс анализа
💡 - появление идеи
✨ - формулировка ответа`

// MaxModelNameBytes bounds model names so that the "model:<name>" button
// action fits Telegram's 64-byte callback data.
const MaxModelNameBytes = 64 - len("model:")

// Supported completion providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCPort        string
	FrontendURL     string
	DBPath          string
	LogLevel        slog.Level
	Completion      CompletionConfig
	Chat            ChatConfig
	Telegram        TelegramConfig
	ConversationLog ConversationLogConfig
}

// CompletionConfig selects and configures the text-completion provider.
type CompletionConfig struct {
	Provider     string
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	DefaultModel string
	ModelsFile   string
}

// ChatConfig controls prompt assembly and dialog behaviour.
type ChatConfig struct {
	HistoryWindow    int
	RefineIterations int
	ReasoningPrompt  string
	DialogStateTTL   time.Duration
}

// TelegramConfig enables the Telegram transport when Token is set.
type TelegramConfig struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chatkeeper.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Completion: CompletionConfig{
			Provider:     strings.ToLower(getEnv("COMPLETION_PROVIDER", ProviderOpenAI)),
			BaseURL:      getEnv("COMPLETION_BASE_URL", "https://text.pollinations.ai/openai"),
			APIKey:       getEnv("COMPLETION_API_KEY", ""),
			Timeout:      getEnvDuration("COMPLETION_TIMEOUT", 120*time.Second),
			DefaultModel: getEnv("DEFAULT_MODEL", "gpt-4"),
			ModelsFile:   getEnv("MODELS_FILE", ""),
		},
		Chat: ChatConfig{
			HistoryWindow:    getEnvInt("HISTORY_WINDOW", 10),
			RefineIterations: getEnvInt("REFINE_ITERATIONS", 7),
			ReasoningPrompt:  getEnv("REASONING_PROMPT", DefaultReasoningPrompt),
			DialogStateTTL:   getEnvDuration("DIALOG_STATE_TTL", 15*time.Minute),
		},
		Telegram: TelegramConfig{
			Token:       getEnv("TELEGRAM_TOKEN", ""),
			APIURL:      getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			PollTimeout: getEnvDuration("TELEGRAM_POLL_TIMEOUT", 30*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Completion.Provider {
	case ProviderOpenAI:
		if c.Completion.BaseURL == "" {
			return fmt.Errorf("COMPLETION_BASE_URL cannot be empty for provider %q", ProviderOpenAI)
		}
	case ProviderGemini:
		if c.Completion.APIKey == "" {
			return fmt.Errorf("COMPLETION_API_KEY is required for provider %q", ProviderGemini)
		}
	default:
		return fmt.Errorf("unknown COMPLETION_PROVIDER %q", c.Completion.Provider)
	}
	if c.Completion.Timeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.Completion.DefaultModel == "" {
		return fmt.Errorf("DEFAULT_MODEL cannot be empty")
	}
	if len(c.Completion.DefaultModel) > MaxModelNameBytes {
		return fmt.Errorf("DEFAULT_MODEL must be at most %d bytes", MaxModelNameBytes)
	}
	if c.Chat.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 1")
	}
	if c.Chat.RefineIterations < 1 {
		return fmt.Errorf("REFINE_ITERATIONS must be >= 1")
	}
	if c.Chat.DialogStateTTL <= 0 {
		return fmt.Errorf("DIALOG_STATE_TTL must be > 0")
	}
	if c.Telegram.Token != "" && c.Telegram.APIURL == "" {
		return fmt.Errorf("TELEGRAM_API_URL cannot be empty when TELEGRAM_TOKEN is set")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// TelegramEnabled reports whether the Telegram transport should run.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.Token != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
