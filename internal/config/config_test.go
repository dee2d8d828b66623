package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("COMPLETION_TIMEOUT", "120s")
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/chatkeeper.db")
	t.Setenv("COMPLETION_PROVIDER", "openai")
	t.Setenv("COMPLETION_BASE_URL", "https://text.pollinations.ai/openai")
	t.Setenv("DEFAULT_MODEL", "gpt-4")
	t.Setenv("HISTORY_WINDOW", "10")
	t.Setenv("REFINE_ITERATIONS", "7")
	t.Setenv("REASONING_PROMPT", DefaultReasoningPrompt)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Chat.HistoryWindow != 10 {
		t.Errorf("HistoryWindow = %d, want 10", cfg.Chat.HistoryWindow)
	}
	if cfg.Chat.RefineIterations != 7 {
		t.Errorf("RefineIterations = %d, want 7", cfg.Chat.RefineIterations)
	}
	if cfg.Completion.DefaultModel != "gpt-4" {
		t.Errorf("DefaultModel = %q, want gpt-4", cfg.Completion.DefaultModel)
	}
	if cfg.Completion.Timeout != 120*time.Second {
		t.Errorf("Timeout = %v, want 120s", cfg.Completion.Timeout)
	}
	if cfg.TelegramEnabled() {
		t.Error("expected Telegram to be disabled without a token")
	}
	if !strings.HasPrefix(cfg.Chat.ReasoningPrompt, "Теперь ты должен") {
		t.Errorf("unexpected reasoning prompt: %q", cfg.Chat.ReasoningPrompt)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Port:   "8080",
			DBPath: "db",
			Completion: CompletionConfig{
				Provider:     ProviderOpenAI,
				BaseURL:      "http://localhost",
				Timeout:      time.Second,
				DefaultModel: "gpt-4",
			},
			Chat: ChatConfig{
				HistoryWindow:    10,
				RefineIterations: 7,
				DialogStateTTL:   time.Minute,
			},
			ConversationLog: ConversationLogConfig{Dir: "logs", QueueSize: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, wantErr: "PORT"},
		{name: "zero window", mutate: func(c *Config) { c.Chat.HistoryWindow = 0 }, wantErr: "HISTORY_WINDOW"},
		{name: "zero iterations", mutate: func(c *Config) { c.Chat.RefineIterations = 0 }, wantErr: "REFINE_ITERATIONS"},
		{name: "unknown provider", mutate: func(c *Config) { c.Completion.Provider = "g4f" }, wantErr: "COMPLETION_PROVIDER"},
		{name: "gemini without key", mutate: func(c *Config) { c.Completion.Provider = ProviderGemini }, wantErr: "COMPLETION_API_KEY"},
		{name: "gemini with key", mutate: func(c *Config) {
			c.Completion.Provider = ProviderGemini
			c.Completion.APIKey = "k"
		}},
		{name: "zero timeout", mutate: func(c *Config) { c.Completion.Timeout = 0 }, wantErr: "COMPLETION_TIMEOUT"},
		{name: "longest model", mutate: func(c *Config) { c.Completion.DefaultModel = strings.Repeat("m", MaxModelNameBytes) }},
		{name: "model too long", mutate: func(c *Config) { c.Completion.DefaultModel = strings.Repeat("m", MaxModelNameBytes+1) }, wantErr: "DEFAULT_MODEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if parseLevel("DEBUG") != slog.LevelDebug {
		t.Error("expected debug level")
	}
	if parseLevel("warning") != slog.LevelWarn {
		t.Error("expected warn level")
	}
	if parseLevel("nonsense") != slog.LevelInfo {
		t.Error("expected info fallback")
	}
}
