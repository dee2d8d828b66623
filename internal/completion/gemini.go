package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/chatkeeper/internal/domain"
	"google.golang.org/genai"
)

const providerGemini = "gemini"

var _ Client = (*GeminiClient)(nil)

// GeminiClient generates replies with Google's Gemini API.
type GeminiClient struct {
	client *genai.Client
}

// NewGemini creates a Gemini client. baseURL overrides the API endpoint when set.
func NewGemini(ctx context.Context, apiKey, baseURL string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Generate sends messages to Gemini. System messages become the system instruction.
func (c *GeminiClient) Generate(ctx context.Context, messages []domain.PromptMessage, model string) (string, error) {
	system, contents := toGeminiContents(messages)

	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", &ProviderError{Provider: providerGemini, Model: model, Err: err}
	}
	text := resp.Text()
	if text == "" {
		return "", &ProviderError{Provider: providerGemini, Model: model, Err: ErrEmptyResponse}
	}
	return text, nil
}

// toGeminiContents splits system directives from the conversation turns.
func toGeminiContents(messages []domain.PromptMessage) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}
