package completion

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const providerOpenAI = "openai"

// anonymousToken is sent to keyless OpenAI-compatible endpoints; the client
// library refuses to start without a token.
const anonymousToken = "anonymous"

var _ Client = (*OpenAIClient)(nil)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	llm *openai.LLM
}

// OpenAIOption customizes the underlying HTTP client.
type OpenAIOption func(*[]openai.Option)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(opts *[]openai.Option) {
		*opts = append(*opts, openai.WithHTTPClient(c))
	}
}

// NewOpenAI creates a client for the endpoint at baseURL.
func NewOpenAI(baseURL, apiKey string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		apiKey = anonymousToken
	}
	llmOpts := []openai.Option{
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
	}
	for _, opt := range opts {
		opt(&llmOpts)
	}

	llm, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &OpenAIClient{llm: llm}, nil
}

// Generate sends messages to the chat completions endpoint.
func (c *OpenAIClient) Generate(ctx context.Context, messages []domain.PromptMessage, model string) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	resp, err := c.llm.GenerateContent(ctx, content, llms.WithModel(model))
	if err != nil {
		return "", &ProviderError{Provider: providerOpenAI, Model: model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: providerOpenAI, Model: model, Err: ErrEmptyResponse}
	}
	return resp.Choices[0].Content, nil
}

func chatMessageType(r domain.Role) llms.ChatMessageType {
	switch r {
	case domain.RoleSystem:
		return llms.ChatMessageTypeSystem
	case domain.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
