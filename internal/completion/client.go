// Package completion wraps external text-generation providers behind a
// single Generate operation.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/chatkeeper/internal/config"
	"github.com/ashureev/chatkeeper/internal/domain"
	"github.com/containerd/errdefs"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("provider returned no choices")

// Client generates a reply for an ordered prompt using the given model.
type Client interface {
	Generate(ctx context.Context, messages []domain.PromptMessage, model string) (string, error)
}

// ProviderError reports a failed completion call. It matches
// errdefs.ErrUnavailable so callers can classify it without this package.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s completion with model %q failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is reports ProviderError as an unavailable dependency.
func (e *ProviderError) Is(target error) bool {
	return target == errdefs.ErrUnavailable
}

// IsProviderError reports whether err came from a completion provider.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// New builds the provider selected by cfg.
func New(ctx context.Context, cfg config.CompletionConfig) (Client, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		client, err = NewOpenAI(cfg.BaseURL, cfg.APIKey)
	case config.ProviderGemini:
		client, err = NewGemini(ctx, cfg.APIKey, "")
	default:
		return nil, fmt.Errorf("unknown completion provider %q: %w", cfg.Provider, errdefs.ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(client, cfg.Timeout), nil
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every Generate call of next by timeout.
// A non-positive timeout returns next unchanged.
func WithTimeout(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return next
	}
	return &timeoutClient{next: next, timeout: timeout}
}

func (c *timeoutClient) Generate(ctx context.Context, messages []domain.PromptMessage, model string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Generate(ctx, messages, model)
}
