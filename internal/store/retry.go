package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatkeeper/internal/shared"
)

const (
	maxRetries     = 3
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs fn, retrying with exponential backoff while it fails with a
// SQLite busy/locked conflict. Other errors are returned immediately.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Store operation hit SQLITE_BUSY, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries, err)
}
