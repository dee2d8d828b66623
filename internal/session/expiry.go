package session

import (
	"context"
	"log/slog"
	"time"
)

const minExpiryInterval = time.Second

// StartDialogExpiryWorker periodically resets dialog states idle for longer
// than ttl. The returned channel is closed once the worker exits after ctx
// is cancelled.
func StartDialogExpiryWorker(ctx context.Context, states *DialogStates, ttl time.Duration) <-chan struct{} {
	interval := ttl / 2
	if interval < minExpiryInterval {
		interval = minExpiryInterval
	}

	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Dialog expiry worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := states.Expire(ttl); n > 0 {
					slog.Info("Dialog expiry worker reset pending actions", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Dialog expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}
