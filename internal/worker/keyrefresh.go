package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const keyRefreshInterval = 60 * time.Second

// KeyRefresher reloads the in-memory key cache from the durable backend so
// revocations made by other instances take effect within a minute.
type KeyRefresher struct {
	refresh func(ctx context.Context) error
	clock   clockwork.Clock
}

// NewKeyRefresher creates a refresher calling the given reload function.
// A nil clock uses the real one.
func NewKeyRefresher(refresh func(ctx context.Context) error, clock clockwork.Clock) *KeyRefresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &KeyRefresher{refresh: refresh, clock: clock}
}

// Name returns the worker identifier.
func (k *KeyRefresher) Name() string { return "key_refresher" }

// Run refreshes once a minute until ctx is cancelled.
func (k *KeyRefresher) Run(ctx context.Context) error {
	ticker := k.clock.NewTicker(keyRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := k.refresh(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "key cache refresh failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
