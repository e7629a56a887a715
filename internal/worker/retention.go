package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/labiium/routiium/internal/storage"
)

const sweepInterval = 60 * time.Second

// RetentionSweeper removes analytics events older than the configured TTL.
type RetentionSweeper struct {
	store storage.EventStore
	ttl   time.Duration
	clock clockwork.Clock
}

// NewRetentionSweeper creates a sweeper enforcing the given TTL. A nil
// clock uses the real one.
func NewRetentionSweeper(store storage.EventStore, ttl time.Duration, clock clockwork.Clock) *RetentionSweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RetentionSweeper{store: store, ttl: ttl, clock: clock}
}

// Name returns the worker identifier.
func (s *RetentionSweeper) Name() string { return "retention_sweeper" }

// Run sweeps once a minute until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	before := s.clock.Now().Add(-s.ttl)
	removed, err := s.store.SweepEvents(ctx, before)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "retention sweep",
			slog.Int("removed", removed),
		)
	}
}
