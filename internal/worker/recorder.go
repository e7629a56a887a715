package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/storage"
)

const (
	recorderChanSize   = 1000
	recorderBatchSize  = 100
	recorderFlushEvery = 5 * time.Second
	recorderDrainTime  = 30 * time.Second
)

// Recorder buffers analytics events and batch-flushes them to the event
// store. Events are dropped, and counted, when the queue is full so the
// request path never blocks on a slow backend.
type Recorder struct {
	ch      chan *gateway.AnalyticsEvent
	store   storage.EventStore
	dropped atomic.Int64
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store storage.EventStore) *Recorder {
	return &Recorder{
		ch:    make(chan *gateway.AnalyticsEvent, recorderChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "analytics_recorder" }

// Record enqueues an event. It never blocks; drops on full queue.
func (r *Recorder) Record(ev *gateway.AnalyticsEvent) {
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
		slog.Warn("analytics event dropped, queue full")
	}
}

// Dropped reports how many events were discarded on a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// QueueLen reports the current queue depth.
func (r *Recorder) QueueLen() int { return len(r.ch) }

// Run processes events until ctx is cancelled, then drains what is queued.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(recorderFlushEvery)
	defer ticker.Stop()

	buf := make([]*gateway.AnalyticsEvent, 0, recorderBatchSize)

	for {
		select {
		case ev := <-r.ch:
			buf = append(buf, ev)
			if len(buf) >= recorderBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain empties the queue after shutdown, bounded by a fresh timeout.
func (r *Recorder) drain(buf []*gateway.AnalyticsEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderDrainTime)
	defer cancel()

	for {
		select {
		case ev := <-r.ch:
			buf = append(buf, ev)
			if len(buf) >= recorderBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []*gateway.AnalyticsEvent) {
	batch := make([]*gateway.AnalyticsEvent, len(buf))
	copy(batch, buf)

	// Assign ids off the hot path; callers leave ID empty.
	for _, ev := range batch {
		if ev.ID == "" {
			ev.ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.store.AppendEvents(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analytics flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
