package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/labiium/routiium/internal"
)

// EventStore is a bounded in-memory event ring. When the cap is reached
// the oldest entries are discarded.
type EventStore struct {
	mu     sync.RWMutex
	max    int
	events []*gateway.AnalyticsEvent // append order, oldest first
}

// NewEventStore returns a ring bounded at max events. max <= 0 means
// unbounded.
func NewEventStore(max int) *EventStore {
	return &EventStore{max: max}
}

// AppendEvents stores a batch, evicting the oldest entries past the cap.
func (s *EventStore) AppendEvents(ctx context.Context, events []*gateway.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	if s.max > 0 && len(s.events) > s.max {
		over := len(s.events) - s.max
		s.events = append([]*gateway.AnalyticsEvent(nil), s.events[over:]...)
	}
	return nil
}

// ScanEvents returns events inside [start, end], newest first.
func (s *EventStore) ScanEvents(ctx context.Context, start, end time.Time, limit int) ([]*gateway.AnalyticsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.AnalyticsEvent
	for _, e := range s.events {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountEvents reports the number of stored events.
func (s *EventStore) CountEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// ClearEvents discards everything.
func (s *EventStore) ClearEvents(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	return nil
}

// SweepEvents drops events older than before.
func (s *EventStore) SweepEvents(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Timestamp.Before(before) {
			kept = append(kept, e)
		}
	}
	removed := len(s.events) - len(kept)
	s.events = kept
	return removed, nil
}

// Close is a no-op.
func (s *EventStore) Close() error { return nil }
