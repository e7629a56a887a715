// Package storage defines persistence interfaces for the gateway.
//
// Key records and analytics events select their backends independently, so
// the concerns are separate interfaces rather than one combined store. A
// backend that supports both (SQLite, Redis) implements both on one type.
package storage

import (
	"context"
	"time"

	gateway "github.com/labiium/routiium/internal"
)

// KeyStore persists API key records. GetKey returns gateway.ErrNotFound
// for unknown ids; PutKey inserts or replaces the full record.
type KeyStore interface {
	PutKey(ctx context.Context, key *gateway.KeyRecord) error
	GetKey(ctx context.Context, id string) (*gateway.KeyRecord, error)
	ListKeys(ctx context.Context) ([]*gateway.KeyRecord, error)
	DeleteKey(ctx context.Context, id string) error
	Close() error
}

// EventStore persists analytics events append-only.
type EventStore interface {
	// AppendEvents stores a batch of events.
	AppendEvents(ctx context.Context, events []*gateway.AnalyticsEvent) error
	// ScanEvents returns events with start <= timestamp <= end, newest
	// first, at most limit entries. limit <= 0 means no cap.
	ScanEvents(ctx context.Context, start, end time.Time, limit int) ([]*gateway.AnalyticsEvent, error)
	// CountEvents reports how many events are stored.
	CountEvents(ctx context.Context) (int, error)
	// ClearEvents removes every stored event.
	ClearEvents(ctx context.Context) error
	// SweepEvents removes events with timestamp < before and reports how
	// many were removed.
	SweepEvents(ctx context.Context, before time.Time) (int, error)
	Close() error
}
