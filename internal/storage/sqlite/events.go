package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gateway "github.com/labiium/routiium/internal"
)

// AppendEvents batch-inserts analytics events. The full event is stored as
// JSON; timestamp, model, and endpoint are promoted into indexed columns.
func (s *Store) AppendEvents(ctx context.Context, events []*gateway.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Single multi-row INSERT avoids N round-trips for large batches.
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*6)

	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.Timestamp.UnixMilli(), e.Request.Endpoint, e.Request.Model,
			e.Response.Status, string(payload),
		)
	}

	query := `INSERT INTO analytics_events (id, ts, endpoint, model, status_code, payload)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ScanEvents returns events inside [start, end], newest first.
func (s *Store) ScanEvents(ctx context.Context, start, end time.Time, limit int) ([]*gateway.AnalyticsEvent, error) {
	query := `SELECT payload FROM analytics_events WHERE ts >= ? AND ts <= ? ORDER BY ts DESC, id`
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.AnalyticsEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e gateway.AnalyticsEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountEvents reports the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_events`).Scan(&n)
	return n, err
}

// ClearEvents removes every stored event.
func (s *Store) ClearEvents(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM analytics_events`)
	return err
}

// SweepEvents removes events older than before.
func (s *Store) SweepEvents(ctx context.Context, before time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM analytics_events WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
