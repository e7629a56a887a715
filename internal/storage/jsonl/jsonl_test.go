package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/labiium/routiium/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "analytics.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id string, ts time.Time) *gateway.AnalyticsEvent {
	return &gateway.AnalyticsEvent{
		ID:        id,
		Timestamp: ts,
		Request:   gateway.EventRequest{Endpoint: "/v1/responses", Method: "POST", Model: "gpt-4o"},
		Response:  gateway.EventResponse{Status: 200, Success: true},
	}
}

func TestAppendAndScan(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{
		testEvent("e1", base.Add(-2*time.Hour)),
		testEvent("e2", base.Add(-30*time.Minute)),
		testEvent("e3", base.Add(-time.Minute)),
	}); err != nil {
		t.Fatal("append:", err)
	}

	got, err := s.ScanEvents(ctx, base.Add(-time.Hour), base, 0)
	if err != nil {
		t.Fatal("scan:", err)
	}
	if len(got) != 2 {
		t.Fatalf("scan count = %d, want 2", len(got))
	}
	if got[0].ID != "e3" || got[1].ID != "e2" {
		t.Errorf("order = %s, %s; want newest first", got[0].ID, got[1].ID)
	}
	if got[0].Request.Model != "gpt-4o" || got[0].Response.Status != 200 {
		t.Errorf("event did not round-trip: %+v", got[0])
	}

	n, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "analytics.jsonl")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Now().UTC()
	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{testEvent("e1", ts)}); err != nil {
		t.Fatal("append:", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal("close:", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	n, _ := s2.CountEvents(ctx)
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
}

func TestSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "analytics.jsonl")
	if err := os.WriteFile(path, []byte("not json\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{testEvent("ok", time.Now().UTC())}); err != nil {
		t.Fatal("append:", err)
	}
	n, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 (malformed lines skipped)", n)
	}
}

func TestSweepRewritesFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{
		testEvent("old", base.Add(-2*time.Hour)),
		testEvent("new", base),
	}); err != nil {
		t.Fatal("append:", err)
	}

	removed, err := s.SweepEvents(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatal("sweep:", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// Appends still land in the rewritten file.
	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{testEvent("later", base.Add(time.Second))}); err != nil {
		t.Fatal("append after sweep:", err)
	}
	n, _ := s.CountEvents(ctx)
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	// Nothing to sweep is a no-op.
	removed, err = s.SweepEvents(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatal("second sweep:", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{testEvent("e1", time.Now().UTC())}); err != nil {
		t.Fatal("append:", err)
	}
	if err := s.ClearEvents(ctx); err != nil {
		t.Fatal("clear:", err)
	}
	n, _ := s.CountEvents(ctx)
	if n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}

	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{testEvent("e2", time.Now().UTC())}); err != nil {
		t.Fatal("append after clear:", err)
	}
	n, _ = s.CountEvents(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
