package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	gateway "github.com/labiium/routiium/internal"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatal("connect:", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	exp := now.Add(time.Hour)
	key := &gateway.KeyRecord{
		ID:           "0123456789abcdef0123456789abcdef",
		SecretDigest: "digest",
		Salt:         []byte{1, 2, 3, 4},
		CreatedAt:    now,
		ExpiresAt:    &exp,
		Label:        "ci",
		Scopes:       []string{"chat", "responses"},
	}

	if err := s.PutKey(ctx, key); err != nil {
		t.Fatal("put:", err)
	}

	got, err := s.GetKey(ctx, key.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Label != "ci" || got.SecretDigest != "digest" || !got.ExpiresAt.Equal(exp) {
		t.Errorf("got = %+v", got)
	}
	if string(got.Salt) != string(key.Salt) {
		t.Errorf("salt = %v, want %v", got.Salt, key.Salt)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "chat" {
		t.Errorf("scopes = %v", got.Scopes)
	}

	// Replace via PutKey.
	revoked := now.Add(time.Minute)
	key.RevokedAt = &revoked
	if err := s.PutKey(ctx, key); err != nil {
		t.Fatal("put replace:", err)
	}
	got, _ = s.GetKey(ctx, key.ID)
	if got.RevokedAt == nil {
		t.Error("revoked_at lost on replace")
	}

	if err := s.DeleteKey(ctx, key.ID); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKey(ctx, key.ID); err != gateway.ErrNotFound {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteKey(ctx, key.ID); err != gateway.ErrNotFound {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestListKeysOrder(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"aaa", "bbb", "ccc"} {
		key := &gateway.KeyRecord{ID: id, SecretDigest: "d", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.PutKey(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 3 {
		t.Fatalf("list count = %d, want 3", len(keys))
	}
	if keys[0].ID != "ccc" || keys[2].ID != "aaa" {
		t.Errorf("order = %s, %s, %s; want newest first", keys[0].ID, keys[1].ID, keys[2].ID)
	}
}

func TestListKeysSkipsDanglingIndex(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"aaa", "bbb"} {
		if err := s.PutKey(ctx, &gateway.KeyRecord{ID: id, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	// Value removed out of band; the index member remains.
	mr.Del(keyPrefix + "aaa")

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 || keys[0].ID != "bbb" {
		t.Errorf("keys = %+v, want only bbb", keys)
	}
}

func testEvent(id string, ts time.Time, model string) *gateway.AnalyticsEvent {
	return &gateway.AnalyticsEvent{
		ID:        id,
		Timestamp: ts,
		Request:   gateway.EventRequest{Endpoint: "/v1/chat/completions", Method: "POST", Model: model},
		Response:  gateway.EventResponse{Status: 200, Success: true},
		Perf:      gateway.EventPerf{DurationMs: 120},
	}
}

func TestEventBatchAndScan(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	events := []*gateway.AnalyticsEvent{
		testEvent("e1", base.Add(-2*time.Hour), "gpt-4o"),
		testEvent("e2", base.Add(-30*time.Minute), "gpt-4o-mini"),
		testEvent("e3", base.Add(-time.Minute), "gpt-4o"),
	}
	if err := s.AppendEvents(ctx, events); err != nil {
		t.Fatal("append:", err)
	}

	n, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
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
	if got[0].Request.Model != "gpt-4o" || got[0].Response.Status != 200 || got[0].Perf.DurationMs != 120 {
		t.Errorf("payload = %+v", got[0])
	}

	got, _ = s.ScanEvents(ctx, base.Add(-3*time.Hour), base, 2)
	if len(got) != 2 {
		t.Errorf("limited scan count = %d, want 2", len(got))
	}
}

func TestEventSweepAndClear(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{
		testEvent("old", base.Add(-2*time.Hour), "m"),
		testEvent("new", base, "m"),
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
	n, _ := s.CountEvents(ctx)
	if n != 1 {
		t.Errorf("count after sweep = %d, want 1", n)
	}

	if err := s.ClearEvents(ctx); err != nil {
		t.Fatal("clear:", err)
	}
	n, _ = s.CountEvents(ctx)
	if n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}

	// The store stays usable after a clear.
	if err := s.AppendEvents(ctx, []*gateway.AnalyticsEvent{testEvent("again", base, "m")}); err != nil {
		t.Fatal("append after clear:", err)
	}
	n, _ = s.CountEvents(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
