// Package jsonl implements the analytics event store as an append-only
// JSONL file, one event per line. Reads parse the whole file, so it suits
// modest volumes; larger deployments should pick SQLite or Redis.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gateway "github.com/labiium/routiium/internal"
)

// Store is a file-backed event store. All operations serialize on one
// mutex; the append handle stays open for the store's lifetime.
type Store struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// New opens (creating if needed) the JSONL file at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create analytics dir: %w", err)
		}
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, file: f}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open analytics file: %w", err)
	}
	return f, nil
}

// AppendEvents writes a batch, one JSON document per line.
func (s *Store) AppendEvents(ctx context.Context, events []*gateway.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.Write(buf.Bytes())
	return err
}

// ScanEvents returns events inside [start, end], newest first.
func (s *Store) ScanEvents(ctx context.Context, start, end time.Time, limit int) ([]*gateway.AnalyticsEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var out []*gateway.AnalyticsEvent
	for _, e := range all {
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

// CountEvents reports the number of parseable events in the file.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// ClearEvents truncates the file.
func (s *Store) ClearEvents(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Truncate(0)
}

// SweepEvents rewrites the file keeping only events with timestamp >=
// before. Unparseable lines are dropped along the way.
func (s *Store) SweepEvents(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	kept := 0
	for _, e := range all {
		if e.Timestamp.Before(before) {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		kept++
	}
	if kept == len(all) {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".analytics-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("sweep temp file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("sweep rename: %w", err)
	}

	// The old append handle points at the replaced inode.
	s.file.Close()
	f, err := openAppend(s.path)
	if err != nil {
		return 0, err
	}
	s.file = f
	return len(all) - kept, nil
}

// Close closes the append handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// readAll parses every line, skipping ones that do not decode.
func (s *Store) readAll() ([]*gateway.AnalyticsEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*gateway.AnalyticsEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e gateway.AnalyticsEvent
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, sc.Err()
}
