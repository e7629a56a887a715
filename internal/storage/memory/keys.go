// Package memory provides in-process storage backends. They are the
// defaults for single-instance deployments and disappear on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	gateway "github.com/labiium/routiium/internal"
)

// KeyStore keeps key records in a map. Records are copied on the way in
// and out so callers never share memory with the store.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*gateway.KeyRecord
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*gateway.KeyRecord)}
}

// PutKey inserts or replaces a record.
func (s *KeyStore) PutKey(ctx context.Context, key *gateway.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = cloneKey(key)
	return nil
}

// GetKey returns the record for id, or gateway.ErrNotFound.
func (s *KeyStore) GetKey(ctx context.Context, id string) (*gateway.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return cloneKey(k), nil
}

// ListKeys returns all records, newest first.
func (s *KeyStore) ListKeys(ctx context.Context) ([]*gateway.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.KeyRecord, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, cloneKey(k))
	}
	sortKeys(out)
	return out, nil
}

// DeleteKey removes the record for id, or returns gateway.ErrNotFound.
func (s *KeyStore) DeleteKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

// Close is a no-op.
func (s *KeyStore) Close() error { return nil }

// sortKeys orders newest first, id as tie-breaker, matching the durable
// backends.
func sortKeys(keys []*gateway.KeyRecord) {
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID < keys[j].ID
	})
}

func cloneKey(k *gateway.KeyRecord) *gateway.KeyRecord {
	c := *k
	c.Salt = append([]byte(nil), k.Salt...)
	if k.Scopes != nil {
		c.Scopes = append([]string(nil), k.Scopes...)
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}
