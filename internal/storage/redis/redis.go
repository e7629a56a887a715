// Package redis implements the storage interfaces on a Redis server. Key
// records live as JSON values with a set index; analytics events live as
// JSON values with a sorted-set time index.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "routiium:keys:"
	keyIndex    = "routiium:keys:index"
	eventPrefix = "routiium:events:"
	eventIndex  = "routiium:events:index"
)

// Store implements storage.KeyStore and storage.EventStore on one Redis
// client.
type Store struct {
	rdb *redis.Client
}

// New connects to the Redis server at url (redis:// or rediss://) and
// verifies the connection.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
