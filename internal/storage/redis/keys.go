package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	gateway "github.com/labiium/routiium/internal"
)

func (s *Store) PutKey(ctx context.Context, rec *gateway.KeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefix+rec.ID, data, 0)
	pipe.SAdd(ctx, keyIndex, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store key record: %w", err)
	}
	return nil
}

func (s *Store) GetKey(ctx context.Context, id string) (*gateway.KeyRecord, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load key record: %w", err)
	}
	var rec gateway.KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal key record: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]*gateway.KeyRecord, error) {
	ids, err := s.rdb.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list key ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = keyPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("load key records: %w", err)
	}
	out := make([]*gateway.KeyRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index member without a value, deleted out of band.
			continue
		}
		var rec gateway.KeyRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal key record: %w", err)
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteKey(ctx context.Context, id string) error {
	removed, err := s.rdb.Del(ctx, keyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete key record: %w", err)
	}
	if err := s.rdb.SRem(ctx, keyIndex, id).Err(); err != nil {
		return fmt.Errorf("unindex key record: %w", err)
	}
	if removed == 0 {
		return gateway.ErrNotFound
	}
	return nil
}
