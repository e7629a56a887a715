package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/labiium/routiium/internal"
)

func (s *Store) AppendEvents(ctx context.Context, events []*gateway.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal analytics event: %w", err)
		}
		pipe.Set(ctx, eventPrefix+ev.ID, data, 0)
		pipe.ZAdd(ctx, eventIndex, redis.Z{
			Score:  float64(ev.Timestamp.UnixMilli()),
			Member: ev.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store analytics events: %w", err)
	}
	return nil
}

func (s *Store) ScanEvents(ctx context.Context, start, end time.Time, limit int) ([]*gateway.AnalyticsEvent, error) {
	by := &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, eventIndex, by).Result()
	if err != nil {
		return nil, fmt.Errorf("scan event index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = eventPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("load analytics events: %w", err)
	}
	out := make([]*gateway.AnalyticsEvent, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var ev gateway.AnalyticsEvent
		if err := json.Unmarshal([]byte(str), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal analytics event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, eventIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("count analytics events: %w", err)
	}
	return int(n), nil
}

func (s *Store) ClearEvents(ctx context.Context) error {
	ids, err := s.rdb.ZRange(ctx, eventIndex, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list event ids: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, eventPrefix+id)
	}
	pipe.Del(ctx, eventIndex)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear analytics events: %w", err)
	}
	return nil
}

func (s *Store) SweepEvents(ctx context.Context, before time.Time) (int, error) {
	max := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, eventIndex, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired events: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, eventPrefix+id)
	}
	pipe.ZRemRangeByScore(ctx, eventIndex, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("sweep analytics events: %w", err)
	}
	return len(ids), nil
}
