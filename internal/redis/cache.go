package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlotCache stores computed availability under caller-built keys.
type SlotCache interface {
	Get(ctx context.Context, key string) ([]time.Time, bool, error)
	Set(ctx context.Context, key string, slots []time.Time) error
}

type redisSlotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSlotCache(client *redis.Client, ttl time.Duration) SlotCache {
	return &redisSlotCache{client: client, ttl: ttl}
}

func (c *redisSlotCache) Get(ctx context.Context, key string) ([]time.Time, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached slots: %w", err)
	}

	var slots []time.Time
	if err := json.Unmarshal(raw, &slots); err != nil {
		// Unreadable entries are treated as misses and overwritten later.
		return nil, false, nil
	}
	return slots, true, nil
}

func (c *redisSlotCache) Set(ctx context.Context, key string, slots []time.Time) error {
	if slots == nil {
		slots = []time.Time{}
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached slots: %w", err)
	}
	return nil
}
