package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const coldKeyPrefix = "fastband:memory:cold:"

// RedisColdBackend mirrors the shared COLD tier into Redis, so a demoted
// item survives process restarts (spec §4.2: COLD is "rarely accessed but
// retained longer"). Every key carries ttl so an operator's Redis instance
// self-prunes rather than growing without bound.
type RedisColdBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisColdBackend dials addr (a redis:// URL, e.g. "redis://host:6379/0")
// and pings it before returning, so wiring failures surface at startup
// rather than on the first eviction.
func NewRedisColdBackend(addr string, ttl time.Duration) (*RedisColdBackend, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("memory: parse redis url: %w", err)
	}
	return NewRedisColdBackendFromClient(redis.NewClient(opts), ttl)
}

// NewRedisColdBackendFromClient wraps an already-configured client, letting
// a caller share a connection pool across subsystems or inject a fake
// client (miniredis) in tests.
func NewRedisColdBackendFromClient(client *redis.Client, ttl time.Duration) (*RedisColdBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("memory: ping redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisColdBackend{client: client, ttl: ttl}, nil
}

func coldKey(itemID string) string { return coldKeyPrefix + itemID }

// Save writes item as JSON under its key with the backend's ttl.
func (b *RedisColdBackend) Save(ctx context.Context, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("memory: marshal cold item: %w", err)
	}
	if err := b.client.Set(ctx, coldKey(item.ItemID), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("memory: redis set: %w", err)
	}
	return nil
}

// Load returns the item for itemID, or ok=false if it is absent or expired.
func (b *RedisColdBackend) Load(ctx context.Context, itemID string) (*Item, bool, error) {
	data, err := b.client.Get(ctx, coldKey(itemID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memory: redis get: %w", err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, false, fmt.Errorf("memory: unmarshal cold item: %w", err)
	}
	return &item, true, nil
}

// Delete removes itemID. A missing key is not an error.
func (b *RedisColdBackend) Delete(ctx context.Context, itemID string) error {
	if err := b.client.Del(ctx, coldKey(itemID)).Err(); err != nil {
		return fmt.Errorf("memory: redis del: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *RedisColdBackend) Close() error {
	return b.client.Close()
}
