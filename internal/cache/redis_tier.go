package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "mapsync:"

// RedisTier stores entries as JSON envelopes. Redis expiry is set as well, so
// expired keys disappear server-side even if nobody reads them.
type RedisTier struct {
	client *redis.Client
	prefix string
}

func NewRedisTier(redisURL string) (*RedisTier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisTierWithClient(client), nil
}

func NewRedisTierWithClient(client *redis.Client) *RedisTier {
	return &RedisTier{
		client: client,
		prefix: defaultRedisPrefix,
	}
}

func (t *RedisTier) Name() string {
	return "redis"
}

func (t *RedisTier) key(key string) string {
	return t.prefix + key
}

func (t *RedisTier) Load(ctx context.Context, key string) (Entry, bool, error) {
	data, err := t.client.Get(ctx, t.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode redis entry: %w", err)
	}
	return entry, true, nil
}

func (t *RedisTier) Store(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode redis entry: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := t.client.Set(ctx, t.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTier) Close() error {
	return t.client.Close()
}
