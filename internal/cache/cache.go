// Package cache implements the durable key-value cache used as the local
// fallback tier of the sync engine.
//
// A Cache is an ordered chain of tiers. Reads return the first live hit and
// writes land in the first tier that accepts them; a failing tier is skipped
// silently. Entries expire lazily: a read at or after ExpiresAt is a miss.
// The tiers are never reconciled with each other.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/metrics"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type Tier interface {
	Name() string
	Load(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Cache struct {
	tiers   []Tier
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(tiers []Tier, opts Options) *Cache {
	chain := make([]Tier, 0, len(tiers))
	for _, tier := range tiers {
		if tier != nil {
			chain = append(chain, tier)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		tiers:   chain,
		log:     logger.OrNop(opts.Logger).With(logger.String("component", "cache")),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Get never fails; a broken tier is reported as a miss for that tier.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	key = strings.TrimSpace(key)
	if c == nil || key == "" {
		return nil, false
	}
	now := c.now()
	for _, tier := range c.tiers {
		entry, ok, err := tier.Load(ctx, key)
		if err != nil {
			c.log.Debug("cache tier read failed",
				logger.String("tier", tier.Name()),
				logger.String("key", key),
				logger.Error(err),
			)
			c.metrics.CacheLookup(tier.Name(), false)
			continue
		}
		if !ok {
			c.metrics.CacheLookup(tier.Name(), false)
			continue
		}
		if entry.Expired(now) {
			_ = tier.Delete(ctx, key)
			c.metrics.CacheLookup(tier.Name(), false)
			continue
		}
		c.metrics.CacheLookup(tier.Name(), true)
		return entry.Value, true
	}
	return nil, false
}

// Put stores value in the first tier that accepts it. It reports whether any
// tier took the write; failures are logged, never returned.
func (c *Cache) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) bool {
	key = strings.TrimSpace(key)
	if c == nil || key == "" {
		return false
	}
	entry := Entry{Value: append(json.RawMessage(nil), value...)}
	if ttl > 0 {
		entry.ExpiresAt = c.now().Add(ttl)
	}
	for _, tier := range c.tiers {
		err := tier.Store(ctx, key, entry, ttl)
		if err == nil {
			return true
		}
		c.log.Warn("cache tier write failed, trying next tier",
			logger.String("tier", tier.Name()),
			logger.String("key", key),
			logger.Error(err),
		)
	}
	c.log.Error("cache write dropped, no tier accepted it", logger.String("key", key))
	return false
}

func (c *Cache) Delete(ctx context.Context, key string) {
	key = strings.TrimSpace(key)
	if c == nil || key == "" {
		return
	}
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			c.log.Debug("cache tier delete failed",
				logger.String("tier", tier.Name()),
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}
}

func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("cache entry is not decodable", logger.String("key", key), logger.Error(err))
		return false
	}
	return true
}

func (c *Cache) PutJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if c == nil {
		return false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache value is not encodable", logger.String("key", key), logger.Error(err))
		return false
	}
	return c.Put(ctx, key, raw, ttl)
}

func (c *Cache) TierNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.tiers))
	for _, tier := range c.tiers {
		names = append(names, tier.Name())
	}
	return names
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, tier := range c.tiers {
		if err := tier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
