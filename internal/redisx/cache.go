package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-order-fulfillment/internal/metrics"
)

// Cache is a cache-aside JSON cache. Redis failures are logged and the
// loader is used directly, so a Redis outage never fails a read.
type Cache struct {
	rdb     redis.Cmdable
	group   singleflight.Group
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewCache(rdb redis.Cmdable, log *slog.Logger, m *metrics.Metrics) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{rdb: rdb, log: log, metrics: m}
}

// GetOrLoad returns the value cached at key, or calls load once for all
// concurrent misses of the same key and caches its result for ttl.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	return GetOrLoadWhen(ctx, c, key, ttl, load, nil)
}

// GetOrLoadWhen is GetOrLoad that only caches values keep accepts. A nil
// keep caches everything.
//
// Results are written with SET NX. Invalidate leaves a short-lived tombstone
// instead of deleting, so a load that raced an invalidation cannot put the
// old value back.
func GetOrLoadWhen[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error), keep func(T) bool) (T, error) {
	var zero T
	if c == nil || c.rdb == nil {
		return load(ctx)
	}

	if v, ok := c.get(ctx, key); ok {
		var out T
		if err := json.Unmarshal(v, &out); err == nil {
			c.metrics.Cache(true)
			return out, nil
		}
	}
	c.metrics.Cache(false)

	v, err, _ := c.group.Do(key, func() (any, error) {
		out, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(out) {
			return out, nil
		}
		if b, err := json.Marshal(out); err == nil {
			if err := c.rdb.SetNX(ctx, key, string(b), ttl).Err(); err != nil {
				c.log.WarnContext(ctx, "cache set failed", "key", key, "err", err)
			}
		}
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.WarnContext(ctx, "cache get failed", "key", key, "err", err)
		return nil, false
	}
	if string(b) == tombstone {
		return nil, false
	}
	return b, true
}

// Invalidate drops the cached order and its cached status by overwriting
// them with a tombstone for TTLInvalidated.
func (c *Cache) Invalidate(ctx context.Context, orderID string) {
	if c == nil || c.rdb == nil {
		return
	}
	for _, key := range []string{OrderKey(orderID), StatusKey(orderID)} {
		if err := c.rdb.Set(ctx, key, tombstone, TTLInvalidated).Err(); err != nil {
			c.log.WarnContext(ctx, "cache invalidate failed", "order_id", orderID, "key", key, "err", err)
		}
	}
}
