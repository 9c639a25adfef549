package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup filters redelivered events for one consuming service.
type Dedup struct {
	rdb     redis.Cmdable
	service string
	ttl     time.Duration
}

func NewDedup(rdb redis.Cmdable, service string, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return &Dedup{rdb: rdb, service: service, ttl: ttl}
}

// First reports whether eventID is seen for the first time.
func (d *Dedup) First(ctx context.Context, eventID string) (bool, error) {
	return d.rdb.SetNX(ctx, DedupKey(d.service, eventID), 1, d.ttl).Result()
}

// Forget removes the marker so a failed event can be processed again.
func (d *Dedup) Forget(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, DedupKey(d.service, eventID)).Err()
}
