package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInFlight = errors.New("a request with this idempotency key is still in progress")

const pending = "PENDING"

// Idempotency remembers which order an Idempotency-Key created.
type Idempotency struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewIdempotency(rdb redis.Cmdable, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = TTLIdempotency
	}
	return &Idempotency{rdb: rdb, ttl: ttl}
}

// Begin claims key. It returns the order id of an earlier completed request,
// ErrInFlight while another request holds the claim, or ("", nil) when the
// caller now owns the key and should create the order.
func (i *Idempotency) Begin(ctx context.Context, key string) (string, error) {
	k := IdemKey(key)
	ok, err := i.rdb.SetNX(ctx, k, pending, i.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}
	v, err := i.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if v == pending {
		return "", ErrInFlight
	}
	return v, nil
}

func (i *Idempotency) Complete(ctx context.Context, key, orderID string) error {
	return i.rdb.Set(ctx, IdemKey(key), orderID, i.ttl).Err()
}

// Abort releases the claim after a failed create so the client can retry.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.rdb.Del(ctx, IdemKey(key)).Err()
}
