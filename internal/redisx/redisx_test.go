package redisx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/go-redis/redismock/v9"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type order struct {
	ID     string `json:"order_id"`
	Status string `json:"status"`
}

func TestGetOrLoadMissThenStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)
	ctx := context.Background()

	mock.ExpectGet("order:o1").RedisNil()
	mock.ExpectSetNX("order:o1", `{"order_id":"o1","status":"pending"}`, TTLOrderCache).SetVal(true)

	calls := 0
	got, err := GetOrLoad(ctx, c, OrderKey("o1"), TTLOrderCache, func(context.Context) (order, error) {
		calls++
		return order{ID: "o1", Status: "pending"}, nil
	})
	if err != nil || got.ID != "o1" || calls != 1 {
		t.Fatalf("got %+v, %v (calls=%d)", got, err, calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrLoadHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)

	mock.ExpectGet("order_status:o1").SetVal(`{"order_id":"o1","status":"processing"}`)

	got, err := GetOrLoad(context.Background(), c, StatusKey("o1"), TTLStatusCache, func(context.Context) (order, error) {
		t.Fatal("loader called on a cache hit")
		return order{}, nil
	})
	if err != nil || got.Status != "processing" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrLoadRedisDownFallsBack(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)
	down := errors.New("connection refused")

	mock.ExpectGet("order:o2").SetErr(down)
	mock.ExpectSetNX("order:o2", `{"order_id":"o2","status":"completed"}`, TTLOrderCache).SetErr(down)

	got, err := GetOrLoad(context.Background(), c, OrderKey("o2"), TTLOrderCache, func(context.Context) (order, error) {
		return order{ID: "o2", Status: "completed"}, nil
	})
	if err != nil || got.Status != "completed" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)
	notFound := errors.New("order not found")

	mock.ExpectGet("order:missing").RedisNil()

	_, err := GetOrLoad(context.Background(), c, OrderKey("missing"), TTLOrderCache, func(context.Context) (order, error) {
		return order{}, notFound
	})
	if !errors.Is(err, notFound) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrLoadWithoutRedis(t *testing.T) {
	var c *Cache
	got, err := GetOrLoad(context.Background(), c, "k", TTLOrderCache, func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Errorf("got %d, %v", got, err)
	}
	c.Invalidate(context.Background(), "o1")
}

func TestInvalidate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)
	mock.ExpectSet("order:o1", tombstone, TTLInvalidated).SetVal("OK")
	mock.ExpectSet("order_status:o1", tombstone, TTLInvalidated).SetVal("OK")

	c.Invalidate(context.Background(), "o1")
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadRacingInvalidateDoesNotRestoreOldValue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)
	ctx := context.Background()

	// the read misses, the order changes while it loads, then the load
	// tries to write what it read before the change
	mock.ExpectGet("order:o3").RedisNil()
	mock.ExpectSet("order:o3", tombstone, TTLInvalidated).SetVal("OK")
	mock.ExpectSet("order_status:o3", tombstone, TTLInvalidated).SetVal("OK")
	mock.ExpectSetNX("order:o3", `{"order_id":"o3","status":"pending"}`, TTLOrderCache).SetVal(false)
	mock.ExpectGet("order:o3").SetVal(tombstone)
	mock.ExpectSetNX("order:o3", `{"order_id":"o3","status":"processing"}`, TTLOrderCache).SetVal(false)

	got, err := GetOrLoad(ctx, c, OrderKey("o3"), TTLOrderCache, func(ctx context.Context) (order, error) {
		c.Invalidate(ctx, "o3")
		return order{ID: "o3", Status: "pending"}, nil
	})
	if err != nil || got.Status != "pending" {
		t.Fatalf("first read = %+v, %v", got, err)
	}

	// the tombstone reads as a miss, so the next read loads the new value
	got, err = GetOrLoad(ctx, c, OrderKey("o3"), TTLOrderCache, func(context.Context) (order, error) {
		return order{ID: "o3", Status: "processing"}, nil
	})
	if err != nil || got.Status != "processing" {
		t.Fatalf("second read = %+v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrLoadWhenSkipsUnkeptValues(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCache(db, quiet, nil)
	mock.ExpectGet("order_status:exec:wf:1").RedisNil()

	settled := func(o order) bool { return o.Status != "running" }
	got, err := GetOrLoadWhen(context.Background(), c, StatusKey("exec:wf:1"), TTLStatusCache,
		func(context.Context) (order, error) { return order{ID: "o4", Status: "running"}, nil }, settled)
	if err != nil || got.Status != "running" {
		t.Fatalf("got %+v, %v", got, err)
	}
	// no SET expected: a value that can still change is not cached
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIdempotencyLifecycle(t *testing.T) {
	db, mock := redismock.NewClientMock()
	idem := NewIdempotency(db, 0)
	ctx := context.Background()
	key := "idem:order:create:req-1"

	// first request claims the key
	mock.ExpectSetNX(key, pending, TTLIdempotency).SetVal(true)
	if id, err := idem.Begin(ctx, "req-1"); err != nil || id != "" {
		t.Fatalf("Begin = %q, %v", id, err)
	}

	// a concurrent duplicate sees the claim
	mock.ExpectSetNX(key, pending, TTLIdempotency).SetVal(false)
	mock.ExpectGet(key).SetVal(pending)
	if _, err := idem.Begin(ctx, "req-1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("in-flight err = %v", err)
	}

	mock.ExpectSet(key, "order-123", TTLIdempotency).SetVal("OK")
	if err := idem.Complete(ctx, "req-1", "order-123"); err != nil {
		t.Fatal(err)
	}

	// a later retry gets the original order back
	mock.ExpectSetNX(key, pending, TTLIdempotency).SetVal(false)
	mock.ExpectGet(key).SetVal("order-123")
	if id, err := idem.Begin(ctx, "req-1"); err != nil || id != "order-123" {
		t.Fatalf("replay = %q, %v", id, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIdempotencyAbort(t *testing.T) {
	db, mock := redismock.NewClientMock()
	idem := NewIdempotency(db, 0)
	mock.ExpectDel("idem:order:create:req-2").SetVal(1)
	if err := idem.Abort(context.Background(), "req-2"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDedup(t *testing.T) {
	db, mock := redismock.NewClientMock()
	d := NewDedup(db, "notifier", 0)
	ctx := context.Background()

	mock.ExpectSetNX("dedup:notifier:evt-1", 1, TTLDedup).SetVal(true)
	mock.ExpectSetNX("dedup:notifier:evt-1", 1, TTLDedup).SetVal(false)
	mock.ExpectDel("dedup:notifier:evt-1").SetVal(1)

	if first, err := d.First(ctx, "evt-1"); err != nil || !first {
		t.Fatalf("first delivery = %v, %v", first, err)
	}
	if first, err := d.First(ctx, "evt-1"); err != nil || first {
		t.Fatalf("redelivery = %v, %v", first, err)
	}
	if err := d.Forget(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
