package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotency create order: idem:order:create:{Idempotency-Key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cache order lengkap: order:{order_id} -> JSON order + items
	KeyOrder = "order:%s"

	// Cache status eksekusi: order_status:{order_id atau execution_ref} -> JSON status
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderCache  = 5 * time.Minute
	TTLStatusCache = 3 * time.Second
	TTLDedup       = 48 * time.Hour

	// lebih lama dari handler timeout, supaya load yang lambat tidak menulis data basi
	TTLInvalidated = 10 * time.Second
)

// tombstone marks an invalidated key; it is never valid JSON.
const tombstone = "!invalidated"


func OrderKey(orderID string) string { return fmt.Sprintf(KeyOrder, orderID) }

func StatusKey(id string) string { return fmt.Sprintf(KeyOrderStatus, id) }

func IdemKey(key string) string { return fmt.Sprintf(KeyIdemOrderCreate, key) }

func DedupKey(service, id string) string { return fmt.Sprintf(KeyDedup, service, id) }
