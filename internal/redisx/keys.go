package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotency create order: idem:order:create:{owner}|{key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s|%s"

	// Cache order: order_status:{order_id} -> JSON order view
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Storefront product listing, never read by the order validator.
	KeyProductList = "catalog:products"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLProductList = 30 * time.Second
)

func IdemKey(owner, key string) string { return fmt.Sprintf(KeyIdemOrderCreate, owner, key) }
func StatusKey(orderID string) string  { return fmt.Sprintf(KeyOrderStatus, orderID) }
func DedupKey(service, eventID string) string {
	return fmt.Sprintf(KeyDedup, service, eventID)
}
