package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// OrderCache is the read-through cache behind GET /orders/{id} plus the
// idempotency fast path. Postgres stays the source of truth; every method
// tolerates a nil receiver so the API runs without Redis.
type OrderCache struct {
	rdb *redis.Client
}

func NewOrderCache(rdb *redis.Client) *OrderCache {
	if rdb == nil {
		return nil
	}
	return &OrderCache{rdb: rdb}
}

func (c *OrderCache) Order(ctx context.Context, orderID string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	b, err := c.rdb.Get(ctx, StatusKey(orderID)).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c *OrderCache) SetOrder(ctx context.Context, orderID string, view []byte) error {
	if c == nil {
		return nil
	}
	return c.rdb.Set(ctx, StatusKey(orderID), view, TTLStatusCache).Err()
}

func (c *OrderCache) Invalidate(ctx context.Context, orderID string) error {
	if c == nil {
		return nil
	}
	return c.rdb.Del(ctx, StatusKey(orderID)).Err()
}

// RememberCreate records key -> orderID after a committed create.
func (c *OrderCache) RememberCreate(ctx context.Context, owner, key, orderID string) error {
	if c == nil || key == "" {
		return nil
	}
	return c.rdb.Set(ctx, IdemKey(owner, key), orderID, TTLIdempotency).Err()
}

// CreatedOrder returns the order id previously committed under key.
func (c *OrderCache) CreatedOrder(ctx context.Context, owner, key string) (string, bool) {
	if c == nil || key == "" {
		return "", false
	}
	id, ok, err := GetString(ctx, c.rdb, IdemKey(owner, key))
	if err != nil {
		return "", false
	}
	return id, ok
}
