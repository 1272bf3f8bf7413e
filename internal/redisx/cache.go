package redisx

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"time"
)

// Cache implements orders.ResponseCache and orders.OrderCache. Redis is a
// fast path only: every failure degrades to a miss and is logged.
type Cache struct {
	rdb redis.Cmdable
	log zerolog.Logger
}

func NewCache(rdb redis.Cmdable, log zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, log: log.With().Str("component", "redis_cache").Logger()}
}

func (c *Cache) GetResponse(ctx context.Context, userID, key string) (orders.CachedResponse, bool) {
	var r orders.CachedResponse
	return r, c.getJSON(ctx, idemKey(userID, key), &r)
}

func (c *Cache) PutResponse(ctx context.Context, userID, key string, r orders.CachedResponse) {
	c.setJSON(ctx, idemKey(userID, key), r, TTLIdempotency)
}

func (c *Cache) GetOrder(ctx context.Context, orderID string) (orders.OrderView, bool) {
	var v orders.OrderView
	return v, c.getJSON(ctx, statusKey(orderID), &v)
}

// PutOrder overwrites the cached view after a committed change.
func (c *Cache) PutOrder(ctx context.Context, v orders.OrderView) {
	c.setJSON(ctx, statusKey(v.OrderID), v, TTLStatusCache)
}

// FillOrder caches a view read from the store unless a newer write got there
// first.
func (c *Cache) FillOrder(ctx context.Context, v orders.OrderView) {
	key := statusKey(v.OrderID)
	b, err := json.Marshal(v)
	if err == nil {
		err = c.rdb.SetNX(ctx, key, b, TTLStatusCache).Err()
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache fill")
	}
}

func (c *Cache) getJSON(ctx context.Context, key string, out any) bool {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !stderrors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read")
		}
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache decode")
		return false
	}
	return true
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err == nil {
		err = c.rdb.Set(ctx, key, b, ttl).Err()
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write")
	}
}
