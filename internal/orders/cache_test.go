package orders_test

import (
	"context"
	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-settlement/internal/memstore"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestRedisFastPathServesReplaysAndReads(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewCache(rdb, zerolog.Nop())

	st := memstore.New()
	st.AddProduct(orders.Product{ID: "p-A1", SKU: "A1", PriceCents: 100, Active: true}, 10)
	svc := orders.NewService(st, orders.Options{Logger: zerolog.Nop(), Responses: cache, Orders: cache})
	ctx := context.Background()
	lines := []orders.Line{{SKU: "A1", Qty: 2}}

	first, err := svc.PlaceOrder(ctx, "u1", "k1", lines)
	require.NoError(t, err)
	assert.Len(t, keysWithPrefix(mr, "idem:order:create:"), 1)
	assert.True(t, mr.Exists("order_status:"+first.Order.OrderID))

	again, err := svc.PlaceOrder(ctx, "u1", "k1", lines)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Order.OrderID, again.Order.OrderID)

	// a cached response never hides a payload conflict
	_, err = svc.PlaceOrder(ctx, "u1", "k1", []orders.Line{{SKU: "A1", Qty: 5}})
	require.ErrorIs(t, err, orders.ErrConflictingPayload)

	v, err := svc.GetOrder(ctx, "u1", first.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, v.Status)

	_, err = svc.CancelOrder(ctx, "u1", first.Order.OrderID)
	require.NoError(t, err)
	cached, ok := cache.GetOrder(ctx, first.Order.OrderID)
	require.True(t, ok, "a transition refreshes the cached view")
	assert.Equal(t, orders.StatusCanceled, cached.Status)

	v, err = svc.GetOrder(ctx, "u1", first.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, v.Status)
}

func TestStaleReadDoesNotOverwriteTransition(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewCache(rdb, zerolog.Nop())

	st := memstore.New()
	st.AddProduct(orders.Product{ID: "p-A1", SKU: "A1", PriceCents: 100, Active: true}, 10)
	svc := orders.NewService(st, orders.Options{Logger: zerolog.Nop(), Responses: cache, Orders: cache})
	ctx := context.Background()

	res, err := svc.PlaceOrder(ctx, "u1", "k1", []orders.Line{{SKU: "A1", Qty: 2}})
	require.NoError(t, err)
	mr.FlushAll()

	// a reader loaded the created view, then the cancel committed before its
	// cache write
	stale := res.Order
	_, err = svc.CancelOrder(ctx, "u1", res.Order.OrderID)
	require.NoError(t, err)
	cache.FillOrder(ctx, stale)

	v, err := svc.GetOrder(ctx, "u1", res.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, v.Status)
}

func TestResponseCacheIsScopedToTheUser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewCache(rdb, zerolog.Nop())

	st := memstore.New()
	st.AddProduct(orders.Product{ID: "p-A1", SKU: "A1", PriceCents: 100, Active: true}, 10)
	svc := orders.NewService(st, orders.Options{Logger: zerolog.Nop(), Responses: cache, Orders: cache})
	ctx := context.Background()
	lines := []orders.Line{{SKU: "A1", Qty: 2}}

	alice, err := svc.PlaceOrder(ctx, "alice", "b:c", lines)
	require.NoError(t, err)
	other, err := svc.PlaceOrder(ctx, "alice:b", "c", lines)
	require.NoError(t, err)

	assert.False(t, other.Replayed)
	assert.NotEqual(t, alice.Order.OrderID, other.Order.OrderID)
	assert.Equal(t, "alice:b", other.Order.UserID)
	assert.Len(t, st.Orders(), 2)
	assert.Equal(t, 6, st.Available("p-A1"))

	// an entry written under the wrong key is ignored, the store decides
	cache.PutResponse(ctx, "mallory", "k9", orders.CachedResponse{UserID: "alice", PayloadHash: orders.PayloadHash(lines), Response: []byte(`{"order":{"order_id":"x"}}`)})
	begin, err := svc.Guard().Begin(ctx, "mallory", "k9", orders.PayloadHash(lines))
	require.NoError(t, err)
	assert.Equal(t, orders.Fresh, begin.State)
}

func keysWithPrefix(mr *miniredis.Miniredis, prefix string) []string {
	var out []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func TestStoreStaysAuthoritativeWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewCache(rdb, zerolog.Nop())

	st := memstore.New()
	st.AddProduct(orders.Product{ID: "p-A1", SKU: "A1", PriceCents: 100, Active: true}, 10)
	svc := orders.NewService(st, orders.Options{Logger: zerolog.Nop(), Responses: cache, Orders: cache})
	ctx := context.Background()
	lines := []orders.Line{{SKU: "A1", Qty: 2}}

	first, err := svc.PlaceOrder(ctx, "u1", "k1", lines)
	require.NoError(t, err)
	mr.Close()

	again, err := svc.PlaceOrder(ctx, "u1", "k1", lines)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Order.OrderID, again.Order.OrderID)
	assert.Len(t, st.Orders(), 1)
}
