package notify

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type recorder struct {
	sent []Notification
	fail error
}

func (r *recorder) Send(_ context.Context, n Notification) error {
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, n)
	return nil
}

func newHandler(t *testing.T) (*Handler, *recorder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rec := &recorder{}
	return NewHandler(redisx.NewDedup(rdb, "notifier"), rec, zerolog.Nop(), nil), rec, mr
}

func message(t *testing.T, topic, eventID string, payload any) kafkago.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(orders.Envelope{EventID: eventID, EventType: "x", EventVersion: 1, CorrelationID: "o-1", Payload: raw})
	require.NoError(t, err)
	return kafkago.Message{Topic: topic, Key: []byte("o-1"), Value: b}
}

func TestHandleSendsOncePerEvent(t *testing.T) {
	h, rec, mr := newHandler(t)
	ctx := context.Background()
	m := message(t, orders.TopicOrderPaid, "evt-1", orders.OrderPaidPayload{OrderID: "o-1", UserID: "u1", AmountCents: 1250, Currency: "EUR"})

	require.NoError(t, h.Handle(ctx, m))
	require.NoError(t, h.Handle(ctx, m))

	require.Len(t, rec.sent, 1)
	assert.Equal(t, "u1", rec.sent[0].UserID)
	assert.Equal(t, "payment of 12.50 EUR received for order o-1", rec.sent[0].Text)
	v, err := mr.Get("dedup:notifier:evt-1")
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, redisx.TTLDedup, mr.TTL("dedup:notifier:evt-1"))
}

func TestCrashAfterClaimIsRedeliveredOnceTheMarkerExpires(t *testing.T) {
	h, rec, mr := newHandler(t)
	ctx := context.Background()
	m := message(t, orders.TopicOrderCreated, "evt-5", orders.OrderCreatedPayload{OrderID: "o-1", UserID: "u1", TotalCents: 300, Currency: "EUR"})

	// a previous process claimed the event and died before sending
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	state, err := redisx.NewDedup(rdb, "notifier").Claim(ctx, "evt-5")
	require.NoError(t, err)
	require.Equal(t, redisx.Claimed, state)

	err = h.Handle(ctx, m)
	require.ErrorIs(t, err, ErrInProgress, "offset must stay uncommitted")
	assert.Empty(t, rec.sent)

	mr.FastForward(redisx.TTLDedupPending + time.Second)
	require.NoError(t, h.Handle(ctx, m))
	require.NoError(t, h.Handle(ctx, m))
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "o-1", rec.sent[0].OrderID)
}

func TestFailedSendReleasesClaim(t *testing.T) {
	h, rec, mr := newHandler(t)
	ctx := context.Background()
	m := message(t, orders.TopicOrderCanceled, "evt-2", orders.OrderCanceledPayload{OrderID: "o-1", UserID: "u1", Reason: orders.ReasonPaymentFailed})

	rec.fail = errors.New("smtp down")
	require.Error(t, h.Handle(ctx, m))
	assert.False(t, mr.Exists("dedup:notifier:evt-2"))

	rec.fail = nil
	require.NoError(t, h.Handle(ctx, m))
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "order o-1 canceled (payment_failed)", rec.sent[0].Text)
}

func TestRedisDownIsRetryable(t *testing.T) {
	h, rec, mr := newHandler(t)
	mr.Close()
	m := message(t, orders.TopicOrderCreated, "evt-3", orders.OrderCreatedPayload{OrderID: "o-1"})
	require.Error(t, h.Handle(context.Background(), m))
	assert.Empty(t, rec.sent)
}

func TestPoisonMessagesAreSkipped(t *testing.T) {
	h, rec, _ := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, kafkago.Message{Topic: orders.TopicOrderCreated, Value: []byte("{")}))
	require.NoError(t, h.Handle(ctx, message(t, "order.refunded", "evt-4", map[string]string{})))
	assert.Empty(t, rec.sent)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "0.05 EUR", money(5, "EUR"))
	assert.Equal(t, "120.00 USD", money(12000, "USD"))
}
