package webhook

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-order-settlement/internal/memstore"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"sync"
	"testing"
)

type fixture struct {
	store  *memstore.Store
	svc    *orders.Service
	intake *Intake
	order  orders.OrderView
}

func setup(t *testing.T) fixture {
	t.Helper()
	st := memstore.New()
	st.AddProduct(orders.Product{ID: "p-1", SKU: "A1", Title: "Widget", PriceCents: 250, Active: true}, 10)
	svc := orders.NewService(st, orders.Options{Logger: zerolog.Nop()})
	res, err := svc.PlaceOrder(context.Background(), "u1", "k1", []orders.Line{{SKU: "A1", Qty: 3}})
	require.NoError(t, err)
	return fixture{store: st, svc: svc, intake: NewIntake(svc, nil, zerolog.Nop(), nil), order: res.Order}
}

func stripePaid(eventID, orderID string, amount int) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":%d,"metadata":{"order_id":%q}}}}`,
		eventID, amount, orderID))
}

func topics(st *memstore.Store) []string {
	var out []string
	for _, e := range st.OutboxEvents() {
		out = append(out, e.Topic)
	}
	return out
}

func TestReplayedCallbackAppliesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	payload := stripePaid("evt_1", f.order.OrderID, 750)

	res, err := f.intake.Ingest(ctx, "stripe", "evt_1", payload)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)

	res, err = f.intake.Ingest(ctx, "stripe", "evt_1", payload)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res.Outcome)

	v, err := f.svc.GetOrder(ctx, "u1", f.order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, v.Status)
	assert.Equal(t, []string{orders.TopicOrderCreated, orders.TopicOrderPaid}, topics(f.store))
	require.Len(t, f.store.ProcessedWebhooks(), 1)
	assert.Equal(t, "applied", f.store.ProcessedWebhooks()[0].Outcome)
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := setup(t)
	payload := stripePaid("evt_1", f.order.OrderID, 750)

	var (
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			res, err := f.intake.Ingest(context.Background(), "stripe", "evt_1", payload)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, outcomes[Applied])
	assert.Equal(t, 15, outcomes[AlreadyProcessed])
	assert.Equal(t, []string{orders.TopicOrderCreated, orders.TopicOrderPaid}, topics(f.store))
}

func TestEventIDFallsBackToPayload(t *testing.T) {
	f := setup(t)
	res, err := f.intake.Ingest(context.Background(), "stripe", "", stripePaid("evt_9", f.order.OrderID, 750))
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, "evt_9", f.store.ProcessedWebhooks()[0].EventID)
}

func TestAmountMismatchIsRecordedAndRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.intake.Ingest(ctx, "stripe", "evt_1", stripePaid("evt_1", f.order.OrderID, 700))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, orders.CodeAmountMismatch, res.Reason)

	marks := f.store.ProcessedWebhooks()
	require.Len(t, marks, 1)
	assert.Equal(t, "rejected:amount_mismatch", marks[0].Outcome)

	v, err := f.svc.GetOrder(ctx, "u1", f.order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, v.Status)
	assert.Equal(t, []string{orders.TopicOrderCreated}, topics(f.store))

	res, err = f.intake.Ingest(ctx, "stripe", "evt_1", stripePaid("evt_1", f.order.OrderID, 700))
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res.Outcome)
}

func TestPaidAfterCancelIsInvalidTransition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CancelOrder(ctx, "u1", f.order.OrderID)
	require.NoError(t, err)

	res, err := f.intake.Ingest(ctx, "stripe", "evt_1", stripePaid("evt_1", f.order.OrderID, 750))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, orders.CodeInvalidTransition, res.Reason)
	assert.Equal(t, 10, f.store.Available("p-1"))
}

func TestUnknownOrderAndMalformedPayloadLeaveNoMarker(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		provider string
		payload  string
		reason   string
	}{
		{"unknown order", "stripe", string(stripePaid("evt_1", "missing", 750)), orders.CodeOrderNotFound},
		{"not json", "stripe", `{"id":`, ""},
		{"no order id", "mockpay", `{"event_id":"m1","status":"paid","amount_cents":750}`, "missing order_id"},
		{"unsupported type", "stripe", `{"id":"evt_2","type":"charge.refunded","data":{"object":{"metadata":{"order_id":"x"}}}}`, ""},
		{"unknown provider", "paypal", `{}`, "unknown provider paypal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.intake.Ingest(ctx, tt.provider, "evt_1", []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, Rejected, res.Outcome)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, res.Reason)
			}
		})
	}
	assert.Empty(t, f.store.ProcessedWebhooks())

	// the corrected redelivery still applies
	res, err := f.intake.Ingest(ctx, "stripe", "evt_1", stripePaid("evt_1", f.order.OrderID, 750))
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
}

func TestMockPayCancelRestoresStock(t *testing.T) {
	f := setup(t)
	require.Equal(t, 7, f.store.Available("p-1"))

	payload := fmt.Sprintf(`{"event_id":"m-1","order_id":%q,"status":"canceled"}`, f.order.OrderID)
	res, err := f.intake.Ingest(context.Background(), "mockpay", "", []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, 10, f.store.Available("p-1"))

	evs := f.store.OutboxEvents()
	require.Len(t, evs, 2)
	env, err := orders.DecodeEnvelope(evs[1].Payload)
	require.NoError(t, err)
	p, err := orders.UnwrapPayload[orders.OrderCanceledPayload](env)
	require.NoError(t, err)
	assert.Equal(t, orders.ReasonPaymentCanceled, p.Reason)
}
