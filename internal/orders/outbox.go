package orders

import (
	"context"
	"go.opentelemetry.io/otel/trace"
	"time"
)

// enqueue writes the event for a committed transition into the outbox within
// the same transaction as the transition itself.
func (s *Service) enqueue(ctx context.Context, tx Tx, topic string, o Order, payload any, now time.Time) error {
	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	ev, err := newOutboxEvent(topic, o.ID, s.producer, traceID, payload, now)
	if err != nil {
		return err
	}
	return tx.InsertOutboxEvent(ctx, ev)
}

func createdPayload(o Order, items []OrderItem) OrderCreatedPayload {
	v := newOrderView(o, items)
	return OrderCreatedPayload{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Status:     o.Status,
		Items:      v.Items,
		TotalCents: o.TotalCents,
		Currency:   o.Currency,
	}
}

func paidPayload(o Order, amountCents int, paymentRef string) OrderPaidPayload {
	return OrderPaidPayload{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Status:      o.Status,
		TotalCents:  o.TotalCents,
		Currency:    o.Currency,
		AmountCents: amountCents,
		PaymentRef:  paymentRef,
	}
}

func canceledPayload(o Order, reason string) OrderCanceledPayload {
	return OrderCanceledPayload{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Status:     o.Status,
		TotalCents: o.TotalCents,
		Currency:   o.Currency,
		Reason:     reason,
	}
}
