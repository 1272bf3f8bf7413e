package orders

import (
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"time"
)

const (
	EventOrderCreated  = "OrderCreated"
	EventOrderPaid     = "OrderPaid"
	EventOrderCanceled = "OrderCanceled"
)

const EventVersion = 1

// Envelope is the wire format of every outbox event. Consumers dedup on EventID.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderCreatedPayload struct {
	OrderID    string     `json:"order_id"`
	UserID     string     `json:"user_id"`
	Status     Status     `json:"status"`
	Items      []ItemView `json:"items"`
	TotalCents int        `json:"total_cents"`
	Currency   string     `json:"currency"`
}

type OrderPaidPayload struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	Status      Status `json:"status"`
	TotalCents  int    `json:"total_cents"`
	Currency    string `json:"currency"`
	AmountCents int    `json:"amount_cents"`
	PaymentRef  string `json:"payment_ref,omitempty"`
}

type OrderCanceledPayload struct {
	OrderID    string `json:"order_id"`
	UserID     string `json:"user_id"`
	Status     Status `json:"status"`
	TotalCents int    `json:"total_cents"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
}

func eventTypeFor(topic string) string {
	switch topic {
	case TopicOrderCreated:
		return EventOrderCreated
	case TopicOrderPaid:
		return EventOrderPaid
	case TopicOrderCanceled:
		return EventOrderCanceled
	}
	return topic
}

// newOutboxEvent wraps payload in an Envelope ready to be written to the outbox.
func newOutboxEvent(topic, orderID, producer, traceID string, payload any, now time.Time) (OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventTypeFor(topic),
		EventVersion:  EventVersion,
		OccurredAt:    now.UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return OutboxEvent{
		EventID:       env.EventID,
		Topic:         topic,
		AggregateID:   orderID,
		Payload:       b,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// DecodeEnvelope parses an outbox payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return env, fmt.Errorf("decode envelope: missing event_id")
	}
	return env, nil
}

// UnwrapPayload decodes the topic-specific payload of an envelope.
func UnwrapPayload[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
