// Package notify is a downstream consumer of order events. It turns each
// event into a customer notification, once per event id unless the process
// dies between sending and recording the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// ErrInProgress means another attempt holds the event.
var ErrInProgress = errors.New("event is being handled by another attempt")

type Notification struct {
	EventID string
	OrderID string
	UserID  string
	Kind    string // event type
	Text    string
}

// Sender delivers a notification. An error makes the event retryable.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender only logs.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Log.Info().
		Str("event_id", n.EventID).
		Str("order_id", n.OrderID).
		Str("user_id", n.UserID).
		Str("kind", n.Kind).
		Msg(n.Text)
	return nil
}

type Handler struct {
	dedup   *redisx.Dedup
	sender  Sender
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewHandler(dedup *redisx.Dedup, sender Sender, log zerolog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{dedup: dedup, sender: sender, log: log.With().Str("component", "notify").Logger(), metrics: m}
}

// Handle implements kafka.Handler.
func (h *Handler) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		// poison message: retrying cannot fix it
		h.log.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("skip undecodable event")
		h.metrics.Consumed(m.Topic, "malformed")
		return nil
	}
	n, err := notificationFor(m.Topic, env)
	if err != nil {
		h.log.Error().Err(err).Str("event_id", env.EventID).Msg("skip undecodable payload")
		h.metrics.Consumed(m.Topic, "malformed")
		return nil
	}

	state, err := h.dedup.Claim(ctx, env.EventID)
	if err != nil {
		return err
	}
	switch state {
	case redisx.Handled:
		h.log.Debug().Str("event_id", env.EventID).Msg("duplicate event")
		h.metrics.Consumed(m.Topic, "duplicate")
		return nil
	case redisx.InProgress:
		// retried until the other attempt finishes or its marker expires
		return fmt.Errorf("event %s: %w", env.EventID, ErrInProgress)
	}

	if err := h.sender.Send(ctx, n); err != nil {
		if ferr := h.dedup.Forget(context.WithoutCancel(ctx), env.EventID); ferr != nil {
			h.log.Error().Err(ferr).Str("event_id", env.EventID).Msg("release dedup claim")
		}
		h.metrics.Consumed(m.Topic, "failed")
		return err
	}
	if err := h.dedup.Done(context.WithoutCancel(ctx), env.EventID); err != nil {
		// sent already; the pending marker still covers near-term redelivery
		h.log.Error().Err(err).Str("event_id", env.EventID).Msg("mark event handled")
	}
	h.metrics.Consumed(m.Topic, "sent")
	return nil
}

func notificationFor(topic string, env orders.Envelope) (Notification, error) {
	n := Notification{EventID: env.EventID, OrderID: env.CorrelationID, Kind: env.EventType}
	switch topic {
	case orders.TopicOrderCreated:
		p, err := orders.UnwrapPayload[orders.OrderCreatedPayload](env)
		if err != nil {
			return n, err
		}
		n.OrderID, n.UserID = p.OrderID, p.UserID
		n.Text = fmt.Sprintf("order %s received: %d item(s), total %s", p.OrderID, len(p.Items), money(p.TotalCents, p.Currency))
	case orders.TopicOrderPaid:
		p, err := orders.UnwrapPayload[orders.OrderPaidPayload](env)
		if err != nil {
			return n, err
		}
		n.OrderID, n.UserID = p.OrderID, p.UserID
		n.Text = fmt.Sprintf("payment of %s received for order %s", money(p.AmountCents, p.Currency), p.OrderID)
	case orders.TopicOrderCanceled:
		p, err := orders.UnwrapPayload[orders.OrderCanceledPayload](env)
		if err != nil {
			return n, err
		}
		n.OrderID, n.UserID = p.OrderID, p.UserID
		n.Text = fmt.Sprintf("order %s canceled (%s)", p.OrderID, p.Reason)
	default:
		return n, fmt.Errorf("unexpected topic %q", topic)
	}
	return n, nil
}

func money(cents int, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
