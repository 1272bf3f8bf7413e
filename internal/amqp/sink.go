// Package amqp is the RabbitMQ outbox channel.
package amqp

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/outbox"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"sync"
	"time"
)

type Config struct {
	URL      string
	Exchange string // topic exchange; the outbox topic is the routing key
}

// Sink publishes with publisher confirms, so Deliver returns only after the
// broker has taken responsibility for the message. The connection is dialed
// lazily and re-dialed after it drops.
type Sink struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewSink(cfg Config, log zerolog.Logger) *Sink {
	if cfg.Exchange == "" {
		cfg.Exchange = "orders"
	}
	return &Sink{cfg: cfg, log: log.With().Str("component", "amqp").Logger()}
}

func (s *Sink) Deliver(ctx context.Context, m outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureChannel(); err != nil {
		return err
	}
	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.cfg.Exchange, m.Topic, false, false, publishing(ctx, m, time.Now()))
	if err != nil {
		s.reset()
		return errors.Wrapf(err, "amqp publish %s", m.Topic)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "amqp confirm %s", m.Topic)
	}
	if !acked {
		return errors.Errorf("amqp publish %s: broker nacked", m.Topic)
	}
	return nil
}

func (s *Sink) ensureChannel() error {
	if s.ch != nil && !s.ch.IsClosed() {
		return nil
	}
	s.reset()

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "amqp channel")
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "amqp declare exchange")
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "amqp confirm mode")
	}
	s.conn, s.ch = conn, ch
	s.log.Info().Str("exchange", s.cfg.Exchange).Msg("connected to rabbitmq")
	return nil
}

func (s *Sink) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.ch = nil, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func publishing(ctx context.Context, m outbox.Message, now time.Time) amqp.Publishing {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := amqp.Table{"order_id": m.Key}
	for k, v := range carrier {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         m.Payload,
		MessageId:    m.EventID, // consumers dedup on it
		Type:         m.Topic,
		Timestamp:    now,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
	}
}
