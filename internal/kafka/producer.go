package kafka

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/outbox"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"time"
)

const HeaderEventID = "event_id"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink is the outbox channel backed by Kafka. Writes are synchronous and wait
// for all in-sync replicas, so a nil error means the event is durable.
type Sink struct {
	w messageWriter
}

func NewSink(brokers []string, writeTimeout time.Duration) *Sink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Sink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same order id, same partition
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: writeTimeout,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  1,
	}}
}

func (s *Sink) Deliver(ctx context.Context, m outbox.Message) error {
	headers := []kafka.Header{{Key: HeaderEventID, Value: []byte(m.EventID)}}
	otel.GetTextMapPropagator().Inject(ctx, (*HeaderCarrier)(&headers))

	err := s.w.WriteMessages(ctx, kafka.Message{
		Topic:   m.Topic,
		Key:     []byte(m.Key),
		Value:   m.Payload,
		Headers: headers,
		Time:    time.Now(),
	})
	return errors.Wrapf(err, "kafka write %s", m.Topic)
}

func (s *Sink) Close() error { return s.w.Close() }
