// Package outbox drains committed outbox rows to the message channel with
// at-least-once delivery.
package outbox

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"time"
)

// Message is one outbox row ready for the channel.
type Message struct {
	EventID string
	Topic   string
	Key     string // partition key; the order id
	Payload []byte
}

// Sink delivers synchronously: a nil error means the channel confirmed it.
type Sink interface {
	Deliver(ctx context.Context, m Message) error
}

// Source is the outbox table seen by the publisher.
type Source interface {
	Claim(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]orders.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, nextAttemptAt time.Time, deadAt *time.Time) error
}

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	Lease        time.Duration
	// In-cycle retries before an attempt counts as failed.
	QuickRetries int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.QuickRetries < 0 {
		c.QuickRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

type Publisher struct {
	src     Source
	sink    Sink
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Publisher)

func WithLogger(l zerolog.Logger) Option { return func(p *Publisher) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Publisher) { p.metrics = m } }

func WithClock(now func() time.Time) Option { return func(p *Publisher) { p.now = now } }

func NewPublisher(src Source, sink Sink, cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		src:    src,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		log:    zerolog.Nop(),
		tracer: otel.Tracer("github.com/ariefcatur/go-order-settlement/internal/outbox"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With().Str("component", "outbox").Logger()
	return p
}

// Run polls until ctx is done. A full batch is followed immediately by the
// next cycle instead of waiting for the ticker.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Int("max_attempts", p.cfg.MaxAttempts).
		Msg("outbox publisher started")
	for {
		n, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("outbox cycle failed")
		}
		if n == p.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and delivers it in creation order. It returns the
// number of claimed events.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.RunOnce")
	defer span.End()

	batch, err := p.src.Claim(ctx, p.cfg.BatchSize, p.cfg.Lease, p.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		return 0, err
	}
	p.metrics.BatchSize(len(batch))
	span.SetAttributes(attribute.Int("outbox.batch", len(batch)))

	for _, ev := range batch {
		if ctx.Err() != nil {
			// unprocessed rows keep their lease and are reclaimed after it expires
			return len(batch), ctx.Err()
		}
		p.publish(ctx, ev)
	}
	return len(batch), nil
}

// Drain runs cycles until nothing is due.
func (p *Publisher) Drain(ctx context.Context) error {
	for {
		n, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev orders.OutboxEvent) {
	ctx, span := p.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("messaging.destination", ev.Topic),
		attribute.String("event.id", ev.EventID),
	))
	defer span.End()

	l := p.log.With().
		Str("event_id", ev.EventID).
		Str("topic", ev.Topic).
		Str("order_id", ev.AggregateID).
		Int("attempt", ev.Attempts+1).
		Logger()

	msg := Message{EventID: ev.EventID, Topic: ev.Topic, Key: ev.AggregateID, Payload: ev.Payload}
	err := backoff.Retry(func() error {
		return p.sink.Deliver(ctx, msg)
	}, backoff.WithContext(backoff.WithMaxRetries(p.quickBackoff(), uint64(p.cfg.QuickRetries)), ctx))

	if err == nil {
		// A failure here leaves the row leased; it is redelivered after the lease.
		if err := p.src.MarkPublished(ctx, ev.ID, p.now()); err != nil {
			span.RecordError(err)
			l.Error().Err(err).Msg("delivered but not stamped, will redeliver")
			return
		}
		p.metrics.Published(ev.Topic)
		l.Debug().Msg("event published")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "deliver")
	p.metrics.PublishFailed(ev.Topic)

	attempts := ev.Attempts + 1
	now := p.now()
	next := now.Add(p.retryDelay(attempts))
	var deadAt *time.Time
	if attempts >= p.cfg.MaxAttempts {
		deadAt = &now
	}
	if markErr := p.src.MarkFailed(ctx, ev.ID, attempts, err.Error(), next, deadAt); markErr != nil {
		l.Error().Err(markErr).AnErr("cause", err).Msg("record failed delivery")
		return
	}
	if deadAt != nil {
		p.metrics.Dead(ev.Topic)
		l.Error().Err(err).Msg("event exhausted delivery attempts, flagged dead")
		return
	}
	l.Warn().Err(err).Time("next_attempt_at", next).Msg("delivery failed, will retry")
}

func (p *Publisher) quickBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

// retryDelay is the wait before the next cycle may retry an event that has
// failed attempts times: BaseBackoff doubled per attempt, capped at MaxBackoff.
func (p *Publisher) retryDelay(attempts int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	if d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}
