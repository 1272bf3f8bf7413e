package kafka

import (
	"context"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"hash/fnv"
	"sync"
	"time"
)

// Handler returns nil only when the message is fully processed and its
// offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fans messages out to a worker pool. Each partition is pinned to one
// worker, so offsets within a partition are committed in order.
type Consumer struct {
	r          messageReader
	workers    int
	log        zerolog.Logger
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log, maxBackoff: 30 * time.Second}
}

// Start blocks until ctx is done or the reader fails.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[c.slot(m)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) slot(m kafka.Message) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(m.Topic))
	return int((h.Sum32() + uint32(m.Partition)) % uint32(c.workers))
}

// handle retries h until it succeeds or ctx ends, then commits. A message is
// never skipped: at-least-once on the consuming side too.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	carrier := HeaderCarrier(m.Headers)
	mctx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
	l := c.log.With().
		Str("topic", m.Topic).
		Int("partition", m.Partition).
		Int64("offset", m.Offset).
		Str("event_id", header(m, HeaderEventID)).
		Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		return h(mctx, m)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		l.Warn().Err(err).Dur("retry_in", wait).Msg("handler failed")
	})
	if err != nil {
		return // ctx done; the offset stays uncommitted
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		l.Error().Err(err).Msg("commit offset")
	}
}
