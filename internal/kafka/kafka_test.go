package kafka

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-settlement/internal/outbox"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestSinkWritesKeyTopicAndHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	w := &fakeWriter{}
	s := &Sink{w: w}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	err := s.Deliver(ctx, outbox.Message{EventID: "evt-1", Topic: "order.paid", Key: "order-1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	m := w.msgs[0]
	assert.Equal(t, "order.paid", m.Topic)
	assert.Equal(t, "order-1", string(m.Key))
	assert.Equal(t, "evt-1", header(m, HeaderEventID))
	assert.Contains(t, header(m, "traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestSinkWrapsWriteError(t *testing.T) {
	s := &Sink{w: &fakeWriter{err: errors.New("not enough replicas")}}
	err := s.Deliver(context.Background(), outbox.Message{Topic: "order.created"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka write order.created")
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	done      chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.committed) == 3 {
		close(r.done)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerRetriesHandlerThenCommitsInOrder(t *testing.T) {
	r := &fakeReader{done: make(chan struct{})}
	for i := int64(0); i < 3; i++ {
		r.pending = append(r.pending, kafka.Message{Topic: "order.created", Partition: 0, Offset: i})
	}
	c := newConsumer(r, 4, zerolog.Nop())
	c.maxBackoff = 10 * time.Millisecond

	var mu sync.Mutex
	calls := map[int64]int{}
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls[m.Offset]++
		if m.Offset == 1 && calls[m.Offset] < 3 {
			return errors.New("redis unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx, h) }()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("offsets not committed")
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []int64{0, 1, 2}, r.committed)
	assert.Equal(t, 3, calls[1])
}

func TestDecodeEnvelopeFallsBackToHeader(t *testing.T) {
	m := kafka.Message{
		Value:   []byte(`{"event_type":"OrderPaid","event_version":1,"payload":{}}`),
		Headers: []kafka.Header{{Key: HeaderEventID, Value: []byte("evt-9")}},
	}
	env, err := DecodeEnvelope(m)
	require.NoError(t, err)
	assert.Equal(t, "evt-9", env.EventID)

	_, err = DecodeEnvelope(kafka.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}
