package outbox

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-settlement/internal/memstore"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu   sync.Mutex
	got  []Message
	fail error
}

func (s *recordingSink) Deliver(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, m)
	return nil
}

func (s *recordingSink) eventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.got))
	for i, m := range s.got {
		ids[i] = m.EventID
	}
	return ids
}

// flakyStamp drops the first n MarkPublished calls, as if the process died
// right after the broker acknowledged.
type flakyStamp struct {
	*memstore.Store
	mu    sync.Mutex
	drops int
}

func (f *flakyStamp) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	drop := f.drops > 0
	if drop {
		f.drops--
	}
	f.mu.Unlock()
	if drop {
		return errors.New("connection reset")
	}
	return f.Store.MarkPublished(ctx, id, at)
}

func seedEvents(t *testing.T, st *memstore.Store, at time.Time, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	err := st.InTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("evt-%d", i)
			ids = append(ids, id)
			err := tx.InsertOutboxEvent(ctx, orders.OutboxEvent{
				EventID:       id,
				Topic:         orders.TopicOrderCreated,
				AggregateID:   fmt.Sprintf("order-%d", i),
				Payload:       []byte(fmt.Sprintf(`{"event_id":%q}`, id)),
				CreatedAt:     at.Add(time.Duration(i) * time.Millisecond),
				NextAttemptAt: at,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestDrainPublishesInCreationOrderAndStamps(t *testing.T) {
	clk := newClock()
	st := memstore.New()
	ids := seedEvents(t, st, clk.Now(), 5)
	sink := &recordingSink{}

	p := NewPublisher(st, sink, Config{BatchSize: 2}, WithClock(clk.Now))
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, ids, sink.eventIDs())
	for _, e := range st.OutboxEvents() {
		require.NotNil(t, e.PublishedAt, e.EventID)
		assert.Nil(t, e.DeadAt)
	}

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventIsRedeliveredWhenStampIsLost(t *testing.T) {
	clk := newClock()
	st := &flakyStamp{Store: memstore.New(), drops: 1}
	ids := seedEvents(t, st.Store, clk.Now(), 1)
	sink := &recordingSink{}

	p := NewPublisher(st, sink, Config{Lease: 10 * time.Second}, WithClock(clk.Now))
	require.NoError(t, p.Drain(context.Background()))
	require.Nil(t, st.OutboxEvents()[0].PublishedAt)

	// still leased: nothing to claim
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(11 * time.Second)
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, []string{ids[0], ids[0]}, sink.eventIDs())
	assert.NotNil(t, st.OutboxEvents()[0].PublishedAt)
}

func TestFailingDeliveryBacksOffThenGoesDead(t *testing.T) {
	clk := newClock()
	st := memstore.New()
	ids := seedEvents(t, st, clk.Now(), 1)
	sink := &recordingSink{fail: errors.New("broker down")}

	p := NewPublisher(st, sink, Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute}, WithClock(clk.Now))

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := p.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)

		e := st.OutboxEvents()[0]
		assert.Equal(t, attempt, e.Attempts)
		assert.Equal(t, "broker down", e.LastError)
		assert.Nil(t, e.PublishedAt)

		if attempt < 3 {
			assert.Nil(t, e.DeadAt)
			// not due before its backoff elapses
			n, err = p.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
			clk.Advance(p.retryDelay(attempt))
		}
	}

	e := st.OutboxEvents()[0]
	require.NotNil(t, e.DeadAt)
	clk.Advance(time.Hour)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "dead events are left for an operator")

	ok, err := st.Requeue(context.Background(), ids[0], clk.Now())
	require.NoError(t, err)
	require.True(t, ok)

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, ids, sink.eventIDs())
	assert.NotNil(t, st.OutboxEvents()[0].PublishedAt)
}

func TestRetryDelayDoublesUpToCap(t *testing.T) {
	p := NewPublisher(memstore.New(), &recordingSink{}, Config{})
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.retryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestCompactRemovesOnlyOldPublishedRows(t *testing.T) {
	clk := newClock()
	st := memstore.New()
	seedEvents(t, st, clk.Now(), 3)

	p := NewPublisher(st, &recordingSink{}, Config{BatchSize: 2}, WithClock(clk.Now))
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	n, err := st.Compact(context.Background(), clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.Len(t, st.OutboxEvents(), 1)
	assert.Nil(t, st.OutboxEvents()[0].PublishedAt)
}
