package memstore

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"sort"
	"time"
)

// Claim leases up to limit due events, oldest first.
func (s *Store) Claim(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]orders.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := make([]int, 0, limit)
	for i, e := range s.state.outbox {
		if e.PublishedAt != nil || e.DeadAt != nil {
			continue
		}
		if e.NextAttemptAt.After(now) || e.LockedUntil.After(now) {
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := s.state.outbox[idx[a]], s.state.outbox[idx[b]]
		if !ea.CreatedAt.Equal(eb.CreatedAt) {
			return ea.CreatedAt.Before(eb.CreatedAt)
		}
		return ea.ID < eb.ID
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}

	out := make([]orders.OutboxEvent, 0, len(idx))
	for _, i := range idx {
		s.state.outbox[i].LockedUntil = now.Add(lease)
		out = append(out, s.state.outbox[i])
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.outboxByID(id); e != nil && e.PublishedAt == nil {
		e.PublishedAt = &at
		e.LockedUntil = time.Time{}
		e.LastError = ""
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id int64, attempts int, lastErr string, nextAttemptAt time.Time, deadAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.outboxByID(id); e != nil {
		e.Attempts = attempts
		e.LastError = lastErr
		e.NextAttemptAt = nextAttemptAt
		e.LockedUntil = time.Time{}
		e.DeadAt = deadAt
	}
	return nil
}

// Requeue returns a dead event to the pending set with a fresh attempt budget.
func (s *Store) Requeue(_ context.Context, eventID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		e := &s.state.outbox[i]
		if e.EventID != eventID || e.PublishedAt != nil {
			continue
		}
		e.DeadAt = nil
		e.Attempts = 0
		e.NextAttemptAt = now
		e.LockedUntil = time.Time{}
		return true, nil
	}
	return false, nil
}

// Compact drops events published before the cutoff.
func (s *Store) Compact(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.state.outbox[:0]
	var n int64
	for _, e := range s.state.outbox {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.state.outbox = kept
	return n, nil
}

func (s *Store) outboxByID(id int64) *orders.OutboxEvent {
	for i := range s.state.outbox {
		if s.state.outbox[i].ID == id {
			return &s.state.outbox[i]
		}
	}
	return nil
}
