package postgres

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"sort"
	"time"
)

// Claim leases a batch of due outbox rows. Rows are selected with SKIP LOCKED
// and their lease is committed before the caller touches the network, so
// concurrent publishers never hold a row lock across delivery.
func (s *Store) Claim(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]orders.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_events
			WHERE published_at IS NULL
			  AND dead_at IS NULL
			  AND next_attempt_at <= $1
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o SET locked_until = $3
		FROM due WHERE o.id = due.id
		RETURNING o.id, o.event_id, o.topic, o.aggregate_id, o.payload, o.created_at,
		          o.attempts, COALESCE(o.last_error, ''), o.next_attempt_at, o.locked_until`,
		now, limit, now.Add(lease))
	if err != nil {
		return nil, classify(errors.Wrap(err, "claim outbox"))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.OutboxEvent, error) {
		var (
			e       orders.OutboxEvent
			payload []byte
		)
		err := row.Scan(&e.ID, &e.EventID, &e.Topic, &e.AggregateID, &payload, &e.CreatedAt,
			&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.LockedUntil)
		e.Payload = payload
		return e, err
	})
	if err != nil {
		return nil, classify(errors.Wrap(err, "scan outbox"))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = $2, locked_until = NULL, last_error = NULL
		WHERE id = $1 AND published_at IS NULL`, id, at)
	return classify(errors.Wrap(err, "mark outbox published"))
}

func (s *Store) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, nextAttemptAt time.Time, deadAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = $2, last_error = $3, next_attempt_at = $4, locked_until = NULL, dead_at = $5
		WHERE id = $1 AND published_at IS NULL`, id, attempts, lastErr, nextAttemptAt, deadAt)
	return classify(errors.Wrap(err, "mark outbox failed"))
}

// Requeue clears the dead flag of an unpublished event and resets its attempts.
func (s *Store) Requeue(ctx context.Context, eventID string, now time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET dead_at = NULL, attempts = 0, next_attempt_at = $2, locked_until = NULL
		WHERE event_id = $1 AND published_at IS NULL`, eventID, now)
	if err != nil {
		return false, classify(errors.Wrap(err, "requeue outbox event"))
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) Compact(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE published_at IS NOT NULL AND published_at < $1`, before)
	if err != nil {
		return 0, classify(errors.Wrap(err, "compact outbox"))
	}
	return ct.RowsAffected(), nil
}
