package redisx

import (
	"context"
	stderrors "errors"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type DedupState int

const (
	// Claimed: the caller owns the event and must finish with Done or Forget.
	Claimed DedupState = iota
	// InProgress: another attempt holds a live pending marker.
	InProgress
	// Handled: the event was processed within TTLDedup.
	Handled
)

func (s DedupState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InProgress:
		return "in_progress"
	case Handled:
		return "handled"
	}
	return "unknown"
}

const (
	markerPending = "pending"
	markerDone    = "done"
)

// Dedup tracks event ids per consumer with a two-state marker. A pending
// marker expires after TTLDedupPending, so an attempt that dies before Done
// leaves the event claimable again.
type Dedup struct {
	rdb      redis.Cmdable
	consumer string
}

func NewDedup(rdb redis.Cmdable, consumer string) *Dedup {
	return &Dedup{rdb: rdb, consumer: consumer}
}

func (d *Dedup) Claim(ctx context.Context, eventID string) (DedupState, error) {
	key := dedupKey(d.consumer, eventID)
	ok, err := d.rdb.SetNX(ctx, key, markerPending, TTLDedupPending).Result()
	if err != nil {
		return 0, errors.Wrap(err, "dedup claim")
	}
	if ok {
		return Claimed, nil
	}
	v, err := d.rdb.Get(ctx, key).Result()
	switch {
	case stderrors.Is(err, redis.Nil):
		// the marker expired between the two calls; the next attempt claims it
		return InProgress, nil
	case err != nil:
		return 0, errors.Wrap(err, "dedup read")
	case v == markerDone:
		return Handled, nil
	}
	return InProgress, nil
}

// Done records eventID as handled for TTLDedup.
func (d *Dedup) Done(ctx context.Context, eventID string) error {
	return errors.Wrap(d.rdb.Set(ctx, dedupKey(d.consumer, eventID), markerDone, TTLDedup).Err(), "dedup done")
}

// Forget undoes Claim so a failed handler can be retried.
func (d *Dedup) Forget(ctx context.Context, eventID string) error {
	return errors.Wrap(d.rdb.Del(ctx, dedupKey(d.consumer, eventID)).Err(), "dedup forget")
}
