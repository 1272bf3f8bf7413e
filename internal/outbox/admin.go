package outbox

import (
	"context"
	"time"
)

// Maintainer is the housekeeping side of the outbox table.
type Maintainer interface {
	Requeue(ctx context.Context, eventID string, now time.Time) (bool, error)
	Compact(ctx context.Context, before time.Time) (int64, error)
}

// Compactor deletes published rows older than Retention on every tick.
type Compactor struct {
	Store     Maintainer
	Retention time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

func (c Compactor) Run(ctx context.Context, onRun func(deleted int64, err error)) error {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	t := time.NewTicker(c.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := c.Store.Compact(ctx, c.Now().Add(-c.Retention))
			if onRun != nil {
				onRun(n, err)
			}
		}
	}
}
