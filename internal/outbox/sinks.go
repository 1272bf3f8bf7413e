package outbox

import (
	"context"
	"github.com/rs/zerolog"
)

// LogSink writes envelopes to the log instead of a broker. For local runs.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, m Message) error {
	s.Log.Info().
		Str("event_id", m.EventID).
		Str("topic", m.Topic).
		Str("order_id", m.Key).
		RawJSON("envelope", m.Payload).
		Msg("outbox event")
	return nil
}

// Fanout delivers to every sink in order and fails on the first error.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, m Message) error {
	for _, s := range f {
		if err := s.Deliver(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
