package kafka

import (
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/segmentio/kafka-go"
)

// DecodeEnvelope parses a message value and falls back to the event_id header
// when the envelope lacks one.
func DecodeEnvelope(m kafka.Message) (orders.Envelope, error) {
	env, err := orders.DecodeEnvelope(m.Value)
	if err != nil && env.EventID == "" {
		if id := header(m, HeaderEventID); id != "" && env.EventType != "" {
			env.EventID = id
			return env, nil
		}
	}
	return env, err
}
