// Package webhook applies payment provider callbacks to orders exactly once
// per (provider, event id).
package webhook

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"time"
)

type Outcome string

const (
	Applied          Outcome = "applied"
	AlreadyProcessed Outcome = "already_processed"
	Rejected         Outcome = "rejected"
)

type Result struct {
	Outcome Outcome
	Reason  string // set when Rejected
	OrderID string
}

type Intake struct {
	svc      *orders.Service
	decoders map[string]Decoder
	log      zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func NewIntake(svc *orders.Service, decoders map[string]Decoder, log zerolog.Logger, m *metrics.Metrics) *Intake {
	if decoders == nil {
		decoders = DefaultDecoders()
	}
	return &Intake{
		svc:      svc,
		decoders: decoders,
		log:      log.With().Str("component", "webhook").Logger(),
		metrics:  m,
		tracer:   otel.Tracer("github.com/ariefcatur/go-order-settlement/internal/webhook"),
		now:      time.Now,
	}
}

// Providers lists the providers this intake can decode.
func (in *Intake) Providers() []string {
	out := make([]string, 0, len(in.decoders))
	for p := range in.decoders {
		out = append(out, p)
	}
	return out
}

// Ingest records the (provider, eventID) marker and applies the transition in
// one transaction. Malformed payloads and unknown orders are rejected without
// a marker so a corrected redelivery can still apply. A transition refused by
// the state machine is recorded with the marker and reported as rejected. The
// error return is reserved for transient failures; the provider should retry.
func (in *Intake) Ingest(ctx context.Context, provider, eventID string, payload []byte) (Result, error) {
	ctx, span := in.tracer.Start(ctx, "webhook.Ingest", trace.WithAttributes(
		attribute.String("webhook.provider", provider),
		attribute.String("webhook.event_id", eventID),
	))
	defer span.End()

	res, err := in.ingest(ctx, provider, eventID, payload)
	l := in.log.With().Str("provider", provider).Str("event_id", eventID).Str("order_id", res.OrderID).Logger()
	switch {
	case err != nil:
		span.RecordError(err)
		in.metrics.Webhook(provider, "error")
		l.Error().Err(err).Msg("webhook failed")
	case res.Outcome == Rejected:
		in.metrics.Webhook(provider, string(res.Outcome))
		l.Warn().Str("reason", res.Reason).Msg("webhook rejected")
	default:
		in.metrics.Webhook(provider, string(res.Outcome))
		l.Info().Str("outcome", string(res.Outcome)).Msg("webhook handled")
	}
	span.SetAttributes(attribute.String("webhook.outcome", string(res.Outcome)))
	return res, err
}

func (in *Intake) ingest(ctx context.Context, provider, eventID string, payload []byte) (Result, error) {
	dec, ok := in.decoders[provider]
	if !ok {
		return Result{Outcome: Rejected, Reason: "unknown provider " + provider}, nil
	}
	ins, err := dec.Decode(payload)
	var rej *RejectedError
	if errors.As(err, &rej) {
		return Result{Outcome: Rejected, Reason: rej.Reason}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if eventID == "" {
		eventID = ins.EventID
	}
	if eventID == "" {
		return Result{Outcome: Rejected, Reason: "missing event id", OrderID: ins.OrderID}, nil
	}

	var (
		dup       bool
		refused   string
		committed orders.TransitionResult
	)
	err = in.svc.Store().InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		inserted, err := tx.InsertProcessedWebhook(ctx, orders.ProcessedWebhookEvent{
			Provider:   provider,
			EventID:    eventID,
			Payload:    payload,
			Outcome:    string(Applied),
			ReceivedAt: in.now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			dup = true
			return nil
		}

		var r orders.TransitionResult
		switch ins.Action {
		case ActionMarkPaid:
			r, err = in.svc.MarkPaidTx(ctx, tx, ins.OrderID, ins.AmountCents, ins.PaymentRef)
		case ActionCancel:
			r, err = in.svc.CancelTx(ctx, tx, ins.OrderID, ins.Reason)
		default:
			return &RejectedError{Reason: "unsupported action " + ins.Action.String()}
		}
		switch {
		case err == nil:
			committed = r
			return nil
		case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, orders.ErrAmountMismatch):
			refused = orders.Code(err)
			return tx.SetWebhookOutcome(ctx, provider, eventID, string(Rejected)+":"+refused)
		default:
			return err
		}
	})

	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		return Result{Outcome: Rejected, Reason: orders.CodeOrderNotFound, OrderID: ins.OrderID}, nil
	case errors.As(err, &rej):
		return Result{Outcome: Rejected, Reason: rej.Reason, OrderID: ins.OrderID}, nil
	case err != nil:
		return Result{OrderID: ins.OrderID}, err
	case dup:
		return Result{Outcome: AlreadyProcessed, OrderID: ins.OrderID}, nil
	case refused != "":
		return Result{Outcome: Rejected, Reason: refused, OrderID: ins.OrderID}, nil
	}

	in.svc.Committed(ctx, committed)
	return Result{Outcome: Applied, OrderID: ins.OrderID}, nil
}
