package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"time"
)

const (
	ReasonCustomerRequest = "customer_request"
	ReasonPaymentCanceled = "payment_canceled"
	ReasonPaymentFailed   = "payment_failed"
)

type Options struct {
	Producer    string        // envelope producer name, e.g. "order-api"
	InFlightTTL time.Duration // idempotency lease for abandoned attempts
	Responses   ResponseCache
	Orders      OrderCache
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Service is the order placement and settlement engine.
type Service struct {
	store    Store
	guard    *Guard
	cache    OrderCache
	producer string
	log      zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Producer == "" {
		opts.Producer = "order-api"
	}
	return &Service{
		store:    store,
		guard:    NewGuard(store, opts.Responses, opts.InFlightTTL, opts.Clock),
		cache:    opts.Orders,
		producer: opts.Producer,
		log:      opts.Logger.With().Str("component", "orders").Logger(),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("github.com/ariefcatur/go-order-settlement/internal/orders"),
		now:      opts.Clock,
	}
}

func (s *Service) Store() Store  { return s.store }
func (s *Service) Guard() *Guard { return s.guard }

type PlaceResult struct {
	Order    OrderView
	Replayed bool // served from the idempotency snapshot
}

type placementSnapshot struct {
	Order *OrderView `json:"order,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// PlaceOrder reserves stock and creates an order at most once per
// (user, idempotency key).
func (s *Service) PlaceOrder(ctx context.Context, userID, idemKey string, lines []Line) (PlaceResult, error) {
	ctx, span := s.tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("order.lines", len(lines)),
	))
	defer span.End()

	res, err := s.placeOrder(ctx, userID, idemKey, lines)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		s.metrics.Placement(Code(err))
	case res.Replayed:
		s.metrics.Placement("replayed")
	default:
		span.SetAttributes(attribute.String("order.id", res.Order.OrderID))
		s.metrics.Placement("created")
	}
	return res, err
}

func (s *Service) placeOrder(ctx context.Context, userID, idemKey string, lines []Line) (PlaceResult, error) {
	if userID == "" || idemKey == "" {
		return PlaceResult{}, invalidf("user and idempotency key are required")
	}
	if err := validateLines(lines); err != nil {
		return PlaceResult{}, err
	}
	hash := PayloadHash(lines)

	begin, err := s.guard.Begin(ctx, userID, idemKey, hash)
	if err != nil {
		return PlaceResult{}, err
	}
	switch begin.State {
	case DuplicateInFlight:
		return PlaceResult{}, ErrDuplicateInFlight
	case DuplicateCompleted:
		return replay(begin.Response)
	}

	var (
		view     OrderView
		snapshot json.RawMessage
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()
		o, items, err := reserveAndCommit(ctx, tx, userID, lines, now)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, TopicOrderCreated, o, createdPayload(o, items), now); err != nil {
			return err
		}
		view = newOrderView(o, items)
		if snapshot, err = json.Marshal(placementSnapshot{Order: &view}); err != nil {
			return err
		}
		return s.guard.CompleteTx(ctx, tx, userID, idemKey, snapshot)
	})
	if err != nil {
		s.settleFailedPlacement(ctx, userID, idemKey, hash, err)
		return PlaceResult{}, err
	}

	s.guard.Remember(ctx, userID, idemKey, hash, snapshot)
	if s.cache != nil {
		s.cache.FillOrder(ctx, view)
	}
	s.log.Info().
		Str("order_id", view.OrderID).
		Str("user_id", userID).
		Int("total_cents", view.TotalCents).
		Msg("order placed")
	return PlaceResult{Order: view}, nil
}

// settleFailedPlacement finishes the idempotency key of a failed attempt.
// Business-rule failures are recorded so retries replay them; anything else
// releases the key so the client can retry safely.
func (s *Service) settleFailedPlacement(ctx context.Context, userID, idemKey, hash string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	l := s.log.With().Str("user_id", userID).Str("idempotency_key", idemKey).Logger()
	if terminalPlacementError(cause) {
		snap, err := json.Marshal(placementSnapshot{Error: errorBody(cause)})
		if err == nil {
			err = s.guard.Complete(ctx, userID, idemKey, hash, snap)
		}
		if err == nil {
			l.Info().Str("code", Code(cause)).Msg("placement rejected")
			return
		}
		l.Warn().Err(err).Msg("record rejected placement")
	}
	if err := s.guard.Release(ctx, userID, idemKey); err != nil {
		l.Error().Err(err).AnErr("cause", cause).Msg("release idempotency key")
		return
	}
	l.Warn().Err(cause).Msg("placement failed, key released")
}

func terminalPlacementError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, ErrInvalidRequest)
}

func replay(raw json.RawMessage) (PlaceResult, error) {
	var snap placementSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return PlaceResult{}, fmt.Errorf("decode cached response: %w", err)
	}
	if snap.Error != nil {
		return PlaceResult{Replayed: true}, snap.Error.Err()
	}
	if snap.Order == nil {
		return PlaceResult{}, fmt.Errorf("decode cached response: empty snapshot")
	}
	return PlaceResult{Order: *snap.Order, Replayed: true}, nil
}

// TransitionResult reports the order after a transition request. Changed is
// false when the order was already in the requested state.
type TransitionResult struct {
	Order   OrderView
	Changed bool
}

// CancelOrder cancels an order on behalf of its owner.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (OrderView, error) {
	r, err := s.transition(ctx, "orders.CancelOrder", orderID, func(ctx context.Context, tx Tx) (TransitionResult, error) {
		return s.cancelTx(ctx, tx, orderID, userID, ReasonCustomerRequest)
	})
	return r.Order, err
}

// Cancel cancels an order and releases its stock.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (OrderView, error) {
	r, err := s.transition(ctx, "orders.Cancel", orderID, func(ctx context.Context, tx Tx) (TransitionResult, error) {
		return s.cancelTx(ctx, tx, orderID, "", reason)
	})
	return r.Order, err
}

// MarkPaid settles an order once the paid amount equals its total.
func (s *Service) MarkPaid(ctx context.Context, orderID string, amountCents int, paymentRef string) (OrderView, error) {
	r, err := s.transition(ctx, "orders.MarkPaid", orderID, func(ctx context.Context, tx Tx) (TransitionResult, error) {
		return s.MarkPaidTx(ctx, tx, orderID, amountCents, paymentRef)
	})
	return r.Order, err
}

func (s *Service) transition(ctx context.Context, name, orderID string, fn func(context.Context, Tx) (TransitionResult, error)) (TransitionResult, error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var res TransitionResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		return TransitionResult{}, err
	}
	s.Committed(ctx, res)
	return res, nil
}

// MarkPaidTx applies created -> paid inside tx and writes order.paid.
func (s *Service) MarkPaidTx(ctx context.Context, tx Tx, orderID string, amountCents int, paymentRef string) (TransitionResult, error) {
	o, items, err := tx.GetOrder(ctx, orderID, true)
	if err != nil {
		return TransitionResult{}, err
	}
	// a terminal refusal wins over the amount check
	apply, err := checkTransition(o.Status, StatusPaid)
	if err != nil {
		return TransitionResult{}, err
	}
	if amountCents != o.TotalCents {
		return TransitionResult{}, &AmountError{Expected: o.TotalCents, Got: amountCents}
	}
	if !apply {
		return TransitionResult{Order: newOrderView(o, items)}, nil
	}

	now := s.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, StatusPaid, now); err != nil {
		return TransitionResult{}, err
	}
	o.Status, o.UpdatedAt = StatusPaid, now
	if err := s.enqueue(ctx, tx, TopicOrderPaid, o, paidPayload(o, amountCents, paymentRef), now); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Order: newOrderView(o, items), Changed: true}, nil
}

// CancelTx applies created -> canceled inside tx, restores stock and writes
// order.canceled.
func (s *Service) CancelTx(ctx context.Context, tx Tx, orderID, reason string) (TransitionResult, error) {
	return s.cancelTx(ctx, tx, orderID, "", reason)
}

func (s *Service) cancelTx(ctx context.Context, tx Tx, orderID, ownerID, reason string) (TransitionResult, error) {
	o, items, err := tx.GetOrder(ctx, orderID, true)
	if err != nil {
		return TransitionResult{}, err
	}
	if ownerID != "" && o.UserID != ownerID {
		return TransitionResult{}, ErrOrderNotFound
	}
	apply, err := checkTransition(o.Status, StatusCanceled)
	if err != nil || !apply {
		return TransitionResult{Order: newOrderView(o, items)}, err
	}

	now := s.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, StatusCanceled, now); err != nil {
		return TransitionResult{}, err
	}
	if err := releaseStock(ctx, tx, items); err != nil {
		return TransitionResult{}, err
	}
	o.Status, o.UpdatedAt = StatusCanceled, now
	if err := s.enqueue(ctx, tx, TopicOrderCanceled, o, canceledPayload(o, reason), now); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Order: newOrderView(o, items), Changed: true}, nil
}

// Committed runs the post-commit side of a transition: cache refresh,
// metrics and logging. Callers running *Tx methods in their own transaction
// call it after commit.
func (s *Service) Committed(ctx context.Context, r TransitionResult) {
	if !r.Changed {
		return
	}
	if s.cache != nil {
		s.cache.PutOrder(ctx, r.Order)
	}
	s.metrics.Transition(string(r.Order.Status))
	s.log.Info().
		Str("order_id", r.Order.OrderID).
		Str("status", string(r.Order.Status)).
		Msg("order transitioned")
}

// GetOrder returns an order owned by userID.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (OrderView, error) {
	if s.cache != nil {
		if v, ok := s.cache.GetOrder(ctx, orderID); ok {
			if v.UserID != userID {
				return OrderView{}, ErrOrderNotFound
			}
			return v, nil
		}
	}
	var v OrderView
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, items, err := tx.GetOrder(ctx, orderID, false)
		if err != nil {
			return err
		}
		v = newOrderView(o, items)
		return nil
	})
	if err != nil {
		return OrderView{}, err
	}
	if v.UserID != userID {
		return OrderView{}, ErrOrderNotFound
	}
	if s.cache != nil {
		s.cache.FillOrder(ctx, v)
	}
	return v, nil
}
