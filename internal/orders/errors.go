package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrUnknownProduct     = errors.New("unknown product")
	ErrConflictingPayload = errors.New("idempotency key reused with a different payload")
	ErrDuplicateInFlight  = errors.New("request with this idempotency key is still in flight")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrAmountMismatch     = errors.New("payment amount does not match order total")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrTimeout            = errors.New("transaction timed out")
)

// StockError names the product that failed reservation.
type StockError struct {
	ProductID string
	Requested int
	Available int
	Unknown   bool
}

func (e *StockError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("unknown product: %s", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool {
	if e.Unknown {
		return target == ErrUnknownProduct
	}
	return target == ErrInsufficientStock
}

type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type AmountError struct {
	Expected, Got int
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("amount mismatch: expected %d, got %d", e.Expected, e.Got)
}

func (e *AmountError) Is(target error) bool { return target == ErrAmountMismatch }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}

// Transient reports whether err may succeed on retry. Business-rule failures
// are never transient.
func Transient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Error codes used in cached response snapshots and HTTP bodies.
const (
	CodeInsufficientStock  = "insufficient_stock"
	CodeUnknownProduct     = "unknown_product"
	CodeConflictingPayload = "conflicting_payload"
	CodeDuplicateInFlight  = "duplicate_in_flight"
	CodeInvalidTransition  = "invalid_transition"
	CodeAmountMismatch     = "amount_mismatch"
	CodeOrderNotFound      = "order_not_found"
	CodeInvalidRequest     = "invalid_request"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
)

func Code(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrUnknownProduct):
		return CodeUnknownProduct
	case errors.Is(err, ErrConflictingPayload):
		return CodeConflictingPayload
	case errors.Is(err, ErrDuplicateInFlight):
		return CodeDuplicateInFlight
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrAmountMismatch):
		return CodeAmountMismatch
	case errors.Is(err, ErrOrderNotFound):
		return CodeOrderNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case Transient(err):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrorBody is the serialized form of a terminal placement failure.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}

func errorBody(err error) *ErrorBody {
	b := &ErrorBody{Code: Code(err), Message: err.Error()}
	var se *StockError
	if errors.As(err, &se) {
		b.ProductID, b.Requested, b.Available = se.ProductID, se.Requested, se.Available
	}
	return b
}

// Err rebuilds the error a cached snapshot recorded.
func (b *ErrorBody) Err() error {
	switch b.Code {
	case CodeInsufficientStock:
		return &StockError{ProductID: b.ProductID, Requested: b.Requested, Available: b.Available}
	case CodeUnknownProduct:
		return &StockError{ProductID: b.ProductID, Unknown: true}
	case CodeInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.TrimPrefix(b.Message, ErrInvalidRequest.Error()+": "))
	default:
		return errors.New(b.Message)
	}
}
