package orders

import (
	"context"
	"encoding/json"
	"time"
)

// Store runs fn as one atomic unit: every write made through tx commits
// together or not at all. A non-nil error from fn rolls back.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of row operations the engine needs inside one transaction.
type Tx interface {
	// ProductsBySKU resolves catalog SKUs. Unknown SKUs are absent from the map.
	ProductsBySKU(ctx context.Context, skus []string) (map[string]Product, error)

	// LockStock row-locks the stock of each product in the order given and
	// returns it joined with its catalog row. Callers pass ids sorted
	// ascending. Unknown ids are absent from the map.
	LockStock(ctx context.Context, productIDs []string) (map[string]LockedStock, error)
	// AddStock applies delta to a locked row. It refuses to drive available
	// below zero and reports that as a *StockError.
	AddStock(ctx context.Context, productID string, delta int) error
	InsertReservations(ctx context.Context, rs []Reservation) error

	InsertOrder(ctx context.Context, o Order, items []OrderItem) error
	// GetOrder returns ErrOrderNotFound when missing. forUpdate locks the row.
	GetOrder(ctx context.Context, orderID string, forUpdate bool) (Order, []OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID string, s Status, at time.Time) error

	// InsertIdempotencyKey inserts k unless (user, key) exists, in which case
	// the existing row is returned and nothing is written.
	InsertIdempotencyKey(ctx context.Context, k IdempotencyKey) (existing *IdempotencyKey, err error)
	// ReclaimIdempotencyKey restarts an in-flight row created before staleBefore.
	ReclaimIdempotencyKey(ctx context.Context, userID, key string, staleBefore, now time.Time) (bool, error)
	SaveIdempotencyResponse(ctx context.Context, userID, key string, response json.RawMessage) error
	// DeleteIdempotencyKey removes the row only while it has no response.
	DeleteIdempotencyKey(ctx context.Context, userID, key string) error

	InsertOutboxEvent(ctx context.Context, e OutboxEvent) error

	// InsertProcessedWebhook reports false when (provider, event_id) exists.
	InsertProcessedWebhook(ctx context.Context, e ProcessedWebhookEvent) (bool, error)
	SetWebhookOutcome(ctx context.Context, provider, eventID, outcome string) error
}

// CachedResponse mirrors a completed idempotency row outside the store.
type CachedResponse struct {
	UserID      string          `json:"user_id"`
	PayloadHash string          `json:"payload_hash"`
	Response    json.RawMessage `json:"response"`
}

// ResponseCache is an optional fast path in front of the idempotency table.
// The store stays authoritative.
type ResponseCache interface {
	GetResponse(ctx context.Context, userID, key string) (CachedResponse, bool)
	PutResponse(ctx context.Context, userID, key string, r CachedResponse)
}

// OrderCache is an optional read cache for order views. Committed
// transitions overwrite with PutOrder; reads only fill an empty slot with
// FillOrder, so a view read before a transition never replaces a newer one.
type OrderCache interface {
	GetOrder(ctx context.Context, orderID string) (OrderView, bool)
	PutOrder(ctx context.Context, v OrderView)
	FillOrder(ctx context.Context, v OrderView)
}
