package orders

import (
	"encoding/json"
	"time"
)

// Product is owned by the catalog; this package only reads it.
type Product struct {
	ID         string
	SKU        string
	Title      string
	PriceCents int
	Currency   string
	Active     bool
}

// StockLevel is the per-product available counter. Only the ledger writes it.
type StockLevel struct {
	ProductID string
	Available int
}

// LockedStock is a StockLevel row held under a row lock together with the
// catalog data needed to price the line.
type LockedStock struct {
	Product   Product
	Available int
}

type Order struct {
	ID         string
	UserID     string
	Status     Status // lihat status.go
	TotalCents int
	Currency   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Qty        int
	PriceCents int
}

// Reservation is an audit row written in the same transaction as the order.
type Reservation struct {
	ID        string
	OrderID   string
	UserID    string
	ProductID string
	Qty       int
	CreatedAt time.Time
}

type IdempotencyKey struct {
	UserID      string
	Key         string
	PayloadHash string
	Response    json.RawMessage // nil while the original request is in flight
	CreatedAt   time.Time
}

type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	AggregateID   string
	Payload       json.RawMessage
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	LockedUntil   time.Time
	DeadAt        *time.Time
}

type ProcessedWebhookEvent struct {
	Provider   string
	EventID    string
	Payload    json.RawMessage
	Outcome    string
	ReceivedAt time.Time
}

// Line is one requested (product, qty) pair. Either ProductID or SKU is set.
type Line struct {
	ProductID string `json:"product_id,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Qty       int    `json:"qty"`
}

// OrderView is the read model returned to callers and cached as the
// idempotent response snapshot.
type OrderView struct {
	OrderID    string     `json:"order_id"`
	UserID     string     `json:"user_id"`
	Status     Status     `json:"status"`
	TotalCents int        `json:"total_cents"`
	Currency   string     `json:"currency"`
	Items      []ItemView `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
}

type ItemView struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

func newOrderView(o Order, items []OrderItem) OrderView {
	v := OrderView{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Status:     o.Status,
		TotalCents: o.TotalCents,
		Currency:   o.Currency,
		CreatedAt:  o.CreatedAt,
		Items:      make([]ItemView, 0, len(items)),
	}
	for _, it := range items {
		v.Items = append(v.Items, ItemView{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	return v
}
