package orders

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"sort"
	"time"
)

type lineQty struct {
	productID string
	qty       int
}

func validateLines(lines []Line) error {
	if len(lines) == 0 {
		return invalidf("order has no lines")
	}
	for i, l := range lines {
		if (l.ProductID == "") == (l.SKU == "") {
			return invalidf("line %d: exactly one of product_id or sku is required", i)
		}
		if l.Qty <= 0 {
			return invalidf("line %d: qty must be positive", i)
		}
	}
	return nil
}

// resolveLines maps SKUs to product ids and merges lines of the same product.
// The result is sorted by product id, which is the lock acquisition order.
func resolveLines(ctx context.Context, tx Tx, lines []Line) ([]lineQty, error) {
	var skus []string
	for _, l := range lines {
		if l.SKU != "" {
			skus = append(skus, l.SKU)
		}
	}
	var bySKU map[string]Product
	if len(skus) > 0 {
		var err error
		if bySKU, err = tx.ProductsBySKU(ctx, skus); err != nil {
			return nil, err
		}
	}

	qty := map[string]int{}
	for _, l := range lines {
		id := l.ProductID
		if l.SKU != "" {
			p, ok := bySKU[l.SKU]
			if !ok {
				return nil, &StockError{ProductID: l.SKU, Unknown: true}
			}
			id = p.ID
		}
		qty[id] += l.Qty
	}

	out := make([]lineQty, 0, len(qty))
	for id, q := range qty {
		out = append(out, lineQty{productID: id, qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].productID < out[j].productID })
	return out, nil
}

func sortedIDs(lines []lineQty) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.productID
	}
	return ids
}

// reserveAndCommit locks every product's stock in ascending id order,
// verifies and decrements it, then writes the order, its items (price
// snapshot) and one reservation audit row per line. Any shortage aborts the
// whole order; the caller's transaction rolls everything back.
func reserveAndCommit(ctx context.Context, tx Tx, userID string, lines []Line, now time.Time) (Order, []OrderItem, error) {
	merged, err := resolveLines(ctx, tx, lines)
	if err != nil {
		return Order{}, nil, err
	}

	locked, err := tx.LockStock(ctx, sortedIDs(merged))
	if err != nil {
		return Order{}, nil, err
	}

	currency := ""
	for _, l := range merged {
		ls, ok := locked[l.productID]
		if !ok || !ls.Product.Active {
			return Order{}, nil, &StockError{ProductID: l.productID, Unknown: true}
		}
		if ls.Available < l.qty {
			return Order{}, nil, &StockError{ProductID: l.productID, Requested: l.qty, Available: ls.Available}
		}
		if currency == "" {
			currency = ls.Product.Currency
		} else if ls.Product.Currency != currency {
			return Order{}, nil, invalidf("mixed currencies %s and %s", currency, ls.Product.Currency)
		}
	}

	order := Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusCreated,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	items := make([]OrderItem, 0, len(merged))
	reservations := make([]Reservation, 0, len(merged))
	for _, l := range merged {
		if err := tx.AddStock(ctx, l.productID, -l.qty); err != nil {
			return Order{}, nil, err
		}
		price := locked[l.productID].Product.PriceCents
		order.TotalCents += price * l.qty
		items = append(items, OrderItem{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			ProductID:  l.productID,
			Qty:        l.qty,
			PriceCents: price,
		})
		reservations = append(reservations, Reservation{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			UserID:    userID,
			ProductID: l.productID,
			Qty:       l.qty,
			CreatedAt: now,
		})
	}

	if err := tx.InsertOrder(ctx, order, items); err != nil {
		return Order{}, nil, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.InsertReservations(ctx, reservations); err != nil {
		return Order{}, nil, fmt.Errorf("insert reservations: %w", err)
	}
	return order, items, nil
}

// releaseStock gives an order's quantities back, locking in the same order
// placement uses.
func releaseStock(ctx context.Context, tx Tx, items []OrderItem) error {
	lines := make([]lineQty, 0, len(items))
	qty := map[string]int{}
	for _, it := range items {
		qty[it.ProductID] += it.Qty
	}
	for id, q := range qty {
		lines = append(lines, lineQty{productID: id, qty: q})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].productID < lines[j].productID })

	if _, err := tx.LockStock(ctx, sortedIDs(lines)); err != nil {
		return err
	}
	for _, l := range lines {
		if err := tx.AddStock(ctx, l.productID, l.qty); err != nil {
			return err
		}
	}
	return nil
}
