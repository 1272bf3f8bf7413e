package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"time"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ProductsBySKU(ctx context.Context, skus []string) (map[string]orders.Product, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, sku, title, price_cents, currency, is_active
		FROM products WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, errors.Wrap(err, "query products by sku")
	}
	defer rows.Close()

	out := map[string]orders.Product{}
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Title, &p.PriceCents, &p.Currency, &p.Active); err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		out[p.SKU] = p
	}
	return out, errors.Wrap(rows.Err(), "read products")
}

// LockStock takes FOR UPDATE locks on stock rows in byte order of product id,
// the same order Go's sort produces for the caller's slice.
func (t *pgTx) LockStock(ctx context.Context, productIDs []string) (map[string]orders.LockedStock, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT p.id, p.sku, p.title, p.price_cents, p.currency, p.is_active, s.available
		FROM stock_levels s
		JOIN products p ON p.id = s.product_id
		WHERE s.product_id = ANY($1)
		ORDER BY s.product_id COLLATE "C"
		FOR UPDATE OF s`, productIDs)
	if err != nil {
		return nil, errors.Wrap(err, "lock stock")
	}
	defer rows.Close()

	out := make(map[string]orders.LockedStock, len(productIDs))
	for rows.Next() {
		var ls orders.LockedStock
		p := &ls.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Title, &p.PriceCents, &p.Currency, &p.Active, &ls.Available); err != nil {
			return nil, errors.Wrap(err, "scan stock")
		}
		out[p.ID] = ls
	}
	return out, errors.Wrap(rows.Err(), "read stock")
}

func (t *pgTx) AddStock(ctx context.Context, productID string, delta int) error {
	var available int
	err := t.tx.QueryRow(ctx, `
		UPDATE stock_levels SET available = available + $2, updated_at = now()
		WHERE product_id = $1 AND available + $2 >= 0
		RETURNING available`, productID, delta).Scan(&available)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(err, "adjust stock %s", productID)
	}
	err = t.tx.QueryRow(ctx, `SELECT available FROM stock_levels WHERE product_id = $1`, productID).Scan(&available)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return &orders.StockError{ProductID: productID, Unknown: true}
	}
	if err != nil {
		return errors.Wrapf(err, "read stock %s", productID)
	}
	return &orders.StockError{ProductID: productID, Requested: -delta, Available: available}
}

func (t *pgTx) InsertReservations(ctx context.Context, rs []orders.Reservation) error {
	b := &pgx.Batch{}
	for _, r := range rs {
		b.Queue(`
			INSERT INTO reservations(id, order_id, user_id, product_id, qty, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			r.ID, r.OrderID, r.UserID, r.ProductID, r.Qty, r.CreatedAt)
	}
	return errors.Wrap(t.tx.SendBatch(ctx, b).Close(), "insert reservations")
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order, items []orders.OrderItem) error {
	b := &pgx.Batch{}
	b.Queue(`
		INSERT INTO orders(id, user_id, status, total_cents, currency, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.UserID, string(o.Status), o.TotalCents, o.Currency, o.CreatedAt, o.UpdatedAt)
	for _, it := range items {
		b.Queue(`
			INSERT INTO order_items(id, order_id, product_id, qty, price_cents)
			VALUES ($1,$2,$3,$4,$5)`,
			it.ID, it.OrderID, it.ProductID, it.Qty, it.PriceCents)
	}
	return errors.Wrap(t.tx.SendBatch(ctx, b).Close(), "insert order")
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string, forUpdate bool) (orders.Order, []orders.OrderItem, error) {
	q := `SELECT id, user_id, status, total_cents, currency, created_at, updated_at FROM orders WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var (
		o      orders.Order
		status string
	)
	err := t.tx.QueryRow(ctx, q, orderID).Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.Currency, &o.CreatedAt, &o.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, nil, errors.Wrap(err, "get order")
	}
	o.Status = orders.Status(status)

	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, product_id, qty, price_cents
		FROM order_items WHERE order_id = $1
		ORDER BY product_id COLLATE "C"`, orderID)
	if err != nil {
		return orders.Order{}, nil, errors.Wrap(err, "get order items")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.OrderItem, error) {
		var it orders.OrderItem
		err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents)
		return it, err
	})
	if err != nil {
		return orders.Order{}, nil, errors.Wrap(err, "scan order items")
	}
	return o, items, nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, s orders.Status, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(s), at)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

// InsertIdempotencyKey relies on the (user_id, key) primary key. A concurrent
// inserter blocks on ON CONFLICT until the winner commits; if the winner
// released its row in the meantime the insert is retried once.
func (t *pgTx) InsertIdempotencyKey(ctx context.Context, k orders.IdempotencyKey) (*orders.IdempotencyKey, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ct, err := t.tx.Exec(ctx, `
			INSERT INTO idempotency_keys(user_id, key, payload_hash, created_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (user_id, key) DO NOTHING`,
			k.UserID, k.Key, k.PayloadHash, k.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "insert idempotency key")
		}
		if ct.RowsAffected() == 1 {
			return nil, nil
		}

		existing := orders.IdempotencyKey{UserID: k.UserID, Key: k.Key}
		var resp []byte
		err = t.tx.QueryRow(ctx, `
			SELECT payload_hash, response, created_at
			FROM idempotency_keys WHERE user_id = $1 AND key = $2
			FOR UPDATE`, k.UserID, k.Key).Scan(&existing.PayloadHash, &resp, &existing.CreatedAt)
		if stderrors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "read idempotency key")
		}
		if resp != nil {
			existing.Response = json.RawMessage(resp)
		}
		return &existing, nil
	}
	return nil, errors.Wrap(orders.ErrStoreUnavailable, "idempotency key churn")
}

func (t *pgTx) ReclaimIdempotencyKey(ctx context.Context, userID, key string, staleBefore, now time.Time) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE idempotency_keys SET created_at = $4
		WHERE user_id = $1 AND key = $2 AND response IS NULL AND created_at < $3`,
		userID, key, staleBefore, now)
	if err != nil {
		return false, errors.Wrap(err, "reclaim idempotency key")
	}
	return ct.RowsAffected() == 1, nil
}

// SaveIdempotencyResponse fails unless it attaches the first response. After
// an in-flight reclaim two attempts can both hold the key; the one that finds
// the row completed or released must roll back its order.
func (t *pgTx) SaveIdempotencyResponse(ctx context.Context, userID, key string, response json.RawMessage) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE idempotency_keys SET response = $3
		WHERE user_id = $1 AND key = $2 AND response IS NULL`,
		userID, key, []byte(response))
	if err != nil {
		return errors.Wrap(err, "save idempotency response")
	}
	if ct.RowsAffected() != 1 {
		return errors.Wrap(orders.ErrDuplicateInFlight, "save idempotency response: key completed or released by another attempt")
	}
	return nil
}

func (t *pgTx) DeleteIdempotencyKey(ctx context.Context, userID, key string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE user_id = $1 AND key = $2 AND response IS NULL`, userID, key)
	return errors.Wrap(err, "delete idempotency key")
}

func (t *pgTx) InsertOutboxEvent(ctx context.Context, e orders.OutboxEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events(event_id, topic, aggregate_id, payload, created_at, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.EventID, e.Topic, e.AggregateID, []byte(e.Payload), e.CreatedAt, e.NextAttemptAt)
	return errors.Wrap(err, "insert outbox event")
}

func (t *pgTx) InsertProcessedWebhook(ctx context.Context, e orders.ProcessedWebhookEvent) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO processed_webhook_events(provider, event_id, payload, outcome, received_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		e.Provider, e.EventID, []byte(e.Payload), e.Outcome, e.ReceivedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert processed webhook")
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) SetWebhookOutcome(ctx context.Context, provider, eventID, outcome string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE processed_webhook_events SET outcome = $3
		WHERE provider = $1 AND event_id = $2`, provider, eventID, outcome)
	return errors.Wrap(err, "set webhook outcome")
}
