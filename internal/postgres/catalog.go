package postgres

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/pkg/errors"
)

// UpsertProduct writes a catalog row and sets its stock level. It is used for
// seeding; the engine itself never writes products.
func (s *Store) UpsertProduct(ctx context.Context, p orders.Product, available int) error {
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin seed tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO products(id, sku, title, price_cents, currency, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, title = EXCLUDED.title, price_cents = EXCLUDED.price_cents,
		    currency = EXCLUDED.currency, is_active = EXCLUDED.is_active`,
		p.ID, p.SKU, p.Title, p.PriceCents, p.Currency, p.Active); err != nil {
		return errors.Wrapf(err, "upsert product %s", p.SKU)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_levels(product_id, available) VALUES ($1,$2)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available, updated_at = now()`,
		p.ID, available); err != nil {
		return errors.Wrapf(err, "set stock %s", p.SKU)
	}
	return errors.Wrap(tx.Commit(ctx), "commit seed tx")
}

// Available reads the committed stock level of a product.
func (s *Store) Available(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT available FROM stock_levels WHERE product_id = $1`, productID).Scan(&n)
	return n, errors.Wrap(err, "read stock")
}
