// Package memstore is an in-process implementation of the engine's store
// ports. Transactions are serialized behind one mutex and applied by swapping
// in a copy of the state, so a failed unit leaves nothing behind.
package memstore

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"sort"
	"sync"
	"time"
)

type idemKey struct{ user, key string }

type webhookKey struct{ provider, eventID string }

type state struct {
	products     map[string]orders.Product
	stock        map[string]int
	orders       map[string]orders.Order
	items        map[string][]orders.OrderItem
	reservations []orders.Reservation
	idem         map[idemKey]orders.IdempotencyKey
	outbox       []orders.OutboxEvent
	webhooks     map[webhookKey]orders.ProcessedWebhookEvent
	nextOutboxID int64
}

func newState() *state {
	return &state{
		products: map[string]orders.Product{},
		stock:    map[string]int{},
		orders:   map[string]orders.Order{},
		items:    map[string][]orders.OrderItem{},
		idem:     map[idemKey]orders.IdempotencyKey{},
		webhooks: map[webhookKey]orders.ProcessedWebhookEvent{},
	}
}

func (s *state) clone() *state {
	c := &state{
		products:     make(map[string]orders.Product, len(s.products)),
		stock:        make(map[string]int, len(s.stock)),
		orders:       make(map[string]orders.Order, len(s.orders)),
		items:        make(map[string][]orders.OrderItem, len(s.items)),
		reservations: append([]orders.Reservation(nil), s.reservations...),
		idem:         make(map[idemKey]orders.IdempotencyKey, len(s.idem)),
		outbox:       append([]orders.OutboxEvent(nil), s.outbox...),
		webhooks:     make(map[webhookKey]orders.ProcessedWebhookEvent, len(s.webhooks)),
		nextOutboxID: s.nextOutboxID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v // items are immutable once written
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

// InTx implements orders.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// AddProduct seeds a catalog row with its stock level.
func (s *Store) AddProduct(p orders.Product, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	s.state.products[p.ID] = p
	s.state.stock[p.ID] = available
}

func (s *Store) Available(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.stock[productID]
}

func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.state.orders))
	for _, o := range s.state.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Reservations(orderID string) []orders.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Reservation
	for _, r := range s.state.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) OutboxEvents() []orders.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.OutboxEvent(nil), s.state.outbox...)
}

func (s *Store) IdempotencyKey(userID, key string) (orders.IdempotencyKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.state.idem[idemKey{userID, key}]
	return k, ok
}

func (s *Store) ProcessedWebhooks() []orders.ProcessedWebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.ProcessedWebhookEvent, 0, len(s.state.webhooks))
	for _, w := range s.state.webhooks {
		out = append(out, w)
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) ProductsBySKU(_ context.Context, skus []string) (map[string]orders.Product, error) {
	want := map[string]bool{}
	for _, s := range skus {
		want[s] = true
	}
	out := map[string]orders.Product{}
	for _, p := range t.st.products {
		if want[p.SKU] {
			out[p.SKU] = p
		}
	}
	return out, nil
}

func (t *tx) LockStock(_ context.Context, productIDs []string) (map[string]orders.LockedStock, error) {
	out := make(map[string]orders.LockedStock, len(productIDs))
	for _, id := range productIDs {
		p, ok := t.st.products[id]
		if !ok {
			continue
		}
		out[id] = orders.LockedStock{Product: p, Available: t.st.stock[id]}
	}
	return out, nil
}

func (t *tx) AddStock(_ context.Context, productID string, delta int) error {
	cur, ok := t.st.stock[productID]
	if !ok {
		return &orders.StockError{ProductID: productID, Unknown: true}
	}
	if cur+delta < 0 {
		return &orders.StockError{ProductID: productID, Requested: -delta, Available: cur}
	}
	t.st.stock[productID] = cur + delta
	return nil
}

func (t *tx) InsertReservations(_ context.Context, rs []orders.Reservation) error {
	t.st.reservations = append(t.st.reservations, rs...)
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order, items []orders.OrderItem) error {
	t.st.orders[o.ID] = o
	t.st.items[o.ID] = append([]orders.OrderItem(nil), items...)
	return nil
}

func (t *tx) GetOrder(_ context.Context, orderID string, _ bool) (orders.Order, []orders.OrderItem, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.Order{}, nil, orders.ErrOrderNotFound
	}
	return o, append([]orders.OrderItem(nil), t.st.items[orderID]...), nil
}

func (t *tx) UpdateOrderStatus(_ context.Context, orderID string, st orders.Status, at time.Time) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.Status, o.UpdatedAt = st, at
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) InsertIdempotencyKey(_ context.Context, k orders.IdempotencyKey) (*orders.IdempotencyKey, error) {
	id := idemKey{k.UserID, k.Key}
	if existing, ok := t.st.idem[id]; ok {
		return &existing, nil
	}
	t.st.idem[id] = k
	return nil, nil
}

func (t *tx) ReclaimIdempotencyKey(_ context.Context, userID, key string, staleBefore, now time.Time) (bool, error) {
	id := idemKey{userID, key}
	k, ok := t.st.idem[id]
	if !ok || k.Response != nil || !k.CreatedAt.Before(staleBefore) {
		return false, nil
	}
	k.CreatedAt = now
	t.st.idem[id] = k
	return true, nil
}

func (t *tx) SaveIdempotencyResponse(_ context.Context, userID, key string, response json.RawMessage) error {
	id := idemKey{userID, key}
	k, ok := t.st.idem[id]
	if !ok || k.Response != nil {
		return orders.ErrDuplicateInFlight
	}
	k.Response = append(json.RawMessage(nil), response...)
	t.st.idem[id] = k
	return nil
}

func (t *tx) DeleteIdempotencyKey(_ context.Context, userID, key string) error {
	id := idemKey{userID, key}
	if k, ok := t.st.idem[id]; ok && k.Response == nil {
		delete(t.st.idem, id)
	}
	return nil
}

func (t *tx) InsertOutboxEvent(_ context.Context, e orders.OutboxEvent) error {
	t.st.nextOutboxID++
	e.ID = t.st.nextOutboxID
	t.st.outbox = append(t.st.outbox, e)
	return nil
}

func (t *tx) InsertProcessedWebhook(_ context.Context, e orders.ProcessedWebhookEvent) (bool, error) {
	id := webhookKey{e.Provider, e.EventID}
	if _, ok := t.st.webhooks[id]; ok {
		return false, nil
	}
	t.st.webhooks[id] = e
	return true, nil
}

func (t *tx) SetWebhookOutcome(_ context.Context, provider, eventID, outcome string) error {
	id := webhookKey{provider, eventID}
	if e, ok := t.st.webhooks[id]; ok {
		e.Outcome = outcome
		t.st.webhooks[id] = e
	}
	return nil
}

// UpsertProduct is AddProduct behind the seeding signature the postgres store uses.
func (s *Store) UpsertProduct(_ context.Context, p orders.Product, available int) error {
	s.AddProduct(p, available)
	return nil
}
