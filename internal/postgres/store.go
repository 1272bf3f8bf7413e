package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"net"
	"time"
)

// Store implements orders.Store on a pgx pool. Every unit runs in a READ
// COMMITTED transaction; the engine's row locks provide the ordering it needs.
type Store struct {
	pool        *pgxpool.Pool
	txTimeout   time.Duration
	lockTimeout time.Duration
}

type StoreOption func(*Store)

// WithTxTimeout bounds a whole transaction, including time spent on locks.
func WithTxTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.txTimeout = d }
}

func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.lockTimeout = d }
}

func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, txTimeout: 5 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(errors.Wrap(err, "begin tx"))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := s.setLocalTimeouts(ctx, tx); err != nil {
		return classify(err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(errors.Wrap(err, "commit tx"))
	}
	return nil
}

func (s *Store) setLocalTimeouts(ctx context.Context, tx pgx.Tx) error {
	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "set lock_timeout")
		}
	}
	if s.txTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", s.txTimeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "set statement_timeout")
		}
	}
	return nil
}

const (
	sqlstateLockNotAvailable     = "55P03"
	sqlstateQueryCanceled        = "57014"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateSerializationFailure = "40001"
)

// classify maps driver failures onto the engine's transient errors. Domain
// errors pass through untouched.
func classify(err error) error {
	if err == nil || orders.Code(err) != orders.CodeInternal {
		return err
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateLockNotAvailable, sqlstateQueryCanceled:
			return fmt.Errorf("%w: %w", orders.ErrTimeout, err)
		case sqlstateDeadlockDetected, sqlstateSerializationFailure:
			return fmt.Errorf("%w: %w", orders.ErrStoreUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", orders.ErrTimeout, err)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if stderrors.As(err, &connErr) || stderrors.As(err, &netErr) || stderrors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %w", orders.ErrStoreUnavailable, err)
	}
	return err
}
