package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// ErrSerialization is returned when Postgres aborts a transaction because it
// conflicted with a concurrent one (SQLSTATE 40001 or 40P01).
var ErrSerialization = errors.New("transaction serialization failure")

// ErrNoTx is returned by helpers that must run inside a transaction.
var ErrNoTx = errors.New("no transaction in context")

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WithTx stores tx in ctx so repositories pick it up via TxFromContext.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction in ctx when there is one, otherwise the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// TxManager runs units of work in REPEATABLE READ transactions.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// InTx runs fn inside a transaction carried on the context. A call made while
// a transaction is already in ctx joins it instead of opening a new one.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// TryAdvisoryLock takes a transaction-scoped advisory lock on key without
// waiting. It reports false when another transaction holds the lock.
func TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	tx := TxFromContext(ctx)
	if tx == nil {
		return false, ErrNoTx
	}
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return ok, nil
}

// IsSerializationFailure reports whether err carries a Postgres serialization
// or deadlock error code.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func classify(err error) error {
	if IsSerializationFailure(err) && !errors.Is(err, ErrSerialization) {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return err
}
