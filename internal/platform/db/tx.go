package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("odyssey-retail/platform/db")

// Querier is implemented by pools, transactions and TxManager.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxOptions configures every transaction opened by the manager.
type TxOptions struct {
	IsoLevel         pgx.TxIsoLevel
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// DefaultTxOptions returns read-committed with bounded lock waits.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsoLevel:         pgx.ReadCommitted,
		LockTimeout:      5 * time.Second,
		StatementTimeout: 30 * time.Second,
	}
}

type txKey struct{}

// TxManager carries the active transaction in the context so repositories
// from different packages share one unit of work.
type TxManager struct {
	pool *pgxpool.Pool
	opts TxOptions
}

// NewTxManager constructs a TxManager.
func NewTxManager(pool *pgxpool.Pool, opts TxOptions) *TxManager {
	if opts.IsoLevel == "" {
		opts.IsoLevel = pgx.ReadCommitted
	}
	return &TxManager{pool: pool, opts: opts}
}

// WithinTx executes fn within a transaction. Nested calls reuse the outer one.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "db.transaction",
		trace.WithAttributes(attribute.String("db.isolation", string(m.opts.IsoLevel))))
	defer span.End()

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: m.opts.IsoLevel})
	if err != nil {
		return Classify(fmt.Errorf("platform/db: begin tx: %w", err))
	}

	if err := m.applyTimeouts(ctx, tx); err != nil {
		_ = tx.Rollback(context.Background())
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		// rollback must complete even when ctx is already cancelled
		if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			span.RecordError(rbErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "rolled back")
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, "commit failed")
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}
	return nil
}

func (m *TxManager) applyTimeouts(ctx context.Context, tx pgx.Tx) error {
	if m.opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", m.opts.LockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set lock_timeout: %w", err)
		}
	}
	if m.opts.StatementTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", m.opts.StatementTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set statement_timeout: %w", err)
		}
	}
	return nil
}

// InTx reports whether ctx carries an active transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

func (m *TxManager) conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return m.pool
}

// Exec runs sql on the active transaction or the pool.
func (m *TxManager) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.conn(ctx).Exec(ctx, sql, args...)
}

// Query runs sql on the active transaction or the pool.
func (m *TxManager) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.conn(ctx).Query(ctx, sql, args...)
}

// QueryRow runs sql on the active transaction or the pool.
func (m *TxManager) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.conn(ctx).QueryRow(ctx, sql, args...)
}
