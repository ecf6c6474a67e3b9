package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool and pgxmock pools satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type txKey struct{}

type hooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// TxManager is the unit of work used by the ledger, the payment lifecycle and
// the queue engine. Transactions run at READ COMMITTED; the hot spots take
// explicit locks (advisory slot locks, queue row locks) instead of relying on
// SERIALIZABLE retries.
type TxManager struct {
	pool Beginner
	opts pgx.TxOptions
}

func NewTxManager(pool Beginner) *TxManager {
	return &TxManager{
		pool: pool,
		opts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}
}

// WithinTx runs fn inside a transaction carried on the context. A context that
// already carries a transaction joins it, so nested calls commit or roll back
// together with the outermost one.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, m.opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	hooks := &commitHooks{}
	txCtx := context.WithValue(context.WithValue(ctx, txKey{}, tx), hooksKey{}, hooks)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	hooks.mu.Lock()
	fns := hooks.fns
	hooks.fns = nil
	hooks.mu.Unlock()
	for _, f := range fns {
		f(ctx)
	}
	return nil
}

// AfterCommit runs fn once the outermost transaction on ctx has committed, and
// drops it on rollback. Outside a unit of work fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	hooks, ok := ctx.Value(hooksKey{}).(*commitHooks)
	if !ok {
		fn(ctx)
		return
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	hooks.fns = append(hooks.fns, fn)
}

// TxFromContext returns the transaction started by WithinTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// Conn returns the transaction on ctx, or fallback outside a unit of work.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

// AdvisoryXactLock blocks until the transaction-scoped advisory lock for key is
// held. The lock is released automatically on commit or rollback.
func AdvisoryXactLock(ctx context.Context, q Querier, key string) error {
	if TxFromContext(ctx) == nil {
		return errors.New("advisory xact lock requires a transaction")
	}
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

func IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
