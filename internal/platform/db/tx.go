package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/apperr"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Isolation levels accepted by TxRunner.
type Isolation = pgx.TxIsoLevel

const (
	ReadCommitted  Isolation = pgx.ReadCommitted
	RepeatableRead Isolation = pgx.RepeatableRead
	Serializable   Isolation = pgx.Serializable
)

// SQLSTATE codes the runner and repositories translate.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// TxFromContext retrieves the transaction bound to ctx by a TxRunner.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx binds tx to ctx so repositories issue their statements through it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxRunner executes fn inside one transaction. fn receives a context carrying
// the transaction; returning an error rolls everything back.
type TxRunner interface {
	InTx(ctx context.Context, iso Isolation, fn func(ctx context.Context) error) error
}

type poolTxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) TxRunner {
	return &poolTxRunner{pool: pool}
}

// InTx joins an enclosing transaction when ctx already carries one.
func (r *poolTxRunner) InTx(ctx context.Context, iso Isolation, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return TranslateError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(WithTx(ctx, tx)); err != nil {
		return TranslateError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return TranslateError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// TranslateError converts Postgres concurrency and uniqueness failures into
// apperr.Conflict and dangling references into apperr.NotFound. Errors that
// already carry an apperr kind pass through untouched.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			c := apperr.Conflict("concurrent modification detected")
			c.Err = err
			return c
		case codeUniqueViolation:
			c := apperr.Conflict("duplicate value violates %s", pgErr.ConstraintName)
			c.Err = err
			return c
		case codeForeignKeyViolation:
			nf := apperr.NotFound("referenced record", pgErr.ConstraintName)
			nf.Err = err
			return nf
		}
	}
	return err
}
