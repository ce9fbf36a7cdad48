package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Tx is the handle passed to a unit of work. Queries use ? placeholders
// regardless of dialect.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	d   dialect
}

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(t.ctx, t.d.rebind(query), args...)
	return res, classify(err)
}

func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.d.rebind(query), args...)
}

func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(t.ctx, t.d.rebind(query), args...)
	return rows, classify(err)
}

// Context returns the context bounding the unit of work.
func (t *Tx) Context() context.Context { return t.ctx }

// WithUnitOfWork runs fn inside a transaction bounded by the gateway's query
// timeout. The transaction commits when fn returns nil and rolls back when fn
// returns an error or panics; the error (or panic) is passed through to the
// caller unchanged. The connection is returned to the pool on every path.
// Begin and commit failures are reported as *TxError.
func (g *Gateway) WithUnitOfWork(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if g.db == nil {
		return ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()

	sqlTx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return &TxError{Op: "begin", Err: classify(err)}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			g.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx, d: g.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &TxError{Op: "commit", Err: classify(err)}
	}
	committed = true
	return nil
}

// withRetry re-runs op while it fails with a connection fault, backing off
// exponentially between attempts.
func (g *Gateway) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= g.retryAttempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrConnection) || attempt == g.retryAttempts {
			return err
		}

		backoff := g.retryBackoff * time.Duration(1<<(attempt-1))
		g.logger.Warn("retrying after connection fault",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return err
}
