package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx runs fn inside one catalog-store transaction: begun, handed to fn, rolled back if fn errors, committed
// otherwise. The deferred rollback after a successful commit is a harmless no-op. Collection writes rely on this to
// pair their per-collection advisory lock with the images update in a single atomic unit.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin catalog transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit catalog transaction: %w", err)
	}
	return nil
}
