package db

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx. Store
// methods take a Querier so they compose inside WithTx.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

const defaultTxAttempts = 5

// WithTx runs fn inside a transaction. The whole transaction is retried
// with exponential backoff when sqlite reports contention; any other
// failure rolls back and is returned as-is. A failing transaction
// leaves no partial writes.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return retry.Do(
		func() error {
			tx, err := d.BeginTxx(ctx, nil)
			if err != nil {
				return MapError(err)
			}

			if err := fn(tx); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					logger.G(ctx).WithError(rbErr).Warn("rollback failed")
				}
				return MapError(err)
			}

			if err := tx.Commit(); err != nil {
				return MapError(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, lcm.ErrStorageBusy) }),
		retry.Attempts(defaultTxAttempts),
		retry.Delay(20*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
