package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

const defaultTxRetries = 3

// runInTx runs fn in a transaction, retrying lock conflicts up to retries
// times. Any other error is returned as is.
func runInTx(ctx context.Context, tx port.TxManager, retries int, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		err := tx.RunInTx(ctx, fn)
		if err == nil || errors.Is(err, domain.ErrTxConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
