package port

import (
	"context"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

type CacheRepository interface {
	// SetStock mirrors a stock level, ignoring versions older than the cached one.
	// applied is false when the cached version was newer.
	SetStock(ctx context.Context, level domain.StockLevel) (applied bool, err error)

	// GetStock returns the mirrored available quantity; ok is false on a miss
	GetStock(ctx context.Context, itemID string) (available int, ok bool, err error)

	// ClearStock drops the mirror of a deleted item; later SetStock calls for
	// it are ignored
	ClearStock(ctx context.Context, itemID string) error

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes a key so a failed call can be retried
	ClearIdempotency(ctx context.Context, key string) error
}
