package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

const (
	stockKeyPrefix           = "stock:"
	stockTombstoneTTL        = time.Hour
	defaultIdempotencyKeyTTL = 24 * time.Hour
)

// setStockScript writes the level only when it is newer than the cached one,
// so out-of-order publishers cannot roll the mirror back. A tombstoned key
// is never rewritten.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local version = tonumber(ARGV[3])

if redis.call('HEXISTS', key, 'deleted') == 1 then
	return 0
end

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'available', ARGV[1], 'total', ARGV[2], 'version', ARGV[3])
return 1
`)

// RedisAdapter mirrors stock levels and holds idempotency keys. MySQL stays
// authoritative; nothing here is read back into a transaction.
type RedisAdapter struct {
	client         *redis.Client
	idempotencyTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, idempotencyTTL time.Duration) *RedisAdapter {
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyKeyTTL
	}
	return &RedisAdapter{client: client, idempotencyTTL: idempotencyTTL}
}

func (r *RedisAdapter) SetStock(ctx context.Context, level domain.StockLevel) (bool, error) {
	key := stockKeyPrefix + level.ItemID

	result, err := setStockScript.Run(ctx, r.client, []string{key},
		level.Available, level.Total, level.Version).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) GetStock(ctx context.Context, itemID string) (int, bool, error) {
	key := stockKeyPrefix + itemID

	available, err := r.client.HGet(ctx, key, "available").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return available, true, nil
}

// ClearStock replaces the mirror with a short-lived tombstone so publishes
// still queued for the deleted item cannot bring it back.
func (r *RedisAdapter) ClearStock(ctx context.Context, itemID string) error {
	key := stockKeyPrefix + itemID

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "deleted", 1)
		pipe.Expire(ctx, key, stockTombstoneTTL)
		return nil
	})
	return err
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, r.idempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
