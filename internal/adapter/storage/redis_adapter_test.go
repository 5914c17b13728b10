package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSetStock_IgnoresOlderVersions(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, 0)

	client.Del(ctx, "stock:test-tent")

	applied, err := adapter.SetStock(ctx, domain.StockLevel{ItemID: "test-tent", Available: 3, Total: 5, Version: 2})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = adapter.SetStock(ctx, domain.StockLevel{ItemID: "test-tent", Available: 5, Total: 5, Version: 1})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = adapter.SetStock(ctx, domain.StockLevel{ItemID: "test-tent", Available: 3, Total: 5, Version: 2})
	require.NoError(t, err)
	assert.False(t, applied, "same version is not reapplied")

	available, ok, err := adapter.GetStock(ctx, "test-tent")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, available)

	total, _ := client.HGet(ctx, "stock:test-tent", "total").Int()
	assert.Equal(t, 5, total)
}

func TestSetStock_ConcurrentWritersKeepNewest(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, 0)

	client.Del(ctx, "stock:concurrent-test")

	var wg sync.WaitGroup
	for v := 1; v <= 50; v++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			_, err := adapter.SetStock(ctx, domain.StockLevel{
				ItemID:    "concurrent-test",
				Available: 100 - version,
				Total:     100,
				Version:   version,
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(v)
	}
	wg.Wait()

	available, ok, err := adapter.GetStock(ctx, "concurrent-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50, available)
}

func TestGetStock_Miss(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, 0)

	client.Del(ctx, "stock:nonexistent")

	_, ok, err := adapter.GetStock(ctx, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearStock_TombstonesDeletedItem(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, 0)

	client.Del(ctx, "stock:test-deleted")

	_, err := adapter.SetStock(ctx, domain.StockLevel{ItemID: "test-deleted", Available: 5, Total: 5, Version: 1})
	require.NoError(t, err)

	require.NoError(t, adapter.ClearStock(ctx, "test-deleted"))

	_, ok, err := adapter.GetStock(ctx, "test-deleted")
	require.NoError(t, err)
	assert.False(t, ok)

	applied, err := adapter.SetStock(ctx, domain.StockLevel{ItemID: "test-deleted", Available: 4, Total: 5, Version: 2})
	require.NoError(t, err)
	assert.False(t, applied, "late publish after delete is ignored")

	_, ok, err = adapter.GetStock(ctx, "test-deleted")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, "stock:test-deleted").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestSetIdempotency_SetAndClear(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)

	client.Del(ctx, "test-idem-key")

	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, "test-idem-key").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, adapter.ClearIdempotency(ctx, "test-idem-key"))
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, 0)

	client.Del(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	assert.EqualValues(t, 1, successCount.Load())
}
