package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/storage"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/service"
)

type integrationEnv struct {
	db        *storage.MySQLAdapter
	raw       *sql.DB
	redis     *redis.Client
	cache     *storage.RedisAdapter
	publisher *service.StockPublisher
	wf        *service.WorkflowService
	catalog   *service.CatalogService
}

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()

	db, raw := setupMySQL(t)
	addResidents(t, raw, "1", "2", "7", "8")

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	cache := storage.NewRedisAdapter(rdb, time.Minute)
	publisher := service.NewStockPublisher(cache, 1000, log)
	publisher.Start(3)
	t.Cleanup(publisher.Close)

	deps := service.Deps{
		Tx:        db,
		Items:     db.Items(),
		Requests:  db.Requests(),
		History:   db.History(),
		Identity:  db.Identities(),
		Catalog:   db.DocumentTypes(),
		Cache:     cache,
		Publisher: publisher,
		Logger:    log,
	}
	opts := service.Options{TxRetries: 10, BulkConcurrency: 4}

	return &integrationEnv{
		db:        db,
		raw:       raw,
		redis:     rdb,
		cache:     cache,
		publisher: publisher,
		wf:        service.NewWorkflowService(deps, opts),
		catalog:   service.NewCatalogService(deps, opts),
	}
}

func (e *integrationEnv) item(t *testing.T, name string, total int) string {
	t.Helper()
	it, err := e.catalog.CreateItem(context.Background(), service.NewItem{
		Name:              name + "-" + uuid.NewString()[:8],
		TotalQuantity:     total,
		RatePerUnitPeriod: decimal.NewFromInt(500),
	})
	require.NoError(t, err)
	return it.ID
}

func (e *integrationEnv) addResident(t *testing.T, id string) {
	t.Helper()
	addResidents(t, e.raw, id)
}

func equipment(requesterID string, itemID string, qty int) service.CreateInput {
	borrow := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	ret := borrow.Add(48 * time.Hour)
	return service.CreateInput{
		Kind:         domain.KindEquipment,
		RequesterID:  &requesterID,
		LineItems:    []domain.LineItem{{ItemID: itemID, Quantity: qty}},
		BorrowerName: "Juan Dela Cruz",
		BorrowDate:   &borrow,
		ReturnDate:   &ret,
	}
}

func TestIntegration_BorrowLifecycle(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	tent := env.item(t, "Tent", 5)

	req, err := env.wf.Create(ctx, equipment("7", tent, 2))
	require.NoError(t, err)
	for _, a := range []domain.Action{domain.ActionApprove, domain.ActionPickup, domain.ActionReturn} {
		_, err := env.wf.Transition(ctx, req.ID, a)
		require.NoError(t, err)
	}

	for _, a := range []domain.Action{domain.ActionUndo, domain.ActionUndo, domain.ActionUndo} {
		_, err := env.wf.Transition(ctx, req.ID, a)
		require.NoError(t, err)
	}
	_, err = env.wf.Transition(ctx, req.ID, domain.ActionUndo)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, 3, item.AvailableQuantity)

	history, err := env.wf.ListHistory(ctx, "7")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, req.TransactionCode, history[0].TransactionCode)
	assert.Equal(t, domain.OutcomeCompleted, history[0].Outcome)
}

func TestIntegration_ConcurrentBorrowersAndMirror(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	initialStock := 10
	tent := env.item(t, "Tent", initialStock)
	for i := 0; i < 30; i++ {
		env.addResident(t, fmt.Sprintf("user-%d", i))
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(requester int) {
			defer wg.Done()
			_, err := env.wf.Create(ctx, equipment(fmt.Sprintf("user-%d", requester), tent, 1))
			if err == nil {
				successCount.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, initialStock, successCount.Load())

	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, 0, item.AvailableQuantity)

	assert.Eventually(t, func() bool {
		available, ok, err := env.cache.GetStock(ctx, tent)
		return err == nil && ok && available == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIntegration_DuplicatePendingUnderContention(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	tent := env.item(t, "Tent", 50)

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.wf.Create(ctx, equipment("7", tent, 1))
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrDuplicatePending), errors.Is(err, domain.ErrTxConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successCount.Load())
	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, 49, item.AvailableQuantity)
}

func TestIntegration_IdempotencyPreventsDoubleCreate(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	tent := env.item(t, "Tent", 10)

	key := "same-request-" + uuid.NewString()
	in := equipment("7", tent, 1)
	in.IdempotencyKey = key

	_, err := env.wf.Create(ctx, in)
	require.NoError(t, err)

	other := equipment("8", tent, 1)
	other.IdempotencyKey = key
	_, err = env.wf.Create(ctx, other)
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)

	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, 9, item.AvailableQuantity)
}

func TestIntegration_BulkUndoAndDelete(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	tent := env.item(t, "Tent", 5)

	returned, err := env.wf.Create(ctx, equipment("1", tent, 1))
	require.NoError(t, err)
	for _, a := range []domain.Action{domain.ActionApprove, domain.ActionPickup, domain.ActionReturn} {
		_, err := env.wf.Transition(ctx, returned.ID, a)
		require.NoError(t, err)
	}
	pending, err := env.wf.Create(ctx, equipment("2", tent, 1))
	require.NoError(t, err)

	n, err := env.wf.BulkTransition(ctx, []string{returned.ID, pending.ID, uuid.NewString()}, domain.ActionUndo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.wf.BulkDelete(ctx, []string{returned.ID, pending.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, 5, item.AvailableQuantity)
}

func TestIntegration_UnknownRequesterIsRejected(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	tent := env.item(t, "Tent", 5)

	_, err := env.wf.Create(ctx, equipment("no-such-resident", tent, 2))
	require.ErrorIs(t, err, domain.ErrNotFound)

	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, 5, item.AvailableQuantity)
}

func TestIntegration_ConcurrentTransitionsOnSameRequest(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	tent := env.item(t, "Tent", 5)

	req, err := env.wf.Create(ctx, equipment("7", tent, 3))
	require.NoError(t, err)
	for _, a := range []domain.Action{domain.ActionApprove, domain.ActionPickup} {
		_, err := env.wf.Transition(ctx, req.ID, a)
		require.NoError(t, err)
	}

	var successCount, refusedCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.wf.Transition(ctx, req.ID, domain.ActionReturn)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
				refusedCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successCount.Load())
	assert.EqualValues(t, 9, refusedCount.Load())

	item, err := env.catalog.GetItem(ctx, tent)
	require.NoError(t, err)
	assert.Equal(t, item.TotalQuantity, item.AvailableQuantity)

	history, err := env.wf.ListHistory(ctx, "7")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
