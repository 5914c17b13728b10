package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/storage"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

// mockCacheRepo is an in-process CacheRepository keeping the newest version
// per item.
type mockCacheRepo struct {
	mu             sync.Mutex
	levels         map[string]domain.StockLevel
	cleared        map[string]bool
	idempotencySet map[string]bool
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		levels:         make(map[string]domain.StockLevel),
		cleared:        make(map[string]bool),
		idempotencySet: make(map[string]bool),
	}
}

func (m *mockCacheRepo) SetStock(ctx context.Context, level domain.StockLevel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleared[level.ItemID] {
		return false, nil
	}
	if cur, ok := m.levels[level.ItemID]; ok && cur.Version >= level.Version {
		return false, nil
	}
	m.levels[level.ItemID] = level
	return true, nil
}

func (m *mockCacheRepo) GetStock(ctx context.Context, itemID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, ok := m.levels[itemID]
	return level.Available, ok, nil
}

func (m *mockCacheRepo) ClearStock(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels, itemID)
	m.cleared[itemID] = true
	return nil
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

func (m *mockCacheRepo) level(itemID string) (domain.StockLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.levels[itemID]
	return l, ok
}

// residents are registered in every test environment.
var residents = []string{"1", "2", "7", "8", "r0", "r1", "r2", "r3", "r4", "r5"}

type testEnv struct {
	store   *storage.MemoryAdapter
	cache   *mockCacheRepo
	wf      *WorkflowService
	catalog *CatalogService
	log     *logrus.Logger
	hook    *test.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	store := storage.NewMemoryAdapter()
	store.AddResidents(residents...)
	cache := newMockCacheRepo()
	deps := Deps{
		Tx:       store,
		Items:    store.Items(),
		Requests: store.Requests(),
		History:  store.History(),
		Identity: store.Identities(),
		Catalog:  store.DocumentTypes(),
		Cache:    cache,
		Logger:   log,
	}
	opts := Options{TxRetries: 2, BulkConcurrency: 4}

	return &testEnv{
		store:   store,
		cache:   cache,
		wf:      NewWorkflowService(deps, opts),
		catalog: NewCatalogService(deps, opts),
		log:     log,
		hook:    hook,
	}
}

func (e *testEnv) seedItem(t *testing.T, name string, total int, rate string) string {
	t.Helper()
	item, err := e.catalog.CreateItem(context.Background(), NewItem{
		Name:              name,
		TotalQuantity:     total,
		RatePerUnitPeriod: decimal.RequireFromString(rate),
	})
	require.NoError(t, err)
	return item.ID
}

func (e *testEnv) available(t *testing.T, itemID string) int {
	t.Helper()
	item, err := e.store.Items().GetByID(context.Background(), itemID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, item.AvailableQuantity, 0)
	require.LessOrEqual(t, item.AvailableQuantity, item.TotalQuantity)
	return item.AvailableQuantity
}

func (e *testEnv) status(t *testing.T, id string) domain.Status {
	t.Helper()
	req, err := e.wf.Get(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

func ptr[T any](v T) *T { return &v }

var (
	borrowDay = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	returnDay = borrowDay.Add(48 * time.Hour)
)

func equipmentInput(requesterID string, lines ...domain.LineItem) CreateInput {
	in := CreateInput{
		Kind:         domain.KindEquipment,
		LineItems:    lines,
		BorrowerName: "Juan Dela Cruz",
		Purpose:      "fiesta",
		BorrowDate:   ptr(borrowDay),
		ReturnDate:   ptr(returnDay),
	}
	if requesterID != "" {
		in.RequesterID = ptr(requesterID)
	}
	return in
}

func line(itemID string, qty int) domain.LineItem {
	return domain.LineItem{ItemID: itemID, Quantity: qty}
}
