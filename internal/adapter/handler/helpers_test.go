package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/storage"
	"github.com/mselletoe/brgypuj-kiosk/internal/config"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// idempotencyCache keeps keys in memory and never mirrors stock.
type idempotencyCache struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (c *idempotencyCache) SetStock(ctx context.Context, level domain.StockLevel) (bool, error) {
	return false, nil
}

func (c *idempotencyCache) GetStock(ctx context.Context, itemID string) (int, bool, error) {
	return 0, false, nil
}

func (c *idempotencyCache) ClearStock(ctx context.Context, itemID string) error {
	return nil
}

func (c *idempotencyCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

func (c *idempotencyCache) ClearIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}

type testServices struct {
	store    *storage.MemoryAdapter
	workflow *service.WorkflowService
	catalog  *service.CatalogService
	router   *gin.Engine
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()

	log, _ := test.NewNullLogger()
	store := storage.NewMemoryAdapter()
	store.AddResidents("1", "2", "3", "7", "8")
	deps := service.Deps{
		Tx:       store,
		Items:    store.Items(),
		Requests: store.Requests(),
		History:  store.History(),
		Identity: store.Identities(),
		Catalog:  store.DocumentTypes(),
		Cache:    &idempotencyCache{keys: make(map[string]bool)},
		Logger:   log,
	}
	opts := service.Options{TxRetries: 2, BulkConcurrency: 4}

	workflow := service.NewWorkflowService(deps, opts)
	catalog := service.NewCatalogService(deps, opts)
	router := NewRouter(NewHTTPHandler(workflow, catalog, log), config.CORSConfig{
		AllowedOrigins: "*",
		AllowedMethods: "GET,POST,PUT,DELETE",
		AllowedHeaders: "Content-Type,Idempotency-Key",
	})

	return &testServices{store: store, workflow: workflow, catalog: catalog, router: router}
}

func (s *testServices) seedItem(t *testing.T, name string, total int, rate string) string {
	t.Helper()
	item, err := s.catalog.CreateItem(context.Background(), service.NewItem{
		Name:              name,
		TotalQuantity:     total,
		RatePerUnitPeriod: decimal.RequireFromString(rate),
	})
	require.NoError(t, err)
	return item.ID
}

func (s *testServices) available(t *testing.T, itemID string) int {
	t.Helper()
	item, err := s.catalog.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.AvailableQuantity
}
