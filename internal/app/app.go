package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/handler"
	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/storage"
	"github.com/mselletoe/brgypuj-kiosk/internal/config"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/service"
)

const connectTimeout = 10 * time.Second

// App holds the connections and services of one process.
type App struct {
	cfg *config.Config
	log *logrus.Logger

	db    *sql.DB
	rdb   *redis.Client
	mysql *storage.MySQLAdapter
	cache *storage.RedisAdapter

	publisher *service.StockPublisher
	Workflow  *service.WorkflowService
	Catalog   *service.CatalogService
}

// New connects to MySQL and Redis and builds the services. The stock
// publisher is created but its workers only start in Serve.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := storage.OpenMySQL(connectCtx, cfg.Database.DSN, cfg.Database.MaxOpen, cfg.Database.MaxIdle)
	if err != nil {
		return nil, err
	}
	log.Info("connected to mysql")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis")

	a := &App{
		cfg:   cfg,
		log:   log,
		db:    db,
		rdb:   rdb,
		mysql: storage.NewMySQLAdapter(db),
		cache: storage.NewRedisAdapter(rdb, cfg.Workflow.IdempotencyTTL),
	}
	a.publisher = service.NewStockPublisher(a.cache, cfg.Workflow.PublisherQueue, log)

	deps := service.Deps{
		Tx:        a.mysql,
		Items:     a.mysql.Items(),
		Requests:  a.mysql.Requests(),
		History:   a.mysql.History(),
		Identity:  a.mysql.Identities(),
		Catalog:   a.mysql.DocumentTypes(),
		Cache:     a.cache,
		Publisher: a.publisher,
		Logger:    log,
	}
	opts := service.Options{
		TxRetries:       cfg.Workflow.TxRetries,
		BulkConcurrency: cfg.Workflow.BulkConcurrency,
		CodeMaxAttempts: cfg.Workflow.CodeMaxAttempts,
	}
	a.Workflow = service.NewWorkflowService(deps, opts)
	a.Catalog = service.NewCatalogService(deps, opts)

	return a, nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	return storage.Migrate(ctx, a.db, a.log)
}

// DefaultEquipment is the catalog loaded by Seed.
var DefaultEquipment = []service.NewItem{
	{Name: "Tent", TotalQuantity: 5, RatePerUnitPeriod: decimal.NewFromInt(500)},
	{Name: "Chair", TotalQuantity: 100, RatePerUnitPeriod: decimal.NewFromInt(5)},
}

// Seed loads DefaultEquipment into an empty catalog. A catalog that already
// holds items is left alone.
func (a *App) Seed(ctx context.Context) error {
	return seedCatalog(ctx, a.Catalog, a.log)
}

func seedCatalog(ctx context.Context, catalog *service.CatalogService, log logrus.FieldLogger) error {
	existing, err := catalog.ListItems(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.WithField("items", len(existing)).Info("equipment already seeded")
		return nil
	}

	for _, item := range DefaultEquipment {
		created, err := catalog.CreateItem(ctx, item)
		if err != nil {
			return fmt.Errorf("seed %s: %w", item.Name, err)
		}
		log.WithFields(logrus.Fields{
			"item_id":  created.ID,
			"name":     created.Name,
			"quantity": created.TotalQuantity,
		}).Info("seeded item")
	}
	return nil
}

// Serve runs the HTTP and gRPC servers and the stock publisher until ctx is
// cancelled, then shuts them down in order: HTTP, gRPC, publisher.
func (a *App) Serve(ctx context.Context) error {
	a.publisher.Start(a.cfg.Workflow.PublisherWorkers)

	grpcServer := grpc.NewServer()
	handler.RegisterWorkflowServer(grpcServer, handler.NewGRPCHandler(a.Workflow, a.log))

	lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		a.publisher.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	httpHandler := handler.NewHTTPHandler(a.Workflow, a.Catalog, a.log)
	httpServer := &http.Server{
		Addr:    a.cfg.Server.HTTPAddr,
		Handler: handler.NewRouter(httpHandler, a.cfg.CORS),
	}

	errCh := make(chan error, 2)
	go func() {
		a.log.WithField("addr", a.cfg.Server.GRPCAddr).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		a.log.WithField("addr", a.cfg.Server.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down...")
	case serveErr = <-errCh:
		a.log.WithError(serveErr).Error("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	a.log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	a.log.Info("gRPC server stopped")

	a.publisher.Close()
	a.log.Info("stock publisher stopped")

	return serveErr
}

// Close releases the connections.
func (a *App) Close() {
	a.rdb.Close()
	a.db.Close()
	a.log.Info("connections closed")
}
