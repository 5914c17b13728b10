package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/storage"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/service"
)

type options struct {
	dsn          string
	items        int
	initialStock int
	workers      int
	opsPerWorker int
	seed         uint64
}

type counters struct {
	created, transitions, deleted atomic.Int64
	soldOut, rejected             atomic.Int64
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:          "stress_test",
		Short:        "Churn requests concurrently and verify stock accounting",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "MySQL DSN; the in-memory store is used when empty")
	cmd.Flags().IntVar(&opts.items, "items", 3, "number of items to churn")
	cmd.Flags().IntVar(&opts.initialStock, "stock", 20, "initial stock per item")
	cmd.Flags().IntVar(&opts.workers, "workers", 16, "concurrent workers")
	cmd.Flags().IntVar(&opts.opsPerWorker, "ops", 200, "operations per worker")
	cmd.Flags().Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "random seed")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	deps, cleanup, err := openStore(ctx, opts.dsn, log)
	if err != nil {
		return err
	}
	defer cleanup()

	svcOpts := service.Options{TxRetries: 10, BulkConcurrency: 4}
	wf := service.NewWorkflowService(deps, svcOpts)
	catalog := service.NewCatalogService(deps, svcOpts)

	itemIDs := make([]string, 0, opts.items)
	for i := 0; i < opts.items; i++ {
		it, err := catalog.CreateItem(ctx, service.NewItem{
			Name:              fmt.Sprintf("stress-%d-%s", i, uuid.NewString()[:8]),
			TotalQuantity:     opts.initialStock,
			RatePerUnitPeriod: decimal.NewFromInt(10),
		})
		if err != nil {
			return fmt.Errorf("create item: %w", err)
		}
		itemIDs = append(itemIDs, it.ID)
	}

	var (
		c   counters
		ids = newIDPool()
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.seed, uint64(w)))
			for op := 0; op < opts.opsPerWorker; op++ {
				if err := step(gctx, rng, wf, itemIDs, ids, &c); err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Seed:             %d\n", opts.seed)
	fmt.Printf("Workers x Ops:    %d x %d\n", opts.workers, opts.opsPerWorker)
	fmt.Printf("Created:          %d\n", c.created.Load())
	fmt.Printf("Sold out:         %d\n", c.soldOut.Load())
	fmt.Printf("Transitions:      %d\n", c.transitions.Load())
	fmt.Printf("Rejected actions: %d\n", c.rejected.Load())
	fmt.Printf("Deleted:          %d\n", c.deleted.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	return verify(ctx, wf, catalog, itemIDs)
}

func openStore(ctx context.Context, dsn string, log *logrus.Logger) (service.Deps, func(), error) {
	if dsn == "" {
		store := storage.NewMemoryAdapter()
		return service.Deps{
			Tx:       store,
			Items:    store.Items(),
			Requests: store.Requests(),
			History:  store.History(),
			Identity: store.Identities(),
			Catalog:  store.DocumentTypes(),
			Logger:   log,
		}, func() {}, nil
	}

	db, err := storage.OpenMySQL(ctx, dsn, 0, 0)
	if err != nil {
		return service.Deps{}, nil, err
	}
	if err := storage.Migrate(ctx, db, log); err != nil {
		db.Close()
		return service.Deps{}, nil, err
	}
	m := storage.NewMySQLAdapter(db)
	return service.Deps{
		Tx:       m,
		Items:    m.Items(),
		Requests: m.Requests(),
		History:  m.History(),
		Identity: m.Identities(),
		Catalog:  m.DocumentTypes(),
		Logger:   log,
	}, func() { db.Close() }, nil
}

// step performs one random operation. Expected domain refusals are counted;
// anything else aborts the run.
func step(ctx context.Context, rng *rand.Rand, wf *service.WorkflowService, itemIDs []string, ids *idPool, c *counters) error {
	switch r := rng.IntN(10); {
	case r < 4:
		borrow := time.Now().Truncate(time.Hour)
		ret := borrow.Add(time.Duration(1+rng.IntN(3)) * 24 * time.Hour)
		req, err := wf.Create(ctx, service.CreateInput{
			Kind:         domain.KindEquipment,
			BorrowerName: "stress guest",
			BorrowDate:   &borrow,
			ReturnDate:   &ret,
			LineItems: []domain.LineItem{{
				ItemID:   itemIDs[rng.IntN(len(itemIDs))],
				Quantity: 1 + rng.IntN(3),
			}},
		})
		switch {
		case err == nil:
			c.created.Add(1)
			ids.add(req.ID)
		case errors.Is(err, domain.ErrInsufficientStock):
			c.soldOut.Add(1)
		case errors.Is(err, domain.ErrTxConflict):
			c.rejected.Add(1)
		default:
			return err
		}

	case r < 9:
		id, ok := ids.pick(rng)
		if !ok {
			return nil
		}
		action := domain.Actions[rng.IntN(len(domain.Actions))]
		_, err := wf.Transition(ctx, id, action)
		switch {
		case err == nil:
			c.transitions.Add(1)
		case errors.Is(err, domain.ErrInvalidTransition),
			errors.Is(err, domain.ErrInsufficientStock),
			errors.Is(err, domain.ErrNotFound),
			errors.Is(err, domain.ErrTxConflict):
			c.rejected.Add(1)
		default:
			return err
		}

	default:
		id, ok := ids.pick(rng)
		if !ok {
			return nil
		}
		err := wf.Delete(ctx, id)
		switch {
		case err == nil:
			c.deleted.Add(1)
			ids.remove(id)
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTxConflict):
		default:
			return err
		}
	}
	return nil
}

// verify checks that every item's available count equals its total minus
// the units held by requests in a stock-holding status.
func verify(ctx context.Context, wf *service.WorkflowService, catalog *service.CatalogService, itemIDs []string) error {
	reqs, err := wf.List(ctx, domain.RequestFilter{Kind: domain.KindEquipment})
	if err != nil {
		return err
	}
	held := make(map[string]int)
	for _, req := range reqs {
		if !req.Status.HoldsStock() {
			continue
		}
		for _, li := range req.LineItems {
			held[li.ItemID] += li.Quantity
		}
	}

	failed := false
	for _, id := range itemIDs {
		it, err := catalog.GetItem(ctx, id)
		if err != nil {
			return err
		}
		want := it.TotalQuantity - held[id]
		switch {
		case it.AvailableQuantity < 0 || it.AvailableQuantity > it.TotalQuantity:
			fmt.Printf("FAIL: %s available %d outside [0, %d]\n", it.Name, it.AvailableQuantity, it.TotalQuantity)
			failed = true
		case it.AvailableQuantity != want:
			fmt.Printf("FAIL: %s available %d, expected %d\n", it.Name, it.AvailableQuantity, want)
			failed = true
		default:
			fmt.Printf("PASS: %s available %d of %d\n", it.Name, it.AvailableQuantity, it.TotalQuantity)
		}
	}
	if failed {
		return errors.New("stock invariant violated")
	}
	return nil
}
