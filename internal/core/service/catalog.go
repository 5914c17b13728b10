package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

// NewItem describes a catalog entry to create.
type NewItem struct {
	Name              string
	TotalQuantity     int
	RatePerUnitPeriod decimal.Decimal
}

// CatalogService administers the equipment inventory. Stock counts are only
// touched through total adjustments; reservations belong to the workflow.
type CatalogService struct {
	tx        port.TxManager
	items     port.ItemRepository
	cache     port.CacheRepository
	publisher *StockPublisher
	log       logrus.FieldLogger
	retries   int
}

func NewCatalogService(deps Deps, opts Options) *CatalogService {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	retries := opts.TxRetries
	if retries <= 0 {
		retries = defaultTxRetries
	}
	return &CatalogService{
		tx:        deps.Tx,
		items:     deps.Items,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		log:       log.WithField("service", "catalog"),
		retries:   retries,
	}
}

func (s *CatalogService) CreateItem(ctx context.Context, in NewItem) (*domain.ResourceItem, error) {
	name := strings.TrimSpace(in.Name)
	var errs []domain.FieldError
	if name == "" {
		errs = append(errs, domain.FieldError{Field: "name", Message: "required"})
	}
	if in.TotalQuantity < 0 {
		errs = append(errs, domain.FieldError{Field: "total_quantity", Message: "must not be negative"})
	}
	if in.RatePerUnitPeriod.IsNegative() {
		errs = append(errs, domain.FieldError{Field: "rate_per_unit_period", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return nil, domain.NewValidationErrors(errs)
	}

	item := &domain.ResourceItem{
		ID:                uuid.NewString(),
		Name:              name,
		TotalQuantity:     in.TotalQuantity,
		AvailableQuantity: in.TotalQuantity,
		RatePerUnitPeriod: in.RatePerUnitPeriod,
	}
	if err := s.items.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	s.publisher.Publish(stockOf(item))
	s.log.WithFields(logrus.Fields{"item_id": item.ID, "name": item.Name}).Info("item created")
	return item, nil
}

func (s *CatalogService) UpdateItem(ctx context.Context, id string, changes domain.ItemChanges) (*domain.ResourceItem, error) {
	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		if name == "" {
			return nil, domain.NewValidationError("name", "required")
		}
		changes.Name = &name
	}
	if changes.RatePerUnitPeriod != nil && changes.RatePerUnitPeriod.IsNegative() {
		return nil, domain.NewValidationError("rate_per_unit_period", "must not be negative")
	}

	var item *domain.ResourceItem
	err := runInTx(ctx, s.tx, s.retries, func(ctx context.Context) error {
		var err error
		item, err = s.items.Update(ctx, id, changes)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changes.TotalQuantity != nil {
		s.publisher.Publish(stockOf(item))
	}
	s.log.WithField("item_id", id).Info("item updated")
	return item, nil
}

// DeleteItem removes an item and its stock mirror; it is refused while any
// request references it.
func (s *CatalogService) DeleteItem(ctx context.Context, id string) error {
	if err := s.items.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.ClearStock(ctx, id); err != nil {
			s.log.WithError(err).WithField("item_id", id).Warn("failed to clear stock mirror")
		}
	}
	s.log.WithField("item_id", id).Info("item deleted")
	return nil
}

func (s *CatalogService) BulkDeleteItems(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range uniqueIDs(ids) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := s.DeleteItem(ctx, id); err != nil {
			s.log.WithError(err).WithField("item_id", id).Debug("bulk: skipped item")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *CatalogService) GetItem(ctx context.Context, id string) (*domain.ResourceItem, error) {
	return s.items.GetByID(ctx, id)
}

func (s *CatalogService) ListItems(ctx context.Context) ([]domain.ResourceItem, error) {
	items, err := s.items.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// Availability serves the mirrored count when the cache has one and falls
// back to storage otherwise, refreshing the mirror.
func (s *CatalogService) Availability(ctx context.Context, id string) (int, error) {
	if s.cache != nil {
		available, ok, err := s.cache.GetStock(ctx, id)
		switch {
		case err != nil:
			s.log.WithError(err).WithField("item_id", id).Warn("stock cache read failed")
		case ok:
			return available, nil
		}
	}

	item, err := s.items.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("get item: %w", err)
	}
	s.publisher.Publish(stockOf(item))
	return item.AvailableQuantity, nil
}

func stockOf(it *domain.ResourceItem) domain.StockLevel {
	return domain.StockLevel{
		ItemID:    it.ID,
		Available: it.AvailableQuantity,
		Total:     it.TotalQuantity,
		Version:   it.Version,
	}
}
