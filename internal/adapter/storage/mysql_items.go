package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/shopspring/decimal"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

const itemsTable = "resource_items"

var itemColumns = []string{
	"id", "name", "total_quantity", "available_quantity",
	"rate_per_unit_period", "version", "created_at", "updated_at",
}

type itemRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	TotalQuantity     int       `db:"total_quantity"`
	AvailableQuantity int       `db:"available_quantity"`
	RatePerUnitPeriod string    `db:"rate_per_unit_period"`
	Version           int       `db:"version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r itemRow) toDomain() (domain.ResourceItem, error) {
	rate, err := decimal.NewFromString(r.RatePerUnitPeriod)
	if err != nil {
		return domain.ResourceItem{}, fmt.Errorf("item %s rate: %w", r.ID, err)
	}
	return domain.ResourceItem{
		ID:                r.ID,
		Name:              r.Name,
		TotalQuantity:     r.TotalQuantity,
		AvailableQuantity: r.AvailableQuantity,
		RatePerUnitPeriod: rate,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

type sqlItems struct{ m *MySQLAdapter }

// Reserve decrements stock with a single conditional update so two
// transactions can never both take the last units.
func (r *sqlItems) Reserve(ctx context.Context, itemID string, qty int) (domain.StockLevel, error) {
	n, err := r.m.exec(ctx, sq.Update(itemsTable).
		Set("available_quantity", squirrel.Expr("available_quantity - ?", qty)).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": itemID}).
		Where(squirrel.GtOrEq{"available_quantity": qty}))
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("reserve item %s: %w", itemID, err)
	}

	it, err := r.get(ctx, itemID, false)
	if err != nil {
		return domain.StockLevel{}, err
	}
	if n == 0 {
		return domain.StockLevel{}, &domain.StockError{ItemID: itemID, Requested: qty, Available: it.AvailableQuantity}
	}
	return stockLevel(it), nil
}

func (r *sqlItems) Release(ctx context.Context, itemID string, qty int) (domain.StockLevel, bool, error) {
	it, err := r.get(ctx, itemID, true)
	if err != nil {
		return domain.StockLevel{}, false, err
	}

	next, clamped := clampRelease(it.AvailableQuantity, qty, it.TotalQuantity)
	if _, err := r.m.exec(ctx, sq.Update(itemsTable).
		Set("available_quantity", next).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": itemID})); err != nil {
		return domain.StockLevel{}, false, fmt.Errorf("release item %s: %w", itemID, err)
	}

	it.AvailableQuantity = next
	it.Version++
	return stockLevel(it), clamped, nil
}

func (r *sqlItems) GetByID(ctx context.Context, itemID string) (*domain.ResourceItem, error) {
	it, err := r.get(ctx, itemID, false)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *sqlItems) get(ctx context.Context, itemID string, forUpdate bool) (domain.ResourceItem, error) {
	b := sq.Select(itemColumns...).From(itemsTable).Where(squirrel.Eq{"id": itemID})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return domain.ResourceItem{}, fmt.Errorf("build query: %w", err)
	}

	var row itemRow
	if err := sqlscan.Get(ctx, r.m.q(ctx), &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return domain.ResourceItem{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
		}
		return domain.ResourceItem{}, fmt.Errorf("get item %s: %w", itemID, mapError(err))
	}
	return row.toDomain()
}

func (r *sqlItems) List(ctx context.Context) ([]domain.ResourceItem, error) {
	query, args, err := sq.Select(itemColumns...).From(itemsTable).OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []itemRow
	if err := sqlscan.Select(ctx, r.m.q(ctx), &rows, query, args...); err != nil {
		return nil, mapError(err)
	}

	out := make([]domain.ResourceItem, 0, len(rows))
	for _, row := range rows {
		it, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (r *sqlItems) Create(ctx context.Context, item *domain.ResourceItem) error {
	now := time.Now().UTC()
	_, err := r.m.exec(ctx, sq.Insert(itemsTable).
		Columns(itemColumns...).
		Values(item.ID, item.Name, item.TotalQuantity, item.AvailableQuantity,
			item.RatePerUnitPeriod.String(), item.Version, now, now))
	if err != nil {
		return err
	}
	item.CreatedAt, item.UpdatedAt = now, now
	return nil
}

func (r *sqlItems) Update(ctx context.Context, itemID string, changes domain.ItemChanges) (*domain.ResourceItem, error) {
	it, err := r.get(ctx, itemID, true)
	if err != nil {
		return nil, err
	}

	b := sq.Update(itemsTable).Where(squirrel.Eq{"id": itemID})
	if changes.Name != nil {
		it.Name = *changes.Name
		b = b.Set("name", it.Name)
	}
	if changes.RatePerUnitPeriod != nil {
		it.RatePerUnitPeriod = *changes.RatePerUnitPeriod
		b = b.Set("rate_per_unit_period", it.RatePerUnitPeriod.String())
	}
	if changes.TotalQuantity != nil {
		available, err := retotal(it, *changes.TotalQuantity)
		if err != nil {
			return nil, err
		}
		it.TotalQuantity, it.AvailableQuantity = *changes.TotalQuantity, available
		it.Version++
		b = b.Set("total_quantity", it.TotalQuantity).
			Set("available_quantity", it.AvailableQuantity).
			Set("version", it.Version)
	}
	it.UpdatedAt = time.Now().UTC()
	b = b.Set("updated_at", it.UpdatedAt)

	if _, err := r.m.exec(ctx, b); err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *sqlItems) Delete(ctx context.Context, itemID string) error {
	n, err := r.m.exec(ctx, sq.Delete(itemsTable).Where(squirrel.Eq{"id": itemID}))
	if err != nil {
		return fmt.Errorf("item %s: %w", itemID, err)
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	return nil
}
