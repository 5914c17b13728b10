package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

// Ledger is the only writer of ResourceItem.AvailableQuantity.
type Ledger struct {
	items port.ItemRepository
	log   logrus.FieldLogger
}

func NewLedger(items port.ItemRepository, log logrus.FieldLogger) *Ledger {
	return &Ledger{items: items, log: log.WithField("service", "ledger")}
}

func (l *Ledger) Reserve(ctx context.Context, itemID string, qty int) (domain.StockLevel, error) {
	if qty <= 0 {
		return domain.StockLevel{}, domain.NewValidationError("quantity", "must be positive")
	}
	return l.items.Reserve(ctx, itemID, qty)
}

func (l *Ledger) Release(ctx context.Context, itemID string, qty int) (domain.StockLevel, error) {
	if qty <= 0 {
		return domain.StockLevel{}, domain.NewValidationError("quantity", "must be positive")
	}

	level, clamped, err := l.items.Release(ctx, itemID, qty)
	if err != nil {
		return domain.StockLevel{}, err
	}
	if clamped {
		l.log.WithFields(logrus.Fields{
			"item_id":  itemID,
			"quantity": qty,
			"total":    level.Total,
		}).Warn("release clamped at total quantity, reservations are out of balance")
	}
	return level, nil
}

// ReserveLines reserves every line or none of them. It must run inside a
// transaction so a failing line rolls back the ones before it.
func (l *Ledger) ReserveLines(ctx context.Context, lines []domain.LineItem) ([]domain.StockLevel, error) {
	levels := make([]domain.StockLevel, 0, len(lines))
	for _, li := range lockOrder(lines) {
		level, err := l.Reserve(ctx, li.ItemID, li.Quantity)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", li.ItemID, err)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (l *Ledger) ReleaseLines(ctx context.Context, lines []domain.LineItem) ([]domain.StockLevel, error) {
	levels := make([]domain.StockLevel, 0, len(lines))
	for _, li := range lockOrder(lines) {
		level, err := l.Release(ctx, li.ItemID, li.Quantity)
		if err != nil {
			return nil, fmt.Errorf("release %s: %w", li.ItemID, err)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// lockOrder sorts lines by item id so concurrent multi-item transactions
// take row locks in the same order.
func lockOrder(lines []domain.LineItem) []domain.LineItem {
	sorted := append([]domain.LineItem(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })
	return sorted
}
