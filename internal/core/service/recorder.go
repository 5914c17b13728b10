package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

const (
	equipmentFallbackLabel = "Equipment Request"
	documentFallbackLabel  = "Document Request"
	idApplicationLabel     = "ID Application"
)

// Recorder writes the permanent transaction ledger. It is invoked by the
// workflow engine whenever a request lands on a terminal status.
type Recorder struct {
	history  port.HistoryRepository
	identity port.IdentityLookup
	catalog  port.CatalogLookup
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewRecorder(history port.HistoryRepository, identity port.IdentityLookup, catalog port.CatalogLookup, log logrus.FieldLogger) *Recorder {
	return &Recorder{
		history:  history,
		identity: identity,
		catalog:  catalog,
		log:      log.WithField("service", "recorder"),
		now:      time.Now,
	}
}

// Record writes the history entry for req, or returns the existing one.
// created is false when the transaction code was already recorded.
func (r *Recorder) Record(ctx context.Context, req *domain.Request) (entry *domain.HistoryEntry, created bool, err error) {
	outcome, ok := domain.OutcomeFor(req.Status)
	if !ok || !req.Status.IsTerminal(req.Kind) {
		return nil, false, fmt.Errorf("record %s in status %s: %w", req.TransactionCode, req.Status, domain.ErrInvalidTransition)
	}

	existing, err := r.history.GetByCode(ctx, req.TransactionCode)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup history %s: %w", req.TransactionCode, err)
	}

	var uid *string
	if req.RequesterID != nil {
		uid, err = r.identity.ActiveIdentityUID(ctx, *req.RequesterID)
		if err != nil {
			return nil, false, fmt.Errorf("snapshot identity: %w", err)
		}
	}

	entry = &domain.HistoryEntry{
		ID:                     uuid.NewString(),
		TransactionCode:        req.TransactionCode,
		Kind:                   req.Kind,
		DisplayName:            r.displayName(ctx, req),
		RequesterID:            req.RequesterID,
		SnapshottedIdentityUID: uid,
		Outcome:                outcome,
		RecordedAt:             r.now(),
	}

	inserted, err := r.history.Insert(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("insert history: %w", err)
	}
	if !inserted {
		existing, err := r.history.GetByCode(ctx, req.TransactionCode)
		if err != nil {
			return nil, false, fmt.Errorf("reload history %s: %w", req.TransactionCode, err)
		}
		return existing, false, nil
	}

	return entry, true, nil
}

// List returns the requester's ledger, newest first.
func (r *Recorder) List(ctx context.Context, requesterID string) ([]domain.HistoryEntry, error) {
	entries, err := r.history.ListByRequester(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

func (r *Recorder) displayName(ctx context.Context, req *domain.Request) string {
	switch req.Kind {
	case domain.KindEquipment:
		return equipmentTitle(req.LineItems)
	case domain.KindIDApplication:
		return idApplicationLabel
	case domain.KindDocument:
		if req.DocumentTypeID == nil {
			return documentFallbackLabel
		}
		dt, err := r.catalog.DocumentType(ctx, *req.DocumentTypeID)
		if err != nil {
			r.log.WithError(err).WithField("transaction_code", req.TransactionCode).
				Warn("document type lookup failed, using fallback label")
			return documentFallbackLabel
		}
		return dt.Name
	}
	return string(req.Kind)
}

// equipmentTitle renders "2x Tent, 30x Monobloc Chair".
func equipmentTitle(lines []domain.LineItem) string {
	parts := make([]string, 0, len(lines))
	for _, li := range lines {
		name := li.ItemName
		if name == "" {
			name = li.ItemID
		}
		parts = append(parts, fmt.Sprintf("%dx %s", li.Quantity, name))
	}
	if len(parts) == 0 {
		return equipmentFallbackLabel
	}
	return strings.Join(parts, ", ")
}
