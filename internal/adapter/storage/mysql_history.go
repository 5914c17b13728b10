package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

const historyTable = "history_entries"

var historyColumns = []string{
	"id", "transaction_code", "kind", "display_name", "requester_id",
	"snapshotted_identity_uid", "outcome", "recorded_at",
}

type historyRow struct {
	ID                     string    `db:"id"`
	TransactionCode        string    `db:"transaction_code"`
	Kind                   string    `db:"kind"`
	DisplayName            string    `db:"display_name"`
	RequesterID            *string   `db:"requester_id"`
	SnapshottedIdentityUID *string   `db:"snapshotted_identity_uid"`
	Outcome                string    `db:"outcome"`
	RecordedAt             time.Time `db:"recorded_at"`
}

func (r historyRow) toDomain() domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:                     r.ID,
		TransactionCode:        r.TransactionCode,
		Kind:                   domain.Kind(r.Kind),
		DisplayName:            r.DisplayName,
		RequesterID:            r.RequesterID,
		SnapshottedIdentityUID: r.SnapshottedIdentityUID,
		Outcome:                domain.Outcome(r.Outcome),
		RecordedAt:             r.RecordedAt,
	}
}

type sqlHistory struct{ m *MySQLAdapter }

func (r *sqlHistory) GetByCode(ctx context.Context, code string) (*domain.HistoryEntry, error) {
	query, args, err := sq.Select(historyColumns...).
		From(historyTable).
		Where(squirrel.Eq{"transaction_code": code}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row historyRow
	if err := sqlscan.Get(ctx, r.m.q(ctx), &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, fmt.Errorf("history %s: %w", code, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get history %s: %w", code, mapError(err))
	}
	entry := row.toDomain()
	return &entry, nil
}

// Insert is a no-op when the transaction code is already recorded.
func (r *sqlHistory) Insert(ctx context.Context, entry *domain.HistoryEntry) (bool, error) {
	n, err := r.m.exec(ctx, sq.Insert(historyTable).
		Columns(historyColumns...).
		Values(entry.ID, entry.TransactionCode, string(entry.Kind), entry.DisplayName, entry.RequesterID,
			entry.SnapshottedIdentityUID, string(entry.Outcome), entry.RecordedAt).
		Suffix("ON DUPLICATE KEY UPDATE id = id"))
	if err != nil {
		return false, fmt.Errorf("history %s: %w", entry.TransactionCode, err)
	}
	return n == 1, nil
}

func (r *sqlHistory) ListByRequester(ctx context.Context, requesterID string) ([]domain.HistoryEntry, error) {
	query, args, err := sq.Select(historyColumns...).
		From(historyTable).
		Where(squirrel.Eq{"requester_id": requesterID}).
		OrderBy("recorded_at DESC", "transaction_code DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []historyRow
	if err := sqlscan.Select(ctx, r.m.q(ctx), &rows, query, args...); err != nil {
		return nil, mapError(err)
	}

	out := make([]domain.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
