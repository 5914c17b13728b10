package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

// Tables shared with the resident registry. This service only reads them.
const (
	residentTable = "residents"
	rfidTable     = "resident_rfids"
	docTypeTable  = "document_types"
)

type documentTypeRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	IsAvailable bool   `db:"is_available"`
	Fields      []byte `db:"fields"`
}

type sqlDirectory struct{ m *MySQLAdapter }

func (r *sqlDirectory) RequesterExists(ctx context.Context, requesterID string) (bool, error) {
	query, args, err := sq.Select("COUNT(*)").
		From(residentTable).
		Where(squirrel.Eq{"id": requesterID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var n int
	if err := sqlscan.Get(ctx, r.m.q(ctx), &n, query, args...); err != nil {
		return false, fmt.Errorf("resident %s: %w", requesterID, mapError(err))
	}
	return n > 0, nil
}

func (r *sqlDirectory) ActiveIdentityUID(ctx context.Context, requesterID string) (*string, error) {
	query, args, err := sq.Select("rfid_uid").
		From(rfidTable).
		Where(squirrel.Eq{"resident_id": requesterID, "is_active": true}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var uid string
	if err := sqlscan.Get(ctx, r.m.q(ctx), &uid, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("active rfid of %s: %w", requesterID, mapError(err))
	}
	return &uid, nil
}

func (r *sqlDirectory) DocumentType(ctx context.Context, id string) (*domain.DocumentType, error) {
	query, args, err := sq.Select("id", "name", "is_available", "fields").
		From(docTypeTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row documentTypeRow
	if err := sqlscan.Get(ctx, r.m.q(ctx), &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, fmt.Errorf("document type %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get document type %s: %w", id, mapError(err))
	}

	dt := &domain.DocumentType{ID: row.ID, Name: row.Name, IsAvailable: row.IsAvailable}
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, &dt.Fields); err != nil {
			return nil, fmt.Errorf("document type %s fields: %w", id, err)
		}
	}
	return dt, nil
}
