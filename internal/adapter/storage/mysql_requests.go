package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/shopspring/decimal"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

const (
	requestsTable  = "requests"
	lineItemsTable = "request_line_items"
)

var requestColumns = []string{
	"id", "transaction_code", "kind", "requester_id", "status", "payment_status",
	"is_refunded", "notes", "created_at", "completed_at",
	"borrower_name", "contact_person", "contact_number", "purpose",
	"borrow_date", "return_date", "total_cost", "document_type_id", "form_data",
}

type requestRow struct {
	ID              string     `db:"id"`
	TransactionCode string     `db:"transaction_code"`
	Kind            string     `db:"kind"`
	RequesterID     *string    `db:"requester_id"`
	Status          string     `db:"status"`
	PaymentStatus   string     `db:"payment_status"`
	IsRefunded      bool       `db:"is_refunded"`
	Notes           string     `db:"notes"`
	CreatedAt       time.Time  `db:"created_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	BorrowerName    string     `db:"borrower_name"`
	ContactPerson   string     `db:"contact_person"`
	ContactNumber   string     `db:"contact_number"`
	Purpose         string     `db:"purpose"`
	BorrowDate      *time.Time `db:"borrow_date"`
	ReturnDate      *time.Time `db:"return_date"`
	TotalCost       string     `db:"total_cost"`
	DocumentTypeID  *string    `db:"document_type_id"`
	FormData        []byte     `db:"form_data"`
}

func (r requestRow) toDomain() (*domain.Request, error) {
	cost, err := decimal.NewFromString(r.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("request %s total cost: %w", r.ID, err)
	}
	formData := map[string]any{}
	if len(r.FormData) > 0 {
		if err := json.Unmarshal(r.FormData, &formData); err != nil {
			return nil, fmt.Errorf("request %s form data: %w", r.ID, err)
		}
	}
	return &domain.Request{
		ID:              r.ID,
		TransactionCode: r.TransactionCode,
		Kind:            domain.Kind(r.Kind),
		RequesterID:     r.RequesterID,
		Status:          domain.Status(r.Status),
		PaymentStatus:   domain.PaymentStatus(r.PaymentStatus),
		IsRefunded:      r.IsRefunded,
		Notes:           r.Notes,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
		BorrowerName:    r.BorrowerName,
		ContactPerson:   r.ContactPerson,
		ContactNumber:   r.ContactNumber,
		Purpose:         r.Purpose,
		BorrowDate:      r.BorrowDate,
		ReturnDate:      r.ReturnDate,
		TotalCost:       cost,
		DocumentTypeID:  r.DocumentTypeID,
		FormData:        formData,
	}, nil
}

type lineRow struct {
	RequestID string `db:"request_id"`
	ItemID    string `db:"item_id"`
	ItemName  string `db:"item_name"`
	Quantity  int    `db:"quantity"`
}

type sqlRequests struct{ m *MySQLAdapter }

func (r *sqlRequests) Create(ctx context.Context, req *domain.Request) error {
	formData, err := json.Marshal(req.FormData)
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}

	if _, err := r.m.exec(ctx, sq.Insert(requestsTable).
		Columns(requestColumns...).
		Values(req.ID, req.TransactionCode, string(req.Kind), req.RequesterID, string(req.Status),
			string(req.PaymentStatus), req.IsRefunded, req.Notes, req.CreatedAt, req.CompletedAt,
			req.BorrowerName, req.ContactPerson, req.ContactNumber, req.Purpose,
			req.BorrowDate, req.ReturnDate, req.TotalCost.String(), req.DocumentTypeID, formData)); err != nil {
		return err
	}

	if len(req.LineItems) == 0 {
		return nil
	}
	ins := sq.Insert(lineItemsTable).Columns("request_id", "item_id", "position", "quantity")
	for i, li := range req.LineItems {
		ins = ins.Values(req.ID, li.ItemID, i, li.Quantity)
	}
	if _, err := r.m.exec(ctx, ins); err != nil {
		return fmt.Errorf("insert line items: %w", err)
	}
	return nil
}

func (r *sqlRequests) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	return r.get(ctx, id, false)
}

func (r *sqlRequests) GetByIDForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	return r.get(ctx, id, true)
}

func (r *sqlRequests) get(ctx context.Context, id string, forUpdate bool) (*domain.Request, error) {
	b := sq.Select(requestColumns...).From(requestsTable).Where(squirrel.Eq{"id": id})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row requestRow
	if err := sqlscan.Get(ctx, r.m.q(ctx), &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get request %s: %w", id, mapError(err))
	}

	req, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	lines, err := r.lines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	req.LineItems = lines[id]
	return req, nil
}

func (r *sqlRequests) List(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	b := sq.Select(requestColumns...).From(requestsTable).
		OrderBy("created_at DESC", "transaction_code DESC")
	if filter.Kind != "" {
		b = b.Where(squirrel.Eq{"kind": string(filter.Kind)})
	}
	if filter.Status != "" {
		b = b.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.RequesterID != "" {
		b = b.Where(squirrel.Eq{"requester_id": filter.RequesterID})
	}
	if filter.Limit > 0 {
		b = b.Limit(filter.Limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []requestRow
	if err := sqlscan.Select(ctx, r.m.q(ctx), &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	if len(rows) == 0 {
		return []domain.Request{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := r.lines(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		req.LineItems = lines[req.ID]
		out = append(out, *req)
	}
	return out, nil
}

// lines loads the line items of the given requests keyed by request id, in
// insertion order.
func (r *sqlRequests) lines(ctx context.Context, requestIDs []string) (map[string][]domain.LineItem, error) {
	query, args, err := sq.Select("li.request_id", "li.item_id", "ri.name AS item_name", "li.quantity").
		From(lineItemsTable + " li").
		Join(itemsTable + " ri ON ri.id = li.item_id").
		Where(squirrel.Eq{"li.request_id": requestIDs}).
		OrderBy("li.request_id", "li.position").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []lineRow
	if err := sqlscan.Select(ctx, r.m.q(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("load line items: %w", mapError(err))
	}

	out := make(map[string][]domain.LineItem, len(requestIDs))
	for _, row := range rows {
		out[row.RequestID] = append(out[row.RequestID], domain.LineItem{
			ItemID:   row.ItemID,
			ItemName: row.ItemName,
			Quantity: row.Quantity,
		})
	}
	return out, nil
}

func (r *sqlRequests) UpdateStatus(ctx context.Context, id string, status domain.Status, completedAt *time.Time) error {
	return r.update(ctx, id, sq.Update(requestsTable).
		Set("status", string(status)).
		Set("completed_at", completedAt))
}

func (r *sqlRequests) UpdatePayment(ctx context.Context, id string, payment domain.PaymentStatus, refunded bool) error {
	return r.update(ctx, id, sq.Update(requestsTable).
		Set("payment_status", string(payment)).
		Set("is_refunded", refunded))
}

func (r *sqlRequests) UpdateNotes(ctx context.Context, id string, notes string) error {
	return r.update(ctx, id, sq.Update(requestsTable).Set("notes", notes))
}

// update applies b to one request. MySQL reports unchanged rows as not
// affected, so a zero count is confirmed with an existence check.
func (r *sqlRequests) update(ctx context.Context, id string, b squirrel.UpdateBuilder) error {
	n, err := r.m.exec(ctx, b.Where(squirrel.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("request %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	exists, err := r.count(ctx, squirrel.Eq{"id": id}, false)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *sqlRequests) Delete(ctx context.Context, id string) error {
	n, err := r.m.exec(ctx, sq.Delete(requestsTable).Where(squirrel.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("request %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// HasPending locks the pending slot, including the gap when it is free, so a
// concurrent insert for the same key waits or deadlocks instead of racing.
func (r *sqlRequests) HasPending(ctx context.Context, kind domain.Kind, requesterID string, excludeID string) (bool, error) {
	where := squirrel.And{squirrel.Eq{"pending_key": domain.PendingKey(kind, requesterID)}}
	if excludeID != "" {
		where = append(where, squirrel.NotEq{"id": excludeID})
	}
	n, err := r.count(ctx, where, true)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqlRequests) CodeExists(ctx context.Context, code string) (bool, error) {
	query, args, err := sq.Select("COUNT(*)").
		From(requestsTable).
		Where(squirrel.Eq{"transaction_code": code}).
		Suffix("UNION ALL SELECT COUNT(*) FROM "+historyTable+" WHERE transaction_code = ?", code).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var counts []int
	if err := sqlscan.Select(ctx, r.m.q(ctx), &counts, query, args...); err != nil {
		return false, fmt.Errorf("check code %s: %w", code, mapError(err))
	}
	for _, c := range counts {
		if c > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *sqlRequests) count(ctx context.Context, where squirrel.Sqlizer, forUpdate bool) (int, error) {
	b := sq.Select("COUNT(*)").From(requestsTable).Where(where)
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var n int
	if err := sqlscan.Get(ctx, r.m.q(ctx), &n, query, args...); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}
