package port

import (
	"context"
	"time"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

// TxManager runs fn inside one storage transaction carried by ctx.
// Repositories called with the ctx passed to fn join that transaction.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ItemRepository interface {
	// Reserve atomically decrements available stock, failing with a
	// *domain.StockError when qty exceeds it
	Reserve(ctx context.Context, itemID string, qty int) (domain.StockLevel, error)

	// Release increments available stock under a row lock, clamping at total.
	// clamped reports whether the clamp triggered.
	Release(ctx context.Context, itemID string, qty int) (level domain.StockLevel, clamped bool, err error)

	// GetByID returns domain.ErrNotFound for unknown items
	GetByID(ctx context.Context, itemID string) (*domain.ResourceItem, error)

	List(ctx context.Context) ([]domain.ResourceItem, error)

	// Create inserts a catalog entry; a duplicate name is a validation error
	Create(ctx context.Context, item *domain.ResourceItem) error

	// Update applies catalog changes. A total change shifts available by the
	// same delta and fails with domain.ErrValidation if it would go negative.
	Update(ctx context.Context, itemID string, changes domain.ItemChanges) (*domain.ResourceItem, error)

	// Delete removes an item; fails with domain.ErrItemInUse while referenced
	Delete(ctx context.Context, itemID string) error
}

type RequestRepository interface {
	// Create inserts a request with its line items
	Create(ctx context.Context, req *domain.Request) error

	// GetByID loads a request with line items
	GetByID(ctx context.Context, id string) (*domain.Request, error)

	// GetByIDForUpdate loads a request and locks its row until the
	// surrounding transaction ends
	GetByIDForUpdate(ctx context.Context, id string) (*domain.Request, error)

	List(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error)

	// UpdateStatus sets status and completed_at
	UpdateStatus(ctx context.Context, id string, status domain.Status, completedAt *time.Time) error

	UpdatePayment(ctx context.Context, id string, payment domain.PaymentStatus, refunded bool) error

	UpdateNotes(ctx context.Context, id string, notes string) error

	Delete(ctx context.Context, id string) error

	// HasPending reports, with a locking read, whether the requester already
	// has a Pending request of kind other than excludeID
	HasPending(ctx context.Context, kind domain.Kind, requesterID string, excludeID string) (bool, error)

	// CodeExists reports whether a transaction code is taken by a request or
	// by a history entry outliving a deleted request
	CodeExists(ctx context.Context, code string) (bool, error)
}

type HistoryRepository interface {
	// GetByCode returns domain.ErrNotFound when no entry exists
	GetByCode(ctx context.Context, code string) (*domain.HistoryEntry, error)

	// Insert writes the entry unless the code is already recorded; inserted
	// is false in that case
	Insert(ctx context.Context, entry *domain.HistoryEntry) (inserted bool, err error)

	// ListByRequester returns entries newest first
	ListByRequester(ctx context.Context, requesterID string) ([]domain.HistoryEntry, error)
}
