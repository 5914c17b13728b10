package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

var errNestedTx = errors.New("memory: nested transaction")

type memState struct {
	items      map[string]domain.ResourceItem
	requests   map[string]*domain.Request
	history    map[string]domain.HistoryEntry
	residents  map[string]struct{}
	identities map[string]string
	docTypes   map[string]domain.DocumentType
}

func newMemState() *memState {
	return &memState{
		items:      make(map[string]domain.ResourceItem),
		requests:   make(map[string]*domain.Request),
		history:    make(map[string]domain.HistoryEntry),
		residents:  make(map[string]struct{}),
		identities: make(map[string]string),
		docTypes:   make(map[string]domain.DocumentType),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range s.history {
		c.history[k] = v
	}
	for k := range s.residents {
		c.residents[k] = struct{}{}
	}
	for k, v := range s.identities {
		c.identities[k] = v
	}
	for k, v := range s.docTypes {
		c.docTypes[k] = v
	}
	return c
}

type memTx struct {
	owner *MemoryAdapter
	state *memState
}

type memTxKey struct{}

// MemoryAdapter is a transactional in-process store implementing every
// storage port. A transaction holds the store lock, works on a cloned state
// and swaps it in only when fn succeeds.
type MemoryAdapter struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{state: newMemState(), now: time.Now}
}

func (m *MemoryAdapter) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.owner == m {
		return errNestedTx
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, &memTx{owner: m, state: work})); err != nil {
		return err
	}
	m.state = work
	return nil
}

// view returns the state visible to ctx: the transaction's working copy, or
// the committed state under the store lock.
func (m *MemoryAdapter) view(ctx context.Context) (*memState, func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.owner == m {
		return tx.state, func() {}
	}
	m.mu.Lock()
	return m.state, m.mu.Unlock
}

func (m *MemoryAdapter) Items() port.ItemRepository { return &memItems{m} }
func (m *MemoryAdapter) Requests() port.RequestRepository { return &memRequests{m} }
func (m *MemoryAdapter) History() port.HistoryRepository { return &memHistory{m} }
func (m *MemoryAdapter) Identities() port.IdentityLookup { return &memDirectory{m} }
func (m *MemoryAdapter) DocumentTypes() port.CatalogLookup { return &memDirectory{m} }

// AddResidents registers requester ids in the resident directory.
func (m *MemoryAdapter) AddResidents(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.state.residents[id] = struct{}{}
	}
}

// SetActiveIdentity records the active card UID of a requester, registering
// the requester as a resident. An empty uid deactivates the card.
func (m *MemoryAdapter) SetActiveIdentity(requesterID, uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.residents[requesterID] = struct{}{}
	if uid == "" {
		delete(m.state.identities, requesterID)
		return
	}
	m.state.identities[requesterID] = uid
}

func (m *MemoryAdapter) PutDocumentType(dt domain.DocumentType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.docTypes[dt.ID] = dt
}

type memItems struct{ m *MemoryAdapter }

func (r *memItems) Reserve(ctx context.Context, itemID string, qty int) (domain.StockLevel, error) {
	st, done := r.m.view(ctx)
	defer done()

	it, ok := st.items[itemID]
	if !ok {
		return domain.StockLevel{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	if qty > it.AvailableQuantity {
		return domain.StockLevel{}, &domain.StockError{ItemID: itemID, Requested: qty, Available: it.AvailableQuantity}
	}
	it.AvailableQuantity -= qty
	it.Version++
	it.UpdatedAt = r.m.now()
	st.items[itemID] = it
	return stockLevel(it), nil
}

func (r *memItems) Release(ctx context.Context, itemID string, qty int) (domain.StockLevel, bool, error) {
	st, done := r.m.view(ctx)
	defer done()

	it, ok := st.items[itemID]
	if !ok {
		return domain.StockLevel{}, false, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	next, clamped := clampRelease(it.AvailableQuantity, qty, it.TotalQuantity)
	it.AvailableQuantity = next
	it.Version++
	it.UpdatedAt = r.m.now()
	st.items[itemID] = it
	return stockLevel(it), clamped, nil
}

func (r *memItems) GetByID(ctx context.Context, itemID string) (*domain.ResourceItem, error) {
	st, done := r.m.view(ctx)
	defer done()

	it, ok := st.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	return &it, nil
}

func (r *memItems) List(ctx context.Context) ([]domain.ResourceItem, error) {
	st, done := r.m.view(ctx)
	defer done()

	out := make([]domain.ResourceItem, 0, len(st.items))
	for _, it := range st.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memItems) Create(ctx context.Context, item *domain.ResourceItem) error {
	st, done := r.m.view(ctx)
	defer done()

	if _, ok := st.items[item.ID]; ok {
		return fmt.Errorf("item %s: %w", item.ID, domain.ErrValidation)
	}
	if nameTaken(st, item.Name, "") {
		return domain.NewValidationError("name", fmt.Sprintf("item %q already exists", item.Name))
	}
	now := r.m.now()
	item.CreatedAt, item.UpdatedAt = now, now
	st.items[item.ID] = *item
	return nil
}

func (r *memItems) Update(ctx context.Context, itemID string, changes domain.ItemChanges) (*domain.ResourceItem, error) {
	st, done := r.m.view(ctx)
	defer done()

	it, ok := st.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	if changes.Name != nil {
		if nameTaken(st, *changes.Name, itemID) {
			return nil, domain.NewValidationError("name", fmt.Sprintf("item %q already exists", *changes.Name))
		}
		it.Name = *changes.Name
	}
	if changes.RatePerUnitPeriod != nil {
		it.RatePerUnitPeriod = *changes.RatePerUnitPeriod
	}
	if changes.TotalQuantity != nil {
		available, err := retotal(it, *changes.TotalQuantity)
		if err != nil {
			return nil, err
		}
		it.TotalQuantity, it.AvailableQuantity = *changes.TotalQuantity, available
		it.Version++
	}
	it.UpdatedAt = r.m.now()
	st.items[itemID] = it
	return &it, nil
}

func (r *memItems) Delete(ctx context.Context, itemID string) error {
	st, done := r.m.view(ctx)
	defer done()

	if _, ok := st.items[itemID]; !ok {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	for _, req := range st.requests {
		for _, li := range req.LineItems {
			if li.ItemID == itemID {
				return fmt.Errorf("item %s: %w", itemID, domain.ErrItemInUse)
			}
		}
	}
	delete(st.items, itemID)
	return nil
}

func nameTaken(st *memState, name, exceptID string) bool {
	for id, it := range st.items {
		if id != exceptID && strings.EqualFold(it.Name, name) {
			return true
		}
	}
	return false
}

type memRequests struct{ m *MemoryAdapter }

func (r *memRequests) Create(ctx context.Context, req *domain.Request) error {
	st, done := r.m.view(ctx)
	defer done()

	for _, existing := range st.requests {
		if existing.TransactionCode == req.TransactionCode {
			return fmt.Errorf("code %s: %w", req.TransactionCode, domain.ErrCodeCollision)
		}
	}
	if req.Status == domain.StatusPending && pendingTaken(st, req.PendingKey(), req.ID) {
		return domain.ErrDuplicatePending
	}
	for _, li := range req.LineItems {
		if _, ok := st.items[li.ItemID]; !ok {
			return fmt.Errorf("item %s: %w", li.ItemID, domain.ErrNotFound)
		}
	}
	st.requests[req.ID] = req.Clone()
	return nil
}

func (r *memRequests) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	st, done := r.m.view(ctx)
	defer done()

	req, ok := st.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return withItemNames(st, req.Clone()), nil
}

// GetByIDForUpdate is GetByID; the transaction already holds the store lock.
func (r *memRequests) GetByIDForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	return r.GetByID(ctx, id)
}

func (r *memRequests) List(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	st, done := r.m.view(ctx)
	defer done()

	out := make([]domain.Request, 0)
	for _, req := range st.requests {
		if filter.Kind != "" && req.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.RequesterID != "" && (req.RequesterID == nil || *req.RequesterID != filter.RequesterID) {
			continue
		}
		out = append(out, *withItemNames(st, req.Clone()))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionCode > out[j].TransactionCode
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && uint64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRequests) UpdateStatus(ctx context.Context, id string, status domain.Status, completedAt *time.Time) error {
	return r.mutate(ctx, id, func(st *memState, req *domain.Request) error {
		if status == domain.StatusPending && pendingTaken(st, req.PendingKey(), req.ID) {
			return domain.ErrDuplicatePending
		}
		req.Status = status
		req.CompletedAt = completedAt
		return nil
	})
}

func (r *memRequests) UpdatePayment(ctx context.Context, id string, payment domain.PaymentStatus, refunded bool) error {
	return r.mutate(ctx, id, func(_ *memState, req *domain.Request) error {
		req.PaymentStatus = payment
		req.IsRefunded = refunded
		return nil
	})
}

func (r *memRequests) UpdateNotes(ctx context.Context, id string, notes string) error {
	return r.mutate(ctx, id, func(_ *memState, req *domain.Request) error {
		req.Notes = notes
		return nil
	})
}

func (r *memRequests) Delete(ctx context.Context, id string) error {
	st, done := r.m.view(ctx)
	defer done()

	if _, ok := st.requests[id]; !ok {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	delete(st.requests, id)
	return nil
}

func (r *memRequests) HasPending(ctx context.Context, kind domain.Kind, requesterID string, excludeID string) (bool, error) {
	st, done := r.m.view(ctx)
	defer done()

	return pendingTaken(st, domain.PendingKey(kind, requesterID), excludeID), nil
}

func (r *memRequests) CodeExists(ctx context.Context, code string) (bool, error) {
	st, done := r.m.view(ctx)
	defer done()

	for _, req := range st.requests {
		if req.TransactionCode == code {
			return true, nil
		}
	}
	_, recorded := st.history[code]
	return recorded, nil
}

func (r *memRequests) mutate(ctx context.Context, id string, fn func(*memState, *domain.Request) error) error {
	st, done := r.m.view(ctx)
	defer done()

	req, ok := st.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	next := req.Clone()
	if err := fn(st, next); err != nil {
		return err
	}
	st.requests[id] = next
	return nil
}

func pendingTaken(st *memState, key, exceptID string) bool {
	if key == "" {
		return false
	}
	for id, req := range st.requests {
		if id != exceptID && req.Status == domain.StatusPending && req.PendingKey() == key {
			return true
		}
	}
	return false
}

func withItemNames(st *memState, req *domain.Request) *domain.Request {
	for i, li := range req.LineItems {
		if it, ok := st.items[li.ItemID]; ok {
			req.LineItems[i].ItemName = it.Name
		}
	}
	return req
}

type memHistory struct{ m *MemoryAdapter }

func (r *memHistory) GetByCode(ctx context.Context, code string) (*domain.HistoryEntry, error) {
	st, done := r.m.view(ctx)
	defer done()

	e, ok := st.history[code]
	if !ok {
		return nil, fmt.Errorf("history %s: %w", code, domain.ErrNotFound)
	}
	return &e, nil
}

func (r *memHistory) Insert(ctx context.Context, entry *domain.HistoryEntry) (bool, error) {
	st, done := r.m.view(ctx)
	defer done()

	if _, ok := st.history[entry.TransactionCode]; ok {
		return false, nil
	}
	st.history[entry.TransactionCode] = *entry
	return true, nil
}

func (r *memHistory) ListByRequester(ctx context.Context, requesterID string) ([]domain.HistoryEntry, error) {
	st, done := r.m.view(ctx)
	defer done()

	out := make([]domain.HistoryEntry, 0)
	for _, e := range st.history {
		if e.RequesterID != nil && *e.RequesterID == requesterID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

type memDirectory struct{ m *MemoryAdapter }

func (r *memDirectory) RequesterExists(ctx context.Context, requesterID string) (bool, error) {
	st, done := r.m.view(ctx)
	defer done()

	_, ok := st.residents[requesterID]
	return ok, nil
}

func (r *memDirectory) ActiveIdentityUID(ctx context.Context, requesterID string) (*string, error) {
	st, done := r.m.view(ctx)
	defer done()

	uid, ok := st.identities[requesterID]
	if !ok {
		return nil, nil
	}
	return &uid, nil
}

func (r *memDirectory) DocumentType(ctx context.Context, id string) (*domain.DocumentType, error) {
	st, done := r.m.view(ctx)
	defer done()

	dt, ok := st.docTypes[id]
	if !ok {
		return nil, fmt.Errorf("document type %s: %w", id, domain.ErrNotFound)
	}
	return &dt, nil
}

func stockLevel(it domain.ResourceItem) domain.StockLevel {
	return domain.StockLevel{
		ItemID:    it.ID,
		Available: it.AvailableQuantity,
		Total:     it.TotalQuantity,
		Version:   it.Version,
	}
}

// clampRelease returns available+qty capped at total.
func clampRelease(available, qty, total int) (int, bool) {
	next := available + qty
	if next > total {
		return total, true
	}
	return next, false
}

// retotal computes the available quantity after changing an item's total,
// keeping the reserved units constant.
func retotal(it domain.ResourceItem, total int) (int, error) {
	if total < 0 {
		return 0, domain.NewValidationError("total_quantity", "must not be negative")
	}
	available := it.AvailableQuantity + (total - it.TotalQuantity)
	if available < 0 {
		return 0, domain.NewValidationError("total_quantity",
			fmt.Sprintf("%d units are reserved, total cannot drop to %d", it.Reserved(), total))
	}
	return available, nil
}
