package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:request:"
	guestSessionLabel    = "Guest Mode"
	sessionRFIDField     = "session_rfid"
)

// Options tunes the workflow engine.
type Options struct {
	TxRetries       int
	BulkConcurrency int
	CodeMaxAttempts int
}

// Deps are the collaborators of the workflow engine. Cache and Publisher
// are optional.
type Deps struct {
	Tx        port.TxManager
	Items     port.ItemRepository
	Requests  port.RequestRepository
	History   port.HistoryRepository
	Identity  port.IdentityLookup
	Catalog   port.CatalogLookup
	Cache     port.CacheRepository
	Publisher *StockPublisher
	Logger    logrus.FieldLogger
}

// WorkflowService drives requests through their lifecycle. Every mutation
// runs in one transaction covering the request row, the stock it holds and
// the history entry written on terminal statuses.
type WorkflowService struct {
	tx        port.TxManager
	items     port.ItemRepository
	requests  port.RequestRepository
	catalog   port.CatalogLookup
	identity  port.IdentityLookup
	cache     port.CacheRepository
	publisher *StockPublisher
	ledger    *Ledger
	recorder  *Recorder
	codes     *CodeGenerator
	log       logrus.FieldLogger
	opts      Options
	now       func() time.Time
}

func NewWorkflowService(deps Deps, opts Options) *WorkflowService {
	if opts.TxRetries <= 0 {
		opts.TxRetries = defaultTxRetries
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = defaultBulkConcurrency
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &WorkflowService{
		tx:        deps.Tx,
		items:     deps.Items,
		requests:  deps.Requests,
		catalog:   deps.Catalog,
		identity:  deps.Identity,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		ledger:    NewLedger(deps.Items, log),
		recorder:  NewRecorder(deps.History, deps.Identity, deps.Catalog, log),
		codes:     NewCodeGenerator(opts.CodeMaxAttempts),
		log:       log.WithField("service", "workflow"),
		opts:      opts,
		now:       time.Now,
	}
}

// CreateInput describes a new request. Only the fields of the given kind
// are used.
type CreateInput struct {
	Kind        domain.Kind
	RequesterID *string
	Notes       string
	FormData    map[string]any

	// equipment
	LineItems     []domain.LineItem
	BorrowerName  string
	ContactPerson string
	ContactNumber string
	Purpose       string
	BorrowDate    *time.Time
	ReturnDate    *time.Time

	// document
	DocumentTypeID *string

	// id_application: card tapped at the kiosk, if any
	SessionUID *string

	// IdempotencyKey deduplicates client retries when a cache is configured.
	IdempotencyKey string
}

// Create validates in, reserves stock for equipment lines and inserts a
// Pending request with a fresh transaction code.
func (s *WorkflowService) Create(ctx context.Context, in CreateInput) (_ *domain.Request, err error) {
	lines, err := validateCreate(in)
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" && s.cache != nil {
		key := idempotencyKeyPrefix + in.IdempotencyKey
		ok, setErr := s.cache.SetIdempotency(ctx, key)
		if setErr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", setErr)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if clearErr := s.cache.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
				s.log.WithError(clearErr).Warn("failed to clear idempotency key")
			}
		}()
	}

	var (
		created *domain.Request
		levels  []domain.StockLevel
	)
	for regenerated := false; ; regenerated = true {
		err = s.runInTx(ctx, func(ctx context.Context) error {
			var txErr error
			created, levels, txErr = s.createInTx(ctx, in, lines)
			return txErr
		})
		if errors.Is(err, domain.ErrCodeCollision) && !regenerated {
			s.log.Debug("transaction code collided on insert, regenerating")
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(levels...)
	s.log.WithFields(logrus.Fields{
		"request_id":       created.ID,
		"transaction_code": created.TransactionCode,
		"kind":             created.Kind,
	}).Info("request created")

	return created, nil
}

func (s *WorkflowService) createInTx(ctx context.Context, in CreateInput, lines []domain.LineItem) (*domain.Request, []domain.StockLevel, error) {
	if in.RequesterID != nil {
		exists, err := s.identity.RequesterExists(ctx, *in.RequesterID)
		if err != nil {
			return nil, nil, fmt.Errorf("check requester: %w", err)
		}
		if !exists {
			return nil, nil, fmt.Errorf("requester %s: %w", *in.RequesterID, domain.ErrNotFound)
		}

		dup, err := s.requests.HasPending(ctx, in.Kind, *in.RequesterID, "")
		if err != nil {
			return nil, nil, fmt.Errorf("check pending: %w", err)
		}
		if dup {
			return nil, nil, domain.ErrDuplicatePending
		}
	}

	req := &domain.Request{
		ID:             uuid.NewString(),
		Kind:           in.Kind,
		RequesterID:    in.RequesterID,
		Status:         domain.StatusPending,
		PaymentStatus:  domain.PaymentUnpaid,
		Notes:          in.Notes,
		CreatedAt:      s.now(),
		BorrowerName:   in.BorrowerName,
		ContactPerson:  in.ContactPerson,
		ContactNumber:  in.ContactNumber,
		Purpose:        in.Purpose,
		BorrowDate:     in.BorrowDate,
		ReturnDate:     in.ReturnDate,
		TotalCost:      decimal.Zero,
		LineItems:      lines,
		DocumentTypeID: in.DocumentTypeID,
		FormData:       copyFormData(in.FormData),
	}

	var levels []domain.StockLevel
	switch in.Kind {
	case domain.KindEquipment:
		cost, err := s.rentalCost(ctx, lines, *in.BorrowDate, *in.ReturnDate)
		if err != nil {
			return nil, nil, err
		}
		req.TotalCost = cost

		levels, err = s.ledger.ReserveLines(ctx, lines)
		if err != nil {
			return nil, nil, err
		}

	case domain.KindDocument:
		dt, err := s.catalog.DocumentType(ctx, *in.DocumentTypeID)
		if err != nil {
			return nil, nil, fmt.Errorf("document type: %w", err)
		}
		if !dt.IsAvailable {
			return nil, nil, domain.NewValidationError("document_type_id", fmt.Sprintf("%s is not available", dt.Name))
		}
		if missing := dt.MissingFields(req.FormData); len(missing) > 0 {
			return nil, nil, domain.NewValidationError("form_data", "missing required field: "+strings.Join(missing, ", "))
		}

	case domain.KindIDApplication:
		display, err := s.sessionDisplay(ctx, *in.RequesterID, in.SessionUID)
		if err != nil {
			return nil, nil, err
		}
		req.FormData[sessionRFIDField] = display
	}

	code, err := s.codes.Generate(ctx, in.Kind.CodePrefix(), s.requests.CodeExists)
	if err != nil {
		return nil, nil, err
	}
	req.TransactionCode = code

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("insert request: %w", err)
	}

	return req, levels, nil
}

// rentalCost is the sum of rate x quantity x days, charging at least one day.
func (s *WorkflowService) rentalCost(ctx context.Context, lines []domain.LineItem, borrow, ret time.Time) (decimal.Decimal, error) {
	days := int64(ret.Sub(borrow).Hours() / 24)
	if days < 1 {
		days = 1
	}

	total := decimal.Zero
	for i, li := range lines {
		item, err := s.items.GetByID(ctx, li.ItemID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("line item %s: %w", li.ItemID, err)
		}
		lines[i].ItemName = item.Name
		total = total.Add(item.RatePerUnitPeriod.Mul(decimal.NewFromInt(int64(li.Quantity) * days)))
	}
	return total, nil
}

// sessionDisplay picks the card shown on an ID application: the card used at
// the kiosk, else the applicant's active card, else the guest label.
func (s *WorkflowService) sessionDisplay(ctx context.Context, applicantID string, sessionUID *string) (string, error) {
	if sessionUID != nil && *sessionUID != "" {
		return *sessionUID, nil
	}
	uid, err := s.identity.ActiveIdentityUID(ctx, applicantID)
	if err != nil {
		return "", fmt.Errorf("active identity: %w", err)
	}
	if uid != nil {
		return *uid, nil
	}
	return guestSessionLabel, nil
}

// Transition applies action to the request. Landing on a terminal status
// records the request in the history ledger within the same transaction.
func (s *WorkflowService) Transition(ctx context.Context, id string, action domain.Action) (*domain.Request, error) {
	var (
		updated *domain.Request
		tr      domain.Transition
		levels  []domain.StockLevel
	)

	err := s.runInTx(ctx, func(ctx context.Context) error {
		req, err := s.requests.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}

		tr, err = domain.Resolve(req.Kind, req.Status, action)
		if err != nil {
			return err
		}

		if tr.To == domain.StatusPending && req.RequesterID != nil {
			dup, err := s.requests.HasPending(ctx, req.Kind, *req.RequesterID, req.ID)
			if err != nil {
				return fmt.Errorf("check pending: %w", err)
			}
			if dup {
				return domain.ErrDuplicatePending
			}
		}

		levels, err = s.applyEffect(ctx, req, tr.Effect)
		if err != nil {
			return err
		}

		completedAt := req.CompletedAt
		switch {
		case tr.To.IsTerminal(req.Kind):
			t := s.now()
			completedAt = &t
		case tr.From.IsTerminal(req.Kind):
			completedAt = nil
		}

		if err := s.requests.UpdateStatus(ctx, req.ID, tr.To, completedAt); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		req.Status = tr.To
		req.CompletedAt = completedAt

		if tr.To.IsTerminal(req.Kind) {
			if _, _, err := s.recorder.Record(ctx, req); err != nil {
				return err
			}
		}

		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(levels...)
	s.log.WithFields(logrus.Fields{
		"request_id":       updated.ID,
		"transaction_code": updated.TransactionCode,
		"action":           action,
		"from":             tr.From,
		"to":               tr.To,
		"effect":           tr.Effect,
	}).Info("request transitioned")

	return updated, nil
}

func (s *WorkflowService) applyEffect(ctx context.Context, req *domain.Request, effect domain.Effect) ([]domain.StockLevel, error) {
	if !req.Kind.HasStock() {
		return nil, nil
	}
	switch effect {
	case domain.EffectReserve:
		return s.ledger.ReserveLines(ctx, req.LineItems)
	case domain.EffectRelease:
		return s.ledger.ReleaseLines(ctx, req.LineItems)
	}
	return nil, nil
}

// Delete removes a request, first releasing any stock it still holds.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	var (
		deleted *domain.Request
		levels  []domain.StockLevel
	)

	err := s.runInTx(ctx, func(ctx context.Context) error {
		req, err := s.requests.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}

		if req.Kind.HasStock() && req.Status.HoldsStock() {
			levels, err = s.ledger.ReleaseLines(ctx, req.LineItems)
			if err != nil {
				return err
			}
		}

		if err := s.requests.Delete(ctx, req.ID); err != nil {
			return fmt.Errorf("delete request: %w", err)
		}
		deleted = req
		return nil
	})
	if err != nil {
		return err
	}

	s.publisher.Publish(levels...)
	s.log.WithFields(logrus.Fields{
		"request_id":       deleted.ID,
		"transaction_code": deleted.TransactionCode,
		"status":           deleted.Status,
	}).Info("request deleted")

	return nil
}

func (s *WorkflowService) MarkPaid(ctx context.Context, id string) (*domain.Request, error) {
	return s.updatePayment(ctx, id, func(req *domain.Request) error {
		req.PaymentStatus = domain.PaymentPaid
		return nil
	})
}

func (s *WorkflowService) MarkUnpaid(ctx context.Context, id string) (*domain.Request, error) {
	return s.updatePayment(ctx, id, func(req *domain.Request) error {
		req.PaymentStatus = domain.PaymentUnpaid
		return nil
	})
}

// ToggleRefund flips the refund flag of an equipment request.
func (s *WorkflowService) ToggleRefund(ctx context.Context, id string) (*domain.Request, error) {
	return s.updatePayment(ctx, id, func(req *domain.Request) error {
		if req.Kind != domain.KindEquipment {
			return domain.NewValidationError("is_refunded", "only equipment requests can be refunded")
		}
		req.IsRefunded = !req.IsRefunded
		return nil
	})
}

func (s *WorkflowService) updatePayment(ctx context.Context, id string, apply func(*domain.Request) error) (*domain.Request, error) {
	var updated *domain.Request
	err := s.runInTx(ctx, func(ctx context.Context) error {
		req, err := s.requests.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(req); err != nil {
			return err
		}
		if err := s.requests.UpdatePayment(ctx, req.ID, req.PaymentStatus, req.IsRefunded); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *WorkflowService) GetNotes(ctx context.Context, id string) (string, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return req.Notes, nil
}

func (s *WorkflowService) UpdateNotes(ctx context.Context, id, notes string) (string, error) {
	err := s.runInTx(ctx, func(ctx context.Context) error {
		if _, err := s.requests.GetByIDForUpdate(ctx, id); err != nil {
			return err
		}
		return s.requests.UpdateNotes(ctx, id, notes)
	})
	if err != nil {
		return "", err
	}
	return notes, nil
}

func (s *WorkflowService) Get(ctx context.Context, id string) (*domain.Request, error) {
	return s.requests.GetByID(ctx, id)
}

// List returns requests matching filter, newest first. It takes no locks.
func (s *WorkflowService) List(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	reqs, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return reqs, nil
}

// ListHistory returns the requester's ledger entries, newest first.
func (s *WorkflowService) ListHistory(ctx context.Context, requesterID string) ([]domain.HistoryEntry, error) {
	return s.recorder.List(ctx, requesterID)
}

func (s *WorkflowService) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, s.tx, s.opts.TxRetries, fn)
}

// validateCreate checks the input shape and returns the line items with
// duplicate items merged.
func validateCreate(in CreateInput) ([]domain.LineItem, error) {
	var errs []domain.FieldError
	add := func(field, msg string) { errs = append(errs, domain.FieldError{Field: field, Message: msg}) }

	if in.Kind.CodePrefix() == "" {
		return nil, domain.NewValidationError("kind", fmt.Sprintf("unknown request kind %q", in.Kind))
	}
	if in.RequesterID == nil && !in.Kind.AllowsGuest() {
		add("requester_id", fmt.Sprintf("required for %s requests", in.Kind))
	}
	if in.RequesterID != nil && strings.TrimSpace(*in.RequesterID) == "" {
		add("requester_id", "must not be blank")
	}
	if in.Kind != domain.KindEquipment && len(in.LineItems) > 0 {
		add("line_items", fmt.Sprintf("not allowed for %s requests", in.Kind))
	}

	var lines []domain.LineItem
	switch in.Kind {
	case domain.KindEquipment:
		if len(in.LineItems) == 0 {
			add("line_items", "at least one item is required")
		}
		index := make(map[string]int, len(in.LineItems))
		for _, li := range in.LineItems {
			if li.ItemID == "" {
				add("line_items.item_id", "required")
				continue
			}
			if li.Quantity <= 0 {
				add("line_items.quantity", fmt.Sprintf("item %s: must be positive", li.ItemID))
				continue
			}
			if i, ok := index[li.ItemID]; ok {
				lines[i].Quantity += li.Quantity
				continue
			}
			index[li.ItemID] = len(lines)
			lines = append(lines, domain.LineItem{ItemID: li.ItemID, Quantity: li.Quantity})
		}
		if in.BorrowDate == nil || in.ReturnDate == nil {
			add("borrow_date", "borrow and return dates are required")
		} else if in.ReturnDate.Before(*in.BorrowDate) {
			add("return_date", "must not be before borrow date")
		}
		if in.RequesterID == nil && strings.TrimSpace(in.BorrowerName) == "" {
			add("borrower_name", "required for guest requests")
		}

	case domain.KindDocument:
		if in.DocumentTypeID == nil || *in.DocumentTypeID == "" {
			add("document_type_id", "required")
		}
	}

	if len(errs) > 0 {
		return nil, domain.NewValidationErrors(errs)
	}
	return lines, nil
}

func copyFormData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
