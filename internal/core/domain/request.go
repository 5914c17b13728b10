package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindEquipment     Kind = "equipment"
	KindDocument      Kind = "document"
	KindIDApplication Kind = "id_application"
)

// ParseKind validates a kind coming from outside the core.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindEquipment, KindDocument, KindIDApplication:
		return k, nil
	}
	return "", NewValidationError("kind", fmt.Sprintf("unknown request kind %q", s))
}

// CodePrefix is the transaction code namespace of the kind.
func (k Kind) CodePrefix() string {
	switch k {
	case KindEquipment:
		return "ER"
	case KindDocument:
		return "DR"
	case KindIDApplication:
		return "ID"
	}
	return ""
}

// HasStock reports whether requests of this kind reserve inventory.
func (k Kind) HasStock() bool {
	return k == KindEquipment
}

// AllowsGuest reports whether a request of this kind may have no requester.
func (k Kind) AllowsGuest() bool {
	return k == KindEquipment
}

type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusPickedUp Status = "Picked-Up"
	StatusReturned Status = "Returned"
	StatusReleased Status = "Released"
	StatusRejected Status = "Rejected"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusPickedUp, StatusReturned, StatusReleased, StatusRejected:
		return st, nil
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown status %q", s))
}

// HoldsStock reports whether a request in this status holds its full
// reservation. Returned and Rejected hold none.
func (s Status) HoldsStock() bool {
	switch s {
	case StatusPending, StatusApproved, StatusPickedUp:
		return true
	}
	return false
}

// IsTerminal reports whether s ends the workflow for kind k.
func (s Status) IsTerminal(k Kind) bool {
	switch s {
	case StatusRejected:
		return true
	case StatusReturned:
		return k == KindEquipment
	case StatusReleased:
		return k == KindDocument || k == KindIDApplication
	}
	return false
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// LineItem is one equipment line of a request. Quantity never changes after
// creation.
type LineItem struct {
	ItemID   string
	ItemName string
	Quantity int
}

type Request struct {
	ID              string
	TransactionCode string
	Kind            Kind
	RequesterID     *string
	Status          Status
	PaymentStatus   PaymentStatus
	IsRefunded      bool
	Notes           string
	CreatedAt       time.Time
	CompletedAt     *time.Time

	// equipment
	BorrowerName  string
	ContactPerson string
	ContactNumber string
	Purpose       string
	BorrowDate    *time.Time
	ReturnDate    *time.Time
	TotalCost     decimal.Decimal
	LineItems     []LineItem

	// document
	DocumentTypeID *string

	FormData map[string]any
}

// PendingKey identifies the duplicate-submission slot of the request, or ""
// for guest requests which are never deduplicated.
func (r *Request) PendingKey() string {
	if r.RequesterID == nil {
		return ""
	}
	return PendingKey(r.Kind, *r.RequesterID)
}

func PendingKey(kind Kind, requesterID string) string {
	return string(kind) + ":" + requesterID
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	if r.RequesterID != nil {
		v := *r.RequesterID
		c.RequesterID = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	if r.BorrowDate != nil {
		v := *r.BorrowDate
		c.BorrowDate = &v
	}
	if r.ReturnDate != nil {
		v := *r.ReturnDate
		c.ReturnDate = &v
	}
	if r.DocumentTypeID != nil {
		v := *r.DocumentTypeID
		c.DocumentTypeID = &v
	}
	c.LineItems = append([]LineItem(nil), r.LineItems...)
	if r.FormData != nil {
		c.FormData = make(map[string]any, len(r.FormData))
		for k, v := range r.FormData {
			c.FormData[k] = v
		}
	}
	return &c
}

// RequestFilter narrows request listings. Zero values match everything.
type RequestFilter struct {
	Kind        Kind
	Status      Status
	RequesterID string
	Limit       uint64
}
