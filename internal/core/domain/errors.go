package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used across all layers.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicatePending  = errors.New("requester already has a pending request of this kind")
	ErrCapacityExhausted = errors.New("transaction code space exhausted")
	ErrValidation        = errors.New("validation error")
	ErrItemInUse         = errors.New("item is referenced by requests")
	ErrDuplicateRequest  = errors.New("duplicate request")

	// ErrTxConflict marks a transient lock conflict; the transaction may be retried.
	ErrTxConflict = errors.New("transaction conflict")
	// ErrCodeCollision is returned when a transaction code insert hits the unique index.
	ErrCodeCollision = errors.New("transaction code collision")
)

// TransitionError is returned when an action is illegal for the current status.
type TransitionError struct {
	Kind   Kind
	Action Action
	Status Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s request in status %s", e.Action, e.Kind, e.Status)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StockError is returned when a reservation exceeds availability.
type StockError struct {
	ItemID    string
	Requested int
	Available int
}

// Shortfall is the number of units missing to satisfy the reservation.
func (e *StockError) Shortfall() int {
	return e.Requested - e.Available
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, available %d, short by %d",
		e.ItemID, e.Requested, e.Available, e.Shortfall())
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError contains a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

func NewValidationErrors(errs []FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}
