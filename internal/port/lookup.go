package port

import (
	"context"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

// IdentityLookup reads the resident registry: whether a requester exists and
// which access card is currently active.
type IdentityLookup interface {
	RequesterExists(ctx context.Context, requesterID string) (bool, error)

	// ActiveIdentityUID returns nil when the requester has no active card
	ActiveIdentityUID(ctx context.Context, requesterID string) (*string, error)
}

// CatalogLookup resolves document types for display names and validation.
type CatalogLookup interface {
	// DocumentType returns domain.ErrNotFound for unknown ids
	DocumentType(ctx context.Context, id string) (*domain.DocumentType, error)
}
