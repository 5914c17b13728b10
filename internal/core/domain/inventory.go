package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResourceItem is a borrowable item type. AvailableQuantity is mutated only
// through the inventory ledger.
type ResourceItem struct {
	ID                string
	Name              string
	TotalQuantity     int
	AvailableQuantity int
	RatePerUnitPeriod decimal.Decimal
	Version           int // bumped on every stock mutation
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Reserved returns how many units are currently held by requests.
func (i ResourceItem) Reserved() int {
	return i.TotalQuantity - i.AvailableQuantity
}

// StockLevel is the result of a ledger mutation.
type StockLevel struct {
	ItemID    string
	Available int
	Total     int
	Version   int
}

// ItemChanges holds the editable catalog fields. Nil fields are left as-is.
type ItemChanges struct {
	Name              *string
	TotalQuantity     *int
	RatePerUnitPeriod *decimal.Decimal
}

// DocumentType is a requestable document template owned by the document
// catalog.
type DocumentType struct {
	ID          string
	Name        string
	IsAvailable bool
	Fields      []DocumentField
}

type DocumentField struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// MissingFields reports the required fields absent from formData.
func (d DocumentType) MissingFields(formData map[string]any) []string {
	var missing []string
	for _, f := range d.Fields {
		if !f.Required {
			continue
		}
		if _, ok := formData[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}
