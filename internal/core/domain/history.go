package domain

import "time"

type Outcome string

const (
	OutcomeCompleted Outcome = "Completed"
	OutcomeRejected  Outcome = "Rejected"
)

// OutcomeFor maps a terminal status onto the ledger outcome.
func OutcomeFor(s Status) (Outcome, bool) {
	switch s {
	case StatusReturned, StatusReleased:
		return OutcomeCompleted, true
	case StatusRejected:
		return OutcomeRejected, true
	}
	return "", false
}

// HistoryEntry is an append-only ledger row, one per transaction code.
type HistoryEntry struct {
	ID                     string
	TransactionCode        string
	Kind                   Kind
	DisplayName            string
	RequesterID            *string
	SnapshottedIdentityUID *string
	Outcome                Outcome
	RecordedAt             time.Time
}
