package domain

import "time"

// EntryType is the side of a double-entry ledger line.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is one side of a reward transfer.
// Every settlement writes a matched DEBIT/CREDIT pair.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	EntryType     EntryType `json:"entryType"`
	Account       string    `json:"account"`
	Amount        int64     `json:"amount"`
	TaskID        string    `json:"taskId,omitempty"`
	SettlementRef string    `json:"settlementRef"`
	Description   string    `json:"description,omitempty"`
	Balance       int64     `json:"balance"`
}
