// Package settlement moves task rewards once a result has been verified.
// Every transfer is double-entry: a DEBIT on the requester's escrow and a
// matched CREDIT on the payee's wallet. SUM(debits) == SUM(credits).
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/sqlite"
)

// Account name prefixes.
const (
	escrowPrefix = "escrow:"
	walletPrefix = "wallet:"
)

// EscrowAccount is the account a requester's rewards are paid from.
func EscrowAccount(requester string) string { return escrowPrefix + requester }

// WalletAccount is the account a payee is credited on.
func WalletAccount(payee string) string { return walletPrefix + payee }

// Ledger is the local sqlite-backed settlement collaborator.
type Ledger struct {
	db  *sqlite.DB
	now func() time.Time
}

// NewLedger creates a ledger over db.
func NewLedger(db *sqlite.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Settle records the reward transfer for a completed task and returns its
// settlement reference. Settling the same task twice returns the first
// reference without writing new entries.
func (l *Ledger) Settle(ctx context.Context, req domain.SettlementRequest) (string, error) {
	if req.TaskID == "" {
		return "", fmt.Errorf("%w: settlement needs a task id", domain.ErrValidation)
	}
	if req.Payee == "" || req.Requester == "" {
		return "", fmt.Errorf("%w: settlement needs requester and payee", domain.ErrValidation)
	}
	if req.Amount <= 0 {
		return "", domain.ErrInvalidReward
	}

	ref := uuid.NewString()
	desc := fmt.Sprintf("reward for task %s (swarm %s)", req.TaskID, req.SwarmID)
	err := l.db.Transfer(ctx, EscrowAccount(req.Requester), WalletAccount(req.Payee),
		req.Amount, req.TaskID, ref, desc, l.now())
	if errors.Is(err, sqlite.ErrAlreadySettled) {
		return l.db.SettlementRefFor(ctx, req.TaskID)
	}
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return ref, nil
}

// Balance returns an account's current balance.
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	return l.db.Balance(ctx, account)
}

// History returns recent entries for an account, newest first.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.db.LedgerEntries(ctx, account, limit)
}
