package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/neurolov/swarmd/internal/domain"
)

// ─── Settlement Ledger ──────────────────────────────────────────────────────

// ErrAlreadySettled is returned when a task already has ledger entries.
var ErrAlreadySettled = errors.New("task already settled")

// Transfer writes a matched DEBIT(from)/CREDIT(to) pair in one transaction.
// Balances are carried forward from each account's latest entry.
func (d *DB) Transfer(ctx context.Context, from, to string, amount int64, taskID, ref, desc string, at time.Time) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		fromBal, err := balance(ctx, tx, from)
		if err != nil {
			return err
		}
		toBal, err := balance(ctx, tx, to)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, domain.LedgerEntry{
			Timestamp: at, EntryType: domain.EntryDebit, Account: from, Amount: amount,
			TaskID: taskID, SettlementRef: ref, Description: desc, Balance: fromBal - amount,
		}); err != nil {
			return err
		}
		return insertEntry(ctx, tx, domain.LedgerEntry{
			Timestamp: at, EntryType: domain.EntryCredit, Account: to, Amount: amount,
			TaskID: taskID, SettlementRef: ref, Description: desc, Balance: toBal + amount,
		})
	})
}

// Balance returns the current balance for an account.
func (d *DB) Balance(ctx context.Context, account string) (int64, error) {
	return balance(ctx, d.db, account)
}

// SettlementRefFor returns the settlement reference recorded for a task.
func (d *DB) SettlementRefFor(ctx context.Context, taskID string) (string, error) {
	var ref string
	err := d.db.QueryRowContext(ctx,
		`SELECT settlement_ref FROM settlement_ledger WHERE task_id = ? LIMIT 1`, taskID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return ref, err
}

// LedgerEntries returns recent ledger entries for an account, newest first.
func (d *DB) LedgerEntries(ctx context.Context, account string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, timestamp, entry_type, account, amount, task_id, settlement_ref, description, balance
		 FROM settlement_ledger WHERE account = ? ORDER BY id DESC LIMIT ?`,
		account, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var ts int64
		var entryType string
		var taskID, desc sql.NullString
		if err := rows.Scan(&e.ID, &ts, &entryType, &e.Account, &e.Amount,
			&taskID, &e.SettlementRef, &desc, &e.Balance); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		e.EntryType = domain.EntryType(entryType)
		e.TaskID = taskID.String
		e.Description = desc.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func balance(ctx context.Context, q querier, account string) (int64, error) {
	var bal sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM settlement_ledger WHERE account = ? ORDER BY id DESC LIMIT 1`, account,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bal.Int64, nil
}

func insertEntry(ctx context.Context, q querier, e domain.LedgerEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO settlement_ledger (timestamp, entry_type, account, amount, task_id, settlement_ref, description, balance)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		unixNano(e.Timestamp), string(e.EntryType), e.Account, e.Amount,
		nullStr(e.TaskID), e.SettlementRef, nullStr(e.Description), e.Balance,
	)
	if isUniqueViolation(err) {
		return ErrAlreadySettled
	}
	return err
}
