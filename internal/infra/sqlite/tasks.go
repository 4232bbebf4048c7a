package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neurolov/swarmd/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskColumns = `id, requester, type, data, reward, status, min_power, preferred_hw, estimated_secs,
	assigned_to, result, proof, submitted_by, settlement_ref, failure_reason, requeued_from,
	created_at, assigned_at, completed_at, failed_at`

// InsertTask creates a new task record.
func (d *DB) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Requester, t.Payload.Type, string(t.Payload.Data), t.Reward, string(t.Status),
		t.Requirements.MinComputePower, t.Requirements.PreferredHardware, t.Requirements.EstimatedSeconds,
		nullStr(t.AssignedTo), nullStr(string(t.Result)), nullStr(t.ComputeProof),
		nullStr(t.SubmittedBy), nullStr(t.SettlementRef), nullStr(t.FailureReason), nullStr(t.RequeuedFrom),
		unixNano(t.CreatedAt), nullableUnix(t.AssignedAt), nullableUnix(t.CompletedAt), nullableUnix(t.FailedAt),
	)
	return err
}

// GetTask retrieves a task by ID. Returns nil, nil when absent.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks with the given status, oldest first.
// An empty status lists every task. limit <= 0 means no limit.
func (d *DB) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, rowid ASC LIMIT ?`, limit)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskIf writes the mutable task fields only if the stored status is
// still from. This is the compare-and-swap behind every state transition.
func (d *DB) UpdateTaskIf(ctx context.Context, t domain.Task, from domain.TaskStatus) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_to = ?, result = ?, proof = ?, submitted_by = ?,
			settlement_ref = ?, failure_reason = ?, assigned_at = ?, completed_at = ?, failed_at = ?
		 WHERE id = ? AND status = ?`,
		string(t.Status), nullStr(t.AssignedTo), nullStr(string(t.Result)), nullStr(t.ComputeProof),
		nullStr(t.SubmittedBy), nullStr(t.SettlementRef), nullStr(t.FailureReason),
		nullableUnix(t.AssignedAt), nullableUnix(t.CompletedAt), nullableUnix(t.FailedAt),
		t.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSettlementRef records the settlement reference of a completed task.
func (d *DB) SetSettlementRef(ctx context.Context, taskID, ref string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET settlement_ref = ? WHERE id = ? AND status = ?`,
		ref, taskID, string(domain.TaskCompleted))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set settlement ref: %w", domain.ErrTaskNotFound)
	}
	return nil
}

// CountTasks returns the number of tasks per status.
func (d *DB) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var data, status string
	var assignedTo, result, proof, submittedBy, settlementRef, failureReason, requeuedFrom sql.NullString
	var createdAt int64
	var assignedAt, completedAt, failedAt sql.NullInt64

	err := s.Scan(&t.ID, &t.Requester, &t.Payload.Type, &data, &t.Reward, &status,
		&t.Requirements.MinComputePower, &t.Requirements.PreferredHardware, &t.Requirements.EstimatedSeconds,
		&assignedTo, &result, &proof, &submittedBy, &settlementRef, &failureReason, &requeuedFrom,
		&createdAt, &assignedAt, &completedAt, &failedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	t.Payload.Data = json.RawMessage(data)
	t.Status = domain.TaskStatus(status)
	t.AssignedTo = assignedTo.String
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.ComputeProof = proof.String
	t.SubmittedBy = submittedBy.String
	t.SettlementRef = settlementRef.String
	t.FailureReason = failureReason.String
	t.RequeuedFrom = requeuedFrom.String
	t.CreatedAt = fromNullUnix(sql.NullInt64{Int64: createdAt, Valid: true})
	t.AssignedAt = fromNullUnix(assignedAt)
	t.CompletedAt = fromNullUnix(completedAt)
	t.FailedAt = fromNullUnix(failedAt)
	return &t, nil
}
