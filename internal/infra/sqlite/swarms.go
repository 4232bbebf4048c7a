package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neurolov/swarmd/internal/domain"
)

// ─── Swarm Repository ───────────────────────────────────────────────────────

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertSwarm creates a swarm together with its initial roster.
func (d *DB) InsertSwarm(ctx context.Context, s domain.Swarm) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO swarms (id, leader, status, total_power, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, s.Leader, string(s.Status), s.SumPower(), unixNano(s.CreatedAt), nullableUnix(s.UpdatedAt),
		)
		if err != nil {
			return err
		}
		for _, m := range s.Members {
			if err := insertMember(ctx, tx, s.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSwarm retrieves a swarm with its roster. Returns nil, nil when absent.
func (d *DB) GetSwarm(ctx context.Context, id string) (*domain.Swarm, error) {
	return getSwarm(ctx, d.db, id)
}

// ListSwarms returns swarms with the given status ordered by creation.
// An empty status lists every swarm.
func (d *DB) ListSwarms(ctx context.Context, status domain.SwarmStatus) ([]domain.Swarm, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT id FROM swarms ORDER BY created_at ASC, rowid ASC`)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT id FROM swarms WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(status))
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	swarms := make([]domain.Swarm, 0, len(ids))
	for _, id := range ids {
		s, err := getSwarm(ctx, d.db, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			swarms = append(swarms, *s)
		}
	}
	return swarms, nil
}

// SwarmOf returns the swarm an identity belongs to, or "" if none.
func (d *DB) SwarmOf(ctx context.Context, identity string) (string, error) {
	var id string
	err := d.db.QueryRowContext(ctx,
		`SELECT swarm_id FROM swarm_members WHERE identity = ?`, identity).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// AddMember appends a member and recomputes total power atomically.
func (d *DB) AddMember(ctx context.Context, swarmID string, m domain.Member) (*domain.Swarm, error) {
	var out *domain.Swarm
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		status, err := swarmStatus(ctx, tx, swarmID)
		if err != nil {
			return err
		}
		if status == domain.SwarmDisbanded {
			return domain.ErrSwarmDisbanded
		}
		if err := insertMember(ctx, tx, swarmID, m); err != nil {
			return err
		}
		if err := recomputePower(ctx, tx, swarmID, ""); err != nil {
			return err
		}
		out, err = getSwarm(ctx, tx, swarmID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveMember drops a member and recomputes total power atomically.
// A swarm left without members is disbanded in the same transaction.
func (d *DB) RemoveMember(ctx context.Context, swarmID, identity string) (*domain.Swarm, error) {
	var out *domain.Swarm
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := swarmStatus(ctx, tx, swarmID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM swarm_members WHERE swarm_id = ? AND identity = ?`, swarmID, identity)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrMemberNotFound
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM swarm_members WHERE swarm_id = ?`, swarmID).Scan(&remaining); err != nil {
			return err
		}
		var status domain.SwarmStatus
		if remaining == 0 {
			status = domain.SwarmDisbanded
		}
		if err := recomputePower(ctx, tx, swarmID, status); err != nil {
			return err
		}
		out, err = getSwarm(ctx, tx, swarmID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSwarmStatus updates a swarm's status. Disbanded swarms stay disbanded.
func (d *DB) SetSwarmStatus(ctx context.Context, id string, status domain.SwarmStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE swarms SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(status), time.Now().UnixNano(), id, string(domain.SwarmDisbanded))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := swarmStatus(ctx, d.db, id); err != nil {
			return err
		}
		return domain.ErrSwarmDisbanded
	}
	return nil
}

// ─── Swarm Helpers ──────────────────────────────────────────────────────────

func insertMember(ctx context.Context, q querier, swarmID string, m domain.Member) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO swarm_members (swarm_id, identity, power, hardware, joined_at) VALUES (?, ?, ?, ?, ?)`,
		swarmID, m.Identity, m.Power, m.Hardware, unixNano(m.JoinedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyMember
	}
	return err
}

// recomputePower sets total_power to the roster sum. A non-empty status is
// written in the same statement.
func recomputePower(ctx context.Context, q querier, swarmID string, status domain.SwarmStatus) error {
	now := time.Now().UnixNano()
	var err error
	if status == "" {
		_, err = q.ExecContext(ctx,
			`UPDATE swarms SET total_power = (SELECT COALESCE(SUM(power), 0) FROM swarm_members WHERE swarm_id = ?),
				updated_at = ? WHERE id = ?`, swarmID, now, swarmID)
	} else {
		_, err = q.ExecContext(ctx,
			`UPDATE swarms SET total_power = (SELECT COALESCE(SUM(power), 0) FROM swarm_members WHERE swarm_id = ?),
				status = ?, updated_at = ? WHERE id = ?`, swarmID, string(status), now, swarmID)
	}
	return err
}

func swarmStatus(ctx context.Context, q querier, id string) (domain.SwarmStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM swarms WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrSwarmNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load swarm status: %w", err)
	}
	return domain.SwarmStatus(status), nil
}

func getSwarm(ctx context.Context, q querier, id string) (*domain.Swarm, error) {
	var s domain.Swarm
	var status string
	var createdAt int64
	var updatedAt sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, leader, status, total_power, created_at, updated_at FROM swarms WHERE id = ?`, id,
	).Scan(&s.ID, &s.Leader, &status, &s.TotalPower, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = domain.SwarmStatus(status)
	s.CreatedAt = time.Unix(0, createdAt)
	s.UpdatedAt = fromNullUnix(updatedAt)

	rows, err := q.QueryContext(ctx,
		`SELECT identity, power, hardware, joined_at FROM swarm_members
		 WHERE swarm_id = ? ORDER BY joined_at ASC, rowid ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s.Members = []domain.Member{}
	for rows.Next() {
		var m domain.Member
		var joinedAt int64
		if err := rows.Scan(&m.Identity, &m.Power, &m.Hardware, &joinedAt); err != nil {
			return nil, err
		}
		m.JoinedAt = time.Unix(0, joinedAt)
		s.Members = append(s.Members, m)
	}
	return &s, rows.Err()
}
