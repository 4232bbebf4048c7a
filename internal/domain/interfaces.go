package domain

import (
	"context"
	"encoding/json"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore persists tasks. GetTask returns nil, nil when absent.
type TaskStore interface {
	InsertTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error)

	// UpdateTaskIf writes t only if the stored status still equals from.
	// It reports whether the row was updated.
	UpdateTaskIf(ctx context.Context, t Task, from TaskStatus) (bool, error)
	SetSettlementRef(ctx context.Context, taskID, ref string) error
}

// SwarmStore persists swarms and their rosters. GetSwarm returns nil, nil
// when absent.
type SwarmStore interface {
	InsertSwarm(ctx context.Context, s Swarm) error
	GetSwarm(ctx context.Context, id string) (*Swarm, error)
	ListSwarms(ctx context.Context, status SwarmStatus) ([]Swarm, error)
	SwarmOf(ctx context.Context, identity string) (string, error)

	// AddMember and RemoveMember recompute total power in the same transaction.
	AddMember(ctx context.Context, swarmID string, m Member) (*Swarm, error)
	RemoveMember(ctx context.Context, swarmID, identity string) (*Swarm, error)
	SetSwarmStatus(ctx context.Context, id string, status SwarmStatus) error
}

// Settler records a reward transfer and returns a settlement reference.
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (string, error)
}

// Verifier checks a submitted result against the original payload.
type Verifier interface {
	Verify(result json.RawMessage, proof string, payload Payload) bool
}

// Liveness reports whether an identity has a live session.
type Liveness interface {
	IsLive(identity string) bool
}

// Notifier delivers lifecycle events to connected members. Implementations
// must not block the caller.
type Notifier interface {
	NotifyMemberJoined(swarmID string, m Member)
	NotifyMemberUpdate(s Swarm)
	NotifyTaskAssignment(t Task)
	NotifyNewTask(t Task)
	NotifyTaskCompleted(t Task)
}
