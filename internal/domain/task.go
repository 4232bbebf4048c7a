// Package domain holds the coordinator's entities, messages and error kinds.
// A Task is a unit of work that flows through the swarm network:
// create → assign → execute → verify → settle.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskAvailable TaskStatus = "available"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// CanTransition reports whether a task may move from s to next.
// Transitions only go forward: available → assigned → completed|failed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskAvailable:
		return next == TaskAssigned
	case TaskAssigned:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskAvailable, TaskAssigned, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Computation types understood by the default requirements and proof policies.
const (
	ComputeInference  = "inference"
	ComputeTraining   = "training"
	ComputeFineTuning = "fine-tuning"
	ComputeMatrix     = "matrixMultiplication"
)

// Hardware classes.
const (
	HardwareGPU = "GPU"
	HardwareCPU = "CPU"
)

// Requirements describe the capability a swarm needs to take a task.
type Requirements struct {
	MinComputePower   float64 `json:"minComputePower"`
	PreferredHardware string  `json:"preferredHardware,omitempty"`
	EstimatedSeconds  int64   `json:"estimatedTime,omitempty"`
}

// EstimatedDuration returns the estimate as a duration.
func (r Requirements) EstimatedDuration() time.Duration {
	return time.Duration(r.EstimatedSeconds) * time.Second
}

// Payload is the opaque computation descriptor submitted by a requester.
// Requirements, when set, is a hint the requirements policy may honor.
type Payload struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	Requirements *Requirements   `json:"requirements,omitempty"`
}

// Size returns the payload data size in bytes.
func (p Payload) Size() int { return len(p.Data) }

// Task is a unit of distributed work.
type Task struct {
	ID            string          `json:"id"`
	Requester     string          `json:"requester,omitempty"`
	Payload       Payload         `json:"payload"`
	Reward        int64           `json:"reward"`
	Status        TaskStatus      `json:"status"`
	Requirements  Requirements    `json:"requirements"`
	AssignedTo    string          `json:"assignedTo,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ComputeProof  string          `json:"computeProof,omitempty"`
	SubmittedBy   string          `json:"submittedBy,omitempty"`
	SettlementRef string          `json:"settlementRef,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	RequeuedFrom  string          `json:"requeuedFrom,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	AssignedAt    time.Time       `json:"assignedAt,omitzero"`
	CompletedAt   time.Time       `json:"completedAt,omitzero"`
	FailedAt      time.Time       `json:"failedAt,omitzero"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Duration returns how long the task took from assignment to completion.
func (t *Task) Duration() time.Duration {
	if t.AssignedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.AssignedAt)
}

// SettlementRequest asks the settlement collaborator to move a task reward.
type SettlementRequest struct {
	TaskID    string `json:"taskId"`
	Requester string `json:"requester"`
	Payee     string `json:"payee"`
	SwarmID   string `json:"swarmId"`
	Amount    int64  `json:"amount"`
}
