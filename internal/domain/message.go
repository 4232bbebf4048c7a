package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminant of the session envelope.
type MessageType string

const (
	// Member → coordinator
	MsgJoinSwarm    MessageType = "JOIN_SWARM"
	MsgLeaveSwarm   MessageType = "LEAVE_SWARM"
	MsgSubmitResult MessageType = "SUBMIT_RESULT"

	// Coordinator → member
	MsgSwarmJoined   MessageType = "SWARM_JOINED"
	MsgTaskAssigned  MessageType = "TASK_ASSIGNED"
	MsgNewTask       MessageType = "NEW_TASK"
	MsgMemberJoined  MessageType = "MEMBER_JOINED"
	MsgMemberUpdate  MessageType = "MEMBER_UPDATE"
	MsgTaskCompleted MessageType = "TASK_COMPLETED"
	MsgError         MessageType = "ERROR"
)

// Inbound reports whether members may send this type.
func (t MessageType) Inbound() bool {
	switch t {
	case MsgJoinSwarm, MsgLeaveSwarm, MsgSubmitResult:
		return true
	}
	return false
}

// Message is the flat {type, ...payload} session envelope. Only the fields
// belonging to Type are set; Validate enforces that per type.
type Message struct {
	Type     MessageType     `json:"type"`
	SwarmID  string          `json:"swarmId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Power    float64         `json:"power,omitempty"`
	Hardware string          `json:"hardware,omitempty"`
	TaskID   string          `json:"taskId,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Proof    string          `json:"proof,omitempty"`
	Task     *Task           `json:"task,omitempty"`
	Swarm    *Swarm          `json:"swarm,omitempty"`
	Member   *Member         `json:"member,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Validate checks that an inbound message carries its required fields.
func (m Message) Validate() error {
	switch m.Type {
	case MsgJoinSwarm:
		if m.SwarmID == "" {
			return fmt.Errorf("%w: JOIN_SWARM requires swarmId", ErrValidation)
		}
	case MsgLeaveSwarm:
		if m.SwarmID == "" {
			return fmt.Errorf("%w: LEAVE_SWARM requires swarmId", ErrValidation)
		}
	case MsgSubmitResult:
		if m.TaskID == "" || len(m.Result) == 0 {
			return fmt.Errorf("%w: SUBMIT_RESULT requires taskId and result", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported message type %q", ErrValidation, m.Type)
	}
	return nil
}

// DecodeMessage parses a session frame. Unknown types decode without error
// so the caller can log and ignore them.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: malformed message: %v", ErrValidation, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: message type is required", ErrValidation)
	}
	return m, nil
}

// ─── Constructors ───────────────────────────────────────────────────────────

// NewSwarmJoined acknowledges a join to the joining member.
func NewSwarmJoined(s Swarm) Message {
	return Message{Type: MsgSwarmJoined, SwarmID: s.ID, Swarm: &s}
}

// NewTaskAssigned tells a swarm it owns a task.
func NewTaskAssigned(t Task) Message {
	return Message{Type: MsgTaskAssigned, SwarmID: t.AssignedTo, TaskID: t.ID, Task: &t}
}

// NewNewTask announces an available task.
func NewNewTask(t Task) Message {
	return Message{Type: MsgNewTask, TaskID: t.ID, Task: &t}
}

// NewMemberJoined announces a new member to its swarm.
func NewMemberJoined(swarmID string, m Member) Message {
	return Message{Type: MsgMemberJoined, SwarmID: swarmID, Member: &m}
}

// NewMemberUpdate carries the swarm's current roster.
func NewMemberUpdate(s Swarm) Message {
	return Message{Type: MsgMemberUpdate, SwarmID: s.ID, Swarm: &s}
}

// NewTaskCompleted reports a verified result to the swarm.
func NewTaskCompleted(t Task) Message {
	return Message{Type: MsgTaskCompleted, SwarmID: t.AssignedTo, TaskID: t.ID, Task: &t}
}

// NewErrorMessage wraps an error for the session.
func NewErrorMessage(err error) Message {
	return Message{Type: MsgError, Error: err.Error()}
}
