package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Task state constants
const (
	TaskStatePending   = "pending"
	TaskStateAccepted  = "accepted"
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateExhausted = "exhausted"
	TaskStateError     = "error"
)

// Task is one slice of an attack's keyspace, bound to exactly one
// agent for its lifetime.
type Task struct {
	ID             uuid.UUID      `json:"id"`
	AttackID       uuid.UUID      `json:"attack_id"`
	AgentID        int            `json:"agent_id"`
	State          string         `json:"state"`
	KeyspaceOffset int64          `json:"keyspace_offset"`
	KeyspaceLength int64          `json:"keyspace_length"`
	BenchmarkSpeed sql.NullInt64  `json:"-"`
	ErrorMessage   sql.NullString `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    sql.NullTime   `json:"completed_at,omitempty"`
}

// Interval returns the half-open keyspace interval assigned to the task.
func (t *Task) Interval() Interval {
	return Interval{Start: t.KeyspaceOffset, End: t.KeyspaceOffset + t.KeyspaceLength}
}

// IsTerminal reports whether the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return IsTerminalTaskState(t.State)
}

// IsTerminalTaskState reports whether s is a terminal task state.
func IsTerminalTaskState(s string) bool {
	switch s {
	case TaskStateCompleted, TaskStateExhausted, TaskStateError:
		return true
	}
	return false
}

// Interval is a half-open [Start, End) range of an attack's keyspace.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length returns the number of candidates covered by the interval.
func (iv Interval) Length() int64 {
	return iv.End - iv.Start
}

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start < other.End && other.Start < iv.End
}
