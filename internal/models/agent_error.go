package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent error severity constants
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)

// AgentError is an append-only log entry reported by an agent,
// optionally tied to a task.
type AgentError struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   *int            `json:"agent_id,omitempty"`
	TaskID    *uuid.UUID      `json:"task_id,omitempty"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsValidSeverity reports whether s is a known severity.
func IsValidSeverity(s string) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityMinor, SeverityMajor, SeverityCritical, SeverityFatal:
		return true
	}
	return false
}

// IsDisablingSeverity reports whether an error of this severity should
// move the reporting agent into the error state.
func IsDisablingSeverity(s string) bool {
	switch s {
	case SeverityMajor, SeverityCritical, SeverityFatal:
		return true
	}
	return false
}
