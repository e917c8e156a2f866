package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Agent state constants
const (
	AgentStatePending = "pending"
	AgentStateActive  = "active"
	AgentStateStopped = "stopped"
	AgentStateError   = "error"
	AgentStateOffline = "offline"
)

// Agent represents a registered cracking agent.
type Agent struct {
	ID              int            `json:"id"`
	HostName        string         `json:"host_name"`
	ClientSignature string         `json:"client_signature"`
	State           string         `json:"state"`
	TokenHash       string         `json:"-"`
	Devices         DeviceList     `json:"devices"`
	EnabledDevices  DeviceList     `json:"enabled_devices"`
	CurrentActivity string         `json:"current_activity"`
	LastSeenAt      sql.NullTime   `json:"last_seen_at"`
	LastIP          sql.NullString `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// DeviceList is an ordered list of descriptive compute-device names,
// stored as JSONB.
type DeviceList []string

// Value returns the JSON encoding of the device list for database storage
func (d DeviceList) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	return json.Marshal(d)
}

// Scan decodes a JSONB column into the device list
func (d *DeviceList) Scan(value interface{}) error {
	if value == nil {
		*d = DeviceList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported type for device list: %T", value)
	}
}

// IsValidAgentState reports whether s is a known agent state.
func IsValidAgentState(s string) bool {
	switch s {
	case AgentStatePending, AgentStateActive, AgentStateStopped, AgentStateError, AgentStateOffline:
		return true
	}
	return false
}

// Benchmark records measured guesses/second for one agent, hash type
// and device. Replaced wholesale on each benchmark submission.
type Benchmark struct {
	ID        int64     `json:"id"`
	AgentID   int       `json:"agent_id"`
	HashType  int       `json:"hash_type"`
	Device    string    `json:"device"`
	HashSpeed int64     `json:"hash_speed"`
	RuntimeMs int64     `json:"runtime_ms"`
	CreatedAt time.Time `json:"created_at"`
}
