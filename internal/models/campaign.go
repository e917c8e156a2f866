package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Campaign state constants
const (
	CampaignStateDraft     = "draft"
	CampaignStateActive    = "active"
	CampaignStatePaused    = "paused"
	CampaignStateCompleted = "completed"
	CampaignStateError     = "error"
)

// Attack state constants
const (
	AttackStatePending   = "pending"
	AttackStateRunning   = "running"
	AttackStateCompleted = "completed"
	AttackStateExhausted = "exhausted"
	AttackStateError     = "error"
)

// Attack mode constants
const (
	AttackModeDictionary = "dictionary"
	AttackModeMask       = "mask"
	AttackModeBruteforce = "bruteforce"
	AttackModeHybrid     = "hybrid"
)

// Campaign groups an ordered list of attacks against one hashlist.
// Completion is derived from its attacks; a campaign owns no keyspace.
type Campaign struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"project_id"`
	HashlistID int64     `json:"hashlist_id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Attack is one slice-able unit of work within a campaign. Keyspace is
// computed once at activation and immutable afterwards; configuration
// must not change once any task has been issued except through
// reset-and-requeue.
type Attack struct {
	ID         uuid.UUID    `json:"id"`
	CampaignID uuid.UUID    `json:"campaign_id"`
	Name       string       `json:"name"`
	Mode       string       `json:"mode"`
	Config     AttackConfig `json:"config"`
	HashType   int          `json:"hash_type"`
	Keyspace   *int64       `json:"keyspace,omitempty"`
	Position   int          `json:"position"`
	DependsOn  *uuid.UUID   `json:"depends_on,omitempty"`
	State      string       `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AttackConfig is the mode-specific payload of an attack. The Mode
// column on the attack is the discriminant; only the fields relevant
// to that mode are populated.
type AttackConfig struct {
	// dictionary / hybrid
	Wordlist string `json:"wordlist,omitempty"`
	Rules    string `json:"rules,omitempty"`

	// mask / bruteforce / hybrid
	Mask           string   `json:"mask,omitempty"`
	CustomCharsets []string `json:"custom_charsets,omitempty"`

	// bruteforce increment bounds
	IncrementMin int `json:"increment_min,omitempty"`
	IncrementMax int `json:"increment_max,omitempty"`

	Optimized bool `json:"optimized,omitempty"`
}

// Value returns the JSON encoding of the config for database storage
func (c AttackConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan decodes a JSONB column into the config
func (c *AttackConfig) Scan(value interface{}) error {
	if value == nil {
		*c = AttackConfig{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported type for attack config: %T", value)
	}
}

// IsValidAttackMode reports whether m is a known attack mode.
func IsValidAttackMode(m string) bool {
	switch m {
	case AttackModeDictionary, AttackModeMask, AttackModeBruteforce, AttackModeHybrid:
		return true
	}
	return false
}

// IsTerminalAttackState reports whether the attack can receive no
// further tasks.
func IsTerminalAttackState(s string) bool {
	switch s {
	case AttackStateCompleted, AttackStateExhausted, AttackStateError:
		return true
	}
	return false
}
