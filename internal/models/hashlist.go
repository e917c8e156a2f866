package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// HashList is a collection of hash items owned by one project. A
// hashlist may be referenced by several campaigns; its items are only
// ever mutated by crack-result application.
type HashList struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ProjectID     uuid.UUID `json:"project_id"`
	HashType      int       `json:"hash_type"`
	TotalHashes   int       `json:"total_hashes"`
	CrackedHashes int       `json:"cracked_hashes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Remaining returns the number of uncracked items.
func (h *HashList) Remaining() int {
	return h.TotalHashes - h.CrackedHashes
}

// HashItem is a single hash within a hashlist. The hash value is
// immutable; plain_text is write-once and is_cracked only ever moves
// false to true.
type HashItem struct {
	ID         uuid.UUID      `json:"id"`
	HashlistID int64          `json:"hashlist_id"`
	HashValue  string         `json:"hash_value"`
	PlainText  sql.NullString `json:"plain_text,omitempty"`
	IsCracked  bool           `json:"is_cracked"`
	CrackedAt  sql.NullTime   `json:"cracked_at,omitempty"`
}
