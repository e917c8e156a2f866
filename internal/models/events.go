package models

import (
	"time"

	"github.com/google/uuid"
)

// Trigger kinds emitted by the event notifier. Consumers re-fetch
// authoritative state; the trigger carries no payload beyond identity.
const (
	TriggerAgentUpdated    = "agent_updated"
	TriggerTaskUpdated     = "task_updated"
	TriggerAttackUpdated   = "attack_updated"
	TriggerCampaignUpdated = "campaign_updated"
	TriggerHashCracked     = "hash_cracked"
)

// Trigger is a lightweight project-scoped change notification.
type Trigger struct {
	Kind      string    `json:"kind"`
	ProjectID uuid.UUID `json:"project_id"`
	EntityID  string    `json:"entity_id"`
	EmittedAt time.Time `json:"emitted_at"`
}
