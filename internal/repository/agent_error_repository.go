package repository

import (
	"context"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/google/uuid"
)

// AgentErrorRepository handles the append-only agent error log.
type AgentErrorRepository struct {
	db *db.DB
}

// NewAgentErrorRepository creates a new agent error repository
func NewAgentErrorRepository(db *db.DB) *AgentErrorRepository {
	return &AgentErrorRepository{db: db}
}

// Create appends an agent error entry.
func (r *AgentErrorRepository) Create(ctx context.Context, entry *models.AgentError) error {
	query := `
		INSERT INTO agent_errors (id, agent_id, task_id, severity, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at
	`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	var details interface{}
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}

	err := r.db.QueryRowContext(ctx, query,
		entry.ID, entry.AgentID, entry.TaskID, entry.Severity, entry.Message, details,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent error: %w", err)
	}
	return nil
}

// ListForAgent returns the most recent error entries for an agent.
func (r *AgentErrorRepository) ListForAgent(ctx context.Context, agentID int, limit int) ([]*models.AgentError, error) {
	query := `
		SELECT id, agent_id, task_id, severity, message, details, created_at
		FROM agent_errors
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent errors: %w", err)
	}
	defer rows.Close()

	var entries []*models.AgentError
	for rows.Next() {
		var entry models.AgentError
		if err := rows.Scan(
			&entry.ID, &entry.AgentID, &entry.TaskID,
			&entry.Severity, &entry.Message, &entry.Details, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent error: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent errors: %w", err)
	}
	return entries, nil
}
