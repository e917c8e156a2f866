package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/google/uuid"
)

// AgentRepository handles database operations for agents.
type AgentRepository struct {
	db *db.DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db *db.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `
	id, host_name, client_signature, state, token_hash,
	devices, enabled_devices, current_activity,
	last_seen_at, last_ip, created_at, updated_at
`

// Create registers a new agent and fills in its assigned ID.
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	query := `
		INSERT INTO agents (
			host_name, client_signature, state, token_hash,
			devices, enabled_devices, current_activity, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		agent.HostName,
		agent.ClientSignature,
		agent.State,
		agent.TokenHash,
		agent.Devices,
		agent.EnabledDevices,
		agent.CurrentActivity,
	).Scan(&agent.ID, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetByID returns the agent with the given id, or ErrNotFound.
func (r *AgentRepository) GetByID(ctx context.Context, id int) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return r.scanAgent(r.db.QueryRowContext(ctx, query, id))
}

// UpdateTokenHash replaces the stored credential for an agent.
func (r *AgentRepository) UpdateTokenHash(ctx context.Context, id int, tokenHash string) error {
	query := `UPDATE agents SET token_hash = $1, updated_at = now() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, tokenHash, id)
	if err != nil {
		return fmt.Errorf("failed to update token hash: %w", err)
	}
	return requireRowAffected(result, "agent")
}

// Touch updates last_seen_at and the reporting address for a heartbeat.
func (r *AgentRepository) Touch(ctx context.Context, id int, seenAt time.Time, ip string) error {
	query := `UPDATE agents SET last_seen_at = $1, last_ip = $2, updated_at = now() WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, seenAt, ip, id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return requireRowAffected(result, "agent")
}

// UpdateState moves the agent to the given state. Usable inside a
// sweep transaction via q.
func (r *AgentRepository) UpdateState(ctx context.Context, q Querier, id int, state string) error {
	if q == nil {
		q = r.db
	}
	query := `UPDATE agents SET state = $1, updated_at = now() WHERE id = $2`
	result, err := q.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}
	return requireRowAffected(result, "agent")
}

// UpdateActivity stores the agent-reported free-form activity string.
// Advisory only; allocator logic never branches on it.
func (r *AgentRepository) UpdateActivity(ctx context.Context, id int, activity string) error {
	query := `UPDATE agents SET current_activity = $1, updated_at = now() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, activity, id)
	if err != nil {
		return fmt.Errorf("failed to update agent activity: %w", err)
	}
	return nil
}

// UpdateDevices replaces the agent's device inventory and the enabled
// subset.
func (r *AgentRepository) UpdateDevices(ctx context.Context, id int, devices, enabled models.DeviceList) error {
	query := `UPDATE agents SET devices = $1, enabled_devices = $2, updated_at = now() WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, devices, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update agent devices: %w", err)
	}
	return requireRowAffected(result, "agent")
}

// GetStaleActiveForUpdate returns active agents whose last_seen_at is
// older than cutoff, locking their rows for the duration of the sweep
// transaction. Staleness is re-confirmed under the lock so a heartbeat
// racing the sweep cannot lose its agent.
func (r *AgentRepository) GetStaleActiveForUpdate(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]*models.Agent, error) {
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE state = $1
		  AND (last_seen_at IS NULL OR last_seen_at < $2)
		ORDER BY id
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, query, models.AgentStateActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := r.scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale agents: %w", err)
	}
	return agents, nil
}

// ProjectIDs returns the projects the agent is assigned to.
func (r *AgentRepository) ProjectIDs(ctx context.Context, agentID int) ([]uuid.UUID, error) {
	query := `SELECT project_id FROM project_agents WHERE agent_id = $1`

	rows, err := r.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent projects: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent projects: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AgentRepository) scanAgent(row *sql.Row) (*models.Agent, error) {
	agent, err := scanAgentFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return agent, err
}

func (r *AgentRepository) scanAgentRows(rows *sql.Rows) (*models.Agent, error) {
	return scanAgentFrom(rows)
}

func scanAgentFrom(s rowScanner) (*models.Agent, error) {
	var agent models.Agent
	err := s.Scan(
		&agent.ID,
		&agent.HostName,
		&agent.ClientSignature,
		&agent.State,
		&agent.TokenHash,
		&agent.Devices,
		&agent.EnabledDevices,
		&agent.CurrentActivity,
		&agent.LastSeenAt,
		&agent.LastIP,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &agent, nil
}

func requireRowAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
