package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TaskRepository handles database operations for tasks.
type TaskRepository struct {
	db *db.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *db.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `
	id, attack_id, agent_id, state, keyspace_offset, keyspace_length,
	benchmark_speed, error_message, created_at, updated_at, completed_at
`

// Create inserts a new task row. Called inside the allocator's
// transaction while the attack row is locked.
func (r *TaskRepository) Create(ctx context.Context, q Querier, task *models.Task) error {
	if q == nil {
		q = r.db
	}
	query := `
		INSERT INTO tasks (
			id, attack_id, agent_id, state, keyspace_offset, keyspace_length,
			benchmark_speed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at
	`

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.State == "" {
		task.State = models.TaskStatePending
	}

	err := q.QueryRowContext(ctx, query,
		task.ID, task.AttackID, task.AgentID, task.State,
		task.KeyspaceOffset, task.KeyspaceLength, task.BenchmarkSpeed,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetByID returns the task with the given id, or ErrNotFound.
func (r *TaskRepository) GetByID(ctx context.Context, q Querier, id uuid.UUID) (*models.Task, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(q.QueryRowContext(ctx, query, id))
}

// GetOwned returns the task only when it belongs to the given agent.
// A task owned by another agent is reported as ErrNotFound, so the
// ownership boundary never leaks existence of other agents' work.
func (r *TaskRepository) GetOwned(ctx context.Context, q Querier, id uuid.UUID, agentID int) (*models.Task, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND agent_id = $2`
	return scanTask(q.QueryRowContext(ctx, query, id, agentID))
}

// GetOwnedForUpdate is GetOwned with a row lock, for state transitions.
func (r *TaskRepository) GetOwnedForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID, agentID int) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND agent_id = $2 FOR UPDATE`
	return scanTask(tx.QueryRowContext(ctx, query, id, agentID))
}

// IssuedIntervals returns the [offset, offset+length) intervals the
// chunker must not hand out again: every task except those in error
// state. Error tasks were reclaimed or failed before finishing, so
// their slice goes back to the unissued pool.
func (r *TaskRepository) IssuedIntervals(ctx context.Context, q Querier, attackID uuid.UUID) ([]models.Interval, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT keyspace_offset, keyspace_offset + keyspace_length
		FROM tasks
		WHERE attack_id = $1 AND state != $2
		ORDER BY keyspace_offset
	`

	rows, err := q.QueryContext(ctx, query, attackID, models.TaskStateError)
	if err != nil {
		return nil, fmt.Errorf("failed to query issued intervals: %w", err)
	}
	defer rows.Close()

	var intervals []models.Interval
	for rows.Next() {
		var iv models.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("failed to scan interval: %w", err)
		}
		intervals = append(intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issued intervals: %w", err)
	}
	return intervals, nil
}

// CoveredLength returns how much of the attack's keyspace has been
// finished (completed or exhausted tasks). Issued intervals are
// pairwise disjoint, so the sum equals the union.
func (r *TaskRepository) CoveredLength(ctx context.Context, q Querier, attackID uuid.UUID) (int64, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT COALESCE(SUM(keyspace_length), 0)
		FROM tasks
		WHERE attack_id = $1 AND state IN ($2, $3)
	`

	var covered int64
	err := q.QueryRowContext(ctx, query, attackID, models.TaskStateCompleted, models.TaskStateExhausted).Scan(&covered)
	if err != nil {
		return 0, fmt.Errorf("failed to sum covered keyspace: %w", err)
	}
	return covered, nil
}

// UpdateState moves the task to the given state, stamping
// completed_at for terminal states.
func (r *TaskRepository) UpdateState(ctx context.Context, q Querier, id uuid.UUID, state string) error {
	if q == nil {
		q = r.db
	}
	var query string
	if models.IsTerminalTaskState(state) {
		query = `UPDATE tasks SET state = $1, updated_at = now(), completed_at = now() WHERE id = $2`
	} else {
		query = `UPDATE tasks SET state = $1, updated_at = now() WHERE id = $2`
	}
	result, err := q.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	return requireRowAffected(result, "task")
}

// HasActiveTask reports whether the agent currently owns a
// non-terminal task.
func (r *TaskRepository) HasActiveTask(ctx context.Context, agentID int) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE agent_id = $1 AND state IN ($2, $3, $4)
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, agentID,
		models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active task: %w", err)
	}
	return exists, nil
}

// OwnsTaskForAttack reports whether the agent has any task (terminal
// or not) referencing the attack. Gate for attack config downloads.
func (r *TaskRepository) OwnsTaskForAttack(ctx context.Context, agentID int, attackID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM tasks WHERE agent_id = $1 AND attack_id = $2)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, agentID, attackID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task ownership: %w", err)
	}
	return exists, nil
}

// ReclaimAgentTasks forcibly terminates the agent's non-terminal
// tasks, returning their intervals to the unissued pool. Returns the
// reclaimed tasks so callers can emit triggers per task.
func (r *TaskRepository) ReclaimAgentTasks(ctx context.Context, q Querier, agentID int, reason string) ([]*models.Task, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE tasks
		SET state = $1, error_message = $2, updated_at = now(), completed_at = now()
		WHERE agent_id = $3 AND state IN ($4, $5, $6)
		RETURNING ` + taskColumns + `
	`

	rows, err := q.QueryContext(ctx, query,
		models.TaskStateError, reason, agentID,
		models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim agent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTaskScanner(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reclaimed tasks: %w", err)
	}
	return tasks, nil
}

// TerminateNonTerminalByHashlist finishes every non-terminal task
// whose attack references the hashlist, part of the completion
// cascade when the last hash cracks.
func (r *TaskRepository) TerminateNonTerminalByHashlist(ctx context.Context, q Querier, hashlistID int64, exceptTaskID uuid.UUID) ([]*models.Task, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE tasks t
		SET state = $1, updated_at = now(), completed_at = now()
		FROM attacks a, campaigns c
		WHERE t.attack_id = a.id
		  AND a.campaign_id = c.id
		  AND c.hashlist_id = $2
		  AND t.id != $3
		  AND t.state IN ($4, $5, $6)
		RETURNING t.id, t.attack_id, t.agent_id, t.state, t.keyspace_offset, t.keyspace_length,
		          t.benchmark_speed, t.error_message, t.created_at, t.updated_at, t.completed_at
	`

	rows, err := q.QueryContext(ctx, query,
		models.TaskStateCompleted, hashlistID, exceptTaskID,
		models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to terminate tasks for hashlist: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTaskScanner(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating terminated tasks: %w", err)
	}
	return tasks, nil
}

// ListNonTerminalByAttack returns the attack's in-flight tasks.
func (r *TaskRepository) ListNonTerminalByAttack(ctx context.Context, q Querier, attackID uuid.UUID) ([]*models.Task, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE attack_id = $1 AND state IN ($2, $3, $4)
		ORDER BY created_at
	`

	rows, err := q.QueryContext(ctx, query, attackID,
		models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query attack tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTaskScanner(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attack tasks: %w", err)
	}
	return tasks, nil
}

// CountByAttackAndStates returns how many of the attack's tasks are in
// the given states.
func (r *TaskRepository) CountByAttackAndStates(ctx context.Context, attackID uuid.UUID, states ...string) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE attack_id = $1 AND state = ANY($2)`

	var count int
	if err := r.db.QueryRowContext(ctx, query, attackID, pq.Array(states)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

func scanTask(row *sql.Row) (*models.Task, error) {
	task, err := scanTaskScanner(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

func scanTaskScanner(s rowScanner) (*models.Task, error) {
	var task models.Task
	err := s.Scan(
		&task.ID, &task.AttackID, &task.AgentID, &task.State,
		&task.KeyspaceOffset, &task.KeyspaceLength,
		&task.BenchmarkSpeed, &task.ErrorMessage,
		&task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &task, nil
}
