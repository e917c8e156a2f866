package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
)

// BenchmarkRepository handles database operations for agent benchmarks.
type BenchmarkRepository struct {
	db *db.DB
}

// NewBenchmarkRepository creates a new benchmark repository
func NewBenchmarkRepository(db *db.DB) *BenchmarkRepository {
	return &BenchmarkRepository{db: db}
}

// ReplaceForAgent replaces the agent's benchmark set wholesale. Agents
// re-benchmark periodically; stale records must not linger.
func (r *BenchmarkRepository) ReplaceForAgent(ctx context.Context, agentID int, benchmarks []models.Benchmark) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM benchmarks WHERE agent_id = $1`, agentID); err != nil {
			return fmt.Errorf("failed to delete old benchmarks: %w", err)
		}

		query := `
			INSERT INTO benchmarks (agent_id, hash_type, device, hash_speed, runtime_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
		`
		for _, b := range benchmarks {
			if _, err := tx.ExecContext(ctx, query, agentID, b.HashType, b.Device, b.HashSpeed, b.RuntimeMs); err != nil {
				return fmt.Errorf("failed to insert benchmark: %w", err)
			}
		}
		return nil
	})
}

// AggregateSpeed returns the summed guesses/second across the agent's
// enabled devices for one hash type; a disabled GPU must not inflate
// the estimate and oversize the agent's slices. An empty enabled set
// means the agent never reported an inventory, so every recorded
// device counts. Returns 0 when no benchmark exists; the chunker
// falls back to its configured default.
func (r *BenchmarkRepository) AggregateSpeed(ctx context.Context, agentID int, hashType int) (int64, error) {
	query := `
		SELECT COALESCE(SUM(b.hash_speed), 0)
		FROM benchmarks b
		JOIN agents a ON a.id = b.agent_id
		WHERE b.agent_id = $1 AND b.hash_type = $2
		  AND (jsonb_array_length(a.enabled_devices) = 0
		       OR b.device IN (SELECT jsonb_array_elements_text(a.enabled_devices)))
	`

	var speed int64
	if err := r.db.QueryRowContext(ctx, query, agentID, hashType).Scan(&speed); err != nil {
		return 0, fmt.Errorf("failed to aggregate benchmark speed: %w", err)
	}
	return speed, nil
}

// ListForAgent returns the agent's current benchmark records.
func (r *BenchmarkRepository) ListForAgent(ctx context.Context, agentID int) ([]models.Benchmark, error) {
	query := `
		SELECT id, agent_id, hash_type, device, hash_speed, runtime_ms, created_at
		FROM benchmarks
		WHERE agent_id = $1
		ORDER BY hash_type, device
	`

	rows, err := r.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query benchmarks: %w", err)
	}
	defer rows.Close()

	var benchmarks []models.Benchmark
	for rows.Next() {
		var b models.Benchmark
		if err := rows.Scan(&b.ID, &b.AgentID, &b.HashType, &b.Device, &b.HashSpeed, &b.RuntimeMs, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan benchmark: %w", err)
		}
		benchmarks = append(benchmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating benchmarks: %w", err)
	}
	return benchmarks, nil
}
