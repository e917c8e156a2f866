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

// AttackRepository handles database operations for attacks.
type AttackRepository struct {
	db *db.DB
}

// NewAttackRepository creates a new attack repository
func NewAttackRepository(db *db.DB) *AttackRepository {
	return &AttackRepository{db: db}
}

const attackColumns = `
	id, campaign_id, name, mode, config, hash_type,
	keyspace, position, depends_on, state, created_at, updated_at
`

// Create inserts a new attack in pending state.
func (r *AttackRepository) Create(ctx context.Context, attack *models.Attack) error {
	query := `
		INSERT INTO attacks (
			id, campaign_id, name, mode, config, hash_type,
			keyspace, position, depends_on, state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at
	`

	if attack.ID == uuid.Nil {
		attack.ID = uuid.New()
	}
	if attack.State == "" {
		attack.State = models.AttackStatePending
	}

	err := r.db.QueryRowContext(ctx, query,
		attack.ID, attack.CampaignID, attack.Name, attack.Mode, attack.Config,
		attack.HashType, attack.Keyspace, attack.Position, attack.DependsOn, attack.State,
	).Scan(&attack.CreatedAt, &attack.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create attack: %w", err)
	}
	return nil
}

// GetByID returns the attack with the given id, or ErrNotFound.
func (r *AttackRepository) GetByID(ctx context.Context, q Querier, id uuid.UUID) (*models.Attack, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + attackColumns + ` FROM attacks WHERE id = $1`
	return scanAttack(q.QueryRowContext(ctx, query, id))
}

// GetForUpdate loads the attack inside tx and locks its row. This is
// the per-attack mutual exclusion the allocator relies on: no two
// transactions can chunk the same attack concurrently.
func (r *AttackRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*models.Attack, error) {
	query := `SELECT ` + attackColumns + ` FROM attacks WHERE id = $1 FOR UPDATE`
	return scanAttack(tx.QueryRowContext(ctx, query, id))
}

// UpdateState moves the attack to the given state.
func (r *AttackRepository) UpdateState(ctx context.Context, q Querier, id uuid.UUID, state string) error {
	if q == nil {
		q = r.db
	}
	query := `UPDATE attacks SET state = $1, updated_at = now() WHERE id = $2`
	result, err := q.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update attack state: %w", err)
	}
	return requireRowAffected(result, "attack")
}

// SetKeyspace stores the computed keyspace at activation time. It
// refuses to overwrite an existing value; keyspace is immutable once
// set.
func (r *AttackRepository) SetKeyspace(ctx context.Context, q Querier, id uuid.UUID, keyspace int64) error {
	if q == nil {
		q = r.db
	}
	query := `UPDATE attacks SET keyspace = $1, updated_at = now() WHERE id = $2 AND keyspace IS NULL`
	result, err := q.ExecContext(ctx, query, keyspace, id)
	if err != nil {
		return fmt.Errorf("failed to set attack keyspace: %w", err)
	}
	return requireRowAffected(result, "attack")
}

// ListEligible returns attacks an agent may be assigned work from:
// pending or running attacks of active campaigns within the given
// projects, whose prerequisite attack (if any) has finished, in stable
// campaign-priority then attack-position order.
func (r *AttackRepository) ListEligible(ctx context.Context, projectIDs []uuid.UUID) ([]*models.Attack, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + qualifiedAttackColumns("a") + `
		FROM attacks a
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE a.state IN ($1, $2)
		  AND a.keyspace IS NOT NULL
		  AND c.state = $3
		  AND c.project_id = ANY($4)
		  AND (
			a.depends_on IS NULL
			OR EXISTS (
				SELECT 1 FROM attacks p
				WHERE p.id = a.depends_on AND p.state IN ($5, $6)
			)
		  )
		ORDER BY c.priority DESC, c.created_at, a.position, a.created_at
	`

	ids := make([]string, len(projectIDs))
	for i, id := range projectIDs {
		ids[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx, query,
		models.AttackStatePending, models.AttackStateRunning,
		models.CampaignStateActive, pq.Array(ids),
		models.AttackStateCompleted, models.AttackStateExhausted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible attacks: %w", err)
	}
	defer rows.Close()

	var attacks []*models.Attack
	for rows.Next() {
		attack, err := scanAttackRows(rows)
		if err != nil {
			return nil, err
		}
		attacks = append(attacks, attack)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating eligible attacks: %w", err)
	}
	return attacks, nil
}

// ListByCampaign returns a campaign's attacks in position order.
func (r *AttackRepository) ListByCampaign(ctx context.Context, q Querier, campaignID uuid.UUID) ([]*models.Attack, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + attackColumns + ` FROM attacks WHERE campaign_id = $1 ORDER BY position, created_at`

	rows, err := q.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign attacks: %w", err)
	}
	defer rows.Close()

	var attacks []*models.Attack
	for rows.Next() {
		attack, err := scanAttackRows(rows)
		if err != nil {
			return nil, err
		}
		attacks = append(attacks, attack)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign attacks: %w", err)
	}
	return attacks, nil
}

// ListNonTerminalByHashlist returns non-terminal attacks whose
// campaign references the given hashlist, used by the completion
// cascade.
func (r *AttackRepository) ListNonTerminalByHashlist(ctx context.Context, q Querier, hashlistID int64) ([]*models.Attack, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT ` + qualifiedAttackColumns("a") + `
		FROM attacks a
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE c.hashlist_id = $1
		  AND a.state IN ($2, $3)
	`

	rows, err := q.QueryContext(ctx, query, hashlistID, models.AttackStatePending, models.AttackStateRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query attacks by hashlist: %w", err)
	}
	defer rows.Close()

	var attacks []*models.Attack
	for rows.Next() {
		attack, err := scanAttackRows(rows)
		if err != nil {
			return nil, err
		}
		attacks = append(attacks, attack)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attacks by hashlist: %w", err)
	}
	return attacks, nil
}

func qualifiedAttackColumns(alias string) string {
	return alias + `.id, ` + alias + `.campaign_id, ` + alias + `.name, ` + alias + `.mode, ` +
		alias + `.config, ` + alias + `.hash_type, ` + alias + `.keyspace, ` + alias + `.position, ` +
		alias + `.depends_on, ` + alias + `.state, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanAttack(row *sql.Row) (*models.Attack, error) {
	attack, err := scanAttackScanner(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return attack, err
}

func scanAttackRows(rows *sql.Rows) (*models.Attack, error) {
	return scanAttackScanner(rows)
}

func scanAttackScanner(s rowScanner) (*models.Attack, error) {
	var attack models.Attack
	err := s.Scan(
		&attack.ID, &attack.CampaignID, &attack.Name, &attack.Mode,
		&attack.Config, &attack.HashType, &attack.Keyspace, &attack.Position,
		&attack.DependsOn, &attack.State, &attack.CreatedAt, &attack.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan attack: %w", err)
	}
	return &attack, nil
}
