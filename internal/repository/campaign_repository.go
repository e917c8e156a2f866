package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/google/uuid"
)

// CampaignRepository handles database operations for campaigns.
type CampaignRepository struct {
	db *db.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *db.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `
	id, project_id, hashlist_id, name, state, priority, created_at, updated_at
`

// Create inserts a new campaign in draft state.
func (r *CampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	query := `
		INSERT INTO campaigns (id, project_id, hashlist_id, name, state, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING created_at, updated_at
	`

	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	if campaign.State == "" {
		campaign.State = models.CampaignStateDraft
	}

	err := r.db.QueryRowContext(ctx, query,
		campaign.ID, campaign.ProjectID, campaign.HashlistID,
		campaign.Name, campaign.State, campaign.Priority,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns the campaign with the given id, or ErrNotFound.
func (r *CampaignRepository) GetByID(ctx context.Context, q Querier, id uuid.UUID) (*models.Campaign, error) {
	if q == nil {
		q = r.db
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	var c models.Campaign
	err := q.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.ProjectID, &c.HashlistID, &c.Name,
		&c.State, &c.Priority, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &c, nil
}

// UpdateState moves the campaign to the given state.
func (r *CampaignRepository) UpdateState(ctx context.Context, q Querier, id uuid.UUID, state string) error {
	if q == nil {
		q = r.db
	}
	query := `UPDATE campaigns SET state = $1, updated_at = now() WHERE id = $2`
	result, err := q.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign state: %w", err)
	}
	return requireRowAffected(result, "campaign")
}

// CountNonTerminalAttacks returns the number of attacks still able to
// produce work for the campaign.
func (r *CampaignRepository) CountNonTerminalAttacks(ctx context.Context, q Querier, campaignID uuid.UUID) (int, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT COUNT(*)
		FROM attacks
		WHERE campaign_id = $1 AND state IN ($2, $3)
	`

	var count int
	err := q.QueryRowContext(ctx, query, campaignID, models.AttackStatePending, models.AttackStateRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal attacks: %w", err)
	}
	return count, nil
}
