package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/internal/resources"
	"github.com/hashfleet/hashfleet/internal/utils"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/google/uuid"
)

// CampaignService plans campaigns: creation, activation with keyspace
// computation, pause/resume, and attack reset-and-requeue.
type CampaignService struct {
	database     *db.DB
	campaignRepo *repository.CampaignRepository
	attackRepo   *repository.AttackRepository
	taskRepo     *repository.TaskRepository
	hashlistRepo *repository.HashListRepository
	store        resources.Store
	emitter      *notify.Emitter
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	database *db.DB,
	campaignRepo *repository.CampaignRepository,
	attackRepo *repository.AttackRepository,
	taskRepo *repository.TaskRepository,
	hashlistRepo *repository.HashListRepository,
	store resources.Store,
	emitter *notify.Emitter,
) *CampaignService {
	return &CampaignService{
		database:     database,
		campaignRepo: campaignRepo,
		attackRepo:   attackRepo,
		taskRepo:     taskRepo,
		hashlistRepo: hashlistRepo,
		store:        store,
		emitter:      emitter,
	}
}

// CreateCampaign creates a draft campaign after confirming the
// hashlist exists.
func (s *CampaignService) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	if campaign.Name == "" {
		return NewValidationError("campaign name is required")
	}
	if _, err := s.hashlistRepo.GetByID(ctx, nil, campaign.HashlistID); err != nil {
		if err == repository.ErrNotFound {
			return NewValidationError("hashlist %d does not exist", campaign.HashlistID)
		}
		return err
	}
	return s.campaignRepo.Create(ctx, campaign)
}

// AddAttack appends an attack to a draft campaign. Configuration is
// validated up front; the keyspace is computed later, at activation.
func (s *CampaignService) AddAttack(ctx context.Context, attack *models.Attack) error {
	if !models.IsValidAttackMode(attack.Mode) {
		return NewValidationError("unknown attack mode %q", attack.Mode)
	}
	if err := validateAttackConfig(attack.Mode, attack.Config); err != nil {
		return err
	}

	campaign, err := s.campaignRepo.GetByID(ctx, nil, attack.CampaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	if campaign.State != models.CampaignStateDraft {
		return ErrConflict
	}

	return s.attackRepo.Create(ctx, attack)
}

// Activate moves a draft or paused campaign to active. On first
// activation every attack's keyspace is computed and fixed.
func (s *CampaignService) Activate(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.campaignRepo.GetByID(ctx, nil, campaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return ErrNotFound
		}
		return err
	}

	switch campaign.State {
	case models.CampaignStateDraft, models.CampaignStatePaused:
	case models.CampaignStateActive:
		return nil
	default:
		return ErrConflict
	}

	attacks, err := s.attackRepo.ListByCampaign(ctx, nil, campaignID)
	if err != nil {
		return err
	}
	if len(attacks) == 0 {
		return NewValidationError("campaign has no attacks")
	}

	for _, attack := range attacks {
		if attack.Keyspace != nil {
			continue
		}
		keyspace, err := s.computeKeyspace(ctx, attack)
		if err != nil {
			return fmt.Errorf("failed to compute keyspace for attack %s: %w", attack.ID, err)
		}
		if err := s.attackRepo.SetKeyspace(ctx, nil, attack.ID, keyspace); err != nil {
			return err
		}
		debug.Log("Computed attack keyspace", map[string]interface{}{
			"attack_id": attack.ID,
			"mode":      attack.Mode,
			"keyspace":  keyspace,
		})
	}

	if err := s.campaignRepo.UpdateState(ctx, nil, campaignID, models.CampaignStateActive); err != nil {
		return err
	}
	s.emitter.Emit(models.TriggerCampaignUpdated, campaign.ProjectID, campaign.ID.String())
	return nil
}

// Pause stops allocation for the campaign. Running tasks finish
// normally; only new assignments are withheld.
func (s *CampaignService) Pause(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.campaignRepo.GetByID(ctx, nil, campaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	if campaign.State != models.CampaignStateActive {
		return ErrConflict
	}
	if err := s.campaignRepo.UpdateState(ctx, nil, campaignID, models.CampaignStatePaused); err != nil {
		return err
	}
	s.emitter.Emit(models.TriggerCampaignUpdated, campaign.ProjectID, campaign.ID.String())
	return nil
}

// ResetAttack discards an attack's non-terminal tasks and returns it
// to pending, the only sanctioned way to rework an attack that has
// already issued tasks. Terminal tasks keep their coverage; the error
// tasks' slices go back to the pool.
func (s *CampaignService) ResetAttack(ctx context.Context, attackID uuid.UUID) error {
	var campaign *models.Campaign
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		attack, err := s.attackRepo.GetForUpdate(ctx, tx, attackID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNotFound
			}
			return err
		}
		if attack.State == models.AttackStateCompleted {
			return ErrConflict
		}

		campaign, err = s.campaignRepo.GetByID(ctx, tx, attack.CampaignID)
		if err != nil {
			return err
		}

		tasks, err := s.taskRepo.ListNonTerminalByAttack(ctx, tx, attack.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := s.taskRepo.UpdateState(ctx, tx, task.ID, models.TaskStateError); err != nil {
				return err
			}
		}

		if err := s.attackRepo.UpdateState(ctx, tx, attack.ID, models.AttackStatePending); err != nil {
			return err
		}

		debug.Log("Attack reset and requeued", map[string]interface{}{
			"attack_id":       attack.ID,
			"tasks_discarded": len(tasks),
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.emitter.Emit(models.TriggerAttackUpdated, campaign.ProjectID, attackID.String())
	return nil
}

// computeKeyspace derives the attack's candidate count from its mode
// and configuration.
func (s *CampaignService) computeKeyspace(ctx context.Context, attack *models.Attack) (int64, error) {
	cfg := attack.Config

	switch attack.Mode {
	case models.AttackModeDictionary:
		words, err := s.store.LineCount(ctx, resources.KindWordlist, cfg.Wordlist)
		if err != nil {
			return 0, err
		}
		if cfg.Rules == "" {
			return words, nil
		}
		rules, err := s.store.LineCount(ctx, resources.KindRules, cfg.Rules)
		if err != nil {
			return 0, err
		}
		return words * rules, nil

	case models.AttackModeMask:
		return utils.MaskKeyspace(cfg.Mask, cfg.CustomCharsets)

	case models.AttackModeBruteforce:
		if cfg.IncrementMin > 0 || cfg.IncrementMax > 0 {
			return utils.IncrementKeyspace(cfg.Mask, cfg.IncrementMin, cfg.IncrementMax, cfg.CustomCharsets)
		}
		return utils.MaskKeyspace(cfg.Mask, cfg.CustomCharsets)

	case models.AttackModeHybrid:
		words, err := s.store.LineCount(ctx, resources.KindWordlist, cfg.Wordlist)
		if err != nil {
			return 0, err
		}
		mask, err := utils.MaskKeyspace(cfg.Mask, cfg.CustomCharsets)
		if err != nil {
			return 0, err
		}
		return words * mask, nil
	}
	return 0, fmt.Errorf("unknown attack mode %q", attack.Mode)
}

func validateAttackConfig(mode string, cfg models.AttackConfig) error {
	switch mode {
	case models.AttackModeDictionary:
		if cfg.Wordlist == "" {
			return NewValidationError("dictionary attack requires a wordlist")
		}
	case models.AttackModeMask, models.AttackModeBruteforce:
		if cfg.Mask == "" {
			return NewValidationError("%s attack requires a mask", mode)
		}
		if _, err := utils.ParseMask(cfg.Mask); err != nil {
			return NewValidationError("invalid mask: %v", err)
		}
	case models.AttackModeHybrid:
		if cfg.Wordlist == "" || cfg.Mask == "" {
			return NewValidationError("hybrid attack requires a wordlist and a mask")
		}
		if _, err := utils.ParseMask(cfg.Mask); err != nil {
			return NewValidationError("invalid mask: %v", err)
		}
	}
	if mode == models.AttackModeBruteforce && cfg.IncrementMax > 0 && cfg.IncrementMin > cfg.IncrementMax {
		return NewValidationError("increment minimum exceeds maximum")
	}
	return nil
}
