package services

import (
	"context"
	"time"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/repository"

	"github.com/google/uuid"
)

// ProgressService derives progress and ETA estimates from finished
// task coverage and the latest status reports. Estimates are advisory;
// allocation never consults them.
type ProgressService struct {
	attackRepo   *repository.AttackRepository
	campaignRepo *repository.CampaignRepository
	taskRepo     *repository.TaskRepository
	hashlistRepo *repository.HashListRepository
	reportRepo   *repository.StatusReportRepository
}

// NewProgressService creates a new progress service
func NewProgressService(
	attackRepo *repository.AttackRepository,
	campaignRepo *repository.CampaignRepository,
	taskRepo *repository.TaskRepository,
	hashlistRepo *repository.HashListRepository,
	reportRepo *repository.StatusReportRepository,
) *ProgressService {
	return &ProgressService{
		attackRepo:   attackRepo,
		campaignRepo: campaignRepo,
		taskRepo:     taskRepo,
		hashlistRepo: hashlistRepo,
		reportRepo:   reportRepo,
	}
}

// AttackProgress is a point-in-time view of one attack.
type AttackProgress struct {
	AttackID        uuid.UUID  `json:"attack_id"`
	State           string     `json:"state"`
	Keyspace        *int64     `json:"keyspace,omitempty"`
	CoveredKeyspace int64      `json:"covered_keyspace"`
	CoveredFraction float64    `json:"covered_fraction"`
	ActiveTasks     int        `json:"active_tasks"`
	AggregateSpeed  int64      `json:"aggregate_speed"`
	EstimatedEnd    *time.Time `json:"estimated_end,omitempty"`
}

// CampaignProgress rolls its attacks up.
type CampaignProgress struct {
	CampaignID      uuid.UUID        `json:"campaign_id"`
	State           string           `json:"state"`
	TotalHashes     int              `json:"total_hashes"`
	CrackedHashes   int              `json:"cracked_hashes"`
	CoveredFraction float64          `json:"covered_fraction"`
	Attacks         []AttackProgress `json:"attacks"`
}

// AttackProgress computes the attack's coverage and, when work is
// flowing, an ETA from the latest per-task speeds.
func (s *ProgressService) AttackProgress(ctx context.Context, attackID uuid.UUID) (*AttackProgress, error) {
	attack, err := s.attackRepo.GetByID(ctx, nil, attackID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.attackProgress(ctx, attack)
}

func (s *ProgressService) attackProgress(ctx context.Context, attack *models.Attack) (*AttackProgress, error) {
	progress := &AttackProgress{
		AttackID: attack.ID,
		State:    attack.State,
		Keyspace: attack.Keyspace,
	}

	covered, err := s.taskRepo.CoveredLength(ctx, nil, attack.ID)
	if err != nil {
		return nil, err
	}
	progress.CoveredKeyspace = covered
	if attack.Keyspace != nil && *attack.Keyspace > 0 {
		progress.CoveredFraction = float64(covered) / float64(*attack.Keyspace)
	}

	active, err := s.taskRepo.CountByAttackAndStates(ctx, attack.ID,
		models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning)
	if err != nil {
		return nil, err
	}
	progress.ActiveTasks = active

	reports, err := s.reportRepo.LatestPerTask(ctx, attack.ID)
	if err != nil {
		return nil, err
	}
	var speed int64
	for _, report := range reports {
		speed += report.AggregateSpeed()
	}
	progress.AggregateSpeed = speed

	if speed > 0 && attack.Keyspace != nil && covered < *attack.Keyspace {
		remaining := *attack.Keyspace - covered
		eta := time.Now().Add(time.Duration(remaining/speed) * time.Second)
		progress.EstimatedEnd = &eta
	}
	return progress, nil
}

// CampaignProgress aggregates all attacks of a campaign plus the
// hashlist crack counters.
func (s *ProgressService) CampaignProgress(ctx context.Context, campaignID uuid.UUID) (*CampaignProgress, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, nil, campaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	hashlist, err := s.hashlistRepo.GetByID(ctx, nil, campaign.HashlistID)
	if err != nil {
		return nil, err
	}

	attacks, err := s.attackRepo.ListByCampaign(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}

	result := &CampaignProgress{
		CampaignID:    campaign.ID,
		State:         campaign.State,
		TotalHashes:   hashlist.TotalHashes,
		CrackedHashes: hashlist.CrackedHashes,
	}

	var totalKeyspace, totalCovered int64
	for _, attack := range attacks {
		ap, err := s.attackProgress(ctx, attack)
		if err != nil {
			return nil, err
		}
		result.Attacks = append(result.Attacks, *ap)
		if attack.Keyspace != nil {
			totalKeyspace += *attack.Keyspace
			totalCovered += ap.CoveredKeyspace
		}
	}
	if totalKeyspace > 0 {
		result.CoveredFraction = float64(totalCovered) / float64(totalKeyspace)
	}
	return result, nil
}
