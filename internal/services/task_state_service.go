package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/google/uuid"
)

// TaskStateService drives the task lifecycle: accept, status
// reporting, crack submission, exhaustion, and the attack/campaign
// completion checks that hang off terminal transitions.
type TaskStateService struct {
	database     *db.DB
	taskRepo     *repository.TaskRepository
	attackRepo   *repository.AttackRepository
	campaignRepo *repository.CampaignRepository
	hashlistRepo *repository.HashListRepository
	reportRepo   *repository.StatusReportRepository
	crackService *CrackService
	emitter      *notify.Emitter
}

// NewTaskStateService creates a new task state service
func NewTaskStateService(
	database *db.DB,
	taskRepo *repository.TaskRepository,
	attackRepo *repository.AttackRepository,
	campaignRepo *repository.CampaignRepository,
	hashlistRepo *repository.HashListRepository,
	reportRepo *repository.StatusReportRepository,
	crackService *CrackService,
	emitter *notify.Emitter,
) *TaskStateService {
	return &TaskStateService{
		database:     database,
		taskRepo:     taskRepo,
		attackRepo:   attackRepo,
		campaignRepo: campaignRepo,
		hashlistRepo: hashlistRepo,
		reportRepo:   reportRepo,
		crackService: crackService,
		emitter:      emitter,
	}
}

// GetOwned returns the task when it belongs to the agent, translating
// repository not-found (including wrong owner) into ErrNotFound.
func (s *TaskStateService) GetOwned(ctx context.Context, taskID uuid.UUID, agentID int) (*models.Task, error) {
	task, err := s.taskRepo.GetOwned(ctx, nil, taskID, agentID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// Accept confirms the agent has started the task: pending -> accepted.
// Accepting an already accepted or running task is a no-op; terminal
// states reject with ErrConflict.
func (s *TaskStateService) Accept(ctx context.Context, taskID uuid.UUID, agentID int) (*models.Task, error) {
	var task *models.Task
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.taskRepo.GetOwnedForUpdate(ctx, tx, taskID, agentID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNotFound
			}
			return err
		}

		switch task.State {
		case models.TaskStatePending:
			if err := s.taskRepo.UpdateState(ctx, tx, task.ID, models.TaskStateAccepted); err != nil {
				return err
			}
			task.State = models.TaskStateAccepted
			return nil
		case models.TaskStateAccepted, models.TaskStateRunning:
			// Retried accept, nothing to do
			return nil
		default:
			return ErrConflict
		}
	})
	if err != nil {
		return nil, err
	}

	s.emitTaskTrigger(ctx, task)
	return task, nil
}

// StatusInput is one progress observation from an agent.
type StatusInput struct {
	Progress     int64
	GuessPreview *string
	Devices      models.DeviceStatusList
}

// SubmitStatus appends a status report and moves an accepted task to
// running. Reports against terminal tasks return ErrStandDown when the
// task finished under the agent (cascade or reclaim), so the agent
// abandons the slice instead of retrying.
func (s *TaskStateService) SubmitStatus(ctx context.Context, taskID uuid.UUID, agentID int, input StatusInput) (*models.Task, error) {
	if len(input.Devices) == 0 {
		return nil, NewValidationError("status report must include at least one device")
	}
	if input.Progress < 0 {
		return nil, NewValidationError("progress must be non-negative")
	}

	var task *models.Task
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.taskRepo.GetOwnedForUpdate(ctx, tx, taskID, agentID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNotFound
			}
			return err
		}

		switch task.State {
		case models.TaskStateAccepted:
			if err := s.taskRepo.UpdateState(ctx, tx, task.ID, models.TaskStateRunning); err != nil {
				return err
			}
			task.State = models.TaskStateRunning
		case models.TaskStateRunning:
			// steady state
		case models.TaskStatePending:
			return NewValidationError("task has not been accepted")
		case models.TaskStateError:
			// Reclaimed; the agent no longer owns this slice
			return ErrNotFound
		default:
			return ErrStandDown
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report := &models.StatusReport{
		TaskID:       task.ID,
		Progress:     input.Progress,
		GuessPreview: input.GuessPreview,
		Devices:      input.Devices,
	}
	if err := s.reportRepo.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to append status report: %w", err)
	}

	s.emitTaskTrigger(ctx, task)
	return task, nil
}

// CrackSubmission is one recovered plaintext from an agent.
type CrackSubmission struct {
	HashValue string
	PlainText string
}

// CrackResult tells the agent whether to keep working the slice.
type CrackResult struct {
	Task      *models.Task
	Remaining int
	// StandDown is true when the submission emptied the hashlist; the
	// task has been completed and the agent should drop the slice.
	StandDown bool
}

// SubmitCrack records a recovered plaintext against the task's
// hashlist. Hashes outside the hashlist return ErrNotFound. When the
// final hash cracks, the submitting task completes too and the agent
// is told to stand down.
func (s *TaskStateService) SubmitCrack(ctx context.Context, taskID uuid.UUID, agentID int, sub CrackSubmission) (*CrackResult, error) {
	if sub.HashValue == "" || sub.PlainText == "" {
		return nil, NewValidationError("crack submission requires hash value and plaintext")
	}

	var task *models.Task
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.taskRepo.GetOwnedForUpdate(ctx, tx, taskID, agentID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNotFound
			}
			return err
		}

		switch task.State {
		case models.TaskStateAccepted, models.TaskStateRunning:
			return nil
		case models.TaskStateError:
			// Reclaimed; the agent no longer owns this slice
			return ErrNotFound
		case models.TaskStateCompleted, models.TaskStateExhausted:
			return ErrStandDown
		default:
			return NewValidationError("task has not been accepted")
		}
	})
	if err != nil {
		return nil, err
	}

	_, campaign, err := s.attackContext(ctx, task.AttackID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.crackService.RecordCrack(ctx, campaign.HashlistID, task.ID, sub.HashValue, sub.PlainText)
	if err != nil {
		return nil, err
	}

	result := &CrackResult{Task: task, Remaining: outcome.Remaining}

	if outcome.ListCompleted {
		// The cascade finished everyone else; close out the submitter,
		// re-checked under the row lock so a reclaim that raced the
		// crack is not overwritten.
		err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
			current, err := s.taskRepo.GetOwnedForUpdate(ctx, tx, taskID, agentID)
			if err != nil {
				if err == repository.ErrNotFound {
					return ErrNotFound
				}
				return err
			}

			switch current.State {
			case models.TaskStateAccepted, models.TaskStateRunning:
				if err := s.taskRepo.UpdateState(ctx, tx, current.ID, models.TaskStateCompleted); err != nil {
					return err
				}
				task.State = models.TaskStateCompleted
				return nil
			case models.TaskStateError:
				// Reclaimed while the crack was being recorded
				return ErrNotFound
			default:
				task.State = current.State
				return nil
			}
		})
		if err != nil {
			return nil, err
		}
		result.StandDown = true

		if err := s.closeAttackForCampaign(ctx, task.AttackID, campaign); err != nil {
			return nil, err
		}
		s.emitter.Emit(models.TriggerCampaignUpdated, campaign.ProjectID, campaign.ID.String())
	}

	s.emitTaskTrigger(ctx, task)
	return result, nil
}

// Exhaust marks a running task's slice fully searched with no further
// cracks: running -> exhausted, the only legal entry. If this was the
// attack's last outstanding keyspace the attack finishes, and possibly
// its campaign.
func (s *TaskStateService) Exhaust(ctx context.Context, taskID uuid.UUID, agentID int) (*models.Task, error) {
	var task *models.Task
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.taskRepo.GetOwnedForUpdate(ctx, tx, taskID, agentID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNotFound
			}
			return err
		}

		switch task.State {
		case models.TaskStateRunning:
			if err := s.taskRepo.UpdateState(ctx, tx, task.ID, models.TaskStateExhausted); err != nil {
				return err
			}
			task.State = models.TaskStateExhausted
			return nil
		case models.TaskStateExhausted, models.TaskStateCompleted:
			// Completion cascade may have beaten the agent's report
			return nil
		default:
			// An accepted task never reported starting; it cannot
			// have finished its slice.
			return ErrConflict
		}
	})
	if err != nil {
		return nil, err
	}

	if err := s.checkAttackExhausted(ctx, task.AttackID); err != nil {
		return nil, err
	}

	s.emitTaskTrigger(ctx, task)
	return task, nil
}

// Fail moves the task to error state, returning its interval to the
// unissued pool.
func (s *TaskStateService) Fail(ctx context.Context, taskID uuid.UUID, agentID int, reason string) (*models.Task, error) {
	var task *models.Task
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.taskRepo.GetOwnedForUpdate(ctx, tx, taskID, agentID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNotFound
			}
			return err
		}
		if task.IsTerminal() {
			return ErrConflict
		}

		if err := s.taskRepo.UpdateState(ctx, tx, task.ID, models.TaskStateError); err != nil {
			return err
		}
		task.State = models.TaskStateError
		task.ErrorMessage = sql.NullString{String: reason, Valid: reason != ""}

		query := `UPDATE tasks SET error_message = $1 WHERE id = $2`
		if _, err := tx.ExecContext(ctx, query, task.ErrorMessage, task.ID); err != nil {
			return fmt.Errorf("failed to record task error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitTaskTrigger(ctx, task)
	return task, nil
}

// Zaps returns the already-cracked hash values for the task's
// hashlist, so a working agent can drop them from its attack.
func (s *TaskStateService) Zaps(ctx context.Context, taskID uuid.UUID, agentID int) ([]string, error) {
	task, err := s.GetOwned(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrConflict
	}

	_, campaign, err := s.attackContext(ctx, task.AttackID)
	if err != nil {
		return nil, err
	}
	return s.hashlistRepo.ListValues(ctx, campaign.HashlistID, true)
}

// AttackForAgent returns the attack configuration, gated on the agent
// owning (or having owned) a task for it.
func (s *TaskStateService) AttackForAgent(ctx context.Context, attackID uuid.UUID, agentID int) (*models.Attack, error) {
	owns, err := s.taskRepo.OwnsTaskForAttack(ctx, agentID, attackID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, ErrNotFound
	}

	attack, err := s.attackRepo.GetByID(ctx, nil, attackID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return attack, nil
}

// HashlistForAgent returns the uncracked hash values behind an
// attack, gated on the agent owning a task for it.
func (s *TaskStateService) HashlistForAgent(ctx context.Context, attackID uuid.UUID, agentID int) ([]string, error) {
	owns, err := s.taskRepo.OwnsTaskForAttack(ctx, agentID, attackID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, ErrNotFound
	}

	_, campaign, err := s.attackContext(ctx, attackID)
	if err != nil {
		return nil, err
	}
	return s.hashlistRepo.ListValues(ctx, campaign.HashlistID, false)
}

// checkAttackExhausted closes the attack when its keyspace is fully
// covered by finished tasks, then checks campaign completion.
func (s *TaskStateService) checkAttackExhausted(ctx context.Context, attackID uuid.UUID) error {
	return s.database.WithTx(ctx, func(tx *sql.Tx) error {
		attack, err := s.attackRepo.GetForUpdate(ctx, tx, attackID)
		if err != nil {
			return err
		}
		if attack.Keyspace == nil || models.IsTerminalAttackState(attack.State) {
			return nil
		}

		covered, err := s.taskRepo.CoveredLength(ctx, tx, attack.ID)
		if err != nil {
			return err
		}
		if covered < *attack.Keyspace {
			return nil
		}

		if err := s.attackRepo.UpdateState(ctx, tx, attack.ID, models.AttackStateExhausted); err != nil {
			return err
		}

		campaign, err := s.campaignRepo.GetByID(ctx, tx, attack.CampaignID)
		if err != nil {
			return err
		}

		remaining, err := s.campaignRepo.CountNonTerminalAttacks(ctx, tx, campaign.ID)
		if err != nil {
			return err
		}
		if remaining == 0 && campaign.State == models.CampaignStateActive {
			if err := s.campaignRepo.UpdateState(ctx, tx, campaign.ID, models.CampaignStateCompleted); err != nil {
				return err
			}
			s.emitter.Emit(models.TriggerCampaignUpdated, campaign.ProjectID, campaign.ID.String())
		}

		s.emitter.Emit(models.TriggerAttackUpdated, campaign.ProjectID, attack.ID.String())
		debug.Log("Attack keyspace exhausted", map[string]interface{}{
			"attack_id":   attack.ID,
			"campaign_id": campaign.ID,
			"keyspace":    *attack.Keyspace,
		})
		return nil
	})
}

// closeAttackForCampaign marks the submitting task's attack completed
// after a hashlist-emptying crack, outside the cascade transaction.
func (s *TaskStateService) closeAttackForCampaign(ctx context.Context, attackID uuid.UUID, campaign *models.Campaign) error {
	attack, err := s.attackRepo.GetByID(ctx, nil, attackID)
	if err != nil {
		return err
	}
	if models.IsTerminalAttackState(attack.State) {
		return nil
	}
	if err := s.attackRepo.UpdateState(ctx, nil, attack.ID, models.AttackStateCompleted); err != nil {
		return err
	}
	if campaign.State == models.CampaignStateActive {
		if err := s.campaignRepo.UpdateState(ctx, nil, campaign.ID, models.CampaignStateCompleted); err != nil {
			return err
		}
	}
	return nil
}

// attackContext resolves a task's attack and owning campaign.
func (s *TaskStateService) attackContext(ctx context.Context, attackID uuid.UUID) (*models.Attack, *models.Campaign, error) {
	attack, err := s.attackRepo.GetByID(ctx, nil, attackID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	campaign, err := s.campaignRepo.GetByID(ctx, nil, attack.CampaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return attack, campaign, nil
}

func (s *TaskStateService) emitTaskTrigger(ctx context.Context, task *models.Task) {
	_, campaign, err := s.attackContext(ctx, task.AttackID)
	if err != nil {
		debug.Warning("Could not resolve project for task trigger: %v", err)
		return
	}
	s.emitter.Emit(models.TriggerTaskUpdated, campaign.ProjectID, task.ID.String())
}
