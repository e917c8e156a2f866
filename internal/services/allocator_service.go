package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/authz"
	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/pkg/debug"
	"github.com/google/uuid"
)

// AllocatorService hands out keyspace slices to agents. Allocation is
// serialized per attack by locking the attack row, so two agents asking
// at the same moment can never receive overlapping intervals.
type AllocatorService struct {
	database     *db.DB
	attackRepo   *repository.AttackRepository
	campaignRepo *repository.CampaignRepository
	taskRepo     *repository.TaskRepository
	hashlistRepo *repository.HashListRepository
	chunker      *ChunkingService
	authorizer   authz.ProjectAuthorizer
	emitter      *notify.Emitter
}

// NewAllocatorService creates a new allocator service
func NewAllocatorService(
	database *db.DB,
	attackRepo *repository.AttackRepository,
	campaignRepo *repository.CampaignRepository,
	taskRepo *repository.TaskRepository,
	hashlistRepo *repository.HashListRepository,
	chunker *ChunkingService,
	authorizer authz.ProjectAuthorizer,
	emitter *notify.Emitter,
) *AllocatorService {
	return &AllocatorService{
		database:     database,
		attackRepo:   attackRepo,
		campaignRepo: campaignRepo,
		taskRepo:     taskRepo,
		hashlistRepo: hashlistRepo,
		chunker:      chunker,
		authorizer:   authorizer,
		emitter:      emitter,
	}
}

// TaskAssignment is everything an agent needs to start working on a
// slice: the task itself plus the attack and hashlist it references.
type TaskAssignment struct {
	Task     *models.Task        `json:"task"`
	Attack   *models.Attack      `json:"attack"`
	Hashlist *AssignmentHashlist `json:"hashlist"`
}

// AssignmentHashlist is the hashlist summary embedded in an assignment.
type AssignmentHashlist struct {
	ID            int64 `json:"id"`
	TotalHashes   int   `json:"total_hashes"`
	CrackedHashes int   `json:"cracked_hashes"`
}

// RequestTask finds the highest-priority eligible attack with unissued
// keyspace in the agent's projects, carves the next chunk, and creates
// a pending task bound to the agent. Returns ErrNoWork when nothing is
// eligible, or ErrConflict when the agent already holds a non-terminal
// task.
func (s *AllocatorService) RequestTask(ctx context.Context, agent *models.Agent) (*TaskAssignment, error) {
	busy, err := s.taskRepo.HasActiveTask(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check agent workload: %w", err)
	}
	if busy {
		debug.Log("Agent requested work while holding an active task", map[string]interface{}{
			"agent_id": agent.ID,
		})
		return nil, ErrConflict
	}

	projectIDs, err := s.authorizer.ProjectsForAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent projects: %w", err)
	}
	if len(projectIDs) == 0 {
		return nil, ErrNoWork
	}

	candidates, err := s.attackRepo.ListEligible(ctx, projectIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible attacks: %w", err)
	}

	for _, candidate := range candidates {
		assignment, err := s.tryAllocate(ctx, agent, candidate.ID)
		if err == ErrNoWork {
			// Fully issued or no longer eligible, try the next attack
			continue
		}
		if err != nil {
			return nil, err
		}

		campaign, err := s.campaignRepo.GetByID(ctx, nil, assignment.Attack.CampaignID)
		if err == nil {
			s.emitter.Emit(models.TriggerTaskUpdated, campaign.ProjectID, assignment.Task.ID.String())
			if assignment.Attack.State == models.AttackStateRunning {
				s.emitter.Emit(models.TriggerAttackUpdated, campaign.ProjectID, assignment.Attack.ID.String())
			}
		}
		return assignment, nil
	}

	return nil, ErrNoWork
}

// tryAllocate attempts to carve a chunk from one attack inside a
// transaction holding the attack's row lock. Eligibility is re-checked
// under the lock: the snapshot from ListEligible may be stale by the
// time the lock is acquired.
func (s *AllocatorService) tryAllocate(ctx context.Context, agent *models.Agent, attackID uuid.UUID) (*TaskAssignment, error) {
	var assignment *TaskAssignment

	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		attack, err := s.attackRepo.GetForUpdate(ctx, tx, attackID)
		if err != nil {
			if err == repository.ErrNotFound {
				return ErrNoWork
			}
			return err
		}

		if attack.State != models.AttackStatePending && attack.State != models.AttackStateRunning {
			return ErrNoWork
		}
		if attack.Keyspace == nil {
			return ErrNoWork
		}

		campaign, err := s.campaignRepo.GetByID(ctx, tx, attack.CampaignID)
		if err != nil {
			return err
		}
		if campaign.State != models.CampaignStateActive {
			return ErrNoWork
		}

		issued, err := s.taskRepo.IssuedIntervals(ctx, tx, attack.ID)
		if err != nil {
			return err
		}

		chunk, err := s.chunker.NextChunk(ctx, attack, agent.ID, issued)
		if err != nil {
			return err
		}

		task := &models.Task{
			AttackID:       attack.ID,
			AgentID:        agent.ID,
			State:          models.TaskStatePending,
			KeyspaceOffset: chunk.Interval.Start,
			KeyspaceLength: chunk.Interval.Length(),
			BenchmarkSpeed: sql.NullInt64{Int64: chunk.BenchmarkSpeed, Valid: true},
		}
		if err := s.taskRepo.Create(ctx, tx, task); err != nil {
			return err
		}

		if attack.State == models.AttackStatePending {
			if err := s.attackRepo.UpdateState(ctx, tx, attack.ID, models.AttackStateRunning); err != nil {
				return err
			}
			attack.State = models.AttackStateRunning
		}

		hashlist, err := s.hashlistRepo.GetByID(ctx, tx, campaign.HashlistID)
		if err != nil {
			return err
		}

		assignment = &TaskAssignment{
			Task:   task,
			Attack: attack,
			Hashlist: &AssignmentHashlist{
				ID:            hashlist.ID,
				TotalHashes:   hashlist.TotalHashes,
				CrackedHashes: hashlist.CrackedHashes,
			},
		}

		debug.Log("Allocated task", map[string]interface{}{
			"task_id":   task.ID,
			"attack_id": attack.ID,
			"agent_id":  agent.ID,
			"offset":    task.KeyspaceOffset,
			"length":    task.KeyspaceLength,
			"is_last":   chunk.IsLastChunk,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}
