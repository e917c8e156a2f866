package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// LivenessService tracks agent heartbeats and reclaims work from
// agents that went quiet. The sweep runs on a cron schedule and
// re-confirms staleness under a row lock, so an agent whose heartbeat
// lands mid-sweep is left alone.
type LivenessService struct {
	database         *db.DB
	agentRepo        *repository.AgentRepository
	taskRepo         *repository.TaskRepository
	heartbeatTimeout time.Duration
	emitter          *notify.Emitter

	cron *cron.Cron
}

// NewLivenessService creates a new liveness service
func NewLivenessService(
	database *db.DB,
	agentRepo *repository.AgentRepository,
	taskRepo *repository.TaskRepository,
	heartbeatTimeout time.Duration,
	emitter *notify.Emitter,
) *LivenessService {
	return &LivenessService{
		database:         database,
		agentRepo:        agentRepo,
		taskRepo:         taskRepo,
		heartbeatTimeout: heartbeatTimeout,
		emitter:          emitter,
	}
}

// HeartbeatResult carries the authoritative agent state back to the
// agent, so a desynced agent can reconcile.
type HeartbeatResult struct {
	State    string `json:"state"`
	Activity string `json:"activity"`
}

// Heartbeat records that the agent is alive. An offline agent that
// heartbeats again is moved back to active.
func (s *LivenessService) Heartbeat(ctx context.Context, agent *models.Agent, remoteIP, activity string) (*HeartbeatResult, error) {
	if err := s.agentRepo.Touch(ctx, agent.ID, time.Now(), remoteIP); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	state := agent.State
	if state == models.AgentStateOffline {
		if err := s.agentRepo.UpdateState(ctx, nil, agent.ID, models.AgentStateActive); err != nil {
			return nil, err
		}
		state = models.AgentStateActive
		debug.Info("Agent %d returned from offline", agent.ID)
	}

	if activity != "" && activity != agent.CurrentActivity {
		if err := s.agentRepo.UpdateActivity(ctx, agent.ID, activity); err != nil {
			return nil, err
		}
	} else {
		activity = agent.CurrentActivity
	}

	return &HeartbeatResult{State: state, Activity: activity}, nil
}

// Shutdown handles a graceful agent goodbye: the agent goes offline
// immediately and its in-flight tasks return to the unissued pool.
func (s *LivenessService) Shutdown(ctx context.Context, agent *models.Agent) error {
	var reclaimed []*models.Task
	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.agentRepo.UpdateState(ctx, tx, agent.ID, models.AgentStateOffline); err != nil {
			return err
		}
		var err error
		reclaimed, err = s.taskRepo.ReclaimAgentTasks(ctx, tx, agent.ID, "agent shut down")
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to process agent shutdown: %w", err)
	}

	debug.Log("Agent shut down", map[string]interface{}{
		"agent_id":        agent.ID,
		"tasks_reclaimed": len(reclaimed),
	})
	for _, task := range reclaimed {
		s.emitter.Emit(models.TriggerTaskUpdated, uuid.Nil, task.ID.String())
	}
	s.emitter.Emit(models.TriggerAgentUpdated, uuid.Nil, fmt.Sprintf("%d", agent.ID))
	return nil
}

// Start schedules the liveness sweep. The schedule string uses cron
// syntax, including @every shorthand.
func (s *LivenessService) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			debug.Error("Liveness sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule liveness sweep: %w", err)
	}
	s.cron.Start()
	debug.Info("Liveness sweep scheduled: %s", schedule)
	return nil
}

// Stop halts the sweep scheduler, waiting for a running sweep.
func (s *LivenessService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep marks agents whose last heartbeat predates the timeout as
// offline and reclaims their tasks. Stale agents are locked with SKIP
// LOCKED, so concurrent sweeps and heartbeat races resolve safely.
func (s *LivenessService) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.heartbeatTimeout)

	var swept []*models.Agent
	var reclaimed []*models.Task

	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		stale, err := s.agentRepo.GetStaleActiveForUpdate(ctx, tx, cutoff)
		if err != nil {
			return err
		}

		for _, agent := range stale {
			if err := s.agentRepo.UpdateState(ctx, tx, agent.ID, models.AgentStateOffline); err != nil {
				return err
			}
			tasks, err := s.taskRepo.ReclaimAgentTasks(ctx, tx, agent.ID, "agent heartbeat timed out")
			if err != nil {
				return err
			}
			reclaimed = append(reclaimed, tasks...)
			swept = append(swept, agent)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("liveness sweep transaction failed: %w", err)
	}

	if len(swept) > 0 {
		debug.Log("Liveness sweep reclaimed work", map[string]interface{}{
			"agents_offline":  len(swept),
			"tasks_reclaimed": len(reclaimed),
			"cutoff":          cutoff,
		})
		for _, agent := range swept {
			s.emitter.Emit(models.TriggerAgentUpdated, uuid.Nil, fmt.Sprintf("%d", agent.ID))
		}
		for _, task := range reclaimed {
			s.emitter.Emit(models.TriggerTaskUpdated, uuid.Nil, task.ID.String())
		}
	}
	return nil
}
