package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// agentTokenPrefix marks bearer tokens minted for agents. The token
// embeds the agent id so authentication is a single indexed lookup
// plus one bcrypt comparison.
const agentTokenPrefix = "hfa"

// AgentService covers the agent lifecycle outside of task work:
// registration, credentials, device inventory, benchmarks, and error
// reports.
type AgentService struct {
	database      *db.DB
	agentRepo     *repository.AgentRepository
	benchmarkRepo *repository.BenchmarkRepository
	errorRepo     *repository.AgentErrorRepository
	taskRepo      *repository.TaskRepository
	emitter       *notify.Emitter
}

// NewAgentService creates a new agent service
func NewAgentService(
	database *db.DB,
	agentRepo *repository.AgentRepository,
	benchmarkRepo *repository.BenchmarkRepository,
	errorRepo *repository.AgentErrorRepository,
	taskRepo *repository.TaskRepository,
	emitter *notify.Emitter,
) *AgentService {
	return &AgentService{
		database:      database,
		agentRepo:     agentRepo,
		benchmarkRepo: benchmarkRepo,
		errorRepo:     errorRepo,
		taskRepo:      taskRepo,
		emitter:       emitter,
	}
}

// Registration is the result of registering an agent: the one-time
// plaintext token is returned here and never stored.
type Registration struct {
	Agent *models.Agent `json:"agent"`
	Token string        `json:"token"`
}

// Register creates an agent and mints its bearer token.
func (s *AgentService) Register(ctx context.Context, hostName, clientSignature string) (*Registration, error) {
	if hostName == "" {
		return nil, NewValidationError("host name is required")
	}

	agent := &models.Agent{
		HostName:        hostName,
		ClientSignature: clientSignature,
		State:           models.AgentStatePending,
		Devices:         models.DeviceList{},
		EnabledDevices:  models.DeviceList{},
	}
	if err := s.agentRepo.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	secret, err := randomSecret(32)
	if err != nil {
		return nil, err
	}
	token := fmt.Sprintf("%s_%d_%s", agentTokenPrefix, agent.ID, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash agent token: %w", err)
	}
	if err := s.agentRepo.UpdateTokenHash(ctx, agent.ID, string(hash)); err != nil {
		return nil, err
	}
	agent.TokenHash = string(hash)

	debug.Info("Registered agent %d (%s)", agent.ID, hostName)
	s.emitter.Emit(models.TriggerAgentUpdated, uuid.Nil, strconv.Itoa(agent.ID))

	return &Registration{Agent: agent, Token: token}, nil
}

// Authenticate resolves a bearer token to its agent. Malformed tokens,
// unknown agents, and hash mismatches all collapse into
// ErrInvalidCredentials.
func (s *AgentService) Authenticate(ctx context.Context, token string) (*models.Agent, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != agentTokenPrefix {
		return nil, ErrInvalidCredentials
	}
	agentID, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	agent, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if agent.TokenHash == "" {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(agent.TokenHash), []byte(parts[2])); err != nil {
		return nil, ErrInvalidCredentials
	}
	return agent, nil
}

// UpdateDevices replaces the agent's device inventory. Enabled devices
// must be a subset of the inventory.
func (s *AgentService) UpdateDevices(ctx context.Context, agent *models.Agent, devices, enabled models.DeviceList) error {
	known := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		known[d] = struct{}{}
	}
	for _, d := range enabled {
		if _, ok := known[d]; !ok {
			return NewValidationError("enabled device %q not in device inventory", d)
		}
	}
	if enabled == nil {
		enabled = devices
	}

	if err := s.agentRepo.UpdateDevices(ctx, agent.ID, devices, enabled); err != nil {
		return err
	}
	s.emitter.Emit(models.TriggerAgentUpdated, uuid.Nil, strconv.Itoa(agent.ID))
	return nil
}

// BenchmarkInput is one measured hash rate for a hash type on a device.
type BenchmarkInput struct {
	HashType  int    `json:"hash_type"`
	Device    string `json:"device"`
	HashSpeed int64  `json:"hash_speed"`
	RuntimeMs int64  `json:"runtime_ms"`
}

// SubmitBenchmarks replaces the agent's stored benchmarks. A pending
// agent that submits benchmarks becomes active.
func (s *AgentService) SubmitBenchmarks(ctx context.Context, agent *models.Agent, inputs []BenchmarkInput) error {
	if len(inputs) == 0 {
		return NewValidationError("benchmark submission must include at least one entry")
	}

	benchmarks := make([]models.Benchmark, 0, len(inputs))
	for _, in := range inputs {
		if in.HashSpeed <= 0 {
			return NewValidationError("benchmark hash speed must be positive")
		}
		if in.HashType < 0 {
			return NewValidationError("benchmark hash type must be non-negative")
		}
		benchmarks = append(benchmarks, models.Benchmark{
			AgentID:   agent.ID,
			HashType:  in.HashType,
			Device:    in.Device,
			HashSpeed: in.HashSpeed,
			RuntimeMs: in.RuntimeMs,
		})
	}

	if err := s.benchmarkRepo.ReplaceForAgent(ctx, agent.ID, benchmarks); err != nil {
		return err
	}

	if agent.State == models.AgentStatePending {
		if err := s.agentRepo.UpdateState(ctx, nil, agent.ID, models.AgentStateActive); err != nil {
			return err
		}
		debug.Info("Agent %d activated after first benchmark submission", agent.ID)
	}

	s.emitter.Emit(models.TriggerAgentUpdated, uuid.Nil, strconv.Itoa(agent.ID))
	return nil
}

// ErrorReport is an agent-submitted error log entry.
type ErrorReport struct {
	Severity string          `json:"severity"`
	Message  string          `json:"message"`
	TaskID   *uuid.UUID      `json:"task_id,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// ReportError appends an error log entry. Major or worse severity
// moves the agent into the error state and fails the referenced task,
// returning its slice to the unissued pool.
func (s *AgentService) ReportError(ctx context.Context, agent *models.Agent, report ErrorReport) error {
	if report.Message == "" {
		return NewValidationError("error report message is required")
	}
	if report.Severity == "" {
		report.Severity = models.SeverityWarning
	}
	if !models.IsValidSeverity(report.Severity) {
		return NewValidationError("unknown severity %q", report.Severity)
	}

	entry := &models.AgentError{
		AgentID:  &agent.ID,
		TaskID:   report.TaskID,
		Severity: report.Severity,
		Message:  report.Message,
		Details:  report.Details,
	}
	if err := s.errorRepo.Create(ctx, entry); err != nil {
		return err
	}

	if !models.IsDisablingSeverity(report.Severity) {
		return nil
	}

	err := s.database.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.agentRepo.UpdateState(ctx, tx, agent.ID, models.AgentStateError); err != nil {
			return err
		}
		reason := fmt.Sprintf("agent reported %s error: %s", report.Severity, report.Message)
		_, err := s.taskRepo.ReclaimAgentTasks(ctx, tx, agent.ID, reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to disable agent after %s error: %w", report.Severity, err)
	}

	debug.Warning("Agent %d disabled after %s error: %s", agent.ID, report.Severity, report.Message)
	s.emitter.Emit(models.TriggerAgentUpdated, uuid.Nil, strconv.Itoa(agent.ID))
	return nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
