package services

import (
	"context"
	"testing"
	"time"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLivenessFixture(t *testing.T) (*LivenessService, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := &db.DB{DB: sqlDB}
	svc := NewLivenessService(database,
		repository.NewAgentRepository(database),
		repository.NewTaskRepository(database),
		5*time.Minute,
		notify.NewEmitter())
	return svc, mock
}

var agentCols = []string{
	"id", "host_name", "client_signature", "state", "token_hash",
	"devices", "enabled_devices", "current_activity", "last_seen_at", "last_ip",
	"created_at", "updated_at",
}

func agentRow(id int, state string, lastSeen time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(agentCols).
		AddRow(id, "rig-01", "hashfleet-agent/1.0", state, "",
			[]byte(`[]`), []byte(`[]`), "", lastSeen, nil, now, now)
}

func TestHeartbeatTouchesAgent(t *testing.T) {
	svc, mock := newLivenessFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStateActive, CurrentActivity: "cracking"}

	mock.ExpectExec(`UPDATE agents SET last_seen_at = \$1, last_ip = \$2`).
		WithArgs(sqlmock.AnyArg(), "10.0.0.9", agent.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.Heartbeat(context.Background(), agent, "10.0.0.9", "")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateActive, result.State)
	assert.Equal(t, "cracking", result.Activity)
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	svc, mock := newLivenessFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStateOffline}

	mock.ExpectExec(`UPDATE agents SET last_seen_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE agents SET state = \$1`).
		WithArgs(models.AgentStateActive, agent.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.Heartbeat(context.Background(), agent, "10.0.0.9", "")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateActive, result.State)
}

func TestShutdownReclaimsTasksImmediately(t *testing.T) {
	svc, mock := newLivenessFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStateActive}
	taskID, attackID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE agents SET state = \$1`).
		WithArgs(models.AgentStateOffline, agent.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE tasks\s+SET state = \$1, error_message = \$2`).
		WithArgs(models.TaskStateError, "agent shut down", agent.ID,
			models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning).
		WillReturnRows(taskRow(taskID, attackID, agent.ID, models.TaskStateError))
	mock.ExpectCommit()

	err := svc.Shutdown(context.Background(), agent)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepReclaimsStaleAgents(t *testing.T) {
	svc, mock := newLivenessFixture(t)
	taskID, attackID := uuid.New(), uuid.New()
	stale := time.Now().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM agents\s+WHERE state = \$1`).
		WithArgs(models.AgentStateActive, sqlmock.AnyArg()).
		WillReturnRows(agentRow(4, models.AgentStateActive, stale))
	mock.ExpectExec(`UPDATE agents SET state = \$1`).
		WithArgs(models.AgentStateOffline, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE tasks\s+SET state = \$1, error_message = \$2`).
		WithArgs(models.TaskStateError, "agent heartbeat timed out", 4,
			models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning).
		WillReturnRows(taskRow(taskID, attackID, 4, models.TaskStateError))
	mock.ExpectCommit()

	err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepWithNoStaleAgentsIsQuiet(t *testing.T) {
	svc, mock := newLivenessFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM agents\s+WHERE state = \$1`).
		WillReturnRows(sqlmock.NewRows(agentCols))
	mock.ExpectCommit()

	err := svc.Sweep(context.Background())
	require.NoError(t, err)
}
