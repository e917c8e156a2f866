package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newAgentFixture(t *testing.T) (*AgentService, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := &db.DB{DB: sqlDB}
	svc := NewAgentService(database,
		repository.NewAgentRepository(database),
		repository.NewBenchmarkRepository(database),
		repository.NewAgentErrorRepository(database),
		repository.NewTaskRepository(database),
		notify.NewEmitter())
	return svc, mock
}

func authAgentRow(id int, state, tokenHash string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(agentCols).
		AddRow(id, "rig-01", "hashfleet-agent/1.0", state, tokenHash,
			[]byte(`[]`), []byte(`[]`), "", now, nil, now, now)
}

func TestRegisterMintsAuthenticatableToken(t *testing.T) {
	svc, mock := newAgentFixture(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO agents`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(7, now, now))
	mock.ExpectExec(`UPDATE agents SET token_hash = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	reg, err := svc.Register(context.Background(), "rig-01", "hashfleet-agent/1.0")
	require.NoError(t, err)
	require.Equal(t, 7, reg.Agent.ID)
	assert.Equal(t, models.AgentStatePending, reg.Agent.State)
	assert.True(t, strings.HasPrefix(reg.Token, "hfa_7_"))

	// The stored hash must verify the minted token and nothing else.
	mock.ExpectQuery(`SELECT .+ FROM agents WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(authAgentRow(7, models.AgentStatePending, reg.Agent.TokenHash))

	agent, err := svc.Authenticate(context.Background(), reg.Token)
	require.NoError(t, err)
	assert.Equal(t, 7, agent.ID)
}

func TestRegisterRequiresHostName(t *testing.T) {
	svc, _ := newAgentFixture(t)

	_, err := svc.Register(context.Background(), "", "hashfleet-agent/1.0")
	assert.True(t, IsValidationError(err))
}

func TestAuthenticateRejectsMalformedTokens(t *testing.T) {
	svc, _ := newAgentFixture(t)

	for _, token := range []string{"", "hfa_7", "xyz_7_deadbeef", "hfa_notanumber_deadbeef"} {
		_, err := svc.Authenticate(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "token %q", token)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	svc, mock := newAgentFixture(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("the-real-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM agents WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(authAgentRow(7, models.AgentStateActive, string(hash)))

	_, err = svc.Authenticate(context.Background(), "hfa_7_the-wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRejectsUnknownAgent(t *testing.T) {
	svc, mock := newAgentFixture(t)

	mock.ExpectQuery(`SELECT .+ FROM agents WHERE id = \$1`).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows(agentCols))

	_, err := svc.Authenticate(context.Background(), "hfa_99_deadbeef")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSubmitBenchmarksActivatesPendingAgent(t *testing.T) {
	svc, mock := newAgentFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStatePending}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM benchmarks WHERE agent_id = \$1`).
		WithArgs(4).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO benchmarks`).
		WithArgs(4, 1000, "NVIDIA GeForce RTX 4090", int64(2_000_000_000), int64(60_000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE agents SET state = \$1`).
		WithArgs(models.AgentStateActive, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.SubmitBenchmarks(context.Background(), agent, []BenchmarkInput{
		{HashType: 1000, Device: "NVIDIA GeForce RTX 4090", HashSpeed: 2_000_000_000, RuntimeMs: 60_000},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitBenchmarksRejectsBadInput(t *testing.T) {
	svc, _ := newAgentFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStateActive}

	err := svc.SubmitBenchmarks(context.Background(), agent, nil)
	assert.True(t, IsValidationError(err))

	err = svc.SubmitBenchmarks(context.Background(), agent, []BenchmarkInput{
		{HashType: 1000, Device: "cpu", HashSpeed: 0},
	})
	assert.True(t, IsValidationError(err))
}

func TestUpdateDevicesRejectsUnknownEnabledDevice(t *testing.T) {
	svc, _ := newAgentFixture(t)
	agent := &models.Agent{ID: 4}

	err := svc.UpdateDevices(context.Background(), agent,
		models.DeviceList{"gpu0"}, models.DeviceList{"gpu0", "gpu1"})
	assert.True(t, IsValidationError(err))
}

func TestReportErrorWarningLeavesAgentAlone(t *testing.T) {
	svc, mock := newAgentFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStateActive}

	mock.ExpectQuery(`INSERT INTO agent_errors`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	err := svc.ReportError(context.Background(), agent, ErrorReport{
		Severity: models.SeverityWarning,
		Message:  "hashcat restarted",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportErrorFatalDisablesAgentAndReclaimsWork(t *testing.T) {
	svc, mock := newAgentFixture(t)
	agent := &models.Agent{ID: 4, State: models.AgentStateActive}

	mock.ExpectQuery(`INSERT INTO agent_errors`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE agents SET state = \$1`).
		WithArgs(models.AgentStateError, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE tasks\s+SET state = \$1, error_message = \$2`).
		WillReturnRows(sqlmock.NewRows(taskCols))
	mock.ExpectCommit()

	err := svc.ReportError(context.Background(), agent, ErrorReport{
		Severity: models.SeverityFatal,
		Message:  "GPU fell off the bus",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportErrorRejectsUnknownSeverity(t *testing.T) {
	svc, _ := newAgentFixture(t)
	agent := &models.Agent{ID: 4}

	err := svc.ReportError(context.Background(), agent, ErrorReport{
		Severity: "catastrophic",
		Message:  "boom",
	})
	assert.True(t, IsValidationError(err))
}
