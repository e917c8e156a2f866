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

type stateFixture struct {
	svc  *TaskStateService
	mock sqlmock.Sqlmock
}

func newStateFixture(t *testing.T) *stateFixture {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := &db.DB{DB: sqlDB}
	taskRepo := repository.NewTaskRepository(database)
	attackRepo := repository.NewAttackRepository(database)
	campaignRepo := repository.NewCampaignRepository(database)
	hashlistRepo := repository.NewHashListRepository(database)
	reportRepo := repository.NewStatusReportRepository(database)
	crackService := NewCrackService(database, hashlistRepo, taskRepo, attackRepo, campaignRepo, notify.NewEmitter())

	svc := NewTaskStateService(database, taskRepo, attackRepo, campaignRepo,
		hashlistRepo, reportRepo, crackService, notify.NewEmitter())
	return &stateFixture{svc: svc, mock: mock}
}

var taskCols = []string{
	"id", "attack_id", "agent_id", "state", "keyspace_offset", "keyspace_length",
	"benchmark_speed", "error_message", "created_at", "updated_at", "completed_at",
}

func taskRow(id, attackID uuid.UUID, agentID int, state string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(taskCols).
		AddRow(id, attackID, agentID, state, int64(0), int64(100_000), int64(1000), nil, now, now, nil)
}

var attackCols = []string{
	"id", "campaign_id", "name", "mode", "config", "hash_type",
	"keyspace", "position", "depends_on", "state", "created_at", "updated_at",
}

func attackRow(id, campaignID uuid.UUID, state string, keyspace int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(attackCols).
		AddRow(id, campaignID, "dict run", models.AttackModeDictionary, []byte(`{}`),
			1000, keyspace, 0, nil, state, now, now)
}

var campaignCols = []string{
	"id", "project_id", "hashlist_id", "name", "state", "priority", "created_at", "updated_at",
}

func campaignRow(id, projectID uuid.UUID, hashlistID int64, state string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(campaignCols).
		AddRow(id, projectID, hashlistID, "campaign", state, 0, now, now)
}

// expectTaskTrigger covers the attack+campaign lookups the trigger
// emission performs after a successful transition.
func (f *stateFixture) expectTaskTrigger(attackID, campaignID uuid.UUID) {
	f.mock.ExpectQuery(`SELECT .+ FROM attacks WHERE id = \$1$`).
		WithArgs(attackID).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateRunning, 1_000_000))
	f.mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id = \$1`).
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, uuid.New(), 1, models.CampaignStateActive))
}

func TestAcceptTransitionsPendingTask(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID := uuid.New(), uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStatePending))
	f.mock.ExpectExec(`UPDATE tasks SET state = \$1, updated_at = now\(\) WHERE id = \$2`).
		WithArgs(models.TaskStateAccepted, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectTaskTrigger(attackID, campaignID)

	task, err := f.svc.Accept(context.Background(), taskID, agentID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateAccepted, task.State)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAcceptIsIdempotentWhileRunning(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID := uuid.New(), uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateRunning))
	f.mock.ExpectCommit()
	f.expectTaskTrigger(attackID, campaignID)

	task, err := f.svc.Accept(context.Background(), taskID, agentID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRunning, task.State)
}

func TestAcceptRejectsTerminalTask(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID := uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateCompleted))
	f.mock.ExpectRollback()

	_, err := f.svc.Accept(context.Background(), taskID, agentID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAcceptByNonOwnerIsNotFound(t *testing.T) {
	f := newStateFixture(t)
	taskID := uuid.New()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, 99).
		WillReturnRows(sqlmock.NewRows(taskCols))
	f.mock.ExpectRollback()

	_, err := f.svc.Accept(context.Background(), taskID, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitStatusMovesAcceptedToRunning(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID := uuid.New(), uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateAccepted))
	f.mock.ExpectExec(`UPDATE tasks SET state = \$1`).
		WithArgs(models.TaskStateRunning, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(`INSERT INTO status_reports`).
		WithArgs(taskID, int64(500), nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reported_at"}).AddRow(int64(1), time.Now()))
	f.expectTaskTrigger(attackID, campaignID)

	task, err := f.svc.SubmitStatus(context.Background(), taskID, agentID, StatusInput{
		Progress: 500,
		Devices:  models.DeviceStatusList{{DeviceID: 0, DeviceName: "GPU0", Speed: 1000}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRunning, task.State)
}

func TestSubmitStatusRejectsMalformedReport(t *testing.T) {
	f := newStateFixture(t)

	_, err := f.svc.SubmitStatus(context.Background(), uuid.New(), 7, StatusInput{Progress: 10})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestSubmitStatusOnReclaimedTaskIsNotFound(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID := uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateError))
	f.mock.ExpectRollback()

	_, err := f.svc.SubmitStatus(context.Background(), taskID, agentID, StatusInput{
		Devices: models.DeviceStatusList{{DeviceName: "GPU0", Speed: 1}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitStatusOnCompletedTaskStandsDown(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID := uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateCompleted))
	f.mock.ExpectRollback()

	_, err := f.svc.SubmitStatus(context.Background(), taskID, agentID, StatusInput{
		Devices: models.DeviceStatusList{{DeviceName: "GPU0", Speed: 1}},
	})
	assert.ErrorIs(t, err, ErrStandDown)
}

func TestExhaustClosesAttackWhenKeyspaceCovered(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID, projectID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	const agentID = 7
	const keyspace = int64(100_000)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateRunning))
	f.mock.ExpectExec(`UPDATE tasks SET state = \$1, updated_at = now\(\), completed_at = now\(\)`).
		WithArgs(models.TaskStateExhausted, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	// completion check: the lone task covered the whole keyspace
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM attacks WHERE id = \$1 FOR UPDATE`).
		WithArgs(attackID).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateRunning, keyspace))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(keyspace_length\), 0\)`).
		WithArgs(attackID, models.TaskStateCompleted, models.TaskStateExhausted).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(keyspace))
	f.mock.ExpectExec(`UPDATE attacks SET state = \$1`).
		WithArgs(models.AttackStateExhausted, attackID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id = \$1`).
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, projectID, 1, models.CampaignStateActive))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM attacks`).
		WithArgs(campaignID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	f.mock.ExpectExec(`UPDATE campaigns SET state = \$1`).
		WithArgs(models.CampaignStateCompleted, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	f.expectTaskTrigger(attackID, campaignID)

	task, err := f.svc.Exhaust(context.Background(), taskID, agentID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateExhausted, task.State)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExhaustIsNoOpAfterCascadeCompletion(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID := uuid.New(), uuid.New(), uuid.New()
	const agentID = 7

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateCompleted))
	f.mock.ExpectCommit()

	// completion check finds the attack already terminal
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM attacks WHERE id = \$1 FOR UPDATE`).
		WithArgs(attackID).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateCompleted, 100_000))
	f.mock.ExpectCommit()

	f.expectTaskTrigger(attackID, campaignID)

	task, err := f.svc.Exhaust(context.Background(), taskID, agentID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, task.State)
}

func TestSubmitCrackReclaimedMidCrackIsNotFound(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID, projectID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	itemID := uuid.New()
	const agentID = 7
	const hashlistID = int64(5)

	// Ownership gate under the row lock: still running.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateRunning))
	f.mock.ExpectCommit()

	f.mock.ExpectQuery(`SELECT .+ FROM attacks WHERE id = \$1$`).
		WithArgs(attackID).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateRunning, 1_000_000))
	f.mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id = \$1`).
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, projectID, hashlistID, models.CampaignStateActive))

	// The final hash cracks and the cascade runs.
	f.mock.ExpectQuery(`SELECT id, hashlist_id, hash_value`).
		WithArgs(hashlistID, "deadbeef").
		WillReturnRows(sqlmock.NewRows(hashItemCols).
			AddRow(itemID, hashlistID, "deadbeef", nil, false, nil))
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE hash_items`).
		WithArgs("hunter2", sqlmock.AnyArg(), itemID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`UPDATE hashlists`).
		WithArgs(hashlistID).
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(0))
	f.mock.ExpectQuery(`UPDATE tasks t\s+SET state = \$1`).
		WithArgs(models.TaskStateCompleted, hashlistID, taskID,
			models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning).
		WillReturnRows(sqlmock.NewRows(taskCols))
	f.mock.ExpectQuery(`SELECT .+ FROM attacks a\s+JOIN campaigns c`).
		WithArgs(hashlistID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(sqlmock.NewRows(attackCols))
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(`SELECT .+ FROM attacks a\s+JOIN campaigns c`).
		WithArgs(hashlistID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(sqlmock.NewRows(attackCols))

	// A liveness reclaim moved the task to error while the crack was
	// being recorded: the re-check under the lock must see it and
	// reject instead of overwriting the state with completed.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateError))
	f.mock.ExpectRollback()

	_, err := f.svc.SubmitCrack(context.Background(), taskID, agentID,
		CrackSubmission{HashValue: "deadbeef", PlainText: "hunter2"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmitCrackFinalHashStandsDownSubmitter(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID, campaignID, projectID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	itemID := uuid.New()
	const agentID = 7
	const hashlistID = int64(5)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateRunning))
	f.mock.ExpectCommit()

	f.mock.ExpectQuery(`SELECT .+ FROM attacks WHERE id = \$1$`).
		WithArgs(attackID).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateRunning, 1_000_000))
	f.mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id = \$1`).
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, projectID, hashlistID, models.CampaignStateActive))

	f.mock.ExpectQuery(`SELECT id, hashlist_id, hash_value`).
		WithArgs(hashlistID, "deadbeef").
		WillReturnRows(sqlmock.NewRows(hashItemCols).
			AddRow(itemID, hashlistID, "deadbeef", nil, false, nil))
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE hash_items`).
		WithArgs("hunter2", sqlmock.AnyArg(), itemID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`UPDATE hashlists`).
		WithArgs(hashlistID).
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(0))
	f.mock.ExpectQuery(`UPDATE tasks t\s+SET state = \$1`).
		WithArgs(models.TaskStateCompleted, hashlistID, taskID,
			models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning).
		WillReturnRows(sqlmock.NewRows(taskCols))
	f.mock.ExpectQuery(`SELECT .+ FROM attacks a\s+JOIN campaigns c`).
		WithArgs(hashlistID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(sqlmock.NewRows(attackCols))
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(`SELECT .+ FROM attacks a\s+JOIN campaigns c`).
		WithArgs(hashlistID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(sqlmock.NewRows(attackCols))

	// No reclaim interfered: the submitter completes under the lock.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateRunning))
	f.mock.ExpectExec(`UPDATE tasks SET state = \$1, updated_at = now\(\), completed_at = now\(\)`).
		WithArgs(models.TaskStateCompleted, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	// closeAttackForCampaign
	f.mock.ExpectQuery(`SELECT .+ FROM attacks WHERE id = \$1$`).
		WithArgs(attackID).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateRunning, 1_000_000))
	f.mock.ExpectExec(`UPDATE attacks SET state = \$1`).
		WithArgs(models.AttackStateCompleted, attackID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE campaigns SET state = \$1`).
		WithArgs(models.CampaignStateCompleted, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	f.expectTaskTrigger(attackID, campaignID)

	result, err := f.svc.SubmitCrack(context.Background(), taskID, agentID,
		CrackSubmission{HashValue: "deadbeef", PlainText: "hunter2"})
	require.NoError(t, err)
	assert.True(t, result.StandDown)
	assert.Equal(t, models.TaskStateCompleted, result.Task.State)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExhaustRejectsAcceptedTask(t *testing.T) {
	f := newStateFixture(t)
	taskID, attackID := uuid.New(), uuid.New()
	const agentID = 7

	// An accepted task never reported starting, so it cannot have
	// searched its slice.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1 AND agent_id = \$2 FOR UPDATE`).
		WithArgs(taskID, agentID).
		WillReturnRows(taskRow(taskID, attackID, agentID, models.TaskStateAccepted))
	f.mock.ExpectRollback()

	_, err := f.svc.Exhaust(context.Background(), taskID, agentID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
