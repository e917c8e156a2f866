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

type crackFixture struct {
	svc  *CrackService
	mock sqlmock.Sqlmock
}

func newCrackFixture(t *testing.T) *crackFixture {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := &db.DB{DB: sqlDB}
	svc := NewCrackService(database,
		repository.NewHashListRepository(database),
		repository.NewTaskRepository(database),
		repository.NewAttackRepository(database),
		repository.NewCampaignRepository(database),
		notify.NewEmitter())
	return &crackFixture{svc: svc, mock: mock}
}

var hashItemCols = []string{"id", "hashlist_id", "hash_value", "plain_text", "is_cracked", "cracked_at"}

func (f *crackFixture) expectItemLookup(itemID uuid.UUID, hashlistID int64, hashValue string, cracked bool) {
	row := sqlmock.NewRows(hashItemCols)
	if cracked {
		row.AddRow(itemID, hashlistID, hashValue, "hunter2", true, time.Now())
	} else {
		row.AddRow(itemID, hashlistID, hashValue, nil, false, nil)
	}
	f.mock.ExpectQuery(`SELECT id, hashlist_id, hash_value, plain_text, is_cracked, cracked_at`).
		WithArgs(hashlistID, hashValue).
		WillReturnRows(row)
}

// trigger emission resolves the project; best effort reads that may
// return nothing
func (f *crackFixture) expectTriggerScoping(hashlistID int64) {
	f.mock.ExpectQuery(`SELECT .+ FROM attacks a\s+JOIN campaigns c`).
		WithArgs(hashlistID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(sqlmock.NewRows(attackCols))
}

func TestRecordCrackAppliesNewPlaintext(t *testing.T) {
	f := newCrackFixture(t)
	itemID, taskID := uuid.New(), uuid.New()
	const hashlistID = int64(5)

	f.expectItemLookup(itemID, hashlistID, "deadbeef", false)

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE hash_items\s+SET plain_text = \$1, is_cracked = true`).
		WithArgs("hunter2", sqlmock.AnyArg(), itemID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`UPDATE hashlists\s+SET cracked_hashes = cracked_hashes \+ 1`).
		WithArgs(hashlistID).
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(3))
	f.mock.ExpectCommit()

	f.expectTriggerScoping(hashlistID)

	outcome, err := f.svc.RecordCrack(context.Background(), hashlistID, taskID, "deadbeef", "hunter2")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, 3, outcome.Remaining)
	assert.False(t, outcome.ListCompleted)
}

func TestRecordCrackDuplicateIsNoOp(t *testing.T) {
	f := newCrackFixture(t)
	itemID, taskID := uuid.New(), uuid.New()
	const hashlistID = int64(5)

	// Cold filter: the lookup still happens, but the conditional
	// update reports zero rows and the counter stays untouched.
	f.expectItemLookup(itemID, hashlistID, "deadbeef", true)

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE hash_items`).
		WithArgs("hunter2", sqlmock.AnyArg(), itemID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(`SELECT id, name, project_id`).
		WithArgs(hashlistID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "project_id", "hash_type", "total_hashes", "cracked_hashes", "created_at", "updated_at",
		}).AddRow(hashlistID, "leak", uuid.New(), 1000, 10, 4, time.Now(), time.Now()))
	f.mock.ExpectCommit()

	outcome, err := f.svc.RecordCrack(context.Background(), hashlistID, taskID, "deadbeef", "hunter2")
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, 6, outcome.Remaining)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordCrackWarmFilterShortCircuitsDuplicates(t *testing.T) {
	f := newCrackFixture(t)
	itemID, taskID := uuid.New(), uuid.New()
	const hashlistID = int64(5)

	f.svc.remember("deadbeef")

	// Filter hit plus a cracked item: acknowledged with two reads and
	// no transaction.
	f.expectItemLookup(itemID, hashlistID, "deadbeef", true)
	f.mock.ExpectQuery(`SELECT id, name, project_id`).
		WithArgs(hashlistID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "project_id", "hash_type", "total_hashes", "cracked_hashes", "created_at", "updated_at",
		}).AddRow(hashlistID, "leak", uuid.New(), 1000, 10, 4, time.Now(), time.Now()))

	outcome, err := f.svc.RecordCrack(context.Background(), hashlistID, taskID, "deadbeef", "hunter2")
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordCrackUnknownHashIsNotFound(t *testing.T) {
	f := newCrackFixture(t)
	const hashlistID = int64(5)

	f.mock.ExpectQuery(`SELECT id, hashlist_id, hash_value`).
		WithArgs(hashlistID, "cafebabe").
		WillReturnRows(sqlmock.NewRows(hashItemCols))

	_, err := f.svc.RecordCrack(context.Background(), hashlistID, uuid.New(), "cafebabe", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCrackFinalHashRunsCascade(t *testing.T) {
	f := newCrackFixture(t)
	itemID, taskID := uuid.New(), uuid.New()
	attackID, campaignID := uuid.New(), uuid.New()
	const hashlistID = int64(5)

	f.expectItemLookup(itemID, hashlistID, "deadbeef", false)

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE hash_items`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`UPDATE hashlists`).
		WithArgs(hashlistID).
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(0))

	// cascade: terminate other tasks, close attacks and campaigns
	f.mock.ExpectQuery(`UPDATE tasks t\s+SET state = \$1`).
		WithArgs(models.TaskStateCompleted, hashlistID, taskID,
			models.TaskStatePending, models.TaskStateAccepted, models.TaskStateRunning).
		WillReturnRows(taskRow(uuid.New(), attackID, 3, models.TaskStateCompleted))
	f.mock.ExpectQuery(`SELECT .+ FROM attacks a\s+JOIN campaigns c`).
		WithArgs(hashlistID, models.AttackStatePending, models.AttackStateRunning).
		WillReturnRows(attackRow(attackID, campaignID, models.AttackStateRunning, 1_000_000))
	f.mock.ExpectExec(`UPDATE attacks SET state = \$1`).
		WithArgs(models.AttackStateCompleted, attackID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE campaigns SET state = \$1`).
		WithArgs(models.CampaignStateCompleted, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	f.expectTriggerScoping(hashlistID)

	outcome, err := f.svc.RecordCrack(context.Background(), hashlistID, taskID, "deadbeef", "hunter2")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.True(t, outcome.ListCompleted)
	assert.Equal(t, 0, outcome.Remaining)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
