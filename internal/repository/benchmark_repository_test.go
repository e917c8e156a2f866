package repository

import (
	"context"
	"testing"

	"github.com/hashfleet/hashfleet/internal/db"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBenchmarkRepo(t *testing.T) (*BenchmarkRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := &db.DB{DB: sqlDB}
	return NewBenchmarkRepository(database), mock
}

// The aggregate must only count devices the agent has enabled; a
// disabled GPU's benchmark would otherwise oversize its slices.
func TestAggregateSpeedFiltersByEnabledDevices(t *testing.T) {
	repo, mock := newBenchmarkRepo(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(b\.hash_speed\), 0\)\s+FROM benchmarks b\s+JOIN agents a ON a\.id = b\.agent_id\s+WHERE b\.agent_id = \$1 AND b\.hash_type = \$2\s+AND \(jsonb_array_length\(a\.enabled_devices\) = 0\s+OR b\.device IN \(SELECT jsonb_array_elements_text\(a\.enabled_devices\)\)\)`).
		WithArgs(7, 1000).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(500_000)))

	speed, err := repo.AggregateSpeed(context.Background(), 7, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), speed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateSpeedZeroWithoutBenchmarks(t *testing.T) {
	repo, mock := newBenchmarkRepo(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(b\.hash_speed\), 0\)`).
		WithArgs(7, 1000).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	speed, err := repo.AggregateSpeed(context.Background(), 7, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), speed)
}
