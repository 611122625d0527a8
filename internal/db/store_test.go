package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Autopsias/DevMem-sub007/internal/confidence"
	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	// sqlite3 binding keeps ? placeholders, matching the expectations below.
	return NewStoreWithDB(sqlx.NewDb(raw, "sqlite3"), zaptest.NewLogger(t)), mock
}

func TestSavePatternUpsertsRowAndRecords(t *testing.T) {
	store, mock := mockStore(t)

	p := pattern.NewSequential("ingest", "fetch and store", "data",
		[]string{"fetch", "store"}, pattern.Options{RollbackEnabled: true})
	p.RecordExecution(true, "data", 2*time.Second, "")
	p.RecordExecution(false, "data", time.Second, "execution")

	mock.ExpectExec("INSERT INTO patterns").
		WithArgs("ingest", "sequential", "fetch and store", "data",
			p.ConfidenceThreshold(), p.Timeout().Nanoseconds(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for range p.History() {
		mock.ExpectExec("INSERT INTO execution_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, store.SavePattern(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAsyncWritesDrainOnClose(t *testing.T) {
	store, mock := mockStore(t)
	store.EnableAsyncWrites(8)

	p := pattern.NewSequential("ingest", "", "data", []string{"fetch"}, pattern.Options{})
	p.RecordExecution(true, "data", time.Second, "")

	mock.ExpectExec("INSERT INTO patterns").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	// Queued write returns before the row lands.
	require.NoError(t, store.SavePattern(context.Background(), p))
	require.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePatternSurfacesUpsertFailure(t *testing.T) {
	store, mock := mockStore(t)

	p := pattern.NewSequential("ingest", "", "", []string{"fetch"}, pattern.Options{})
	mock.ExpectExec("INSERT INTO patterns").WillReturnError(assert.AnError)

	err := store.SavePattern(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest")
}

func TestAppendRecord(t *testing.T) {
	store, mock := mockStore(t)

	rec := pattern.ExecutionRecord{
		ID: "rec-1", Pattern: "ingest", Timestamp: time.Now(),
		Success: true, Domain: "data", Duration: time.Second,
	}
	mock.ExpectExec("INSERT INTO execution_records").
		WithArgs("rec-1", "ingest", rec.Timestamp, true, "data",
			rec.Duration.Nanoseconds(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AppendRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPatternRestoresHistory(t *testing.T) {
	store, mock := mockStore(t)
	eng := confidence.NewEngine(confidence.Config{MinTrials: 1}, zaptest.NewLogger(t))

	now := time.Now()
	mock.ExpectQuery("SELECT \\* FROM patterns WHERE name").
		WithArgs("ingest").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "type", "description", "domain", "threshold", "timeout_ns", "spec", "updated_at",
		}).AddRow("ingest", "sequential", "fetch and store", "data",
			0.4, int64(time.Minute), `{"steps":["fetch","store"],"rollback_enabled":true}`, now))

	mock.ExpectQuery("SELECT \\* FROM execution_records").
		WithArgs("ingest").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pattern_name", "executed_at", "success", "domain", "duration_ns", "error_tag",
		}).
			AddRow("r1", "ingest", now.Add(-time.Hour), true, "data", int64(time.Second), "").
			AddRow("r2", "ingest", now, false, "data", int64(time.Second), "timeout"))

	p, err := store.LoadPattern(context.Background(), "ingest", eng)
	require.NoError(t, err)

	seq, ok := p.(*pattern.Sequential)
	require.True(t, ok)
	assert.Equal(t, []string{"fetch", "store"}, seq.Steps())
	assert.True(t, seq.RollbackEnabled())
	assert.Equal(t, 0.4, p.ConfidenceThreshold())
	assert.Equal(t, time.Minute, p.Timeout())

	hist := p.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "r1", hist[0].ID)
	assert.Equal(t, "timeout", hist[1].ErrorTag)

	// Restored history drives the restored confidence.
	assert.NotEqual(t, 0.5, p.Confidence())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPatternUnknownName(t *testing.T) {
	store, mock := mockStore(t)
	eng := confidence.NewEngine(confidence.Config{}, zaptest.NewLogger(t))

	mock.ExpectQuery("SELECT \\* FROM patterns WHERE name").
		WithArgs("ghost").
		WillReturnError(assert.AnError)

	_, err := store.LoadPattern(context.Background(), "ghost", eng)
	assert.ErrorIs(t, err, pattern.ErrNotFound)
}

func TestLoadRecordsOrder(t *testing.T) {
	store, mock := mockStore(t)

	now := time.Now()
	mock.ExpectQuery("ORDER BY executed_at ASC").
		WithArgs("ingest").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pattern_name", "executed_at", "success", "domain", "duration_ns", "error_tag",
		}).
			AddRow("r1", "ingest", now.Add(-2*time.Hour), true, "data", int64(time.Second), "").
			AddRow("r2", "ingest", now.Add(-time.Hour), true, "data", int64(time.Second), ""))

	records, err := store.LoadRecords(context.Background(), "ingest")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Timestamp.Before(records[1].Timestamp))
}
