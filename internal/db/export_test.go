package db

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

func expectHistory(mock sqlmock.Sqlmock, name string) {
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT \\* FROM execution_records").
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pattern_name", "executed_at", "success", "domain", "duration_ns", "error_tag",
		}).
			AddRow("r1", name, now, true, "data", int64(time.Second), "").
			AddRow("r2", name, now.Add(time.Minute), false, "data", int64(2*time.Second), "timeout"))
}

func TestExportLearningDataJSON(t *testing.T) {
	store, mock := mockStore(t)
	expectHistory(mock, "ingest")

	out, err := store.ExportLearningData(context.Background(), "ingest", FormatJSON)
	require.NoError(t, err)

	var records []pattern.ExecutionRecord
	require.NoError(t, json.Unmarshal(out, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "timeout", records[1].ErrorTag)
}

func TestExportLearningDataCSV(t *testing.T) {
	store, mock := mockStore(t)
	expectHistory(mock, "ingest")

	out, err := store.ExportLearningData(context.Background(), "ingest", FormatCSV)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two records")
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "r2", rows[2][0])
	assert.Equal(t, "false", rows[2][3])
	assert.Equal(t, "timeout", rows[2][6])
}

func TestExportLearningDataUnknownFormat(t *testing.T) {
	store, mock := mockStore(t)
	expectHistory(mock, "ingest")

	_, err := store.ExportLearningData(context.Background(), "ingest", "xml")
	assert.Error(t, err)
}
