package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
)

var runCols = []string{"id", "policy_id", "policy_version", "base_active_version", "status", "processed", "total",
	"eligible", "ineligible", "errors", "batch_size", "concurrency", "failure_reason", "archive_key", "cancel_requested", "started_at",
	"finished_at", "promoted_at"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestPGCreatePolicyWritesFirstVersion(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policies").
		WithArgs("pol-1", "Default").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO policy_versions").
		WithArgs("pol-1", sqlmock.AnyArg(), "ops@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectCommit()

	v, err := s.CreatePolicy(context.Background(), store.PolicyInput{
		ID:        "pol-1",
		Name:      "Default",
		Config:    models.PolicyConfig{BlockedCountryMode: models.CountryModeAny, EligibilityMode: models.EligibilityModeStrict},
		CreatedBy: "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, created, v.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateVersionUnknownPolicy(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE policies SET latest_version").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.CreateVersion(context.Background(), "missing", models.PolicyConfig{}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateRunMapsUniqueViolationToConflict(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)

	mock.ExpectQuery("INSERT INTO evaluation_runs").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.CreateRun(context.Background(), store.RunInput{
		ID: "run-2", PolicyID: "pol-1", PolicyVersion: 2, Total: 10, BatchSize: 5, Concurrency: 2, StartedAt: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateRunReturnsRunningRun(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO evaluation_runs").
		WithArgs("run-1", "pol-1", 2, int64(1), "running", int64(1000), 500, 8, started).
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow("run-1", "pol-1", 2, int64(1), "running", int64(0), int64(1000), int64(0), int64(0), int64(0), 500, 8, "", "", false, started, nil, nil))

	base := 1
	run, err := s.CreateRun(context.Background(), store.RunInput{
		ID: "run-1", PolicyID: "pol-1", PolicyVersion: 2, BaseActiveVersion: &base,
		Total: 1000, BatchSize: 500, Concurrency: 8, StartedAt: started,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, int64(1000), run.Progress.Pending)
	require.NotNil(t, run.BaseActiveVersion)
	assert.Equal(t, 1, *run.BaseActiveVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGPromoteRunCommitsSwapAndStatus(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE policies SET active_version").
		WithArgs("pol-1", nil, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE evaluation_runs SET status='promoted'").
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.PromoteRun(context.Background(), "run-1", "pol-1", nil, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGPromoteRunRollsBackOnStaleActiveVersion(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE policies SET active_version").
		WithArgs("pol-1", int64(1), 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	expected := 1
	ok, err := s.PromoteRun(context.Background(), "run-1", "pol-1", &expected, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFinishRunAlreadyTerminal(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)
	started := time.Now().UTC()

	mock.ExpectQuery("UPDATE evaluation_runs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM evaluation_runs WHERE id=\\$1").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow("run-1", "pol-1", 1, nil, "cancelled", int64(5), int64(10), int64(3), int64(2), int64(0), 5, 1, "", "", false, started, started, nil))

	_, err := s.FinishRun(context.Background(), "run-1", store.RunFinish{Status: models.RunStatusPrepared})
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGListRunsClampsLimit(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)

	mock.ExpectQuery("SELECT (.+) FROM evaluation_runs WHERE policy_id=\\$1 ORDER BY started_at DESC, id LIMIT \\$2").
		WithArgs("pol-1", 500).
		WillReturnRows(sqlmock.NewRows(runCols))

	runs, err := s.ListRuns(context.Background(), store.ListRunsFilter{PolicyID: "pol-1", Limit: 10000})
	require.NoError(t, err)
	assert.Empty(t, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendRunResultsUsesArray(t *testing.T) {
	db, mock := newMock(t)
	s := store.NewPGStore(db)

	mock.ExpectExec("INSERT INTO run_results").
		WithArgs("run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.AppendRunResults(context.Background(), "run-1", []string{"a", "b"}))
	require.NoError(t, s.AppendRunResults(context.Background(), "run-1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
