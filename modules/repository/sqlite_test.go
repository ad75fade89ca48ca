package repository_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	commonErrors "github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/Deepreo/jobs/modules/repository"
	"github.com/Deepreo/jobs/modules/repository/repositorytest"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) job.Repository {
		repo, err := repository.OpenSQLite(context.Background(), ":memory:", time.Second, clockwork.NewFakeClockAt(repositorytest.Base))
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "jobs.db")
	clock := clockwork.NewFakeClockAt(repositorytest.Base)

	repo, err := repository.OpenSQLite(ctx, path, time.Second, clock)
	require.NoError(t, err)
	saved, err := repo.Save(ctx, repositorytest.Fixture("job-1", repositorytest.Base))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := repository.OpenSQLite(ctx, path, time.Second, clock)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestSQLite_RequiresPath(t *testing.T) {
	_, err := repository.OpenSQLite(context.Background(), " ", 0, nil)
	assert.Error(t, err)
}

func newMockSQLite(t *testing.T) (*repository.SQLite, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repository.NewSQLite(db, clockwork.NewFakeClockAt(repositorytest.Base)), mock
}

func TestSQLite_DriverErrorsAreInfrastructure(t *testing.T) {
	ctx := context.Background()
	diskErr := errors.New("disk I/O error")

	t.Run("Get", func(t *testing.T) {
		repo, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM job_details WHERE id = ?")).
			WithArgs("job-1").
			WillReturnError(diskErr)

		_, err := repo.Get(ctx, "job-1")
		require.Error(t, err)
		assert.True(t, commonErrors.LevelOf(err, commonErrors.ERR_INFRASTRUCTURE))
		assert.False(t, job.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM job_details WHERE id = ?")).
			WithArgs("job-1").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(ctx, "job-1")
		assert.True(t, job.IsNotFound(err))
	})

	t.Run("Save", func(t *testing.T) {
		repo, mock := newMockSQLite(t)
		mock.ExpectExec("INSERT INTO job_details").WillReturnError(diskErr)

		_, err := repo.Save(ctx, repositorytest.Fixture("job-1", repositorytest.Base))
		require.Error(t, err)
		assert.True(t, commonErrors.LevelOf(err, commonErrors.ERR_INFRASTRUCTURE))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MergeRollsBack", func(t *testing.T) {
		repo, mock := newMockSQLite(t)
		doc, err := json.Marshal(repositorytest.Fixture("job-1", repositorytest.Base))
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM job_details WHERE id = ?")).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(string(doc)))
		mock.ExpectExec("INSERT INTO job_details").WillReturnError(diskErr)
		mock.ExpectRollback()

		_, err = repo.Merge(ctx, "job-1", &job.Record{Priority: 4})
		require.Error(t, err)
		assert.True(t, commonErrors.LevelOf(err, commonErrors.ERR_INFRASTRUCTURE))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CorruptDocument", func(t *testing.T) {
		repo, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM job_details WHERE id = ?")).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow("{not json"))

		_, err := repo.Get(ctx, "job-1")
		require.Error(t, err)
		assert.True(t, commonErrors.LevelOf(err, commonErrors.ERR_INFRASTRUCTURE))
	})
}
