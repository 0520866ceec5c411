package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)
	return New(db), mock
}

func TestPing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, s.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureIndexes_Memoized(t *testing.T) {
	s, mock := newMockStore(t)

	for range indexStatements {
		mock.ExpectExec(`CREATE INDEX IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.EnsureIndexes(context.Background()))
	require.NoError(t, s.EnsureIndexes(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureIndexes_RetriesAfterFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS`).WillReturnError(errors.New("lock timeout"))
	require.Error(t, s.EnsureIndexes(context.Background()))

	for range indexStatements {
		mock.ExpectExec(`CREATE INDEX IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.EnsureIndexes(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTransactions_OnConflictDoNothing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO "transactions" (.+) ON CONFLICT \("owner_id","fingerprint"\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := []domain.Transaction{
		{OwnerID: "a", Fingerprint: "fp1", Channel: domain.ChannelCSV},
		{OwnerID: "a", Fingerprint: "fp2", Channel: domain.ChannelCSV},
	}
	n, err := s.InsertTransactions(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only rows actually inserted are counted")
	assert.Empty(t, rows[0].ID, "caller's slice is not modified")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "transactions"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Transaction(ctx, func(repo store.Repository) error {
		_, err := repo.InsertTransactions(ctx, []domain.Transaction{{OwnerID: "a", Fingerprint: "x"}})
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "transactions"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err = s.Transaction(ctx, func(repo store.Repository) error {
		if _, err := repo.InsertTransactions(ctx, []domain.Transaction{{OwnerID: "a", Fingerprint: "y"}}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "user_stats" WHERE owner_id = \$1`).
		WithArgs("a", 1).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

	_, err := s.GetStats(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTransactions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total, (.+) FROM "transactions" WHERE owner_id = \$1`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"total", "processed"}).AddRow(5, 3))

	counts, err := s.CountTransactions(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Total: 5, Processed: 3, Unprocessed: 2}, counts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountBacklog_SkipsRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "transactions" WHERE processed = \$1 AND \(reject_reason IS NULL OR reject_reason = ''\)`).
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountBacklog(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTransformed_MissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "transactions" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveTransformed(context.Background(), []domain.Transaction{{ID: "missing"}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRun_Finalized(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "pipeline_runs" SET (.+) WHERE id = \$\d+ AND status NOT IN`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "pipeline_runs" WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.UpdateRun(context.Background(), &domain.PipelineRun{ID: "run-1", Status: domain.RunFailed})
	assert.ErrorIs(t, err, domain.ErrRunFinalized)

	mock.ExpectExec(`UPDATE "pipeline_runs" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "pipeline_runs"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err = s.UpdateRun(context.Background(), &domain.PipelineRun{ID: "run-2", Status: domain.RunFailed})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "pipeline_runs" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
