package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-import/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, nowFunc: func() time.Time { return fixedNow }}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS import_jobs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT doc FROM import_jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	job := newJob("job-1")
	doc, err := json.Marshal(job)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM import_jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectExec(`UPDATE import_jobs SET status = \$1, doc = \$2, updated_at = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("scraping", pgxmock.AnyArg(), fixedNow, "job-1", "received").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := s.TransitionJob(context.Background(), "job-1", model.JobStatusReceived, model.JobStatusScraping, model.JobUpdate{})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusScraping, got.Status)
	assert.Equal(t, fixedNow, got.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionJob_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	doc, err := json.Marshal(newJob("job-1"))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM import_jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectExec(`UPDATE import_jobs`).
		WithArgs("error", pgxmock.AnyArg(), fixedNow, "job-1", "received").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err = s.TransitionJob(context.Background(), "job-1", model.JobStatusReceived, model.JobStatusError, model.JobUpdate{Error: "boom"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionJob_IllegalEdgeSkipsQueries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.TransitionJob(context.Background(), "job-1", model.JobStatusReady, model.JobStatusScraping, model.JobUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIdempotencyKey_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.IdempotencyRecord{Key: "k1", Scope: "import", Status: model.IdempotencyStarted, Ref: "job-2", CreatedAt: fixedNow, UpdatedAt: fixedNow}

	mock.ExpectExec(`(?s)INSERT INTO idempotency_keys .*ON CONFLICT \(key, scope\) DO NOTHING`).
		WithArgs("k1", "import", "started", "job-2", pgxmock.AnyArg(), "", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT key, scope, status, ref, cached_response, error, created_at, updated_at`).
		WithArgs("k1", "import").
		WillReturnRows(pgxmock.NewRows([]string{"key", "scope", "status", "ref", "cached_response", "error", "created_at", "updated_at"}).
			AddRow("k1", "import", "started", "job-1", []byte(nil), "", fixedNow, fixedNow))

	created, existing, err := s.CreateIdempotencyKey(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "job-1", existing.Ref)
	assert.Equal(t, model.IdempotencyStarted, existing.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSetIdempotencyStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE idempotency_keys`).
		WithArgs("succeeded", "", []byte(`{}`), "", fixedNow, "k1", "import", "started").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE idempotency_keys`).
		WithArgs("started", "", pgxmock.AnyArg(), "", fixedNow, "k1", "import", "failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.CompareAndSetIdempotencyStatus(context.Background(), "k1", "import",
		model.IdempotencyStarted, model.IdempotencySucceeded, model.IdempotencyPatch{CachedResponse: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetIdempotencyStatus(context.Background(), "k1", "import",
		model.IdempotencyFailed, model.IdempotencyStarted, model.IdempotencyPatch{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordRequest(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := fixedNow.Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`(?s)INSERT INTO replay_records .*WHERE replay_records.first_seen_at < \$3`).
		WithArgs("req-1", fixedNow, cutoff).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO replay_records`).
		WithArgs("req-1", fixedNow, cutoff).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.RecordRequest(context.Background(), "req-1", fixedNow, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RecordRequest(context.Background(), "req-1", fixedNow, cutoff)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PreparedRunsStatementNames(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.prepared = true
	cutoff := fixedNow.Add(-30 * 24 * time.Hour)
	doc, err := json.Marshal(newJob("job-1"))
	require.NoError(t, err)

	mock.ExpectExec(`^record_request$`).
		WithArgs("req-1", fixedNow, cutoff).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`^get_job$`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectExec(`^transition_job$`).
		WithArgs("scraping", pgxmock.AnyArg(), fixedNow, "job-1", "received").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.RecordRequest(context.Background(), "req-1", fixedNow, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.TransitionJob(context.Background(), "job-1", model.JobStatusReceived, model.JobStatusScraping, model.JobUpdate{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreparedStatements_CoverHotPaths(t *testing.T) {
	s := &PostgresStore{}
	for _, name := range []string{"get_job", "transition_job", "record_request", "insert_idem_key", "cas_idem_key", "get_idem_key", "insert_product_vn"} {
		assert.NotEmpty(t, s.query(name), name)
	}
	s.prepared = true
	assert.Equal(t, "get_job", s.query("get_job"))
}

func TestPostgresStore_PurgeReplays(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`DELETE FROM replay_records WHERE first_seen_at < \$1`).
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.PurgeReplays(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProductVersion_RetriesOnUniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO product_versions`).
		WithArgs("shop/mug", "job-1", pgxmock.AnyArg(), fixedNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(`INSERT INTO product_versions`).
		WithArgs("shop/mug", "job-1", pgxmock.AnyArg(), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(3))

	v, err := s.SaveProductVersion(context.Background(), "shop/mug", "job-1", model.Product{Title: "Mug"})
	require.NoError(t, err)
	assert.Equal(t, 3, v.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestProductVersion_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT identity, version, job_id, product, created_at FROM product_versions`).
		WithArgs("shop/none").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LatestProductVersion(context.Background(), "shop/none")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
