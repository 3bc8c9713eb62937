package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-import/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single writer connection: pragmas apply per connection and SQLite
	// serializes writes anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

// Timestamps are stored as unix nanoseconds so that retention cutoffs compare
// numerically inside conditional writes.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	dedup_key  TEXT NOT NULL,
	doc        TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key             TEXT NOT NULL,
	scope           TEXT NOT NULL,
	status          TEXT NOT NULL,
	ref             TEXT NOT NULL DEFAULT '',
	cached_response BLOB,
	error           TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (key, scope)
);

CREATE TABLE IF NOT EXISTS replay_records (
	request_id    TEXT PRIMARY KEY,
	first_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS product_versions (
	identity   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	job_id     TEXT NOT NULL,
	product    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (identity, version)
);

CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status);
CREATE INDEX IF NOT EXISTS idx_import_jobs_dedup_key ON import_jobs(dedup_key);
CREATE INDEX IF NOT EXISTS idx_replay_records_first_seen ON replay_records(first_seen_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_jobs (id, status, dedup_key, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.DedupKey, string(doc), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM import_jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	var j model.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job")
	}
	return &j, nil
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, u model.JobUpdate) (*model.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != from {
		return nil, eris.Wrapf(ErrConflict, "job %s is %s, expected %s", id, j.Status, from)
	}
	u.Apply(j)
	j.Status = to
	j.UpdatedAt = s.nowFunc().UTC()

	doc, err := json.Marshal(j)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal job")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status = ?, doc = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), string(doc), j.UpdatedAt.UnixNano(), id, string(from),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transition job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrConflict, "job %s left %s concurrently", id, from)
	}
	return j, nil
}

// --- Idempotency keys ---

func (s *SQLiteStore) CreateIdempotencyKey(ctx context.Context, rec model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, scope, status, ref, cached_response, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key, scope) DO NOTHING`,
		rec.Key, rec.Scope, string(rec.Status), rec.Ref, rec.CachedResponse, rec.Error,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: insert idempotency key")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil, nil
	}
	existing, err := s.GetIdempotencyKey(ctx, rec.Key, rec.Scope)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *SQLiteStore) GetIdempotencyKey(ctx context.Context, key, scope string) (*model.IdempotencyRecord, error) {
	var (
		rec                  model.IdempotencyRecord
		status               string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, scope, status, ref, cached_response, error, created_at, updated_at
		 FROM idempotency_keys WHERE key = ? AND scope = ?`,
		key, scope,
	).Scan(&rec.Key, &rec.Scope, &status, &rec.Ref, &rec.CachedResponse, &rec.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "idempotency key %s/%s", scope, key)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get idempotency key")
	}
	rec.Status = model.IdempotencyStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

func (s *SQLiteStore) CompareAndSetIdempotencyStatus(ctx context.Context, key, scope string, expected, next model.IdempotencyStatus, patch model.IdempotencyPatch) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = ?, ref = CASE WHEN ? = '' THEN ref ELSE ? END, cached_response = ?, error = ?, updated_at = ?
		 WHERE key = ? AND scope = ? AND status = ?`,
		string(next), patch.Ref, patch.Ref, patch.CachedResponse, patch.Error, s.nowFunc().UTC().UnixNano(),
		key, scope, string(expected),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: cas idempotency key")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// --- Replay records ---

func (s *SQLiteStore) RecordRequest(ctx context.Context, requestID string, seenAt, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_records (request_id, first_seen_at) VALUES (?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET first_seen_at = excluded.first_seen_at
		 WHERE replay_records.first_seen_at < ?`,
		requestID, seenAt.UnixNano(), cutoff.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: record request")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) PurgeReplays(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_records WHERE first_seen_at < ?`, before.UnixNano())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge replays")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Product versions ---

func (s *SQLiteStore) SaveProductVersion(ctx context.Context, identity, jobID string, p model.Product) (*model.ProductVersion, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal product")
	}
	now := s.nowFunc().UTC()

	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		var version int
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO product_versions (identity, version, job_id, product, created_at)
			 SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ? FROM product_versions WHERE identity = ?
			 RETURNING version`,
			identity, jobID, string(doc), now.UnixNano(), identity,
		).Scan(&version)
		if err == nil {
			return &model.ProductVersion{
				Identity:  identity,
				Version:   version,
				JobID:     jobID,
				Product:   p,
				CreatedAt: now,
			}, nil
		}
		if !isSQLiteConstraint(err) {
			return nil, eris.Wrap(err, "sqlite: insert product version")
		}
		lastErr = err
	}
	return nil, eris.Wrapf(lastErr, "sqlite: product version for %s kept conflicting", identity)
}

func (s *SQLiteStore) LatestProductVersion(ctx context.Context, identity string) (*model.ProductVersion, error) {
	var (
		v         model.ProductVersion
		doc       string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, version, job_id, product, created_at FROM product_versions
		 WHERE identity = ? ORDER BY version DESC LIMIT 1`,
		identity,
	).Scan(&v.Identity, &v.Version, &v.JobID, &doc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "product %s", identity)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest product version")
	}
	if err := json.Unmarshal([]byte(doc), &v.Product); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal product")
	}
	v.CreatedAt = time.Unix(0, createdAt).UTC()
	return &v, nil
}

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}

var _ Store = (*SQLiteStore)(nil)
