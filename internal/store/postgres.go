package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-import/internal/db"
	"github.com/sells-group/catalog-import/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
	// prepared is set when every connection carries preparedStatements.
	prepared bool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
	// Prepare enables per-connection prepared statements. The schema must
	// already exist, so the migrate command leaves it off.
	Prepare bool `yaml:"prepare" mapstructure:"prepare"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_job":           getJobSQL,
	"transition_job":    transitionJobSQL,
	"record_request":    recordRequestSQL,
	"insert_idem_key":   insertIdempotencySQL,
	"cas_idem_key":      casIdempotencySQL,
	"get_idem_key":      getIdempotencySQL,
	"insert_product_vn": insertProductVersionSQL,
}

const (
	getJobSQL = `SELECT doc FROM import_jobs WHERE id = $1`

	transitionJobSQL = `UPDATE import_jobs SET status = $1, doc = $2, updated_at = $3 WHERE id = $4 AND status = $5`

	recordRequestSQL = `INSERT INTO replay_records (request_id, first_seen_at) VALUES ($1, $2)
ON CONFLICT (request_id) DO UPDATE SET first_seen_at = EXCLUDED.first_seen_at
WHERE replay_records.first_seen_at < $3`

	insertIdempotencySQL = `INSERT INTO idempotency_keys (key, scope, status, ref, cached_response, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key, scope) DO NOTHING`

	casIdempotencySQL = `UPDATE idempotency_keys
SET status = $1, ref = COALESCE(NULLIF($2, ''), ref), cached_response = $3, error = $4, updated_at = $5
WHERE key = $6 AND scope = $7 AND status = $8`

	getIdempotencySQL = `SELECT key, scope, status, ref, cached_response, error, created_at, updated_at
FROM idempotency_keys WHERE key = $1 AND scope = $2`

	insertProductVersionSQL = `INSERT INTO product_versions (identity, version, job_id, product, created_at)
SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4 FROM product_versions WHERE identity = $1
RETURNING version`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	prepared := poolCfg != nil && poolCfg.Prepare
	if prepared {
		prepareStatements(pgxCfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, nowFunc: time.Now, prepared: prepared}, nil
}

// query returns the statement to run for name: the prepared statement name
// when connections carry it, else its SQL text.
func (s *PostgresStore) query(name string) string {
	if s.prepared {
		return name
	}
	return preparedStatements[name]
}

// prepareStatements installs an AfterConnect hook preparing the hot
// statements on every new connection.
func prepareStatements(cfg *pgxpool.Config) {
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	dedup_key  TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key             TEXT NOT NULL,
	scope           TEXT NOT NULL,
	status          TEXT NOT NULL,
	ref             TEXT NOT NULL DEFAULT '',
	cached_response BYTEA,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (key, scope)
);

CREATE TABLE IF NOT EXISTS replay_records (
	request_id    TEXT PRIMARY KEY,
	first_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS product_versions (
	identity   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	job_id     TEXT NOT NULL,
	product    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity, version)
);

CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status);
CREATE INDEX IF NOT EXISTS idx_import_jobs_dedup_key ON import_jobs(dedup_key);
CREATE INDEX IF NOT EXISTS idx_replay_records_first_seen ON replay_records(first_seen_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_jobs (id, status, dedup_key, doc, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, string(job.Status), job.DedupKey, doc, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, s.query("get_job"), id).Scan(&doc)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	var j model.Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job")
	}
	return &j, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, u model.JobUpdate) (*model.Job, error) {
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
		return nil, eris.Wrap(err, "postgres: marshal job")
	}
	tag, err := s.pool.Exec(ctx, s.query("transition_job"),
		string(to), doc, j.UpdatedAt, id, string(from),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: transition job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrConflict, "job %s left %s concurrently", id, from)
	}
	return j, nil
}

// --- Idempotency keys ---

func (s *PostgresStore) CreateIdempotencyKey(ctx context.Context, rec model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error) {
	tag, err := s.pool.Exec(ctx, s.query("insert_idem_key"),
		rec.Key, rec.Scope, string(rec.Status), rec.Ref, rec.CachedResponse, rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: insert idempotency key")
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}
	existing, err := s.GetIdempotencyKey(ctx, rec.Key, rec.Scope)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *PostgresStore) GetIdempotencyKey(ctx context.Context, key, scope string) (*model.IdempotencyRecord, error) {
	var (
		rec    model.IdempotencyRecord
		status string
	)
	err := s.pool.QueryRow(ctx, s.query("get_idem_key"), key, scope).Scan(
		&rec.Key, &rec.Scope, &status, &rec.Ref, &rec.CachedResponse, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "idempotency key %s/%s", scope, key)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get idempotency key")
	}
	rec.Status = model.IdempotencyStatus(status)
	return &rec, nil
}

func (s *PostgresStore) CompareAndSetIdempotencyStatus(ctx context.Context, key, scope string, expected, next model.IdempotencyStatus, patch model.IdempotencyPatch) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.query("cas_idem_key"),
		string(next), patch.Ref, patch.CachedResponse, patch.Error, s.nowFunc().UTC(),
		key, scope, string(expected),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: cas idempotency key")
	}
	return tag.RowsAffected() == 1, nil
}

// --- Replay records ---

func (s *PostgresStore) RecordRequest(ctx context.Context, requestID string, seenAt, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.query("record_request"), requestID, seenAt, cutoff)
	if err != nil {
		return false, eris.Wrap(err, "postgres: record request")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) PurgeReplays(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM replay_records WHERE first_seen_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge replays")
	}
	return tag.RowsAffected(), nil
}

// --- Product versions ---

func (s *PostgresStore) SaveProductVersion(ctx context.Context, identity, jobID string, p model.Product) (*model.ProductVersion, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal product")
	}
	now := s.nowFunc().UTC()

	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		var version int
		err = s.pool.QueryRow(ctx, s.query("insert_product_vn"), identity, jobID, doc, now).Scan(&version)
		if err == nil {
			return &model.ProductVersion{
				Identity:  identity,
				Version:   version,
				JobID:     jobID,
				Product:   p,
				CreatedAt: now,
			}, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, eris.Wrap(err, "postgres: insert product version")
		}
		lastErr = err
	}
	return nil, eris.Wrapf(lastErr, "postgres: product version for %s kept conflicting", identity)
}

func (s *PostgresStore) LatestProductVersion(ctx context.Context, identity string) (*model.ProductVersion, error) {
	var (
		v   model.ProductVersion
		doc []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT identity, version, job_id, product, created_at FROM product_versions
		 WHERE identity = $1 ORDER BY version DESC LIMIT 1`,
		identity,
	).Scan(&v.Identity, &v.Version, &v.JobID, &doc, &v.CreatedAt)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "product %s", identity)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest product version")
	}
	if err := json.Unmarshal(doc, &v.Product); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal product")
	}
	return &v, nil
}

var _ Store = (*PostgresStore)(nil)
