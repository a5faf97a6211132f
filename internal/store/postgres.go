package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool used by the store. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot dispatcher path.
var preparedStatements = map[string]string{
	"get_job":         getJobSQL,
	"claim_items":     claimItemsSQL,
	"count_by_status": countByStatusSQL,
	"record_success":  recordSuccessSQL,
	"record_failure":  recordFailureSQL,
	"get_cache":       getCacheSQL,
	"touch_cache":     touchCacheSQL,
}

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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	total_prospects INT  NOT NULL DEFAULT 0,
	completed_count INT  NOT NULL DEFAULT 0,
	failed_count    INT  NOT NULL DEFAULT 0,
	settings        JSONB NOT NULL DEFAULT '{}',
	webhook_url     TEXT NOT NULL DEFAULT '',
	webhook_secret  TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS batch_items (
	id                      TEXT PRIMARY KEY,
	job_id                  TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
	item_index              INT  NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'pending',
	input                   JSONB NOT NULL,
	retry_count             INT  NOT NULL DEFAULT 0,
	error_message           TEXT NOT NULL DEFAULT '',
	report_content          TEXT NOT NULL DEFAULT '',
	romy_score              DOUBLE PRECISION,
	capacity_rating         TEXT NOT NULL DEFAULT '',
	estimated_net_worth     BIGINT,
	sources                 JSONB NOT NULL DEFAULT '[]',
	tokens_used             INT NOT NULL DEFAULT 0,
	model_used              TEXT NOT NULL DEFAULT '',
	processing_started_at   TIMESTAMPTZ,
	processing_completed_at TIMESTAMPTZ,
	processing_duration_ms  BIGINT NOT NULL DEFAULT 0,
	last_retry_at           TIMESTAMPTZ,
	UNIQUE (job_id, item_index)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key              TEXT PRIMARY KEY,
	value            TEXT NOT NULL,
	hit_count        INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key           TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'in_progress',
	payload       TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_user_status ON batch_jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_batch_items_job_status ON batch_items(job_id, status);
CREATE INDEX IF NOT EXISTS idx_batch_items_job_index ON batch_items(job_id, item_index);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- jobs ---

const jobColumns = `id, user_id, name, status, total_prospects, completed_count, failed_count,
	settings, webhook_url, webhook_secret, created_at, started_at, completed_at`

const getJobSQL = `SELECT id, user_id, name, status, total_prospects, completed_count, failed_count,
	settings, webhook_url, webhook_secret, created_at, started_at, completed_at
	FROM batch_jobs WHERE id = $1`

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.BatchJob) error {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal settings")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, user_id, name, status, total_prospects, settings, webhook_url, webhook_secret, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.UserID, job.Name, string(job.Status), job.TotalProspects,
		settings, job.WebhookURL, job.WebhookSecret, job.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	row := s.pool.QueryRow(ctx, getJobSQL, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("job not found: %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string, limit int) ([]model.BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = $1 WHERE id = $2`,
		string(status), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = 'processing', started_at = COALESCE(started_at, now())
		 WHERE id = $1 AND status = 'pending'`,
		jobID,
	)
	return eris.Wrapf(err, "postgres: start job %s", jobID)
}

func (s *PostgresStore) UpdateJobCounts(ctx context.Context, jobID string, completed, failed int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET completed_count = $1, failed_count = $2 WHERE id = $3`,
		completed, failed, jobID,
	)
	return eris.Wrapf(err, "postgres: update job counts %s", jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, completed, failed int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = 'completed', completed_at = now(), completed_count = $1, failed_count = $2
		 WHERE id = $3 AND status IN ('pending', 'processing')`,
		completed, failed, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM batch_jobs WHERE user_id = $1 AND status IN ('pending', 'processing')`,
		userID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count active jobs")
}

// --- items ---

const itemColumns = `id, job_id, item_index, status, input, retry_count, error_message,
	report_content, romy_score, capacity_rating, estimated_net_worth, sources,
	tokens_used, model_used, processing_started_at, processing_completed_at,
	processing_duration_ms, last_retry_at`

// claimItemsSQL selects and marks eligible items in one statement. The
// eligibility predicate lives inside the locking CTE so a row claimed by a
// concurrent invocation is skipped, never double-claimed.
const claimItemsSQL = `
WITH eligible AS (
	SELECT id FROM batch_items
	WHERE job_id = $1
	  AND (status = 'pending' OR (status = 'failed' AND retry_count < $3))
	ORDER BY (status = 'failed') ASC, item_index ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE batch_items b
SET status = 'processing', processing_started_at = now()
FROM eligible e
WHERE b.id = e.id
RETURNING b.id, b.job_id, b.item_index, b.status, b.input, b.retry_count, b.error_message,
	b.report_content, b.romy_score, b.capacity_rating, b.estimated_net_worth, b.sources,
	b.tokens_used, b.model_used, b.processing_started_at, b.processing_completed_at,
	b.processing_duration_ms, b.last_retry_at`

const countByStatusSQL = `SELECT status, count(*) FROM batch_items WHERE job_id = $1 GROUP BY status`

const recordSuccessSQL = `
UPDATE batch_items SET status = 'completed', report_content = $2, romy_score = $3,
	capacity_rating = $4, estimated_net_worth = $5, sources = $6, tokens_used = $7,
	model_used = $8, processing_completed_at = now(), processing_duration_ms = $9,
	error_message = ''
WHERE id = $1`

const recordFailureSQL = `
UPDATE batch_items SET status = 'failed', retry_count = retry_count + 1, error_message = $2,
	tokens_used = $3, model_used = $4, processing_completed_at = now(),
	processing_duration_ms = $5, last_retry_at = now()
WHERE id = $1`

func (s *PostgresStore) CreateItems(ctx context.Context, items []model.BatchItem) error {
	for _, item := range items {
		input, err := json.Marshal(item.Input)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal item input")
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO batch_items (id, job_id, item_index, status, input)
			 VALUES ($1, $2, $3, $4, $5)`,
			item.ID, item.JobID, item.ItemIndex, string(item.Status), input,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert item %d", item.ItemIndex)
		}
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, jobID, itemID string) (*model.BatchItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM batch_items WHERE id = $1 AND job_id = $2`,
		itemID, jobID,
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("item not found: %s", itemID)
		}
		return nil, eris.Wrapf(err, "postgres: get item %s", itemID)
	}
	return item, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, jobID string) ([]model.BatchItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM batch_items WHERE job_id = $1 ORDER BY item_index`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *PostgresStore) ClaimItems(ctx context.Context, jobID string, limit, maxRetries int) ([]model.BatchItem, error) {
	rows, err := s.pool.Query(ctx, claimItemsSQL, jobID, limit, maxRetries)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim items")
	}
	defer rows.Close()

	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed; restore deterministic order.
	sort.Slice(items, func(i, j int) bool { return items[i].ItemIndex < items[j].ItemIndex })
	return items, nil
}

func (s *PostgresStore) ClaimItem(ctx context.Context, jobID, itemID string, maxRetries int) (*model.BatchItem, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE batch_items SET status = 'processing', processing_started_at = now()
		 WHERE id = $1 AND job_id = $2
		   AND (status = 'pending' OR (status = 'failed' AND retry_count < $3))
		 RETURNING `+itemColumns,
		itemID, jobID, maxRetries,
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: claim item %s", itemID)
	}
	return item, nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, itemID string, result model.ResearchResult) error {
	if result.Success {
		sources, err := json.Marshal(result.Sources)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal sources")
		}
		tag, err := s.pool.Exec(ctx, recordSuccessSQL,
			itemID, result.ReportContent, result.RomyScore, result.CapacityRating,
			result.EstimatedNetWorth, sources, result.TokensUsed, result.ModelUsed,
			result.ProcessingDurationMs,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: record success %s", itemID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("item not found: %s", itemID)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, recordFailureSQL,
		itemID, result.ErrorMessage, result.TokensUsed, result.ModelUsed,
		result.ProcessingDurationMs,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record failure %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, jobID string) (map[model.ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx, countByStatusSQL, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.ItemStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

// --- cache ---

const getCacheSQL = `SELECT key, value, hit_count, created_at, last_accessed_at, expires_at
	FROM cache_entries WHERE key = $1 AND expires_at > now()`

const touchCacheSQL = `UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed_at = now() WHERE key = $1`

func (s *PostgresStore) GetCache(ctx context.Context, key string) (*CacheEntry, error) {
	var e CacheEntry
	var value string
	err := s.pool.QueryRow(ctx, getCacheSQL, key).Scan(
		&e.Key, &value, &e.HitCount, &e.CreatedAt, &e.LastAccessedAt, &e.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache")
	}
	e.Value = []byte(value)
	return &e, nil
}

func (s *PostgresStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at,
		   created_at = now(), hit_count = 0`,
		key, string(value), ttl,
	)
	return eris.Wrap(err, "postgres: set cache")
}

func (s *PostgresStore) TouchCache(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, touchCacheSQL, key)
	return eris.Wrap(err, "postgres: touch cache")
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return int(tag.RowsAffected()), nil
}

// --- idempotency ---

func (s *PostgresStore) InsertIdempotencyRecord(ctx context.Context, key string) (bool, *IdempotencyRecord, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_records (key, status) VALUES ($1, 'in_progress')
		 ON CONFLICT (key) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: insert idempotency record")
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	var rec IdempotencyRecord
	var payload string
	err = s.pool.QueryRow(ctx,
		`SELECT key, status, payload, error_message, created_at, updated_at
		 FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.Status, &payload, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: get idempotency record")
	}
	rec.Payload = []byte(payload)
	return false, &rec, nil
}

func (s *PostgresStore) ResolveIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, payload []byte, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_records SET status = $1, payload = $2, error_message = $3, updated_at = now()
		 WHERE key = $4`,
		string(status), string(payload), errMsg, key,
	)
	return eris.Wrap(err, "postgres: resolve idempotency record")
}

// --- scanning helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.BatchJob, error) {
	var j model.BatchJob
	var status string
	var settings []byte
	err := row.Scan(
		&j.ID, &j.UserID, &j.Name, &status, &j.TotalProspects, &j.CompletedCount,
		&j.FailedCount, &settings, &j.WebhookURL, &j.WebhookSecret,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &j.Settings); err != nil {
			return nil, eris.Wrap(err, "unmarshal settings")
		}
	}
	return &j, nil
}

func scanItem(row scannable) (*model.BatchItem, error) {
	var it model.BatchItem
	var status string
	var input, sources []byte
	err := row.Scan(
		&it.ID, &it.JobID, &it.ItemIndex, &status, &input, &it.RetryCount,
		&it.ErrorMessage, &it.ReportContent, &it.RomyScore, &it.CapacityRating,
		&it.EstimatedNetWorth, &sources, &it.TokensUsed, &it.ModelUsed,
		&it.ProcessingStartedAt, &it.ProcessingCompletedAt,
		&it.ProcessingDurationMs, &it.LastRetryAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	if len(input) > 0 {
		if err := json.Unmarshal(input, &it.Input); err != nil {
			return nil, eris.Wrap(err, "unmarshal item input")
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &it.Sources); err != nil {
			return nil, eris.Wrap(err, "unmarshal item sources")
		}
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]model.BatchItem, error) {
	var items []model.BatchItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}
