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

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. It backs the CLI's
// single-machine mode; claims rely on SQLite's writer serialization instead
// of row locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time keeps claim transactions serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", p)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	total_prospects INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	settings        TEXT NOT NULL DEFAULT '{}',
	webhook_url     TEXT NOT NULL DEFAULT '',
	webhook_secret  TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS batch_items (
	id                      TEXT PRIMARY KEY,
	job_id                  TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
	item_index              INTEGER NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'pending',
	input                   TEXT NOT NULL,
	retry_count             INTEGER NOT NULL DEFAULT 0,
	error_message           TEXT NOT NULL DEFAULT '',
	report_content          TEXT NOT NULL DEFAULT '',
	romy_score              REAL,
	capacity_rating         TEXT NOT NULL DEFAULT '',
	estimated_net_worth     INTEGER,
	sources                 TEXT NOT NULL DEFAULT '[]',
	tokens_used             INTEGER NOT NULL DEFAULT 0,
	model_used              TEXT NOT NULL DEFAULT '',
	processing_started_at   TIMESTAMP,
	processing_completed_at TIMESTAMP,
	processing_duration_ms  INTEGER NOT NULL DEFAULT 0,
	last_retry_at           TIMESTAMP,
	UNIQUE (job_id, item_index)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key              TEXT PRIMARY KEY,
	value            TEXT NOT NULL,
	hit_count        INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key           TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'in_progress',
	payload       TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_user_status ON batch_jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_batch_items_job_status ON batch_items(job_id, status);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.BatchJob) error {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal settings")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (id, user_id, name, status, total_prospects, settings, webhook_url, webhook_secret, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Name, string(job.Status), job.TotalProspects,
		string(settings), job.WebhookURL, job.WebhookSecret, job.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = ?`, jobID)
	job, err := scanJobSQL(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("job not found: %s", jobID)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID string, limit int) ([]model.BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.BatchJob
	for rows.Next() {
		job, err := scanJobSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ? WHERE id = ?`, string(status), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *SQLiteStore) StartJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = 'processing', started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "sqlite: start job %s", jobID)
}

func (s *SQLiteStore) UpdateJobCounts(ctx context.Context, jobID string, completed, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET completed_count = ?, failed_count = ? WHERE id = ?`,
		completed, failed, jobID,
	)
	return eris.Wrapf(err, "sqlite: update job counts %s", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, completed, failed int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = 'completed', completed_at = ?, completed_count = ?, failed_count = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		time.Now().UTC(), completed, failed, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: complete job rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM batch_jobs WHERE user_id = ? AND status IN ('pending', 'processing')`,
		userID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count active jobs")
}

// --- items ---

func (s *SQLiteStore) CreateItems(ctx context.Context, items []model.BatchItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_items (id, job_id, item_index, status, input) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert item")
	}
	defer stmt.Close()

	for _, item := range items {
		input, err := json.Marshal(item.Input)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal item input")
		}
		if _, err := stmt.ExecContext(ctx, item.ID, item.JobID, item.ItemIndex, string(item.Status), string(input)); err != nil {
			return eris.Wrapf(err, "sqlite: insert item %d", item.ItemIndex)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit items")
}

func (s *SQLiteStore) GetItem(ctx context.Context, jobID, itemID string) (*model.BatchItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM batch_items WHERE id = ? AND job_id = ?`, itemID, jobID)
	item, err := scanItemSQL(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("item not found: %s", itemID)
		}
		return nil, eris.Wrapf(err, "sqlite: get item %s", itemID)
	}
	return item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, jobID string) ([]model.BatchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM batch_items WHERE job_id = ? ORDER BY item_index`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()
	return collectItemsSQL(rows)
}

// ClaimItems selects eligible ids and marks them processing inside one
// transaction. The eligibility predicate is repeated in the UPDATE so a row
// that changed between statements is dropped rather than double-claimed.
func (s *SQLiteStore) ClaimItems(ctx context.Context, jobID string, limit, maxRetries int) ([]model.BatchItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM batch_items
		 WHERE job_id = ? AND (status = 'pending' OR (status = 'failed' AND retry_count < ?))
		 ORDER BY (status = 'failed'), item_index
		 LIMIT ?`,
		jobID, maxRetries, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select claimable")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan claimable id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate claimable")
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_items SET status = 'processing', processing_started_at = ?
			 WHERE id = ? AND (status = 'pending' OR (status = 'failed' AND retry_count < ?))`,
			now, id, maxRetries,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim item %s", id)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}

	items := make([]model.BatchItem, 0, len(claimed))
	for _, id := range claimed {
		row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM batch_items WHERE id = ?`, id)
		item, err := scanItemSQL(row)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: reload claimed item %s", id)
		}
		items = append(items, *item)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return items, nil
}

func (s *SQLiteStore) ClaimItem(ctx context.Context, jobID, itemID string, maxRetries int) (*model.BatchItem, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = 'processing', processing_started_at = ?
		 WHERE id = ? AND job_id = ?
		   AND (status = 'pending' OR (status = 'failed' AND retry_count < ?))`,
		time.Now().UTC(), itemID, jobID, maxRetries,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim item %s", itemID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetItem(ctx, jobID, itemID)
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, itemID string, result model.ResearchResult) error {
	now := time.Now().UTC()
	if result.Success {
		sources, err := json.Marshal(result.Sources)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal sources")
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE batch_items SET status = 'completed', report_content = ?, romy_score = ?,
				capacity_rating = ?, estimated_net_worth = ?, sources = ?, tokens_used = ?,
				model_used = ?, processing_completed_at = ?, processing_duration_ms = ?,
				error_message = ''
			 WHERE id = ?`,
			result.ReportContent, result.RomyScore, result.CapacityRating,
			result.EstimatedNetWorth, string(sources), result.TokensUsed,
			result.ModelUsed, now, result.ProcessingDurationMs, itemID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: record success %s", itemID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Errorf("item not found: %s", itemID)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = 'failed', retry_count = retry_count + 1,
			error_message = ?, tokens_used = ?, model_used = ?,
			processing_completed_at = ?, processing_duration_ms = ?, last_retry_at = ?
		 WHERE id = ?`,
		result.ErrorMessage, result.TokensUsed, result.ModelUsed,
		now, result.ProcessingDurationMs, now, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record failure %s", itemID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("item not found: %s", itemID)
	}
	return nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, jobID string) (map[model.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM batch_items WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.ItemStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

// --- cache ---

func (s *SQLiteStore) GetCache(ctx context.Context, key string) (*CacheEntry, error) {
	var e CacheEntry
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, hit_count, created_at, last_accessed_at, expires_at
		 FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&e.Key, &value, &e.HitCount, &e.CreatedAt, &e.LastAccessedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache")
	}
	e.Value = []byte(value)
	return &e, nil
}

func (s *SQLiteStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, hit_count, created_at, last_accessed_at, expires_at)
		 VALUES (?, ?, 0, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at,
		   created_at = excluded.created_at, hit_count = 0`,
		key, string(value), now, now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cache")
}

func (s *SQLiteStore) TouchCache(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed_at = ? WHERE key = ?`,
		time.Now().UTC(), key,
	)
	return eris.Wrap(err, "sqlite: touch cache")
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: expired cache rows affected")
	}
	return int(n), nil
}

// --- idempotency ---

func (s *SQLiteStore) InsertIdempotencyRecord(ctx context.Context, key string) (bool, *IdempotencyRecord, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, status, created_at, updated_at)
		 VALUES (?, 'in_progress', ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, now, now,
	)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: insert idempotency record")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil, nil
	}

	var rec IdempotencyRecord
	var payload string
	err = s.db.QueryRowContext(ctx,
		`SELECT key, status, payload, error_message, created_at, updated_at
		 FROM idempotency_records WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.Status, &payload, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: get idempotency record")
	}
	rec.Payload = []byte(payload)
	return false, &rec, nil
}

func (s *SQLiteStore) ResolveIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, payload []byte, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, payload = ?, error_message = ?, updated_at = ?
		 WHERE key = ?`,
		string(status), string(payload), errMsg, time.Now().UTC(), key,
	)
	return eris.Wrap(err, "sqlite: resolve idempotency record")
}

// --- scanning helpers (database/sql nullability differs from pgx) ---

func scanJobSQL(row scannable) (*model.BatchJob, error) {
	var j model.BatchJob
	var status, settings string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.UserID, &j.Name, &status, &j.TotalProspects, &j.CompletedCount,
		&j.FailedCount, &settings, &j.WebhookURL, &j.WebhookSecret,
		&j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &j.Settings); err != nil {
			return nil, eris.Wrap(err, "unmarshal settings")
		}
	}
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

func scanItemSQL(row scannable) (*model.BatchItem, error) {
	var it model.BatchItem
	var status, input, sources string
	var romyScore sql.NullFloat64
	var netWorth sql.NullInt64
	var startedAt, completedAt, lastRetryAt sql.NullTime
	err := row.Scan(
		&it.ID, &it.JobID, &it.ItemIndex, &status, &input, &it.RetryCount,
		&it.ErrorMessage, &it.ReportContent, &romyScore, &it.CapacityRating,
		&netWorth, &sources, &it.TokensUsed, &it.ModelUsed,
		&startedAt, &completedAt, &it.ProcessingDurationMs, &lastRetryAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	if input != "" {
		if err := json.Unmarshal([]byte(input), &it.Input); err != nil {
			return nil, eris.Wrap(err, "unmarshal item input")
		}
	}
	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &it.Sources); err != nil {
			return nil, eris.Wrap(err, "unmarshal item sources")
		}
	}
	if romyScore.Valid {
		it.RomyScore = &romyScore.Float64
	}
	if netWorth.Valid {
		it.EstimatedNetWorth = &netWorth.Int64
	}
	it.ProcessingStartedAt = timePtr(startedAt)
	it.ProcessingCompletedAt = timePtr(completedAt)
	it.LastRetryAt = timePtr(lastRetryAt)
	return &it, nil
}

func collectItemsSQL(rows *sql.Rows) ([]model.BatchItem, error) {
	var items []model.BatchItem
	for rows.Next() {
		item, err := scanItemSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Open selects the backing store from a driver name and DSN.
func Open(ctx context.Context, driver, dsn string, pool *PoolConfig) (Store, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return NewPostgres(ctx, dsn, pool)
	case "sqlite", "sqlite3", "":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", driver)
	}
}
