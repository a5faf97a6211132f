package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM batch_jobs WHERE id = \$1`).
		WithArgs("nonexistent-job").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent-job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO batch_jobs`).
		WithArgs("job-1", "user-1", "Spring Gala", "pending", 5,
			pgxmock.AnyArg(), "", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateJob(context.Background(), &model.BatchJob{
		ID:             "job-1",
		UserID:         "user-1",
		Name:           "Spring Gala",
		Status:         model.JobStatusPending,
		TotalProspects: 5,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_WinsOnce(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_jobs SET status = 'completed'`).
		WithArgs(4, 1, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	won, err := s.CompleteJob(context.Background(), "job-1", 4, 1)
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_AlreadyCompleted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_jobs SET status = 'completed'`).
		WithArgs(4, 1, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err := s.CompleteJob(context.Background(), "job-1", 4, 1)
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimItems_EmptyJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("job-1", 5, 3).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "item_index", "status", "input", "retry_count",
			"error_message", "report_content", "romy_score", "capacity_rating",
			"estimated_net_worth", "sources", "tokens_used", "model_used",
			"processing_started_at", "processing_completed_at",
			"processing_duration_ms", "last_retry_at",
		}))

	items, err := s.ClaimItems(context.Background(), "job-1", 5, 3)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimItem_NotClaimable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE batch_items SET status = 'processing'`).
		WithArgs("item-1", "job-1", 3).
		WillReturnError(pgx.ErrNoRows)

	item, err := s.ClaimItem(context.Background(), "job-1", "item-1", 3)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordOutcome_Failure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_items SET status = 'failed', retry_count = retry_count \+ 1`).
		WithArgs("item-1", "backend unavailable", 120, "sonar-pro", int64(900)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordOutcome(context.Background(), "item-1", model.ResearchResult{
		Success:              false,
		ErrorMessage:         "backend unavailable",
		TokensUsed:           120,
		ModelUsed:            "sonar-pro",
		ProcessingDurationMs: 900,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCache_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, value, hit_count, created_at, last_accessed_at, expires_at`).
		WithArgs("unknown-key").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCache(context.Background(), "unknown-key")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetCache_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs("key-1", `{"value":42}`, 24*time.Hour).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetCache(context.Background(), "key-1", []byte(`{"value":42}`), 24*time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertIdempotencyRecord_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("idem-key").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	created, existing, err := s.InsertIdempotencyRecord(context.Background(), "idem-key")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertIdempotencyRecord_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("idem-key").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT key, status, payload, error_message, created_at, updated_at`).
		WithArgs("idem-key").
		WillReturnRows(pgxmock.NewRows([]string{"key", "status", "payload", "error_message", "created_at", "updated_at"}).
			AddRow("idem-key", "completed", `{"job_id":"job-1"}`, "", now, now))

	created, existing, err := s.InsertIdempotencyRecord(context.Background(), "idem-key")
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, IdempotencyCompleted, existing.Status)
	assert.JSONEq(t, `{"job_id":"job-1"}`, string(existing.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}
