// Package store provides typed persistence for batch jobs, items, the
// valuation cache, and idempotency records. Callers never see untyped rows;
// every operation the dispatcher needs is a method here.
package store

import (
	"context"
	"time"

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

// JobStore persists batch jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.BatchJob) error
	GetJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]model.BatchJob, error)

	// UpdateJobStatus is the administrative transition path (pause, cancel).
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error

	// StartJob transitions pending → processing and stamps started_at.
	// A no-op if the job is already processing.
	StartJob(ctx context.Context, jobID string) error

	// UpdateJobCounts refreshes the completed/failed aggregates.
	UpdateJobCounts(ctx context.Context, jobID string, completed, failed int) error

	// CompleteJob conditionally transitions pending/processing → completed
	// and stamps completed_at. Returns true only for the single invocation
	// that wins the transition; callers use this to fire the completion
	// notification exactly once.
	CompleteJob(ctx context.Context, jobID string, completed, failed int) (bool, error)

	// CountActiveJobs returns the number of the user's jobs in pending or
	// processing status.
	CountActiveJobs(ctx context.Context, userID string) (int, error)
}

// ItemStore persists batch items.
type ItemStore interface {
	CreateItems(ctx context.Context, items []model.BatchItem) error
	GetItem(ctx context.Context, jobID, itemID string) (*model.BatchItem, error)
	ListItems(ctx context.Context, jobID string) ([]model.BatchItem, error)

	// ClaimItems atomically selects and marks up to limit eligible items as
	// processing: pending items first, then failed items with retry budget
	// left, both in item_index order. The status predicate is applied at
	// claim time in a single conditional update, so two concurrent
	// invocations can never claim the same item.
	ClaimItems(ctx context.Context, jobID string, limit, maxRetries int) ([]model.BatchItem, error)

	// ClaimItem claims one specific failed item for a synchronous retry.
	// Returns nil if the item is not currently claimable.
	ClaimItem(ctx context.Context, jobID, itemID string, maxRetries int) (*model.BatchItem, error)

	// RecordOutcome applies a research result: processing → completed with
	// structured fields on success, processing → failed with an incremented
	// retry count otherwise.
	RecordOutcome(ctx context.Context, itemID string, result model.ResearchResult) error

	// CountByStatus returns item counts per status for a job.
	CountByStatus(ctx context.Context, jobID string) (map[model.ItemStatus]int, error)
}

// CacheEntry is one row of the durable response cache.
type CacheEntry struct {
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	HitCount       int       `json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CacheStore is the durable layer of the valuation/response cache. Expiry is
// lazy: reads filter on expires_at rather than deleting rows eagerly.
type CacheStore interface {
	GetCache(ctx context.Context, key string) (*CacheEntry, error) // nil on miss
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// TouchCache bumps hit_count/last_accessed_at. Best effort — callers
	// fire it without blocking on the result.
	TouchCache(ctx context.Context, key string) error
	DeleteExpiredCache(ctx context.Context) (int, error)
}

// IdempotencyStatus is the lifecycle of a guarded operation.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord tracks one guarded operation by derived key.
type IdempotencyRecord struct {
	Key          string            `json:"key"`
	Status       IdempotencyStatus `json:"status"`
	Payload      []byte            `json:"payload,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// IdempotencyStore persists idempotency records.
type IdempotencyStore interface {
	// InsertIdempotencyRecord creates the record in in_progress status.
	// When a record already exists it returns created=false and the
	// existing record untouched.
	InsertIdempotencyRecord(ctx context.Context, key string) (created bool, existing *IdempotencyRecord, err error)
	ResolveIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, payload []byte, errMsg string) error
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	ItemStore
	CacheStore
	IdempotencyStore

	Migrate(ctx context.Context) error
	Close() error
}
