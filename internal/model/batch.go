// Package model defines the core entities of the prospect research pipeline.
package model

import "time"

// JobStatus represents the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Processable reports whether the dispatcher may pick up work for a job in
// this status. Paused and cancelled jobs are left alone.
func (s JobStatus) Processable() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// ItemStatus represents the lifecycle state of a single prospect item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether the item needs no further work, given the retry
// budget. A failed item below the cap is still eligible for re-claim.
func (s ItemStatus) Terminal(retryCount, maxRetries int) bool {
	switch s {
	case ItemStatusCompleted:
		return true
	case ItemStatusFailed:
		return retryCount >= maxRetries
	default:
		return false
	}
}

// JobSettings are the per-job research options chosen at creation time.
type JobSettings struct {
	EnableWebSearch     bool `json:"enable_web_search"`
	GenerateRomyScore   bool `json:"generate_romy_score"`
	StructuredProfile   bool `json:"structured_profile"`
	IncludeRealEstate   bool `json:"include_real_estate"`
	IncludePhilanthropy bool `json:"include_philanthropy"`
}

// BatchJob is a user-initiated unit of work containing many prospects.
type BatchJob struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Name           string      `json:"name"`
	Status         JobStatus   `json:"status"`
	TotalProspects int         `json:"total_prospects"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	Settings       JobSettings `json:"settings"`
	WebhookURL     string      `json:"webhook_url,omitempty"`
	WebhookSecret  string      `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// BatchItem is one prospect's research task within a job.
type BatchItem struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	ItemIndex int        `json:"item_index"`
	Status    ItemStatus `json:"status"`
	Input     Prospect   `json:"input"`

	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	ReportContent     string   `json:"report_content,omitempty"`
	RomyScore         *float64 `json:"romy_score,omitempty"`
	CapacityRating    string   `json:"capacity_rating,omitempty"`
	EstimatedNetWorth *int64   `json:"estimated_net_worth,omitempty"`
	Sources           []Source `json:"sources,omitempty"`
	TokensUsed        int      `json:"tokens_used"`
	ModelUsed         string   `json:"model_used,omitempty"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingDurationMs  int64      `json:"processing_duration_ms"`
	LastRetryAt           *time.Time `json:"last_retry_at,omitempty"`
}

// Prospect is one normalized donor-prospect record.
type Prospect struct {
	FullName string `json:"full_name"`
	Street   string `json:"street,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	ZipCode  string `json:"zip_code,omitempty"`
	Employer string `json:"employer,omitempty"`
	Title    string `json:"title,omitempty"`
	Notes    string `json:"notes,omitempty"`

	// Fingerprint is the near-duplicate key computed by the normalizer.
	Fingerprint string `json:"fingerprint,omitempty"`
	// QualityScore in [0,1]; rows below the creation threshold are rejected.
	QualityScore float64  `json:"quality_score,omitempty"`
	QualityFlags []string `json:"quality_flags,omitempty"`
}

// Source is one citation backing a research report.
type Source struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ResearchResult is the normalized output of the research executor for one
// prospect. It is merged into the BatchItem rather than persisted on its own.
type ResearchResult struct {
	Success              bool     `json:"success"`
	ReportContent        string   `json:"report_content,omitempty"`
	RomyScore            *float64 `json:"romy_score,omitempty"`
	CapacityRating       string   `json:"capacity_rating,omitempty"`
	EstimatedNetWorth    *int64   `json:"estimated_net_worth,omitempty"`
	Sources              []Source `json:"sources,omitempty"`
	TokensUsed           int      `json:"tokens_used"`
	ModelUsed            string   `json:"model_used,omitempty"`
	ProcessingDurationMs int64    `json:"processing_duration_ms"`
	ErrorMessage         string   `json:"error_message,omitempty"`
	// NotFound marks a clean "no information located" answer. It is a
	// successful terminal outcome, not a failure.
	NotFound bool `json:"not_found,omitempty"`
}

// Progress summarizes job advancement for callers.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ProcessBatchResponse is the aggregate outcome of one dispatcher invocation.
type ProcessBatchResponse struct {
	JobID          string    `json:"job_id"`
	JobStatus      JobStatus `json:"job_status"`
	ItemsProcessed int       `json:"items_processed"`
	ItemsSucceeded int       `json:"items_succeeded"`
	ItemsFailed    int       `json:"items_failed"`
	Progress       Progress  `json:"progress"`
	HasMore        bool      `json:"has_more"`
}

// RetryItemResponse is the outcome of a synchronous single-item retry.
type RetryItemResponse struct {
	ItemID  string          `json:"item_id"`
	Status  ItemStatus      `json:"status"`
	Result  *ResearchResult `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}
