// Package dispatch orchestrates batch jobs: creation with normalization and
// idempotency, concurrency-limited batch processing, and single-item retry.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romy-hq/prospect-research-cli/internal/config"
	"github.com/romy-hq/prospect-research-cli/internal/idempotency"
	"github.com/romy-hq/prospect-research-cli/internal/model"
	"github.com/romy-hq/prospect-research-cli/internal/normalize"
	"github.com/romy-hq/prospect-research-cli/internal/store"
	"github.com/romy-hq/prospect-research-cli/pkg/notify"
)

// Researcher executes the research strategy for one prospect.
type Researcher interface {
	Research(ctx context.Context, p model.Prospect, settings model.JobSettings) (model.ResearchResult, error)
}

// PlanResolver reports a user's plan tier ("starter", "professional",
// "enterprise").
type PlanResolver interface {
	Plan(ctx context.Context, userID string) (string, error)
}

// CreditLedger deducts research credits. Deduct must be atomic: it either
// debits the full amount or returns an error and debits nothing.
type CreditLedger interface {
	Deduct(ctx context.Context, userID string, amount int) error
	Refund(ctx context.Context, userID string, amount int) error
}

// Dispatcher coordinates the batch pipeline.
type Dispatcher struct {
	store    store.Store
	research Researcher
	notifier notify.Notifier
	plans    PlanResolver
	credits  CreditLedger
	idem     *idempotency.Manager

	batchCfg config.BatchConfig
	planCfg  config.PlansConfig
}

// Params bundles the Dispatcher's dependencies. Plans and Credits are
// optional; a nil resolver falls back to the default concurrency and a nil
// ledger skips credit accounting (single-tenant CLI mode).
type Params struct {
	Store    store.Store
	Research Researcher
	Notifier notify.Notifier
	Plans    PlanResolver
	Credits  CreditLedger

	BatchConfig config.BatchConfig
	PlanConfig  config.PlansConfig
}

// New creates a Dispatcher.
func New(p Params) *Dispatcher {
	return &Dispatcher{
		store:    p.Store,
		research: p.Research,
		notifier: p.Notifier,
		plans:    p.Plans,
		credits:  p.Credits,
		idem:     idempotency.NewManager(p.Store),
		batchCfg: p.BatchConfig,
		planCfg:  p.PlanConfig,
	}
}

// CreateJobRequest is the input to CreateJob.
type CreateJobRequest struct {
	UserID        string
	Name          string
	Prospects     []model.Prospect
	Settings      model.JobSettings
	WebhookURL    string
	WebhookSecret string
}

// RejectedProspect is one input row dropped before job creation.
type RejectedProspect struct {
	Index    int            `json:"index"`
	Prospect model.Prospect `json:"prospect"`
	Reason   string         `json:"reason"`
}

// CreateJobResponse reports the created (or replayed) job plus the rows that
// were dropped.
type CreateJobResponse struct {
	Job      *model.BatchJob    `json:"job"`
	Rejected []RejectedProspect `json:"rejected,omitempty"`
	Replayed bool               `json:"replayed,omitempty"`
}

// CreateJob validates, normalizes, dedupes, and persists a new batch job.
// Submitting the same prospect set with the same settings replays the
// original job instead of creating a duplicate.
func (d *Dispatcher) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResponse, error) {
	if req.UserID == "" {
		return nil, eris.New("dispatch: user ID is required")
	}
	if len(req.Prospects) == 0 {
		return nil, eris.New("dispatch: at least one prospect is required")
	}
	if len(req.Prospects) > d.batchCfg.MaxProspectsPerBatch {
		return nil, eris.Errorf("dispatch: batch exceeds limit of %d prospects", d.batchCfg.MaxProspectsPerBatch)
	}

	active, err := d.store.CountActiveJobs(ctx, req.UserID)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: count active jobs")
	}
	if active >= d.batchCfg.MaxActiveJobsPerUser {
		return nil, eris.Errorf("dispatch: user has %d active jobs (limit %d)", active, d.batchCfg.MaxActiveJobsPerUser)
	}

	kept, rejected := d.prepare(req.Prospects)
	if len(kept) == 0 {
		return nil, eris.New("dispatch: no prospects remain after quality filtering")
	}

	key := jobKey(req.UserID, kept, req.Settings)
	outcome, existing, err := d.idem.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case idempotency.Replay:
		var payload struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(existing.Payload, &payload); err != nil {
			return nil, eris.Wrap(err, "dispatch: decode replayed job")
		}
		job, err := d.store.GetJob(ctx, payload.JobID)
		if err != nil {
			return nil, err
		}
		zap.L().Info("duplicate batch submission replayed",
			zap.String("job_id", job.ID),
			zap.String("user_id", req.UserID))
		return &CreateJobResponse{Job: job, Rejected: rejected, Replayed: true}, nil
	case idempotency.InFlight:
		return nil, eris.New("dispatch: identical batch submission is already in progress")
	}

	job, err := d.createJob(ctx, req, kept)
	if err != nil {
		if ferr := d.idem.Fail(ctx, key, err); ferr != nil {
			zap.L().Warn("dispatch: idempotency fail-mark failed", zap.Error(ferr))
		}
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"job_id": job.ID})
	if err := d.idem.Complete(ctx, key, payload); err != nil {
		zap.L().Warn("dispatch: idempotency complete-mark failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	zap.L().Info("batch job created",
		zap.String("job_id", job.ID),
		zap.String("user_id", req.UserID),
		zap.Int("prospects", len(kept)),
		zap.Int("rejected", len(rejected)))
	return &CreateJobResponse{Job: job, Rejected: rejected}, nil
}

// prepare normalizes rows, drops low-quality ones, and removes near
// duplicates, preserving input order.
func (d *Dispatcher) prepare(rows []model.Prospect) ([]model.Prospect, []RejectedProspect) {
	var normalized []model.Prospect
	var rejected []RejectedProspect
	for i, raw := range rows {
		p := normalize.Prospect(raw)
		if p.QualityScore < d.batchCfg.MinQualityScore {
			reason := "below quality threshold"
			if len(p.QualityFlags) > 0 {
				reason = p.QualityFlags[0]
			}
			rejected = append(rejected, RejectedProspect{Index: i, Prospect: p, Reason: reason})
			continue
		}
		normalized = append(normalized, p)
	}

	kept, dropped := normalize.Dedupe(normalized)
	for _, p := range dropped {
		rejected = append(rejected, RejectedProspect{Index: -1, Prospect: p, Reason: "duplicate"})
	}
	return kept, rejected
}

// createJob persists the job and its items, charging credits first.
func (d *Dispatcher) createJob(ctx context.Context, req CreateJobRequest, kept []model.Prospect) (*model.BatchJob, error) {
	if d.credits != nil {
		if err := d.credits.Deduct(ctx, req.UserID, len(kept)); err != nil {
			return nil, eris.Wrap(err, "dispatch: insufficient credits")
		}
	}

	job := &model.BatchJob{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Name:           req.Name,
		Status:         model.JobStatusPending,
		TotalProspects: len(kept),
		Settings:       req.Settings,
		WebhookURL:     req.WebhookURL,
		WebhookSecret:  req.WebhookSecret,
		CreatedAt:      time.Now().UTC(),
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		d.refund(ctx, req.UserID, len(kept))
		return nil, err
	}

	items := make([]model.BatchItem, len(kept))
	for i, p := range kept {
		items[i] = model.BatchItem{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			ItemIndex: i,
			Status:    model.ItemStatusPending,
			Input:     p,
		}
	}
	if err := d.store.CreateItems(ctx, items); err != nil {
		d.refund(ctx, req.UserID, len(kept))
		return nil, err
	}
	return job, nil
}

func (d *Dispatcher) refund(ctx context.Context, userID string, amount int) {
	if d.credits == nil {
		return
	}
	if err := d.credits.Refund(ctx, userID, amount); err != nil {
		zap.L().Error("dispatch: credit refund failed",
			zap.String("user_id", userID),
			zap.Int("amount", amount),
			zap.Error(err))
	}
}

// jobKey derives the idempotency key for a submission: user, ordered
// prospect fingerprints, and the settings that shape the output.
func jobKey(userID string, kept []model.Prospect, settings model.JobSettings) string {
	parts := make([]string, 0, len(kept)+2)
	parts = append(parts, userID)
	for _, p := range kept {
		parts = append(parts, p.Fingerprint)
	}
	raw, _ := json.Marshal(settings)
	parts = append(parts, string(raw))
	return idempotency.Key("create_batch", parts...)
}

// ProcessBatch runs one bounded round of work for a job: claim up to the
// plan's concurrency worth of items, research them in parallel, persist
// outcomes, refresh progress, and complete the job when nothing remains.
func (d *Dispatcher) ProcessBatch(ctx context.Context, jobID string) (*model.ProcessBatchResponse, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Processable() {
		// Paused, cancelled, and finished jobs all read as "nothing to do".
		progress, err := d.progress(ctx, job)
		if err != nil {
			return nil, err
		}
		return &model.ProcessBatchResponse{
			JobID:     job.ID,
			JobStatus: job.Status,
			Progress:  progress,
			HasMore:   false,
		}, nil
	}

	if job.Status == model.JobStatusPending {
		if err := d.store.StartJob(ctx, jobID); err != nil {
			return nil, err
		}
	}

	concurrency := d.concurrencyFor(ctx, job.UserID)
	claimed, err := d.store.ClaimItems(ctx, jobID, concurrency, d.batchCfg.MaxRetriesPerProspect)
	if err != nil {
		return nil, err
	}

	var succeeded, failed int
	if len(claimed) > 0 {
		succeeded, failed = d.processItems(ctx, job, claimed, concurrency)
	}

	return d.finishRound(ctx, job, len(claimed), succeeded, failed)
}

// processItems fans research calls out over the claimed items. A failed item
// never aborts its siblings.
func (d *Dispatcher) processItems(ctx context.Context, job *model.BatchJob, items []model.BatchItem, concurrency int) (succeeded, failed int) {
	results := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range items {
		g.Go(func() error {
			item := items[i]
			start := time.Now()
			result, err := d.research.Research(gctx, item.Input, job.Settings)
			if err != nil {
				result = model.ResearchResult{
					Success:              false,
					ErrorMessage:         err.Error(),
					ProcessingDurationMs: time.Since(start).Milliseconds(),
				}
				zap.L().Warn("prospect research failed",
					zap.String("job_id", job.ID),
					zap.String("item_id", item.ID),
					zap.Int("retry_count", item.RetryCount),
					zap.Error(err))
			}
			results[i] = result.Success

			if err := d.store.RecordOutcome(gctx, item.ID, result); err != nil {
				zap.L().Error("dispatch: record outcome failed",
					zap.String("item_id", item.ID), zap.Error(err))
				results[i] = false
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// finishRound refreshes counts, completes the job if nothing remains, and
// assembles the round response.
func (d *Dispatcher) finishRound(ctx context.Context, job *model.BatchJob, processed, succeeded, failed int) (*model.ProcessBatchResponse, error) {
	items, err := d.store.ListItems(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	completedCount, failedCount, remaining := d.tally(items)

	status := job.Status
	if status == model.JobStatusPending {
		status = model.JobStatusProcessing
	}

	if remaining == 0 {
		won, err := d.store.CompleteJob(ctx, job.ID, completedCount, failedCount)
		if err != nil {
			return nil, err
		}
		if won {
			status = model.JobStatusCompleted
			d.notifyCompleted(ctx, job, completedCount, failedCount)
		} else {
			// Someone else finished or cancelled the job meanwhile.
			current, err := d.store.GetJob(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			status = current.Status
		}
	} else if err := d.store.UpdateJobCounts(ctx, job.ID, completedCount, failedCount); err != nil {
		return nil, err
	}

	return &model.ProcessBatchResponse{
		JobID:          job.ID,
		JobStatus:      status,
		ItemsProcessed: processed,
		ItemsSucceeded: succeeded,
		ItemsFailed:    failed,
		Progress: model.Progress{
			Completed: completedCount,
			Failed:    failedCount,
			Total:     job.TotalProspects,
		},
		HasMore: remaining > 0,
	}, nil
}

// notifyCompleted fires the completion webhook. Only the CompleteJob winner
// reaches this, so delivery is attempted exactly once per job.
func (d *Dispatcher) notifyCompleted(ctx context.Context, job *model.BatchJob, completed, failed int) {
	if d.notifier == nil || job.WebhookURL == "" {
		return
	}
	event := notify.Event{
		Type:   "batch.completed",
		JobID:  job.ID,
		UserID: job.UserID,
		Data: model.Progress{
			Completed: completed,
			Failed:    failed,
			Total:     job.TotalProspects,
		},
	}
	if err := d.notifier.Notify(ctx, job.WebhookURL, job.WebhookSecret, event); err != nil {
		zap.L().Warn("completion webhook delivery failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// concurrencyFor maps the user's plan tier to a dispatcher limit. Resolver
// failures fall back to the default rather than stalling the batch.
func (d *Dispatcher) concurrencyFor(ctx context.Context, userID string) int {
	limit := d.batchCfg.DefaultConcurrency
	if limit <= 0 {
		limit = 3
	}
	if d.plans == nil {
		return limit
	}
	plan, err := d.plans.Plan(ctx, userID)
	if err != nil {
		zap.L().Warn("plan lookup failed, using default concurrency",
			zap.String("user_id", userID),
			zap.Int("concurrency", limit),
			zap.Error(err))
		return limit
	}
	if n, ok := d.planCfg.Concurrency[plan]; ok && n > 0 {
		return n
	}
	return limit
}

// tally splits a job's items into done, terminally failed, and still open.
// A failed item below the retry cap counts as open, not failed, so Progress
// means the same thing on every response path.
func (d *Dispatcher) tally(items []model.BatchItem) (completed, failed, remaining int) {
	for _, it := range items {
		switch it.Status {
		case model.ItemStatusCompleted:
			completed++
		case model.ItemStatusFailed:
			if it.RetryCount >= d.batchCfg.MaxRetriesPerProspect {
				failed++
			} else {
				remaining++
			}
		default:
			remaining++
		}
	}
	return completed, failed, remaining
}

func (d *Dispatcher) progress(ctx context.Context, job *model.BatchJob) (model.Progress, error) {
	items, err := d.store.ListItems(ctx, job.ID)
	if err != nil {
		return model.Progress{}, err
	}
	completed, failed, _ := d.tally(items)
	return model.Progress{
		Completed: completed,
		Failed:    failed,
		Total:     job.TotalProspects,
	}, nil
}

// RetryItem synchronously re-runs one item. Paused and cancelled jobs refuse
// retries; completed items, items currently processing, and items with an
// exhausted retry budget are rejected.
func (d *Dispatcher) RetryItem(ctx context.Context, jobID, itemID string) (*model.RetryItemResponse, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusPaused || job.Status == model.JobStatusCancelled {
		return nil, eris.Errorf("dispatch: cannot retry items of a %s job", job.Status)
	}

	item, err := d.store.ClaimItem(ctx, jobID, itemID, d.batchCfg.MaxRetriesPerProspect)
	if err != nil {
		return nil, err
	}
	if item == nil {
		current, err := d.store.GetItem(ctx, jobID, itemID)
		if err != nil {
			return nil, err
		}
		return &model.RetryItemResponse{
			ItemID:  itemID,
			Status:  current.Status,
			Message: retryRejection(current, d.batchCfg.MaxRetriesPerProspect),
		}, nil
	}

	result, rerr := d.research.Research(ctx, item.Input, job.Settings)
	if rerr != nil {
		result = model.ResearchResult{Success: false, ErrorMessage: rerr.Error()}
	}
	if err := d.store.RecordOutcome(ctx, item.ID, result); err != nil {
		return nil, err
	}

	// Refresh counts and complete the job if this was the last open item.
	if _, err := d.finishRound(ctx, job, 1, 0, 0); err != nil {
		zap.L().Warn("dispatch: post-retry bookkeeping failed",
			zap.String("job_id", jobID), zap.Error(err))
	}

	status := model.ItemStatusCompleted
	if !result.Success {
		status = model.ItemStatusFailed
	}
	return &model.RetryItemResponse{
		ItemID: itemID,
		Status: status,
		Result: &result,
	}, nil
}

func retryRejection(item *model.BatchItem, maxRetries int) string {
	switch item.Status {
	case model.ItemStatusCompleted:
		return "item already completed"
	case model.ItemStatusProcessing:
		return "item is currently processing"
	case model.ItemStatusFailed:
		if item.RetryCount >= maxRetries {
			return "retry budget exhausted"
		}
	}
	return "item is not retryable"
}

// PauseJob stops further dispatching for a pending or processing job.
// In-flight items finish; no new items are claimed.
func (d *Dispatcher) PauseJob(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Processable() {
		return eris.Errorf("dispatch: cannot pause job in status %s", job.Status)
	}
	return d.store.UpdateJobStatus(ctx, jobID, model.JobStatusPaused)
}

// ResumeJob returns a paused job to the dispatchable pool.
func (d *Dispatcher) ResumeJob(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPaused {
		return eris.Errorf("dispatch: cannot resume job in status %s", job.Status)
	}
	return d.store.UpdateJobStatus(ctx, jobID, model.JobStatusProcessing)
}

// CancelJob terminally stops a job that has not finished.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		return eris.Errorf("dispatch: cannot cancel job in status %s", job.Status)
	}
	return d.store.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled)
}
