package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romy-hq/prospect-research-cli/internal/config"
	"github.com/romy-hq/prospect-research-cli/internal/model"
	"github.com/romy-hq/prospect-research-cli/internal/store"
	"github.com/romy-hq/prospect-research-cli/pkg/notify"
)

// fakeResearcher succeeds by default; names listed in failing always error.
type fakeResearcher struct {
	mu      sync.Mutex
	calls   int
	failing map[string]bool
}

func (f *fakeResearcher) Research(_ context.Context, p model.Prospect, _ model.JobSettings) (model.ResearchResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failing[p.FullName]
	f.mu.Unlock()
	if fail {
		return model.ResearchResult{}, errors.New("backend unavailable")
	}
	return model.ResearchResult{
		Success:       true,
		ReportContent: "report for " + p.FullName,
		TokensUsed:    100,
		ModelUsed:     "sonar-pro",
	}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ context.Context, _, _ string, event notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakePlans struct {
	plan string
	err  error
}

func (f *fakePlans) Plan(_ context.Context, _ string) (string, error) {
	return f.plan, f.err
}

type fakeLedger struct {
	mu       sync.Mutex
	balance  int
	deducted int
	refunded int
}

func (f *fakeLedger) Deduct(_ context.Context, _ string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount > f.balance {
		return errors.New("insufficient credits")
	}
	f.balance -= amount
	f.deducted += amount
	return nil
}

func (f *fakeLedger) Refund(_ context.Context, _ string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	f.refunded += amount
	return nil
}

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{
		MaxProspectsPerBatch:  500,
		MaxActiveJobsPerUser:  3,
		MaxRetriesPerProspect: 3,
		DefaultConcurrency:    2,
		MinQualityScore:       0.3,
	}
}

func testPlanConfig() config.PlansConfig {
	return config.PlansConfig{Concurrency: map[string]int{
		"starter":      3,
		"professional": 5,
		"enterprise":   8,
	}}
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.SQLiteStore
	research   *fakeResearcher
	notifier   *fakeNotifier
	ledger     *fakeLedger
	plans      *fakePlans
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		store:    st,
		research: &fakeResearcher{failing: map[string]bool{}},
		notifier: &fakeNotifier{},
		ledger:   &fakeLedger{balance: 1000},
		plans:    &fakePlans{plan: "starter"},
	}
	f.dispatcher = New(Params{
		Store:       st,
		Research:    f.research,
		Notifier:    f.notifier,
		Plans:       f.plans,
		Credits:     f.ledger,
		BatchConfig: testBatchConfig(),
		PlanConfig:  testPlanConfig(),
	})
	return f
}

func prospects(names ...string) []model.Prospect {
	out := make([]model.Prospect, len(names))
	for i, n := range names {
		out[i] = model.Prospect{FullName: n, City: "Austin", State: "TX", Employer: "Acme"}
	}
	return out
}

func createJob(t *testing.T, f *fixture, names ...string) *model.BatchJob {
	t.Helper()
	resp, err := f.dispatcher.CreateJob(context.Background(), CreateJobRequest{
		UserID:     "user-1",
		Name:       "test batch",
		Prospects:  prospects(names...),
		WebhookURL: "https://example.com/hook",
	})
	require.NoError(t, err)
	return resp.Job
}

// --- CreateJob ---

func TestCreateJob_NormalizesAndRejects(t *testing.T) {
	f := newFixture(t)

	rows := prospects("Alice Moore", "Bob Chen")
	rows = append(rows,
		model.Prospect{FullName: "alice  MOORE", City: "Austin", State: "Texas", Employer: "Acme"}, // duplicate of Alice
		model.Prospect{FullName: "John Doe", City: "Austin", State: "TX"},                          // placeholder name
	)

	resp, err := f.dispatcher.CreateJob(context.Background(), CreateJobRequest{
		UserID:    "user-1",
		Prospects: rows,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Job.TotalProspects)
	require.Len(t, resp.Rejected, 2)

	items, err := f.store.ListItems(context.Background(), resp.Job.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Alice Moore", items[0].Input.FullName)
	assert.Equal(t, "TX", items[0].Input.State)
	assert.NotEmpty(t, items[0].Input.Fingerprint)

	assert.Equal(t, 2, f.ledger.deducted, "credits charged for kept prospects only")
}

func TestCreateJob_DuplicateSubmissionReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := CreateJobRequest{UserID: "user-1", Prospects: prospects("Alice Moore")}
	first, err := f.dispatcher.CreateJob(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := f.dispatcher.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 1, f.ledger.deducted, "replay must not charge again")
}

func TestCreateJob_DifferentSettingsCreateSeparateJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.dispatcher.CreateJob(ctx, CreateJobRequest{
		UserID: "user-1", Prospects: prospects("Alice Moore"),
	})
	require.NoError(t, err)
	b, err := f.dispatcher.CreateJob(ctx, CreateJobRequest{
		UserID:    "user-1",
		Prospects: prospects("Alice Moore"),
		Settings:  model.JobSettings{GenerateRomyScore: true},
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.Job.ID, b.Job.ID)
}

func TestCreateJob_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.ledger.balance = 1

	_, err := f.dispatcher.CreateJob(context.Background(), CreateJobRequest{
		UserID:    "user-1",
		Prospects: prospects("Alice Moore", "Bob Chen"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient credits")

	// a corrected resubmission may retry after the failure was recorded
	f.ledger.balance = 10
	_, err = f.dispatcher.CreateJob(context.Background(), CreateJobRequest{
		UserID:    "user-1",
		Prospects: prospects("Alice Moore", "Bob Chen"),
	})
	require.NoError(t, err)
}

func TestCreateJob_ActiveJobLimit(t *testing.T) {
	f := newFixture(t)

	createJob(t, f, "Alice Moore")
	createJob(t, f, "Bob Chen")
	createJob(t, f, "Cara Diaz")

	_, err := f.dispatcher.CreateJob(context.Background(), CreateJobRequest{
		UserID:    "user-1",
		Prospects: prospects("Dan Evans"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active jobs")
}

func TestCreateJob_EmptyAfterFiltering(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.CreateJob(context.Background(), CreateJobRequest{
		UserID:    "user-1",
		Prospects: []model.Prospect{{FullName: "John Doe"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality filtering")
}

// --- ProcessBatch ---

func TestProcessBatch_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	f.plans.plan = "unknown-tier" // falls back to default concurrency of 2
	job := createJob(t, f, "P One", "P Two", "P Three", "P Four", "P Five")
	ctx := context.Background()

	r1, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r1.ItemsProcessed)
	assert.Equal(t, 2, r1.ItemsSucceeded)
	assert.Zero(t, r1.ItemsFailed)
	assert.Equal(t, model.JobStatusProcessing, r1.JobStatus)
	assert.Equal(t, model.Progress{Completed: 2, Failed: 0, Total: 5}, r1.Progress)
	assert.True(t, r1.HasMore)

	r2, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.ItemsProcessed)
	assert.True(t, r2.HasMore)

	r3, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r3.ItemsProcessed)
	assert.Equal(t, model.JobStatusCompleted, r3.JobStatus)
	assert.Equal(t, model.Progress{Completed: 5, Failed: 0, Total: 5}, r3.Progress)
	assert.False(t, r3.HasMore)

	assert.Equal(t, 1, f.notifier.count(), "completion webhook fires exactly once")
	assert.Equal(t, "batch.completed", f.notifier.events[0].Type)

	// a redundant trigger after completion is a harmless no-op
	r4, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, r4.ItemsProcessed)
	assert.False(t, r4.HasMore)
	assert.Equal(t, 1, f.notifier.count(), "no duplicate webhook")
}

func TestProcessBatch_PlanConcurrency(t *testing.T) {
	f := newFixture(t)
	f.plans.plan = "professional"
	job := createJob(t, f, "P One", "P Two", "P Three", "P Four", "P Five")

	r1, err := f.dispatcher.ProcessBatch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, r1.ItemsProcessed, "professional tier claims up to 5")
	assert.False(t, r1.HasMore)
}

func TestProcessBatch_ResolverFailureUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.plans.err = errors.New("billing service down")
	job := createJob(t, f, "P One", "P Two", "P Three")

	r1, err := f.dispatcher.ProcessBatch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r1.ItemsProcessed, "falls back to default concurrency")
}

func TestProcessBatch_FailuresRetryThenExhaust(t *testing.T) {
	f := newFixture(t)
	f.research.failing["Bad Actor"] = true
	job := createJob(t, f, "Good One", "Bad Actor")
	ctx := context.Background()

	// round 1: both claimed, one fails (retry 1 of 3)
	r, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ItemsSucceeded)
	assert.Equal(t, 1, r.ItemsFailed)
	assert.True(t, r.HasMore, "failed item still has retry budget")

	// rounds 2 and 3 burn the remaining budget
	for i := 0; i < 2; i++ {
		r, err = f.dispatcher.ProcessBatch(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, r.ItemsProcessed)
	}

	assert.Equal(t, model.JobStatusCompleted, r.JobStatus)
	assert.Equal(t, model.Progress{Completed: 1, Failed: 1, Total: 2}, r.Progress)
	assert.False(t, r.HasMore)
	assert.Equal(t, 1, f.notifier.count())
}

func TestProcessBatch_PausedJobClaimsNothing(t *testing.T) {
	f := newFixture(t)
	job := createJob(t, f, "P One", "P Two")
	ctx := context.Background()

	require.NoError(t, f.dispatcher.PauseJob(ctx, job.ID))

	r, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPaused, r.JobStatus)
	assert.Zero(t, r.ItemsProcessed)
	assert.False(t, r.HasMore)
	assert.Zero(t, f.research.calls)

	require.NoError(t, f.dispatcher.ResumeJob(ctx, job.ID))
	r, err = f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r.ItemsProcessed)
}

func TestProcessBatch_PausedProgressCountsOnlyExhaustedFailures(t *testing.T) {
	f := newFixture(t)
	f.research.failing["Bad Actor"] = true
	job := createJob(t, f, "Good One", "Bad Actor")
	ctx := context.Background()

	// one round: Bad Actor fails but keeps retry budget
	r, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, r.ItemsFailed)

	require.NoError(t, f.dispatcher.PauseJob(ctx, job.ID))
	r, err = f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Progress{Completed: 1, Failed: 0, Total: 2}, r.Progress,
		"a failed item with budget left is still open, not failed")
}

func TestProcessBatch_CancelledJobStaysCancelled(t *testing.T) {
	f := newFixture(t)
	job := createJob(t, f, "P One")
	ctx := context.Background()

	require.NoError(t, f.dispatcher.CancelJob(ctx, job.ID))

	r, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, r.JobStatus)
	assert.Zero(t, f.research.calls)
	assert.Zero(t, f.notifier.count(), "cancelled jobs never notify completion")
}

// --- RetryItem ---

func TestRetryItem_SucceedsAndCompletesJob(t *testing.T) {
	f := newFixture(t)
	f.research.failing["Flaky Person"] = true
	job := createJob(t, f, "Flaky Person")
	ctx := context.Background()

	r, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, r.ItemsFailed)

	items, err := f.store.ListItems(ctx, job.ID)
	require.NoError(t, err)
	itemID := items[0].ID

	// backend recovers; the synchronous retry succeeds
	f.research.mu.Lock()
	f.research.failing["Flaky Person"] = false
	f.research.mu.Unlock()

	resp, err := f.dispatcher.RetryItem(ctx, job.ID, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, resp.Status)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)

	final, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 1, f.notifier.count())
}

func TestRetryItem_RejectsCompleted(t *testing.T) {
	f := newFixture(t)
	job := createJob(t, f, "P One")
	ctx := context.Background()

	_, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)

	items, err := f.store.ListItems(ctx, job.ID)
	require.NoError(t, err)

	resp, err := f.dispatcher.RetryItem(ctx, job.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, resp.Status)
	assert.Equal(t, "item already completed", resp.Message)
	assert.Nil(t, resp.Result)
}

func TestRetryItem_RejectsExhaustedBudget(t *testing.T) {
	f := newFixture(t)
	f.research.failing["Bad Actor"] = true
	job := createJob(t, f, "Bad Actor")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.dispatcher.ProcessBatch(ctx, job.ID)
		require.NoError(t, err)
	}

	items, err := f.store.ListItems(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, items[0].RetryCount)

	resp, err := f.dispatcher.RetryItem(ctx, job.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusFailed, resp.Status)
	assert.Equal(t, "retry budget exhausted", resp.Message)
}

func TestRetryItem_UnknownItem(t *testing.T) {
	f := newFixture(t)
	job := createJob(t, f, "P One")

	_, err := f.dispatcher.RetryItem(context.Background(), job.ID, "no-such-item")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRetryItem_RefusesInactiveJob(t *testing.T) {
	f := newFixture(t)
	f.research.failing["Bad Actor"] = true
	job := createJob(t, f, "Bad Actor")
	ctx := context.Background()

	_, err := f.dispatcher.ProcessBatch(ctx, job.ID)
	require.NoError(t, err)
	items, err := f.store.ListItems(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.PauseJob(ctx, job.ID))
	_, err = f.dispatcher.RetryItem(ctx, job.ID, items[0].ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
	assert.Equal(t, 1, f.research.calls, "paused job triggers no research call")

	require.NoError(t, f.dispatcher.CancelJob(ctx, job.ID))
	_, err = f.dispatcher.RetryItem(ctx, job.ID, items[0].ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

// --- transitions ---

func TestTransitions_InvalidOnesRejected(t *testing.T) {
	f := newFixture(t)
	job := createJob(t, f, "P One")
	ctx := context.Background()

	require.NoError(t, f.dispatcher.CancelJob(ctx, job.ID))
	assert.Error(t, f.dispatcher.PauseJob(ctx, job.ID))
	assert.Error(t, f.dispatcher.ResumeJob(ctx, job.ID))
	assert.Error(t, f.dispatcher.CancelJob(ctx, job.ID), "cancel is not re-entrant")
}

func TestProcessBatch_UnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.ProcessBatch(context.Background(), fmt.Sprintf("job-%d", 404))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
