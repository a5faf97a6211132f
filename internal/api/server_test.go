package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romy-hq/prospect-research-cli/internal/config"
	"github.com/romy-hq/prospect-research-cli/internal/dispatch"
	"github.com/romy-hq/prospect-research-cli/internal/model"
	"github.com/romy-hq/prospect-research-cli/internal/store"
)

type okResearcher struct{}

func (okResearcher) Research(_ context.Context, p model.Prospect, _ model.JobSettings) (model.ResearchResult, error) {
	return model.ResearchResult{Success: true, ReportContent: "report for " + p.FullName}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	d := dispatch.New(dispatch.Params{
		Store:    st,
		Research: okResearcher{},
		BatchConfig: config.BatchConfig{
			MaxProspectsPerBatch:  500,
			MaxActiveJobsPerUser:  3,
			MaxRetriesPerProspect: 3,
			DefaultConcurrency:    2,
			MinQualityScore:       0.3,
		},
	})

	srv := httptest.NewServer(NewServer(d, st).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createBatch(t *testing.T, srv *httptest.Server) *model.BatchJob {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/batches", map[string]any{
		"user_id": "user-1",
		"name":    "api batch",
		"prospects": []map[string]string{
			{"full_name": "Jane Smith", "city": "Austin", "state": "TX", "employer": "Acme"},
			{"full_name": "Bob Chen", "city": "Portland", "state": "OR", "employer": "Widgets"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[dispatch.CreateJobResponse](t, resp)
	require.NotNil(t, created.Job)
	return created.Job
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetBatch(t *testing.T) {
	srv := newTestServer(t)
	job := createBatch(t, srv)

	resp, err := http.Get(srv.URL + "/v1/batches/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[model.BatchJob](t, resp)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 2, got.TotalProspects)
	assert.Equal(t, model.JobStatusPending, got.Status)
}

func TestCreateBatch_ValidationErrors(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/batches", map[string]any{
		"user_id":   "user-1",
		"prospects": []map[string]string{},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/v1/batches", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateBatch_ReplayReturns200(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"user_id":   "user-1",
		"prospects": []map[string]string{{"full_name": "Jane Smith", "city": "Austin", "employer": "Acme"}},
	}

	first := postJSON(t, srv.URL+"/v1/batches", body)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := postJSON(t, srv.URL+"/v1/batches", body)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	replayed := decode[dispatch.CreateJobResponse](t, second)
	assert.True(t, replayed.Replayed)
}

func TestProcessBatchEndpoint(t *testing.T) {
	srv := newTestServer(t)
	job := createBatch(t, srv)

	resp := postJSON(t, fmt.Sprintf("%s/v1/batches/%s/process", srv.URL, job.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	round := decode[model.ProcessBatchResponse](t, resp)
	assert.Equal(t, 2, round.ItemsProcessed)
	assert.Equal(t, 2, round.ItemsSucceeded)
	assert.False(t, round.HasMore)
	assert.Equal(t, model.JobStatusCompleted, round.JobStatus)
}

func TestListItemsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	job := createBatch(t, srv)

	resp, err := http.Get(fmt.Sprintf("%s/v1/batches/%s/items", srv.URL, job.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Items []model.BatchItem `json:"items"`
	}](t, resp)
	require.Len(t, body.Items, 2)
	assert.Equal(t, "Jane Smith", body.Items[0].Input.FullName)
}

func TestTransitionEndpoints(t *testing.T) {
	srv := newTestServer(t)
	job := createBatch(t, srv)

	resp := postJSON(t, fmt.Sprintf("%s/v1/batches/%s/pause", srv.URL, job.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused := decode[model.BatchJob](t, resp)
	assert.Equal(t, model.JobStatusPaused, paused.Status)

	resp = postJSON(t, fmt.Sprintf("%s/v1/batches/%s/pause", srv.URL, job.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pausing a paused job conflicts")

	resp = postJSON(t, fmt.Sprintf("%s/v1/batches/%s/resume", srv.URL, job.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, fmt.Sprintf("%s/v1/batches/%s/cancel", srv.URL, job.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[model.BatchJob](t, resp)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
}

func TestGetBatch_NotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/batches/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListBatches(t *testing.T) {
	srv := newTestServer(t)
	createBatch(t, srv)

	resp, err := http.Get(srv.URL + "/v1/batches/?user_id=user-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Jobs []model.BatchJob `json:"jobs"`
	}](t, resp)
	assert.Len(t, body.Jobs, 1)

	resp, err = http.Get(srv.URL + "/v1/batches/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
