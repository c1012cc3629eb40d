package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/core/domain"
	"github.com/harborline/stevedore/internal/queue"
	"github.com/harborline/stevedore/internal/status"
)

func setupHandler(t *testing.T, cfg Config) (*Handler, queue.Queue, status.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewMemoryQueue(logger)
	store := status.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewHandler(q, store, cfg, logger), q, store
}

func trigger(t *testing.T, h *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(buf))
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	return rr
}

func TestTriggerEnqueuesDeployment(t *testing.T) {
	h, q, _ := setupHandler(t, Config{})

	rr := trigger(t, h, domain.TriggerRequest{
		Projects: []string{"api", "frontend"},
		Branch:   "main",
		Priority: "high",
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.DeploymentID)
	assert.Equal(t, string(domain.JobWaiting), resp.Status)

	job, err := q.GetJob(context.Background(), resp.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeBuildAndDeploy, job.Type)
	assert.Equal(t, domain.PriorityHigh, job.Priority)

	payload, err := domain.ParseBuildAndDeploy(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "frontend"}, payload.Projects)
	assert.Equal(t, "main", payload.Branch)
}

func TestTriggerPersistsPendingStatus(t *testing.T) {
	h, _, _ := setupHandler(t, Config{})

	rr := trigger(t, h, domain.TriggerRequest{Projects: []string{"api", "frontend"}, Branch: "main"})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var accepted TriggerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))

	// An accepted-but-not-yet-claimed deployment must already be queryable.
	req := httptest.NewRequest(http.MethodGet, "/api/deployments/"+accepted.DeploymentID, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.OverallPending, resp.Overall)
	require.Len(t, resp.Projects, 2)
	for _, p := range resp.Projects {
		assert.Equal(t, domain.StagePending, p.Stage)
	}
}

func TestTriggerRejectsInvalidPayload(t *testing.T) {
	h, q, _ := setupHandler(t, Config{})

	tests := []struct {
		name string
		req  domain.TriggerRequest
	}{
		{"no projects", domain.TriggerRequest{Branch: "main"}},
		{"no branch", domain.TriggerRequest{Projects: []string{"api"}}},
		{"bad priority", domain.TriggerRequest{Projects: []string{"api"}, Branch: "main", Priority: "urgent"}},
		{"duplicate project", domain.TriggerRequest{Projects: []string{"api", "api"}, Branch: "main"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := trigger(t, h, tc.req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var resp APIErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.Len(t, resp.Errors, 1)
			assert.Equal(t, "Validation Failed", resp.Errors[0].Title)
		})
	}

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting, "rejected triggers must never reach the queue")
}

func TestTriggerRejectsMalformedJSON(t *testing.T) {
	h, _, _ := setupHandler(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h, _, store := setupHandler(t, Config{})

	dep, err := domain.NewDeployment([]string{"api"}, "main", "", "ci", domain.PriorityNormal)
	require.NoError(t, err)
	st := domain.NewDeploymentStatus(dep)
	st.Overall = domain.OverallInProgress
	require.NoError(t, store.PutStatus(context.Background(), st))
	require.NoError(t, store.AppendLog(context.Background(), dep.ID, status.LogEntry{
		Time:    time.Now().UTC(),
		Level:   "info",
		Message: "deployment started",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/deployments/"+dep.ID, nil)
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, dep.ID, resp.DeploymentID)
	assert.Equal(t, domain.OverallInProgress, resp.Overall)
	require.Len(t, resp.Log, 1)
	assert.Equal(t, "deployment started", resp.Log[0].Message)
}

func TestStatusNotFound(t *testing.T) {
	h, _, _ := setupHandler(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/deployments/dep-missing", nil)
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueueCountsEndpoint(t *testing.T) {
	h, _, _ := setupHandler(t, Config{})

	rr := trigger(t, h, domain.TriggerRequest{Projects: []string{"api"}, Branch: "main"})
	require.Equal(t, http.StatusAccepted, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var counts queue.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts.Waiting+counts.Active)
}

func TestAuthToken(t *testing.T) {
	h, _, _ := setupHandler(t, Config{AuthToken: "s3cret"})
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.Header.Set(HeaderAuthToken, "wrong")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.Header.Set(HeaderAuthToken, "s3cret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	h, _, _ := setupHandler(t, Config{AuthToken: "s3cret"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
