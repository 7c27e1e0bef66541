package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/api"
	"github.com/deepscout/research-coordinator/internal/clock/system"
	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/health"
	"github.com/deepscout/research-coordinator/internal/id/uuid"
	"github.com/deepscout/research-coordinator/internal/intervention"
	"github.com/deepscout/research-coordinator/internal/jobs"
	"github.com/deepscout/research-coordinator/internal/ledger"
	"github.com/deepscout/research-coordinator/internal/storage/memory"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type env struct {
	server  *httptest.Server
	jobs    *jobs.Service
	svc     *intervention.Service
	tracker *health.Tracker
}

func newEnv(t *testing.T, cfg api.Config, readiness api.Pinger) *env {
	t.Helper()
	clock := system.New()
	idGen := uuid.New()
	logger := zap.NewNop()

	jobService := jobs.New(memory.NewJobStore(), nil, clock, idGen, logger)
	ledgerService := ledger.New(memory.NewClaimStore(), clock, logger)
	tracker := health.New(health.Config{FailureThreshold: 2, Cooldown: time.Hour},
		memory.NewHealthStore(), clock, logger)
	interventionService := intervention.New(intervention.Config{},
		memory.NewInterventionStore(), jobService, tracker, nil, nil, clock, idGen, logger)

	srv := api.NewServer(cfg, ledgerService, jobService, interventionService, tracker, readiness, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{server: ts, jobs: jobService, svc: interventionService, tracker: tracker}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthzAndReadyz(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, _ := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = e.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzReportsStoreOutage(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, failingPinger{})

	resp, _ := e.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{AuthEnabled: true, APIKey: "secret"}, okPinger{})

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/healthz", nil)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("X-API-Key", "secret")
	resp, err = e.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Query parameter works for links pasted into a browser.
	resp, err = e.server.Client().Get(e.server.URL + "/healthz?api_key=secret")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClaimRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	body := map[string]string{
		"identifier_type":  "pmid",
		"identifier_value": "38012345",
		"task_id":          "task-1",
		"worker_id":        "worker-1",
	}
	resp, decoded := e.do(t, http.MethodPost, "/v1/claims", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "true", string(decoded["is_new"]))

	resp, _ = e.do(t, http.MethodPost, "/v1/claims/pmid/38012345/complete",
		map[string]string{"result_ref": "gs://results/1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded = e.do(t, http.MethodPost, "/v1/claims", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "false", string(decoded["is_new"]))
	require.JSONEq(t, `"gs://results/1"`, string(decoded["result_ref"]))
}

func TestClaimValidationMapsToBadRequest(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, _ := e.do(t, http.MethodPost, "/v1/claims", map[string]string{
		"identifier_type":  "isbn",
		"identifier_value": "978-3",
		"task_id":          "task-1",
		"worker_id":        "worker-1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLookupMissingClaimIs404(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, _ := e.do(t, http.MethodGet, "/v1/claims/doi/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobSubmitGetCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, decoded := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"task_id": "task-1",
		"kind":    "search",
		"payload": map[string]string{"query": "fusion"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job coordinator.Job
	require.NoError(t, json.Unmarshal(decoded["job"], &job))
	require.Equal(t, coordinator.JobQueued, job.State)

	resp, _ = e.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded = e.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "true", string(decoded["applied"]))

	resp, decoded = e.do(t, http.MethodGet, "/v1/tasks/task-1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []coordinator.Job
	require.NoError(t, json.Unmarshal(decoded["jobs"], &listed))
	require.Len(t, listed, 1)
	require.Equal(t, coordinator.JobCancelled, listed[0].State)
}

func TestGetUnknownJobIs404(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, _ := e.do(t, http.MethodGet, "/v1/jobs/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInterventionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, decoded := e.do(t, http.MethodPost, "/v1/interventions", map[string]any{
		"task_id":        "task-1",
		"url":            "https://news.example/page",
		"domain":         "news.example",
		"challenge_type": "captcha",
		"priority":       "high",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var itemID string
	require.NoError(t, json.Unmarshal(decoded["item_id"], &itemID))
	require.NotEmpty(t, itemID)

	resp, decoded = e.do(t, http.MethodGet, "/v1/interventions?domain=news.example", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []coordinator.InterventionItem
	require.NoError(t, json.Unmarshal(decoded["items"], &items))
	require.Len(t, items, 1)

	resp, decoded = e.do(t, http.MethodGet, "/v1/interventions/domains", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var domains []coordinator.DomainSummary
	require.NoError(t, json.Unmarshal(decoded["domains"], &domains))
	require.Len(t, domains, 1)
	require.Equal(t, 1, domains[0].HighPriorityCount)

	resp, decoded = e.do(t, http.MethodPost, "/v1/interventions/"+itemID+"/complete",
		map[string]any{"success": true, "session": map[string]any{"cookies": []string{}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "true", string(decoded["applied"]))

	resp, decoded = e.do(t, http.MethodGet, "/v1/interventions/domains/news.example/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"cookies":[]}`, string(decoded["session"]))
}

func TestCompleteDomainOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	for _, task := range []string{"task-1", "task-2"} {
		resp, _ := e.do(t, http.MethodPost, "/v1/interventions", map[string]any{
			"task_id":        task,
			"domain":         "news.example",
			"challenge_type": "cloudflare",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, decoded := e.do(t, http.MethodPost, "/v1/interventions/domains/news.example/complete",
		map[string]any{"success": true, "session": map[string]string{"token": "abc"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "2", string(decoded["resolved_count"]))
	require.JSONEq(t, `["task-1","task-2"]`, string(decoded["affected_task_ids"]))
}

func TestSkipRequiresSelector(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, _ := e.do(t, http.MethodPost, "/v1/interventions/skip", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDomainSessionMissingIs404(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})

	resp, _ := e.do(t, http.MethodGet, "/v1/interventions/domains/unseen.example/session", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBreakerEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t, api.Config{}, okPinger{})
	ctx := context.Background()

	require.NoError(t, e.tracker.RecordRequest(ctx, coordinator.KindEngine, "scholar",
		coordinator.Observation{Success: false, LatencyMs: 500}))
	require.NoError(t, e.tracker.RecordRequest(ctx, coordinator.KindEngine, "scholar",
		coordinator.Observation{Success: false, LatencyMs: 500}))
	require.NoError(t, e.tracker.RecordRequest(ctx, coordinator.KindDomain, "news.example",
		coordinator.Observation{Success: true, LatencyMs: 200}))

	resp, decoded := e.do(t, http.MethodGet, "/v1/breakers?kind=engine", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var breakers []coordinator.HealthRecord
	require.NoError(t, json.Unmarshal(decoded["breakers"], &breakers))
	require.Len(t, breakers, 1)
	require.Equal(t, "scholar", breakers[0].Name)
	require.Equal(t, coordinator.BreakerOpen, breakers[0].State)

	resp, _ = e.do(t, http.MethodGet, "/v1/breakers/engine/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/breakers/robot/eligible", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, decoded = e.do(t, http.MethodPost, "/v1/breakers/engine/scholar/close", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `"closed"`, string(decoded["state"]))

	rec, ok := e.tracker.Snapshot(coordinator.KindEngine, "scholar")
	require.True(t, ok)
	require.Equal(t, coordinator.BreakerClosed, rec.State)
}
