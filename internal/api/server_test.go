package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/coordinator"
	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/id/uuid"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
	queueMemory "github.com/harrierlabs/fleetscrape/internal/queue/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type testEnv struct {
	server *Server
	store  *queueMemory.Store
	coord  *coordinator.Coordinator
	clock  *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	metrics.Init()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := queueMemory.NewStore(clock)
	coord := coordinator.New(store, uuid.New(), clock, coordinator.Config{}, zap.NewNop())
	if cfg.HeartbeatTTL == 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	return &testEnv{
		server: NewServer(coord, store, clock, cfg, zap.NewNop()),
		store:  store,
		coord:  coord,
		clock:  clock,
	}
}

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	reqBody := []byte(`{"subject":"acme_widgets"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])

	job, err := env.coord.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	require.Equal(t, fleet.JobStatusPending, job.Status)
	require.Equal(t, "acme_widgets", job.Target.Subject)
}

func TestServer_SubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitJob_InvalidSubject(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"subject":"bad subject!"}`))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid target")
}

func TestServer_GetJob_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetJobResult_Lifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	jobID, err := env.coord.Submit(ctx, fleet.Target{Subject: "acme_widgets"})
	require.NoError(t, err)

	// No result yet.
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID+"/result", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Drive the job to done and fetch again.
	job, err := env.coord.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, env.coord.Complete(ctx, job.ID, "worker-1", fleet.Result{
		Items:       []json.RawMessage{json.RawMessage(`{"id":1}`)},
		PageCount:   1,
		CompletedAt: env.clock.Now(),
	}))

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"page_count":1`)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	for _, subject := range []string{"alpha", "beta"} {
		_, err := env.coord.Submit(ctx, fleet.Target{Subject: subject})
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alpha")
	require.Contains(t, rec.Body.String(), "beta")
}

func TestServer_ListWorkers_MarksStale(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{HeartbeatTTL: 30 * time.Second})
	ctx := context.Background()
	require.NoError(t, env.store.Heartbeat(ctx, fleet.WorkerStatus{
		ID:              "fresh",
		LastHeartbeatAt: env.clock.Now().Add(-5 * time.Second),
	}))
	require.NoError(t, env.store.Heartbeat(ctx, fleet.WorkerStatus{
		ID:              "lapsed",
		LastHeartbeatAt: env.clock.Now().Add(-2 * time.Minute),
	}))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Workers []struct {
			ID    string `json:"id"`
			Stale bool   `json:"stale"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	staleByID := map[string]bool{}
	for _, ws := range resp.Workers {
		staleByID[ws.ID] = ws.Stale
	}
	require.False(t, staleByID["fresh"])
	require.True(t, staleByID["lapsed"])
}

func TestServer_APIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{AuthEnabled: true, APIKey: "secret"})

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
