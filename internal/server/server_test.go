package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/vidforge/internal/agent"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/ratelimit"
	"github.com/vidforge/vidforge/internal/session"
)

type testEnv struct {
	srv   *Server
	store *session.Store
	proc  *processor.Processor
}

type idleSampler struct{}

func (idleSampler) Sample() (governor.Usage, error) {
	return governor.Usage{
		CPUPercent:    5,
		MemoryPercent: 5,
		DiskPercent:   5,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.Default()

	store, err := session.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	gov := governor.New(config.ResourcesConfig{
		CPU:                    config.ThresholdPair{Warning: 70, Critical: 85},
		Memory:                 config.ThresholdPair{Warning: 75, Critical: 90},
		Disk:                   config.ThresholdPair{Warning: 80, Critical: 95},
		MonitorIntervalSeconds: 1,
	}, governor.Totals{CPUCores: 32, MemoryMB: 1 << 18, DiskMB: 1 << 20}, idleSampler{}, logger)

	limiter := ratelimit.New(map[string]config.ServiceLimit{
		"tts_api": {Capacity: 10, RefillRPS: 5},
	}, logger)
	t.Cleanup(limiter.Close)

	tracker := progress.NewTracker(store)
	pipeline := agent.NewSimulatedPipeline(nil, logger, agent.SimulatedOptions{TimeScale: 0.001})

	proc, err := processor.New(config.ProcessorConfig{
		MaxConcurrentRequests: 2,
		MaxQueueSize:          5,
		WorkerTimeoutSeconds:  60,
	}, store, tracker, gov, pipeline, nil, logger)
	require.NoError(t, err)

	require.NoError(t, proc.Start())
	t.Cleanup(func() { _ = proc.Stop(5 * time.Second) })

	srv, err := New(config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		store, proc, tracker, gov, limiter, logger)
	require.NoError(t, err)

	return &testEnv{srv: srv, store: store, proc: proc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}

	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

const validSubmission = `{
	"prompt": "northern lights timelapse",
	"duration_seconds": 30,
	"quality": "low",
	"priority": "high",
	"user_id": "u1"
}`

func TestServer_SubmitJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/jobs", validSubmission)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.NotEmpty(t, resp["session_id"])
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "high", resp["priority"])
}

func TestServer_SubmitJobRejectsBadPayload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/jobs", `{"prompt": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitJobQueueFull(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.proc.Pause()

	// Capacity is max_queue_size=5.
	for range 5 {
		rec := env.do(t, http.MethodPost, "/v1/jobs", validSubmission)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/jobs", validSubmission)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_JobStatusLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/jobs", validSubmission)
	require.Equal(t, http.StatusAccepted, rec.Code)

	id := decode[map[string]any](t, rec)["session_id"].(string)

	require.Eventually(t, func() bool {
		statusRec := env.do(t, http.MethodGet, "/v1/jobs/"+id, "")
		if statusRec.Code != http.StatusOK {
			return false
		}

		resp := decode[jobStatusResponse](t, statusRec)

		return resp.Session.Status == session.StatusCompleted
	}, 10*time.Second, 25*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/v1/jobs/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.proc.Pause()

	rec := env.do(t, http.MethodPost, "/v1/jobs", validSubmission)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]any](t, rec)["session_id"].(string)

	rec = env.do(t, http.MethodDelete, "/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Terminal now: a second cancel conflicts.
	rec = env.do(t, http.MethodDelete, "/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSessions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.proc.Pause()

	for range 3 {
		rec := env.do(t, http.MethodPost, "/v1/jobs", validSubmission)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/sessions?user_id=u1&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.InDelta(t, 2, resp["count"], 0)

	rec = env.do(t, http.MethodGet, "/v1/sessions?user_id=nobody", "")
	resp = decode[map[string]any](t, rec)
	assert.InDelta(t, 0, resp["count"], 0)

	rec = env.do(t, http.MethodGet, "/v1/sessions?limit=banana", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ProcessorMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/metrics/processor", "")
	require.Equal(t, http.StatusOK, rec.Code)

	m := decode[processor.Metrics](t, rec)
	assert.Equal(t, processor.StateRunning, m.State)
	assert.NotNil(t, m.QueueByPriority)
}

func TestServer_ProcessorControl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/processor/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(processor.StatePaused), decode[map[string]any](t, rec)["state"])
	assert.Equal(t, processor.StatePaused, env.proc.State())

	rec = env.do(t, http.MethodPost, "/v1/processor/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, processor.StateRunning, env.proc.State())

	rec = env.do(t, http.MethodPost, "/v1/processor/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(processor.StateStopped), decode[map[string]any](t, rec)["state"])

	// Stopping again is a no-op, not an error.
	rec = env.do(t, http.MethodPost, "/v1/processor/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ResourcesAndGC(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/resources", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Contains(t, resp, "availability")

	rec = env.do(t, http.MethodPost, "/v1/resources/gc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RateLimitStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/ratelimit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	services := resp["services"].(map[string]any)
	assert.Contains(t, services, "tts_api")

	rec = env.do(t, http.MethodGet, "/v1/ratelimit/tts_api", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[map[string]any](t, rec)
	assert.Contains(t, status, "tokens_available")

	rec = env.do(t, http.MethodGet, "/v1/ratelimit/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, true, resp["healthy"])

	require.NoError(t, env.proc.Stop(5*time.Second))

	rec = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpointServes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ShutdownIsClean(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	require.NoError(t, env.srv.Shutdown(context.Background()))
}
