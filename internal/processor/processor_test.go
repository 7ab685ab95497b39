package processor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/vidforge/internal/agent"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/session"
)

// stubSampler returns a settable usage reading.
type stubSampler struct {
	mu  sync.Mutex
	cpu float64
}

func (s *stubSampler) set(cpu float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cpu = cpu
}

func (s *stubSampler) Sample() (governor.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return governor.Usage{
		CPUPercent:    s.cpu,
		MemoryPercent: 10,
		DiskPercent:   10,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// fakeRunner runs a stage with a fixed delay, optionally recording admission
// order or failing.
type fakeRunner struct {
	stage session.Stage
	delay time.Duration
	fail  bool
	onRun func(sessionID string)
}

func (r *fakeRunner) Stage() session.Stage { return r.stage }

func (r *fakeRunner) Run(ctx context.Context, sess *session.Session, _ *session.ProjectState) (session.StatePatch, error) {
	if r.onRun != nil {
		r.onRun(sess.ID)
	}

	if r.fail {
		return session.StatePatch{}, assert.AnError
	}

	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return session.StatePatch{}, ctx.Err()
		case <-timer.C:
		}
	}

	return session.StatePatch{}, nil
}

// fakePipeline builds an instant pipeline; overrides replace single stages.
func fakePipeline(overrides map[session.Stage]agent.Runner) agent.Pipeline {
	pipeline := make(agent.Pipeline, len(session.PipelineStages))

	for _, stage := range session.PipelineStages {
		if r, ok := overrides[stage]; ok {
			pipeline[stage] = r
		} else {
			pipeline[stage] = &fakeRunner{stage: stage}
		}
	}

	return pipeline
}

type harness struct {
	proc     *Processor
	store    *session.Store
	governor *governor.Governor
	sampler  *stubSampler
}

func defaultTestConfig() config.ProcessorConfig {
	return config.ProcessorConfig{
		MaxConcurrentRequests: 2,
		MaxQueueSize:          10,
		WorkerTimeoutSeconds:  60,
	}
}

func newHarness(t *testing.T, cfg config.ProcessorConfig, pipeline agent.Pipeline) *harness {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	sampler := &stubSampler{cpu: 10}
	gov := governor.New(config.ResourcesConfig{
		CPU:                    config.ThresholdPair{Warning: 70, Critical: 85},
		Memory:                 config.ThresholdPair{Warning: 75, Critical: 90},
		Disk:                   config.ThresholdPair{Warning: 80, Critical: 95},
		MonitorIntervalSeconds: 1,
	}, governor.Totals{CPUCores: 64, MemoryMB: 1 << 20, DiskMB: 1 << 22}, sampler, slog.Default())

	if pipeline == nil {
		pipeline = fakePipeline(nil)
	}

	proc, err := New(cfg, store, progress.NewTracker(store), gov, pipeline, nil, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = proc.Stop(5 * time.Second)
		gov.StopMonitoring()
	})

	return &harness{proc: proc, store: store, governor: gov, sampler: sampler}
}

func testRequest() session.JobRequest {
	return session.JobRequest{
		Prompt:          "a documentary about glaciers",
		DurationSeconds: 30,
		Quality:         session.QualityLow,
	}
}

func waitForStatus(t *testing.T, h *harness, id string, want session.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		sess, err := h.store.Get(id)

		return err == nil && sess.Status == want
	}, 10*time.Second, 20*time.Millisecond, "session %s never reached %s", id, want)
}

func TestProcessor_PriorityOrdering(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)

	pipeline := fakePipeline(map[session.Stage]agent.Runner{
		session.StageInitializing: &fakeRunner{
			stage: session.StageInitializing,
			onRun: func(id string) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			},
		},
	})

	cfg := defaultTestConfig()
	cfg.MaxConcurrentRequests = 1

	h := newHarness(t, cfg, pipeline)
	require.NoError(t, h.proc.Start())

	// Queue everything while paused so admission order is observable.
	h.proc.Pause()

	lowID, err := h.proc.Submit(testRequest(), "u1", PriorityLow)
	require.NoError(t, err)
	normalID, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)
	urgentID, err := h.proc.Submit(testRequest(), "u1", PriorityUrgent)
	require.NoError(t, err)
	highID, err := h.proc.Submit(testRequest(), "u1", PriorityHigh)
	require.NoError(t, err)

	h.proc.Resume()

	for _, id := range []string{urgentID, highID, normalID, lowID} {
		waitForStatus(t, h, id, session.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{urgentID, highID, normalID, lowID}, order)
}

func TestProcessor_FIFOWithinPriorityClass(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)

	pipeline := fakePipeline(map[session.Stage]agent.Runner{
		session.StageInitializing: &fakeRunner{
			stage: session.StageInitializing,
			onRun: func(id string) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			},
		},
	})

	cfg := defaultTestConfig()
	cfg.MaxConcurrentRequests = 1

	h := newHarness(t, cfg, pipeline)
	require.NoError(t, h.proc.Start())
	h.proc.Pause()

	var ids []string
	for range 3 {
		id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	h.proc.Resume()

	for _, id := range ids {
		waitForStatus(t, h, id, session.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestProcessor_QueueFullRejectsSynchronously(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.MaxQueueSize = 2

	h := newHarness(t, cfg, nil)
	require.NoError(t, h.proc.Start())
	h.proc.Pause()

	_, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)
	_, err = h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)

	_, err = h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.ErrorIs(t, err, ErrQueueFull)

	m := h.proc.Metrics()
	assert.Equal(t, 1, m.Rejected)
	assert.Equal(t, 2, m.QueueDepth)
}

func TestProcessor_GovernorGatesAdmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultTestConfig(), nil)

	// Critical CPU before anything starts.
	h.sampler.set(95)
	h.governor.StartMonitoring()
	require.NoError(t, h.proc.Start())

	require.Eventually(t, func() bool {
		return h.proc.State() == StatePaused
	}, 10*time.Second, 50*time.Millisecond)

	id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)

	// Held in queue while paused.
	time.Sleep(2 * time.Second)
	sess, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusQueued, sess.Status)
	assert.Zero(t, h.proc.Metrics().ActiveWorkers)

	// Recovery below warning resumes admission.
	h.sampler.set(20)
	waitForStatus(t, h, id, session.StatusCompleted)

	require.Eventually(t, func() bool {
		return h.proc.State() == StateRunning
	}, 10*time.Second, 50*time.Millisecond)
}

func TestProcessor_SubmitValidatesAndRequiresRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultTestConfig(), nil)

	_, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, h.proc.Start())

	bad := testRequest()
	bad.Prompt = ""
	_, err = h.proc.Submit(bad, "u1", PriorityNormal)
	assert.ErrorIs(t, err, session.ErrEmptyPrompt)

	bad = testRequest()
	bad.DurationSeconds = 5
	_, err = h.proc.Submit(bad, "u1", PriorityNormal)
	assert.ErrorIs(t, err, session.ErrDurationOutOfRange)
}

func TestProcessor_CancelQueuedJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultTestConfig(), nil)
	require.NoError(t, h.proc.Start())
	h.proc.Pause()

	id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, 1, h.proc.QueuePosition(id))

	require.NoError(t, h.proc.Cancel(id))

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)

	m := h.proc.Metrics()
	assert.Zero(t, m.QueueDepth)
	assert.Equal(t, 1, m.Cancelled)

	// Already terminal: neither queued nor active.
	assert.ErrorIs(t, h.proc.Cancel(id), ErrUnknownJob)
}

func TestProcessor_CancelActiveJobStopsBetweenStages(t *testing.T) {
	t.Parallel()

	started := make(chan string, 1)
	pipeline := fakePipeline(map[session.Stage]agent.Runner{
		session.StageResearching: &fakeRunner{
			stage: session.StageResearching,
			delay: time.Minute,
			onRun: func(id string) { started <- id },
		},
	})

	h := newHarness(t, defaultTestConfig(), pipeline)
	require.NoError(t, h.proc.Start())

	id, err := h.proc.Submit(testRequest(), "u1", PriorityUrgent)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job never reached the researching stage")
	}

	require.NoError(t, h.proc.Cancel(id))
	waitForStatus(t, h, id, session.StatusCancelled)

	assert.Equal(t, 1, h.proc.Metrics().Cancelled)
}

func TestProcessor_StageFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	pipeline := fakePipeline(map[session.Stage]agent.Runner{
		session.StageScripting: &fakeRunner{stage: session.StageScripting, fail: true},
	})

	h := newHarness(t, defaultTestConfig(), pipeline)
	require.NoError(t, h.proc.Start())

	id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)

	waitForStatus(t, h, id, session.StatusFailed)

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StageFailed, sess.Stage)
	assert.Contains(t, sess.Error, "scripting")
	assert.Equal(t, 1, h.proc.Metrics().Failed)
}

func TestProcessor_WorkerTimeout(t *testing.T) {
	t.Parallel()

	pipeline := fakePipeline(map[session.Stage]agent.Runner{
		session.StageVideoAssembly: &fakeRunner{stage: session.StageVideoAssembly, delay: time.Minute},
	})

	cfg := defaultTestConfig()
	cfg.WorkerTimeoutSeconds = 1

	h := newHarness(t, cfg, pipeline)
	require.NoError(t, h.proc.Start())

	id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)

	waitForStatus(t, h, id, session.StatusFailed)

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Contains(t, sess.Error, "timeout")
}

func TestProcessor_ReleasesResourcesOnCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultTestConfig(), nil)
	require.NoError(t, h.proc.Start())

	var ids []string
	for range 4 {
		id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForStatus(t, h, id, session.StatusCompleted)
	}

	require.Eventually(t, func() bool {
		avail := h.governor.Availability()

		return avail.AllocatedCPU == 0 && avail.AllocatedMem == 0 && avail.AllocatedDsk == 0
	}, 5*time.Second, 20*time.Millisecond)

	m := h.proc.Metrics()
	assert.Equal(t, 4, m.Completed)
	assert.Zero(t, m.ActiveWorkers)
	assert.Positive(t, m.AvgProcessingSeconds)
}

func TestProcessor_StopDrainsWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultTestConfig(), nil)
	require.NoError(t, h.proc.Start())

	id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, h.proc.Stop(5*time.Second))
	assert.Equal(t, StateStopped, h.proc.State())

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Contains(t, []session.Status{session.StatusCompleted, session.StatusQueued}, sess.Status)

	_, err = h.proc.Submit(testRequest(), "u1", PriorityNormal)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestTaskQueue_Ordering(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	q.PushTask(&task{sessionID: "low", priority: PriorityLow, seq: 1})
	q.PushTask(&task{sessionID: "normal-1", priority: PriorityNormal, seq: 2})
	q.PushTask(&task{sessionID: "urgent", priority: PriorityUrgent, seq: 3})
	q.PushTask(&task{sessionID: "normal-2", priority: PriorityNormal, seq: 4})

	require.Equal(t, 4, q.Len())
	assert.Equal(t, "urgent", q.PopTask().sessionID)
	assert.Equal(t, "normal-1", q.PopTask().sessionID)
	assert.Equal(t, "normal-2", q.PopTask().sessionID)
	assert.Equal(t, "low", q.PopTask().sessionID)
	assert.Nil(t, q.PopTask())
}

func TestTaskQueue_Remove(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	q.PushTask(&task{sessionID: "a", priority: PriorityNormal, seq: 1})
	q.PushTask(&task{sessionID: "b", priority: PriorityNormal, seq: 2})

	require.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "b", q.PopTask().sessionID)

	depths := q.Depths()
	assert.Zero(t, depths["normal"])
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("whenever")
	assert.ErrorIs(t, err, ErrUnknownPriority)
}

func TestEstimateProcessingTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration int
		quality  session.Quality
		want     time.Duration
	}{
		{"low short", 30, session.QualityLow, 3 * time.Minute},
		{"medium long", 600, session.QualityMedium, 25 * time.Minute},
		{"high long", 600, session.QualityHigh, 37*time.Minute + 30*time.Second},
		{"ultra long", 600, session.QualityUltra, 50 * time.Minute},
		{"minimum clamp", 10, session.QualityMedium, 5*time.Minute + 20*time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := EstimateProcessingTime(session.JobRequest{
				Prompt:          "x",
				DurationSeconds: tc.duration,
				Quality:         tc.quality,
			})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeSubmission(t *testing.T) {
	t.Parallel()

	sub, err := DecodeSubmission([]byte(`{
		"prompt": "city timelapse",
		"duration_seconds": 45,
		"quality": "high",
		"priority": "urgent",
		"user_id": "u7"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "city timelapse", sub.Prompt)
	assert.Equal(t, session.QualityHigh, sub.Quality)
	assert.Equal(t, "urgent", sub.Priority)
	assert.Equal(t, "u7", sub.UserID)

	_, err = DecodeSubmission([]byte(`{"duration_seconds": 45, "quality": "high"}`))
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = DecodeSubmission([]byte(`{"prompt": "x", "duration_seconds": 5, "quality": "high"}`))
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = DecodeSubmission([]byte(`{"prompt": "x", "duration_seconds": 45, "quality": "cinema"}`))
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = DecodeSubmission([]byte(`{"prompt": "x", "duration_seconds": 45, "quality": "high", "codec": "av1"}`))
	assert.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestProcessor_MetricsPeakConcurrentAndUptime(t *testing.T) {
	t.Parallel()

	pipeline := fakePipeline(map[session.Stage]agent.Runner{
		session.StageScripting: &fakeRunner{stage: session.StageScripting, delay: 200 * time.Millisecond},
	})

	h := newHarness(t, defaultTestConfig(), pipeline)
	require.NoError(t, h.proc.Start())

	var ids []string
	for range 4 {
		id, err := h.proc.Submit(testRequest(), "u1", PriorityNormal)
		require.NoError(t, err)

		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForStatus(t, h, id, session.StatusCompleted)
	}

	m := h.proc.Metrics()
	assert.Equal(t, 2, m.PeakConcurrent, "high-water mark equals the worker cap")
	assert.Positive(t, m.UptimeSeconds)

	require.NoError(t, h.proc.Stop(5*time.Second))

	m = h.proc.Metrics()
	assert.Equal(t, 2, m.PeakConcurrent)
	assert.Zero(t, m.UptimeSeconds)
}
