// Package processor schedules video generation jobs: a four-class priority
// queue feeds a bounded worker pool, gated by the resource governor and
// driven through the stage pipeline with per-job cancellation.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vidforge/vidforge/internal/agent"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/observability"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/session"
	"github.com/vidforge/vidforge/pkg/stats"
)

// State is the processor lifecycle state.
type State string

// Processor lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

// admitRetryInterval bounds how long a governor denial can hold back an
// otherwise admittable queue.
const admitRetryInterval = 500 * time.Millisecond

// Sentinel errors for processor operations.
var (
	// ErrQueueFull indicates the queue is at max_queue_size; the submission
	// is rejected synchronously.
	ErrQueueFull = errors.New("queue full")
	// ErrNotRunning indicates a submission while the processor is stopped.
	ErrNotRunning = errors.New("processor not running")
	// ErrAlreadyStarted indicates Start on a non-stopped processor.
	ErrAlreadyStarted = errors.New("processor already started")
	// ErrUnknownJob indicates the session is neither queued nor active.
	ErrUnknownJob = errors.New("job not queued or active")
	// ErrIncompletePipeline indicates a pipeline missing stage runners.
	ErrIncompletePipeline = errors.New("pipeline missing stage runners")
)

// activeJob tracks one job currently held by a worker.
type activeJob struct {
	cancel       context.CancelFunc
	allocationID string
	startedAt    time.Time
	cancelled    bool
}

// Metrics is the processor's point-in-time counters view.
type Metrics struct {
	State                State          `json:"state"`
	Submitted            int            `json:"submitted"`
	Completed            int            `json:"completed"`
	Failed               int            `json:"failed"`
	Cancelled            int            `json:"cancelled"`
	Rejected             int            `json:"rejected"`
	ActiveWorkers        int            `json:"active_workers"`
	QueueDepth           int            `json:"queue_depth"`
	QueueByPriority      map[string]int `json:"queue_by_priority"`
	PeakConcurrent       int            `json:"peak_concurrent"`
	UptimeSeconds        float64        `json:"uptime_seconds"`
	Utilization          float64        `json:"utilization"`
	AvgProcessingSeconds float64        `json:"avg_processing_seconds"`
	P95ProcessingSeconds float64        `json:"p95_processing_seconds"`
}

// Processor owns the queue, the worker pool, and the admission loops.
type Processor struct {
	cfg      config.ProcessorConfig
	store    *session.Store
	tracker  *progress.Tracker
	governor *governor.Governor
	pipeline agent.Pipeline
	metrics  *observability.PipelineMetrics
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	queue          *taskQueue
	seq            uint64
	active         map[string]*activeJob
	pausedManual   bool
	pausedResource bool

	submitted      int
	completed      int
	failed         int
	cancelled      int
	rejected       int
	peakConcurrent int
	startedAt      time.Time
	durations      []float64

	workers sync.WaitGroup
	loops   sync.WaitGroup
	admitCh chan struct{}
	stopCh  chan struct{}
}

// New creates a stopped processor. The metrics argument may be nil.
func New(
	cfg config.ProcessorConfig,
	store *session.Store,
	tracker *progress.Tracker,
	gov *governor.Governor,
	pipeline agent.Pipeline,
	metrics *observability.PipelineMetrics,
	logger *slog.Logger,
) (*Processor, error) {
	if !pipeline.Validate() {
		return nil, ErrIncompletePipeline
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		governor: gov,
		pipeline: pipeline,
		metrics:  metrics,
		logger:   logger,
		state:    StateStopped,
		queue:    newTaskQueue(),
		active:   make(map[string]*activeJob),
	}, nil
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Start transitions stopped -> starting -> running and launches the
// admission and resource-watch loops.
func (p *Processor) Start() error {
	p.mu.Lock()

	if p.state != StateStopped {
		p.mu.Unlock()

		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, p.state)
	}

	p.state = StateStarting
	p.admitCh = make(chan struct{}, 1)
	p.stopCh = make(chan struct{})
	p.pausedManual = false
	p.pausedResource = false
	p.peakConcurrent = 0
	p.startedAt = time.Now().UTC()
	p.state = StateRunning
	p.mu.Unlock()

	p.loops.Add(2)
	go p.admissionLoop()
	go p.resourceWatchLoop()

	p.logger.Info("processor started",
		"max_concurrent", p.cfg.MaxConcurrentRequests,
		"max_queue_size", p.cfg.MaxQueueSize)

	return nil
}

// Stop drains the worker pool, waiting up to timeout for active jobs to
// finish before cancelling the stragglers. Queued jobs stay queued in the
// store for a later restart.
func (p *Processor) Stop(timeout time.Duration) error {
	p.mu.Lock()

	if p.state == StateStopped || p.state == StateStopping {
		p.mu.Unlock()

		return nil
	}

	p.state = StateStopping
	stopCh := p.stopCh
	p.mu.Unlock()

	close(stopCh)
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("drain timeout, cancelling active jobs", "timeout", timeout.String())
		p.cancelAllActive()
		<-done
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	p.logger.Info("processor stopped")

	return nil
}

func (p *Processor) cancelAllActive() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, job := range p.active {
		job.cancelled = true
		job.cancel()
	}
}

// Pause suspends admission. Active jobs run to completion.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pausedManual = true
	p.refreshPauseStateLocked()
}

// Resume lifts a manual pause. A resource pause stays in effect until the
// governor recovers.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.pausedManual = false
	p.refreshPauseStateLocked()
	p.mu.Unlock()

	p.signalAdmit()
}

// refreshPauseStateLocked reconciles the state field with the pause flags.
func (p *Processor) refreshPauseStateLocked() {
	if p.state != StateRunning && p.state != StatePaused {
		return
	}

	if p.pausedManual || p.pausedResource {
		p.state = StatePaused
	} else {
		p.state = StateRunning
	}
}

// Submit validates the request, creates a session, and enqueues it. A full
// queue rejects synchronously with ErrQueueFull.
func (p *Processor) Submit(req session.JobRequest, userID string, priority Priority) (string, error) {
	err := req.Validate()
	if err != nil {
		return "", err
	}

	p.mu.Lock()

	if p.state != StateRunning && p.state != StatePaused {
		p.mu.Unlock()

		return "", fmt.Errorf("%w: state %s", ErrNotRunning, p.state)
	}

	if p.queue.Len() >= p.cfg.MaxQueueSize {
		p.rejected++
		p.mu.Unlock()

		return "", fmt.Errorf("%w: %d jobs queued", ErrQueueFull, p.cfg.MaxQueueSize)
	}

	id, err := p.store.Create(req, userID)
	if err != nil {
		p.mu.Unlock()

		return "", fmt.Errorf("create session: %w", err)
	}

	p.seq++
	p.queue.PushTask(&task{
		sessionID:   id,
		userID:      userID,
		request:     req,
		priority:    priority,
		submittedAt: time.Now().UTC(),
		seq:         p.seq,
	})
	p.submitted++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordSubmit(context.Background(), priority.String())
	}

	p.logger.Info("job submitted",
		"session_id", id, "user_id", userID,
		"priority", priority.String(),
		"estimated_processing", EstimateProcessingTime(req).String())

	p.signalAdmit()

	return id, nil
}

// Cancel cancels a job. Queued jobs are removed immediately; active jobs are
// signalled and stop between stages.
func (p *Processor) Cancel(sessionID string) error {
	p.mu.Lock()

	if p.queue.Remove(sessionID) {
		p.cancelled++
		p.mu.Unlock()

		if p.metrics != nil {
			ctx := context.Background()
			p.metrics.RecordAdmit(ctx)
			p.metrics.RecordDone(ctx, "cancelled", 0)
		}

		status := session.StatusCancelled

		err := p.store.UpdateStatus(sessionID, session.StatusUpdate{Status: &status})
		if err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}

		p.logger.Info("queued job cancelled", "session_id", sessionID)

		return nil
	}

	job, ok := p.active[sessionID]
	if !ok {
		p.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownJob, sessionID)
	}

	job.cancelled = true
	job.cancel()
	p.mu.Unlock()

	p.logger.Info("active job cancellation requested", "session_id", sessionID)

	return nil
}

// Status returns the session's current stored state.
func (p *Processor) Status(sessionID string) (session.Session, error) {
	return p.store.Get(sessionID)
}

// QueuePosition returns the 1-based admission position of a queued session,
// or 0 when it is not queued.
func (p *Processor) QueuePosition(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.queue.Contains(sessionID) {
		return 0
	}

	target, pos := p.queue.byID[sessionID], 1

	for _, t := range p.queue.byID {
		if t == target {
			continue
		}

		if t.priority < target.priority ||
			(t.priority == target.priority && t.seq < target.seq) {
			pos++
		}
	}

	return pos
}

// Metrics returns the current counters and queue depths.
func (p *Processor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		State:           p.state,
		Submitted:       p.submitted,
		Completed:       p.completed,
		Failed:          p.failed,
		Cancelled:       p.cancelled,
		Rejected:        p.rejected,
		ActiveWorkers:   len(p.active),
		QueueDepth:      p.queue.Len(),
		QueueByPriority: p.queue.Depths(),
		PeakConcurrent:  p.peakConcurrent,
	}

	if p.state != StateStopped && !p.startedAt.IsZero() {
		m.UptimeSeconds = time.Since(p.startedAt).Seconds()
	}

	if p.cfg.MaxConcurrentRequests > 0 {
		m.Utilization = float64(len(p.active)) / float64(p.cfg.MaxConcurrentRequests)
	}

	if len(p.durations) > 0 {
		m.AvgProcessingSeconds = stats.Mean(p.durations)
		m.P95ProcessingSeconds = stats.Percentile(p.durations, stats.PercentileP95)
	}

	return m
}

// signalAdmit nudges the admission loop without blocking.
func (p *Processor) signalAdmit() {
	p.mu.Lock()
	ch := p.admitCh
	p.mu.Unlock()

	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

// admissionLoop admits queued jobs on submission signals and on a short
// retry tick, which covers transient governor denials.
func (p *Processor) admissionLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(admitRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.admitCh:
		case <-ticker.C:
		}

		p.admit()
	}
}

// admit moves jobs from the queue to workers while capacity and resources
// allow.
func (p *Processor) admit() {
	for {
		p.mu.Lock()

		if p.state != StateRunning ||
			len(p.active) >= p.cfg.MaxConcurrentRequests ||
			p.queue.Len() == 0 {
			p.mu.Unlock()

			return
		}

		next := p.queue.PeekTask()
		if next == nil {
			p.mu.Unlock()

			return
		}

		est := estimateResources(next.request)

		allocationID, err := p.governor.Allocate(
			next.sessionID, est.cpuCores, est.memoryMB, est.diskMB, int(next.priority))
		if err != nil {
			p.mu.Unlock()
			p.logger.Debug("admission held back",
				"session_id", next.sessionID, "reason", err.Error())

			return
		}

		t := p.queue.PopTask()

		timeout := time.Duration(p.cfg.WorkerTimeoutSeconds) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)

		p.active[t.sessionID] = &activeJob{
			cancel:       cancel,
			allocationID: allocationID,
			startedAt:    time.Now().UTC(),
		}

		// High-water mark, monotonic for the lifetime of a run.
		if len(p.active) > p.peakConcurrent {
			p.peakConcurrent = len(p.active)
		}

		p.workers.Add(1)
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.RecordAdmit(context.Background())
		}

		go p.runJob(ctx, cancel, t, allocationID)
	}
}

// resourceWatchLoop pauses admission when any resource goes critical and
// resumes once every dimension drops back below warning.
func (p *Processor) resourceWatchLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(p.governor.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		level := p.governor.WorstLevel()

		p.mu.Lock()

		switch {
		case level == governor.LevelCritical && !p.pausedResource:
			p.pausedResource = true
			p.refreshPauseStateLocked()
			p.logger.Warn("admission paused, resources critical")
		case level == governor.LevelNone && p.pausedResource:
			p.pausedResource = false
			p.refreshPauseStateLocked()
			p.logger.Info("admission resumed, resources recovered")
			p.mu.Unlock()
			p.signalAdmit()

			continue
		}

		p.mu.Unlock()
	}
}

// runJob drives one job through the pipeline on a worker goroutine.
func (p *Processor) runJob(ctx context.Context, cancel context.CancelFunc, t *task, allocationID string) {
	defer p.workers.Done()
	defer cancel()

	start := time.Now()
	outcome := p.executeJob(ctx, t)

	deallocErr := p.governor.Deallocate(allocationID)
	if deallocErr != nil {
		p.logger.Error("deallocate failed",
			"session_id", t.sessionID, "error", deallocErr)
	}

	elapsed := time.Since(start)

	p.mu.Lock()
	delete(p.active, t.sessionID)

	switch outcome {
	case "completed":
		p.completed++
		p.durations = append(p.durations, elapsed.Seconds())
	case "cancelled":
		p.cancelled++
	default:
		p.failed++
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordDone(context.Background(), outcome, elapsed)
	}

	p.logger.Info("job finished",
		"session_id", t.sessionID, "outcome", outcome,
		"duration", elapsed.String())

	p.signalAdmit()
}

// executeJob runs the pipeline stages in order, checking for cancellation
// between stages. It returns the job outcome.
func (p *Processor) executeJob(ctx context.Context, t *task) string {
	status := session.StatusProcessing

	err := p.store.UpdateStatus(t.sessionID, session.StatusUpdate{Status: &status})
	if err != nil {
		p.logger.Error("mark processing failed", "session_id", t.sessionID, "error", err)

		return p.finishFailed(t.sessionID, err)
	}

	err = p.tracker.Start(t.sessionID, nil)
	if err != nil {
		return p.finishFailed(t.sessionID, err)
	}

	sess, err := p.store.Get(t.sessionID)
	if err != nil {
		return p.finishFailed(t.sessionID, err)
	}

	for _, stage := range session.PipelineStages {
		if ctx.Err() != nil {
			return p.finishInterrupted(ctx, t.sessionID)
		}

		err = p.tracker.Advance(t.sessionID, stage)
		if err != nil {
			return p.finishFailed(t.sessionID, err)
		}

		state, stateErr := p.store.GetProjectState(t.sessionID)
		if stateErr != nil {
			return p.finishFailed(t.sessionID, stateErr)
		}

		patch, runErr := p.pipeline[stage].Run(ctx, &sess, &state)
		if runErr != nil {
			if ctx.Err() != nil {
				return p.finishInterrupted(ctx, t.sessionID)
			}

			return p.finishFailed(t.sessionID, fmt.Errorf("%s: %w", stage, runErr))
		}

		err = p.store.UpdateProjectState(t.sessionID, patch)
		if err != nil {
			return p.finishFailed(t.sessionID, err)
		}

		err = p.tracker.UpdateStageProgress(t.sessionID, stage, 1)
		if err != nil {
			return p.finishFailed(t.sessionID, err)
		}
	}

	err = p.tracker.Complete(t.sessionID, true, "")
	if err != nil {
		p.logger.Error("mark completed failed", "session_id", t.sessionID, "error", err)

		return "failed"
	}

	return "completed"
}

// finishInterrupted resolves a context interruption into cancelled or
// timed-out, writing the terminal state.
func (p *Processor) finishInterrupted(ctx context.Context, sessionID string) string {
	p.mu.Lock()
	job, ok := p.active[sessionID]
	wasCancelled := ok && job.cancelled
	p.mu.Unlock()

	if wasCancelled || errors.Is(ctx.Err(), context.Canceled) {
		p.tracker.Forget(sessionID)

		status := session.StatusCancelled

		err := p.store.UpdateStatus(sessionID, session.StatusUpdate{Status: &status})
		if err != nil {
			p.logger.Error("mark cancelled failed", "session_id", sessionID, "error", err)
		}

		return "cancelled"
	}

	return p.finishFailed(sessionID, fmt.Errorf("worker timeout after %ds", p.cfg.WorkerTimeoutSeconds))
}

// finishFailed records a failure through the tracker, falling back to the
// store when the session was never tracked.
func (p *Processor) finishFailed(sessionID string, cause error) string {
	err := p.tracker.Complete(sessionID, false, cause.Error())
	if err == nil {
		return "failed"
	}

	status := session.StatusFailed
	msg := cause.Error()

	storeErr := p.store.UpdateStatus(sessionID, session.StatusUpdate{Status: &status, Error: &msg})
	if storeErr != nil {
		p.logger.Error("mark failed failed", "session_id", sessionID, "error", storeErr)
	}

	return "failed"
}
