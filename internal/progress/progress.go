// Package progress computes weighted per-stage progress for sessions and
// writes the overall figure through to the session store, including a
// linearly extrapolated completion estimate.
package progress

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vidforge/vidforge/internal/session"
)

// weightEpsilon is the tolerance when validating that weights sum to 1.
const weightEpsilon = 1e-6

// DefaultWeights is the stage weighting used when no override is given.
// The weights sum to 1.
var DefaultWeights = map[session.Stage]float64{
	session.StageInitializing:    0.05,
	session.StageResearching:     0.10,
	session.StageScripting:       0.15,
	session.StageAssetSourcing:   0.25,
	session.StageAudioGeneration: 0.15,
	session.StageVideoAssembly:   0.25,
	session.StageFinalizing:      0.05,
}

// Sentinel errors for tracker operations.
var (
	// ErrUnknownSession indicates the session was never started on this tracker.
	ErrUnknownSession = errors.New("session not tracked")
	// ErrUnknownStage indicates a stage outside the pipeline.
	ErrUnknownStage = errors.New("unknown pipeline stage")
	// ErrBadWeights indicates override weights that do not cover every stage
	// or do not sum to 1.
	ErrBadWeights = errors.New("stage weights must cover all stages and sum to 1")
)

// StageProgress is the per-stage view returned by Progress.
type StageProgress struct {
	Progress    float64    `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Report is the full progress view for one session.
type Report struct {
	Overall             float64                          `json:"overall"`
	PerStage            map[session.Stage]*StageProgress `json:"per_stage"`
	CurrentStage        session.Stage                    `json:"current_stage"`
	EstimatedCompletion *time.Time                       `json:"estimated_completion,omitempty"`
}

// tracked is the tracker's per-session state.
type tracked struct {
	weights   map[session.Stage]float64
	current   session.Stage
	perStage  map[session.Stage]*StageProgress
	startedAt time.Time
}

// Tracker maintains weighted stage progress per session.
type Tracker struct {
	store *session.Store

	mu       sync.Mutex
	sessions map[string]*tracked
}

// NewTracker creates a tracker writing through to the given store.
func NewTracker(store *session.Store) *Tracker {
	return &Tracker{
		store:    store,
		sessions: make(map[string]*tracked),
	}
}

// Start begins tracking a session. A nil weights map selects DefaultWeights;
// an override must assign a weight to every pipeline stage and sum to 1.
func (t *Tracker) Start(sessionID string, weights map[session.Stage]float64) error {
	if weights == nil {
		weights = DefaultWeights
	} else {
		err := validateWeights(weights)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	tr := &tracked{
		weights:   weights,
		current:   session.StageInitializing,
		perStage:  make(map[session.Stage]*StageProgress, len(session.PipelineStages)),
		startedAt: now,
	}

	for _, stage := range session.PipelineStages {
		tr.perStage[stage] = &StageProgress{}
	}

	startAt := now
	tr.perStage[session.StageInitializing].StartedAt = &startAt

	t.mu.Lock()
	t.sessions[sessionID] = tr
	t.mu.Unlock()

	return nil
}

func validateWeights(weights map[session.Stage]float64) error {
	var sum float64

	for _, stage := range session.PipelineStages {
		w, ok := weights[stage]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrBadWeights, stage)
		}

		sum += w
	}

	if math.Abs(sum-1) > weightEpsilon {
		return fmt.Errorf("%w: sum is %.6f", ErrBadWeights, sum)
	}

	return nil
}

// UpdateStageProgress records in-stage progress in [0, 1] and writes the
// recomputed overall progress through to the store.
func (t *Tracker) UpdateStageProgress(sessionID string, stage session.Stage, inStage float64) error {
	stageIdx, known := session.StageIndex(stage)
	if !known || stageIdx >= len(session.PipelineStages) {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	t.mu.Lock()

	tr, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()

		return ErrUnknownSession
	}

	inStage = max(0, min(inStage, 1))
	sp := tr.perStage[stage]
	sp.Progress = inStage

	if sp.StartedAt == nil {
		now := time.Now().UTC()
		sp.StartedAt = &now
	}

	if inStage >= 1 && sp.CompletedAt == nil {
		now := time.Now().UTC()
		sp.CompletedAt = &now
	}

	tr.current = stage
	overall := tr.overallLocked()
	eta := tr.etaLocked(overall)
	t.mu.Unlock()

	upd := session.StatusUpdate{Progress: &overall, Stage: &stage}
	if eta != nil {
		upd.EstimatedCompletion = eta
	}

	err := t.store.UpdateStatus(sessionID, upd)
	if err != nil {
		return fmt.Errorf("write progress: %w", err)
	}

	return nil
}

// Advance marks every stage before newStage complete in order and makes
// newStage current with zero in-stage progress.
func (t *Tracker) Advance(sessionID string, newStage session.Stage) error {
	newIdx, known := session.StageIndex(newStage)
	if !known || newIdx >= len(session.PipelineStages) {
		return fmt.Errorf("%w: %s", ErrUnknownStage, newStage)
	}

	t.mu.Lock()

	tr, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()

		return ErrUnknownSession
	}

	now := time.Now().UTC()

	for _, stage := range session.PipelineStages[:newIdx] {
		sp := tr.perStage[stage]
		sp.Progress = 1

		if sp.StartedAt == nil {
			at := now
			sp.StartedAt = &at
		}

		if sp.CompletedAt == nil {
			at := now
			sp.CompletedAt = &at
		}
	}

	current := tr.perStage[newStage]
	if current.StartedAt == nil {
		at := now
		current.StartedAt = &at
	}

	tr.current = newStage
	overall := tr.overallLocked()
	eta := tr.etaLocked(overall)
	t.mu.Unlock()

	upd := session.StatusUpdate{Progress: &overall, Stage: &newStage}
	if eta != nil {
		upd.EstimatedCompletion = eta
	}

	err := t.store.UpdateStatus(sessionID, upd)
	if err != nil {
		return fmt.Errorf("write progress: %w", err)
	}

	return nil
}

// Complete finishes tracking. On success every stage is marked complete and
// the session becomes completed with progress 1. On failure the session
// becomes failed, partial progress is preserved, and the error is recorded.
func (t *Tracker) Complete(sessionID string, success bool, errMsg string) error {
	t.mu.Lock()

	tr, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()

		return ErrUnknownSession
	}

	now := time.Now().UTC()

	if success {
		for _, stage := range session.PipelineStages {
			sp := tr.perStage[stage]
			sp.Progress = 1

			if sp.StartedAt == nil {
				at := now
				sp.StartedAt = &at
			}

			if sp.CompletedAt == nil {
				at := now
				sp.CompletedAt = &at
			}
		}
	}

	overall := tr.overallLocked()
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if success {
		status := session.StatusCompleted
		stage := session.StageCompleted
		one := 1.0

		err := t.store.UpdateStatus(sessionID, session.StatusUpdate{
			Status:   &status,
			Stage:    &stage,
			Progress: &one,
		})
		if err != nil {
			return fmt.Errorf("write completion: %w", err)
		}

		return nil
	}

	status := session.StatusFailed
	stage := session.StageFailed

	err := t.store.UpdateStatus(sessionID, session.StatusUpdate{
		Status:   &status,
		Stage:    &stage,
		Progress: &overall,
		Error:    &errMsg,
	})
	if err != nil {
		return fmt.Errorf("write failure: %w", err)
	}

	return nil
}

// Forget drops tracking state without writing a terminal status. Used when
// a job is interrupted and its status is written elsewhere.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Progress returns the current report for a tracked session.
func (t *Tracker) Progress(sessionID string) (Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.sessions[sessionID]
	if !ok {
		return Report{}, ErrUnknownSession
	}

	overall := tr.overallLocked()

	report := Report{
		Overall:             overall,
		PerStage:            make(map[session.Stage]*StageProgress, len(tr.perStage)),
		CurrentStage:        tr.current,
		EstimatedCompletion: tr.etaLocked(overall),
	}

	for stage, sp := range tr.perStage {
		cp := *sp
		report.PerStage[stage] = &cp
	}

	return report, nil
}

// overallLocked computes the weighted sum of per-stage progress.
func (tr *tracked) overallLocked() float64 {
	var overall float64

	for _, stage := range session.PipelineStages {
		overall += tr.weights[stage] * tr.perStage[stage].Progress
	}

	return min(overall, 1)
}

// etaLocked linearly extrapolates completion from elapsed wall time.
func (tr *tracked) etaLocked(overall float64) *time.Time {
	if overall <= 0 || overall >= 1 {
		return nil
	}

	elapsed := time.Since(tr.startedAt)
	total := time.Duration(float64(elapsed) / overall)
	eta := tr.startedAt.Add(total)

	return &eta
}
