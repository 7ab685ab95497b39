// Package agent defines the per-stage runners the processor drives through
// the generation pipeline, plus a simulated implementation that exercises
// the rate limiter and produces placeholder artifacts.
package agent

import (
	"context"

	"github.com/vidforge/vidforge/internal/session"
)

// Runner executes one pipeline stage for a session. Implementations must
// honor context cancellation and return the partial-state patch to persist.
type Runner interface {
	// Stage names the pipeline stage this runner handles.
	Stage() session.Stage

	// Run executes the stage. The returned patch is applied to the
	// session's project state on success; a non-nil error fails the job.
	Run(ctx context.Context, sess *session.Session, state *session.ProjectState) (session.StatePatch, error)
}

// Pipeline maps each working stage to its runner.
type Pipeline map[session.Stage]Runner

// Validate reports whether every pipeline stage has a runner.
func (p Pipeline) Validate() bool {
	for _, stage := range session.PipelineStages {
		if _, ok := p[stage]; !ok {
			return false
		}
	}

	return true
}
