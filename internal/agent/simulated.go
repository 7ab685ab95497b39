package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidforge/vidforge/internal/observability"
	"github.com/vidforge/vidforge/internal/ratelimit"
	"github.com/vidforge/vidforge/internal/session"
)

// Upstream service names consulted by the simulated runners. They must match
// the rate_limit configuration keys.
const (
	ServiceSearch = "search_api"
	ServiceLLM    = "llm_api"
	ServiceImage  = "image_api"
	ServiceTTS    = "tts_api"
)

// maxLimiterWait bounds how long a simulated runner sleeps waiting for
// tokens before giving up on the stage.
const maxLimiterWait = 30 * time.Second

// stageService maps stages to the upstream they call. Stages without an
// upstream run purely locally.
var stageService = map[session.Stage]string{
	session.StageResearching:     ServiceSearch,
	session.StageScripting:       ServiceLLM,
	session.StageAssetSourcing:   ServiceImage,
	session.StageAudioGeneration: ServiceTTS,
}

// stageBaseDuration is the simulated wall time per stage at TimeScale 1.
var stageBaseDuration = map[session.Stage]time.Duration{
	session.StageInitializing:    200 * time.Millisecond,
	session.StageResearching:     2 * time.Second,
	session.StageScripting:       3 * time.Second,
	session.StageAssetSourcing:   4 * time.Second,
	session.StageAudioGeneration: 2 * time.Second,
	session.StageVideoAssembly:   5 * time.Second,
	session.StageFinalizing:      500 * time.Millisecond,
}

// SimulatedOptions tunes the simulated pipeline.
type SimulatedOptions struct {
	// TimeScale multiplies every stage duration. Tests use small values.
	TimeScale float64

	// FailStage, when non-empty, makes that stage return an error.
	FailStage session.Stage

	// Metrics, when set, counts limiter-delayed acquisitions per upstream.
	Metrics *observability.PipelineMetrics
}

// simulatedRunner fakes one stage: it waits out the stage duration in
// cancellable slices, consults the limiter for its upstream, and emits a
// small JSON artifact.
type simulatedRunner struct {
	stage   session.Stage
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	opts    SimulatedOptions
}

// NewSimulatedPipeline builds a full pipeline of simulated runners. A nil
// limiter disables upstream throttling; TimeScale <= 0 defaults to 1.
func NewSimulatedPipeline(limiter *ratelimit.Limiter, logger *slog.Logger, opts SimulatedOptions) Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}

	pipeline := make(Pipeline, len(session.PipelineStages))

	for _, stage := range session.PipelineStages {
		pipeline[stage] = &simulatedRunner{
			stage:   stage,
			limiter: limiter,
			logger:  logger,
			opts:    opts,
		}
	}

	return pipeline
}

func (r *simulatedRunner) Stage() session.Stage {
	return r.stage
}

func (r *simulatedRunner) Run(ctx context.Context, sess *session.Session, _ *session.ProjectState) (session.StatePatch, error) {
	if r.stage == r.opts.FailStage {
		return session.StatePatch{}, fmt.Errorf("simulated %s failure", r.stage)
	}

	err := r.throttle(ctx, sess.UserID)
	if err != nil {
		return session.StatePatch{}, err
	}

	duration := time.Duration(float64(stageBaseDuration[r.stage]) * r.opts.TimeScale)

	err = sleepCtx(ctx, duration)
	if err != nil {
		return session.StatePatch{}, err
	}

	return r.artifact(sess)
}

// throttle acquires one token from the stage's upstream service, sleeping
// out the advised delay when denied.
func (r *simulatedRunner) throttle(ctx context.Context, userID string) error {
	svc, ok := stageService[r.stage]
	if !ok || r.limiter == nil {
		return nil
	}

	deadline := time.Now().Add(maxLimiterWait)

	for {
		allowed, delaySeconds := r.limiter.Acquire(svc, userID, 1)
		if allowed {
			return nil
		}

		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordRateLimitDelay(ctx, svc)
		}

		wait := time.Duration(delaySeconds * float64(time.Second))
		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%s: rate limit wait exceeded %s", svc, maxLimiterWait)
		}

		r.logger.Debug("stage throttled by upstream limiter",
			"stage", string(r.stage), "service", svc, "delay_seconds", delaySeconds)

		err := sleepCtx(ctx, wait)
		if err != nil {
			return err
		}
	}
}

// artifact emits the patch for this stage's output.
func (r *simulatedRunner) artifact(sess *session.Session) (session.StatePatch, error) {
	payload, err := json.Marshal(map[string]string{
		"stage":  string(r.stage),
		"prompt": sess.Request.Prompt,
	})
	if err != nil {
		return session.StatePatch{}, fmt.Errorf("encode %s artifact: %w", r.stage, err)
	}

	switch r.stage {
	case session.StageResearching:
		return session.StatePatch{Research: payload}, nil
	case session.StageScripting:
		return session.StatePatch{Script: payload}, nil
	case session.StageAssetSourcing:
		return session.StatePatch{Assets: payload}, nil
	case session.StageAudioGeneration:
		return session.StatePatch{Audio: payload}, nil
	case session.StageFinalizing:
		final := fmt.Sprintf("%s/final.mp4", sess.ID)

		return session.StatePatch{FinalArtifact: &final}, nil
	default:
		return session.StatePatch{}, nil
	}
}

// sleepCtx sleeps for d or returns the context error on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
