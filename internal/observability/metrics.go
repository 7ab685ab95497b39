package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricJobsTotal      = "vidforge.jobs.total"
	metricJobDuration    = "vidforge.job.duration.seconds"
	metricJobsFailed     = "vidforge.jobs.failed.total"
	metricActiveWorkers  = "vidforge.workers.active"
	metricQueueDepth     = "vidforge.queue.depth"
	metricRateLimitWaits = "vidforge.ratelimit.delays.total"

	attrPriority = "priority"
	attrOutcome  = "outcome"
	attrServiceN = "upstream"
)

// jobDurationBuckets covers 5s to 1h; worker runs range from short mocked
// stages in load tests to full-length generation pipelines.
var jobDurationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// PipelineMetrics holds the OTel instruments for the job pipeline.
type PipelineMetrics struct {
	jobsTotal      metric.Int64Counter
	jobDuration    metric.Float64Histogram
	jobsFailed     metric.Int64Counter
	activeWorkers  metric.Int64UpDownCounter
	queueDepth     metric.Int64UpDownCounter
	rateLimitWaits metric.Int64Counter
}

// NewPipelineMetrics creates pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	jobsTotal, err := mt.Int64Counter(metricJobsTotal,
		metric.WithDescription("Total jobs submitted"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobsTotal, err)
	}

	jobDuration, err := mt.Float64Histogram(metricJobDuration,
		metric.WithDescription("End-to-end job processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobDuration, err)
	}

	jobsFailed, err := mt.Int64Counter(metricJobsFailed,
		metric.WithDescription("Total jobs that ended in failure"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobsFailed, err)
	}

	activeWorkers, err := mt.Int64UpDownCounter(metricActiveWorkers,
		metric.WithDescription("Workers currently executing a job"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricActiveWorkers, err)
	}

	queueDepth, err := mt.Int64UpDownCounter(metricQueueDepth,
		metric.WithDescription("Jobs waiting for admission"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricQueueDepth, err)
	}

	rateLimitWaits, err := mt.Int64Counter(metricRateLimitWaits,
		metric.WithDescription("Rate limiter acquisitions that returned a delay"),
		metric.WithUnit("{acquisition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRateLimitWaits, err)
	}

	return &PipelineMetrics{
		jobsTotal:      jobsTotal,
		jobDuration:    jobDuration,
		jobsFailed:     jobsFailed,
		activeWorkers:  activeWorkers,
		queueDepth:     queueDepth,
		rateLimitWaits: rateLimitWaits,
	}, nil
}

// RecordSubmit counts a submitted job and bumps the queue depth gauge.
func (pm *PipelineMetrics) RecordSubmit(ctx context.Context, priority string) {
	pm.jobsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrPriority, priority)))
	pm.queueDepth.Add(ctx, 1)
}

// RecordAdmit moves a job from the queue gauge to the worker gauge.
func (pm *PipelineMetrics) RecordAdmit(ctx context.Context) {
	pm.queueDepth.Add(ctx, -1)
	pm.activeWorkers.Add(ctx, 1)
}

// RecordDone records a finished job with its outcome and duration.
func (pm *PipelineMetrics) RecordDone(ctx context.Context, outcome string, duration time.Duration) {
	pm.activeWorkers.Add(ctx, -1)
	pm.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrOutcome, outcome),
	))

	if outcome != "completed" {
		pm.jobsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrOutcome, outcome),
		))
	}
}

// RecordRateLimitDelay counts a delayed acquisition against an upstream.
func (pm *PipelineMetrics) RecordRateLimitDelay(ctx context.Context, service string) {
	pm.rateLimitWaits.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrServiceN, service),
	))
}
