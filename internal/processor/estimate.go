package processor

import (
	"time"

	"github.com/vidforge/vidforge/internal/session"
)

// Processing-time estimate bounds.
const (
	minEstimate = 5 * time.Minute
	maxEstimate = time.Hour

	// baseOverhead covers per-job setup regardless of output length.
	baseOverhead = 5 * time.Minute

	// secondsPerOutputSecond is the assumed processing cost per second of
	// requested video.
	secondsPerOutputSecond = 2
)

// qualityTimeFactor scales the estimate by quality tier.
var qualityTimeFactor = map[session.Quality]float64{
	session.QualityLow:    0.5,
	session.QualityMedium: 1.0,
	session.QualityHigh:   1.5,
	session.QualityUltra:  2.0,
}

// resourceEstimate is the logical reservation admitted per job.
type resourceEstimate struct {
	cpuCores float64
	memoryMB int
	diskMB   int
}

// qualityResources maps quality tiers to their reservation sizes.
var qualityResources = map[session.Quality]resourceEstimate{
	session.QualityLow:    {cpuCores: 1, memoryMB: 1024, diskMB: 2048},
	session.QualityMedium: {cpuCores: 2, memoryMB: 2048, diskMB: 4096},
	session.QualityHigh:   {cpuCores: 3, memoryMB: 4096, diskMB: 8192},
	session.QualityUltra:  {cpuCores: 4, memoryMB: 8192, diskMB: 16384},
}

// EstimateProcessingTime predicts wall time for a job: a fixed overhead plus
// a per-output-second cost, clamped to [5m, 1h], scaled by quality.
func EstimateProcessingTime(req session.JobRequest) time.Duration {
	raw := baseOverhead + time.Duration(req.DurationSeconds*secondsPerOutputSecond)*time.Second

	clamped := min(max(raw, minEstimate), maxEstimate)

	factor, ok := qualityTimeFactor[req.Quality]
	if !ok {
		factor = 1
	}

	return time.Duration(float64(clamped) * factor)
}

// estimateResources returns the reservation for a request's quality tier.
func estimateResources(req session.JobRequest) resourceEstimate {
	est, ok := qualityResources[req.Quality]
	if !ok {
		est = qualityResources[session.QualityMedium]
	}

	return est
}
