// Package stats provides the small set of statistical functions used for
// latency summaries and resource history: mean, percentiles, and extrema.
package stats

import (
	"cmp"
	"math"
	"slices"
)

// Mean returns the arithmetic mean of values.
// Returns 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64

	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// Well-known percentile thresholds.
const (
	PercentileMedian = 0.5
	PercentileP95    = 0.95
	PercentileP99    = 0.99
)

// Percentile returns the p-th percentile of values using linear interpolation.
// p must be in [0, 1]. The input slice is not modified (a copy is sorted
// internally). Returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	count := len(values)
	if count == 0 {
		return 0
	}

	sorted := make([]float64, count)
	copy(sorted, values)
	slices.Sort(sorted)

	idx := p * float64(count-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))

	if lower == upper || upper >= count {
		return sorted[lower]
	}

	frac := idx - float64(lower)

	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Median returns the 50th percentile of values.
func Median(values []float64) float64 {
	return Percentile(values, PercentileMedian)
}

// Clamp restricts val to the range [lo, hi].
func Clamp[T cmp.Ordered](val, lo, hi T) T {
	return max(lo, min(val, hi))
}

// Min returns the smallest element in values.
// Returns the zero value of T for an empty slice.
func Min[T cmp.Ordered](values []T) T {
	if len(values) == 0 {
		var zero T

		return zero
	}

	result := values[0]

	for _, v := range values[1:] {
		if v < result {
			result = v
		}
	}

	return result
}

// Max returns the largest element in values.
// Returns the zero value of T for an empty slice.
func Max[T cmp.Ordered](values []T) T {
	if len(values) == 0 {
		var zero T

		return zero
	}

	result := values[0]

	for _, v := range values[1:] {
		if v > result {
			result = v
		}
	}

	return result
}

// Summary holds the distribution statistics reported for a latency sample.
type Summary struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
}

// Summarize computes the full distribution summary for values.
// Returns a zero Summary for an empty slice.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	return Summary{
		Min:  Min(values),
		Max:  Max(values),
		Mean: Mean(values),
		P50:  Percentile(values, PercentileMedian),
		P95:  Percentile(values, PercentileP95),
		P99:  Percentile(values, PercentileP99),
	}
}
