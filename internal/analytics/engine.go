package analytics

import (
	"math"
	"sort"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// Package analytics computes descriptive statistics and short-term trends
// over metric windows.
//
// Statistical Methods Used:
//   1. Mean, median, min, max
//   2. Population standard deviation
//   3. Percentiles by linear interpolation (p50, p90, p99)
//   4. Half-window mean comparison for trend direction
//
// All functions are pure: they never mutate their input and never fail.
// An empty input yields the Count == 0 sentinel rather than an error.

// DefaultTrendEpsilon is the relative change below which a trend is stable.
const DefaultTrendEpsilon = 0.05

// minTrendSamples is the smallest window that gets a trend direction.
const minTrendSamples = 3

// Engine is the statistics and trend engine.
type Engine struct {
	trendEpsilon float64 // Default: 0.05 (5% relative change)
}

// NewEngine creates an engine. A non-positive epsilon selects the default.
func NewEngine(trendEpsilon float64) *Engine {
	if trendEpsilon <= 0 {
		trendEpsilon = DefaultTrendEpsilon
	}
	return &Engine{trendEpsilon: trendEpsilon}
}

// TrendEpsilon returns the configured trend tolerance.
func (e *Engine) TrendEpsilon() float64 { return e.trendEpsilon }

// Compute summarizes metric across samples. Samples lacking the metric are
// skipped.
func (e *Engine) Compute(samples []models.Sample, metric string) models.Stats {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Value(metric); ok {
			values = append(values, v)
		}
	}
	return e.ComputeValues(values)
}

// ComputeValues summarizes a slice of values.
func (e *Engine) ComputeValues(values []float64) models.Stats {
	if len(values) == 0 {
		return models.Stats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean, stdDev := meanStdDev(values)
	median := percentile(sorted, 50)

	return models.Stats{
		Mean:   mean,
		Median: median,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		StdDev: stdDev,
		P50:    median,
		P90:    percentile(sorted, 90),
		P99:    percentile(sorted, 99),
		Count:  len(values),
	}
}

// Trend compares the mean of the first half of values with the mean of the
// second half. With an odd count the middle value belongs to neither half.
func (e *Engine) Trend(values []float64) models.Trend {
	n := len(values)
	if n < minTrendSamples {
		return models.Trend{Direction: models.TrendInsufficientData}
	}

	half := n / 2
	first, _ := meanStdDev(values[:half])
	second, _ := meanStdDev(values[n-half:])

	// Relative tolerance, falling back to an absolute one around zero.
	limit := e.trendEpsilon * math.Abs(first)
	if first == 0 {
		limit = e.trendEpsilon
	}

	direction := models.TrendStable
	switch delta := second - first; {
	case delta > limit:
		direction = models.TrendIncreasing
	case delta < -limit:
		direction = models.TrendDecreasing
	}
	return models.Trend{Direction: direction, FirstMean: first, SecondMean: second}
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// MeanStdDev exposes the population mean and standard deviation.
func MeanStdDev(values []float64) (mean, stdDev float64) {
	return meanStdDev(values)
}

// percentile interpolates linearly between closest ranks of sortedData.
func percentile(sortedData []float64, p float64) float64 {
	if len(sortedData) == 0 {
		return 0
	}
	rank := p / 100.0 * float64(len(sortedData)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sortedData[lo]
	}
	w := rank - float64(lo)
	return sortedData[lo]*(1-w) + sortedData[hi]*w
}
