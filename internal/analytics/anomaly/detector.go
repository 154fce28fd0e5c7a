package anomaly

// Package anomaly flags individual sample values that deviate sharply from
// the rest of their window.
//
// Each value is compared against the mean and population standard deviation
// of the other values in the window. A value is anomalous when it lies more
// than K standard deviations from that mean, or when the other values are
// all equal and it differs from them. A window with no spread at all has no
// anomalies.

import (
	"math"

	"github.com/kubilitics/exchange-agent/internal/models"
)

const (
	// DefaultK is the number of standard deviations that marks an outlier.
	DefaultK = 3.0
	// DefaultMinSamples is the smallest window that is scored.
	DefaultMinSamples = 5
)

// Detector scores metric windows for outliers.
type Detector struct {
	k          float64
	minSamples int
}

// NewDetector creates a detector. Non-positive arguments select defaults.
func NewDetector(k float64, minSamples int) *Detector {
	if k <= 0 {
		k = DefaultK
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if minSamples < 2 {
		minSamples = 2
	}
	return &Detector{k: k, minSamples: minSamples}
}

// K returns the configured deviation multiplier.
func (d *Detector) K() float64 { return d.k }

// Detect returns the anomalous samples for metric, in timestamp order.
func (d *Detector) Detect(metric string, samples []models.Sample) []models.Anomaly {
	values := make([]float64, 0, len(samples))
	kept := make([]models.Sample, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Value(metric); ok {
			values = append(values, v)
			kept = append(kept, s)
		}
	}

	idx := d.Outliers(values)
	if len(idx) == 0 {
		return nil
	}
	out := make([]models.Anomaly, 0, len(idx))
	for _, i := range idx {
		mean, std := meanStdDevExcluding(values, i)
		aType := "spike"
		if values[i] < mean {
			aType = "drop"
		}
		out = append(out, models.Anomaly{
			Metric:    metric,
			Timestamp: kept[i].Timestamp(),
			Value:     values[i],
			Expected:  mean,
			StdDev:    std,
			Type:      aType,
		})
	}
	return out
}

// Outliers returns the indexes of anomalous values.
func (d *Detector) Outliers(values []float64) []int {
	if len(values) < d.minSamples {
		return nil
	}
	if _, std := meanStdDevExcluding(values, -1); std == 0 {
		return nil
	}

	var out []int
	for i, v := range values {
		mean, std := meanStdDevExcluding(values, i)
		dev := math.Abs(v - mean)
		if std == 0 {
			if dev > 0 {
				out = append(out, i)
			}
			continue
		}
		if dev > d.k*std {
			out = append(out, i)
		}
	}
	return out
}

// meanStdDevExcluding computes the population mean and standard deviation of
// values without values[skip]. skip < 0 includes everything.
func meanStdDevExcluding(values []float64, skip int) (mean, std float64) {
	var sum float64
	n := 0
	for i, v := range values {
		if i == skip {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0
	}
	mean = sum / float64(n)

	var variance float64
	for i, v := range values {
		if i == skip {
			continue
		}
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(n))
}
