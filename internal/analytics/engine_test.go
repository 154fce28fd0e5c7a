package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

func TestNewEngine(t *testing.T) {
	engine := NewEngine(0)
	if engine == nil {
		t.Fatal("NewEngine() returned nil")
	}
	if engine.TrendEpsilon() != DefaultTrendEpsilon {
		t.Errorf("Expected default trend epsilon %.2f, got %.2f", DefaultTrendEpsilon, engine.TrendEpsilon())
	}
	if NewEngine(0.1).TrendEpsilon() != 0.1 {
		t.Errorf("Expected custom trend epsilon to be kept")
	}
}

func TestComputeValues(t *testing.T) {
	engine := NewEngine(0)

	// [1..10]
	values := make([]float64, 10)
	for i := range values {
		values[i] = float64(i + 1)
	}
	stats := engine.ComputeValues(values)

	checks := []struct {
		name     string
		got      float64
		expected float64
	}{
		{"mean", stats.Mean, 5.5},
		{"median", stats.Median, 5.5},
		{"p50", stats.P50, 5.5},
		{"min", stats.Min, 1},
		{"max", stats.Max, 10},
		{"p90", stats.P90, 9.1},
		{"p99", stats.P99, 9.91},
		// population stddev of 1..10 = sqrt(8.25)
		{"std_dev", stats.StdDev, math.Sqrt(8.25)},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.expected) > 0.001 {
			t.Errorf("Expected %s %.3f, got %.3f", c.name, c.expected, c.got)
		}
	}
	if stats.Count != 10 {
		t.Errorf("Expected count 10, got %d", stats.Count)
	}
}

func TestComputeValues_PercentileOrdering(t *testing.T) {
	engine := NewEngine(0)
	inputs := [][]float64{
		{5},
		{3, 1, 2},
		{10, 10, 10, 10, 100},
		{-4, 0, 4.5, 2, 2, 9, -1},
	}
	for _, in := range inputs {
		stats := engine.ComputeValues(in)
		if !(stats.Min <= stats.P50 && stats.P50 <= stats.P90 && stats.P90 <= stats.P99 && stats.P99 <= stats.Max) {
			t.Errorf("percentile ordering violated for %v: %+v", in, stats)
		}
		if stats.StdDev < 0 {
			t.Errorf("negative stddev for %v", in)
		}
		if stats.Median != stats.P50 {
			t.Errorf("median %.3f != p50 %.3f for %v", stats.Median, stats.P50, in)
		}
		if stats.Count != len(in) {
			t.Errorf("count %d != %d", stats.Count, len(in))
		}
	}
}

func TestComputeValues_Empty(t *testing.T) {
	stats := NewEngine(0).ComputeValues(nil)
	if !stats.Empty() {
		t.Errorf("Expected empty sentinel, got %+v", stats)
	}
}

func TestCompute_SkipsMissingMetric(t *testing.T) {
	now := time.Now()
	samples := []models.Sample{
		models.NewSample(now, map[string]float64{"cpu_usage": 10}),
		models.NewSample(now.Add(time.Second), map[string]float64{"memory_usage": 50}),
		models.NewSample(now.Add(2*time.Second), map[string]float64{"cpu_usage": 20}),
	}
	stats := NewEngine(0).Compute(samples, "cpu_usage")
	if stats.Count != 2 {
		t.Fatalf("Expected 2 cpu values, got %d", stats.Count)
	}
	if stats.Mean != 15 {
		t.Errorf("Expected mean 15, got %.2f", stats.Mean)
	}
}

func TestTrend(t *testing.T) {
	engine := NewEngine(0.05)

	tests := []struct {
		name     string
		values   []float64
		expected models.TrendDirection
	}{
		{"monotonic increase", []float64{1, 2, 3, 4, 5, 6}, models.TrendIncreasing},
		{"monotonic decrease", []float64{6, 5, 4, 3, 2, 1}, models.TrendDecreasing},
		{"constant", []float64{5, 5, 5, 5}, models.TrendStable},
		{"small jitter", []float64{100, 101, 99, 100, 102, 100}, models.TrendStable},
		{"odd count drops middle", []float64{85, 88, 92}, models.TrendIncreasing},
		{"two samples", []float64{1, 10}, models.TrendInsufficientData},
		{"empty", nil, models.TrendInsufficientData},
		{"zero first half uses absolute epsilon", []float64{0, 0, 0, 1, 1, 1}, models.TrendIncreasing},
		{"zero first half within epsilon", []float64{0, 0, 0.01, 0.01}, models.TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Trend(tt.values)
			if got.Direction != tt.expected {
				t.Errorf("Trend(%v) = %s, want %s", tt.values, got.Direction, tt.expected)
			}
		})
	}
}

func TestTrend_Means(t *testing.T) {
	got := NewEngine(0).Trend([]float64{85, 88, 92})
	if got.FirstMean != 85 || got.SecondMean != 92 {
		t.Errorf("Expected halves 85/92, got %.1f/%.1f", got.FirstMean, got.SecondMean)
	}
}
