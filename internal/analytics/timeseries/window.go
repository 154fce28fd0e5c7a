package timeseries

import (
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// Window is an immutable snapshot of a series, oldest sample first. It can
// be iterated any number of times.
type Window struct {
	samples []models.Sample
}

// NewWindow builds a window from samples already in timestamp order.
func NewWindow(samples []models.Sample) Window {
	cp := make([]models.Sample, len(samples))
	copy(cp, samples)
	return Window{samples: cp}
}

// All yields the samples in ascending timestamp order.
func (w Window) All() iter.Seq[models.Sample] {
	return func(yield func(models.Sample) bool) {
		for _, s := range w.samples {
			if !yield(s) {
				return
			}
		}
	}
}

// Len returns the number of samples.
func (w Window) Len() int { return len(w.samples) }

// Samples returns a copy of the samples.
func (w Window) Samples() []models.Sample {
	out := make([]models.Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Values returns metric's values in timestamp order, skipping samples that
// lack it.
func (w Window) Values(metric string) []float64 {
	out := make([]float64, 0, len(w.samples))
	for s := range w.All() {
		if v, ok := s.Value(metric); ok {
			out = append(out, v)
		}
	}
	return out
}

// Latest returns the most recent sample carrying metric.
func (w Window) Latest(metric string) (models.Sample, bool) {
	for i := len(w.samples) - 1; i >= 0; i-- {
		if _, ok := w.samples[i].Value(metric); ok {
			return w.samples[i], true
		}
	}
	return models.Sample{}, false
}

// Metrics returns the union of metric names across the window, sorted.
func (w Window) Metrics() []string {
	seen := make(map[string]struct{})
	for s := range w.All() {
		for _, name := range s.Metrics() {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseSample converts raw metric readings into a Sample. Numbers, numeric
// strings and json.Number are accepted; anything else is an InvalidSample.
func ParseSample(entityID string, ts time.Time, raw map[string]interface{}) (models.Sample, error) {
	fields := make(map[string]float64, len(raw))
	for name, v := range raw {
		f, err := toFloat(v)
		if err != nil {
			return models.Sample{}, newInvalidSample(entityID, fmt.Sprintf("field %q: %v", name, err))
		}
		fields[name] = f
	}
	return models.NewSample(ts, fields), nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("non-numeric value of type %T", v)
	}
}
