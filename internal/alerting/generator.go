package alerting

// Package alerting turns threshold violations into alerts and keeps alert
// storms in check.
//
// Suppression is tracked per (entity, metric) over a sliding interval:
//   - an escalation to critical always fires
//   - a repeat at the same or lower severity than an alert already fired in
//     the interval is suppressed
//   - anything else fires while the pair is under its per-interval cap

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/exchange-agent/internal/analytics"
	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
)

// AlertTypeThreshold is the Type of every alert raised by the generator.
const AlertTypeThreshold = "threshold"

// Options configures a Generator.
type Options struct {
	Thresholds     map[models.EntityKind]models.ThresholdConfig
	Interval       time.Duration
	MaxPerInterval int
	Now            func() time.Time
}

// Generator evaluates thresholds and applies storm suppression.
type Generator struct {
	mu             sync.Mutex
	thresholds     map[models.EntityKind]models.ThresholdConfig
	interval       time.Duration
	maxPerInterval int
	fired          map[pairKey][]firing
	now            func() time.Time
}

type pairKey struct {
	entityID string
	metric   string
}

type firing struct {
	at       time.Time
	severity models.Severity
}

// NewGenerator creates a Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("alert interval must be positive, got %s", opts.Interval)
	}
	if opts.MaxPerInterval <= 0 {
		return nil, fmt.Errorf("max alerts per interval must be positive, got %d", opts.MaxPerInterval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Generator{
		thresholds:     make(map[models.EntityKind]models.ThresholdConfig),
		interval:       opts.Interval,
		maxPerInterval: opts.MaxPerInterval,
		fired:          make(map[pairKey][]firing),
		now:            opts.Now,
	}
	for kind, cfg := range opts.Thresholds {
		g.thresholds[kind] = cfg.Clone()
	}
	return g, nil
}

// SetThresholds replaces the thresholds for kind.
func (g *Generator) SetThresholds(kind models.EntityKind, cfg models.ThresholdConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.thresholds[kind] = cfg.Clone()
}

// Thresholds returns a copy of the thresholds for kind.
func (g *Generator) Thresholds(kind models.EntityKind) models.ThresholdConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.thresholds[kind].Clone()
}

// Reset forgets every fired alert.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fired = make(map[pairKey][]firing)
}

// Result is the outcome of one evaluation.
type Result struct {
	// Active holds every current violation, fired or not.
	Active []models.Alert
	// Fired holds the alerts that passed suppression.
	Fired []models.Alert
	// Suppressed holds the alerts held back by suppression.
	Suppressed []models.Alert
}

// Evaluate checks every configured metric of entity against the window.
// Metrics are evaluated in name order so results are deterministic.
func (g *Generator) Evaluate(entity models.Entity, w timeseries.Window) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res Result
	cfg := g.thresholds[entity.Kind]
	if len(cfg) == 0 || w.Len() == 0 {
		return res
	}

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	now := g.now()
	for _, metric := range names {
		th := cfg[metric]
		value, ts, ok := observed(w, metric, th.UseMean)
		if !ok {
			continue
		}
		sev, limit, violated := th.Classify(value)
		if !violated {
			continue
		}

		a := models.Alert{
			ID:        uuid.New().String(),
			Type:      AlertTypeThreshold,
			Severity:  sev,
			Message:   message(entity.ID, metric, th, sev, value, limit),
			Metric:    metric,
			Value:     value,
			Threshold: limit,
			Timestamp: ts,
			EntityID:  entity.ID,
		}
		res.Active = append(res.Active, a)

		if g.admit(pairKey{entityID: entity.ID, metric: metric}, sev, now) {
			res.Fired = append(res.Fired, a)
			metrics.AlertsFiredTotal.WithLabelValues(sev.String(), metric).Inc()
		} else {
			res.Suppressed = append(res.Suppressed, a)
			metrics.AlertsSuppressedTotal.WithLabelValues(metric).Inc()
		}
	}
	return res
}

// admit applies suppression for key and records the firing when admitted.
// Callers hold g.mu.
func (g *Generator) admit(key pairKey, sev models.Severity, now time.Time) bool {
	recent := g.fired[key][:0]
	for _, f := range g.fired[key] {
		if now.Sub(f.at) < g.interval {
			recent = append(recent, f)
		}
	}

	highest := models.Severity(-1)
	for _, f := range recent {
		if f.severity > highest {
			highest = f.severity
		}
	}

	allow := false
	switch {
	case sev == models.SeverityCritical && highest < models.SeverityCritical:
		allow = true
	case sev <= highest:
		allow = false
	default:
		allow = len(recent) < g.maxPerInterval
	}

	if allow {
		recent = append(recent, firing{at: now, severity: sev})
	}
	if len(recent) == 0 {
		delete(g.fired, key)
	} else {
		g.fired[key] = recent
	}
	return allow
}

// observed returns the value a threshold is checked against: the latest
// sample, or the window mean when useMean is set.
func observed(w timeseries.Window, metric string, useMean bool) (float64, time.Time, bool) {
	latest, ok := w.Latest(metric)
	if !ok {
		return 0, time.Time{}, false
	}
	if useMean {
		mean, _ := analytics.MeanStdDev(w.Values(metric))
		return mean, latest.Timestamp(), true
	}
	v, _ := latest.Value(metric)
	return v, latest.Timestamp(), true
}

func message(entityID, metric string, th models.Threshold, sev models.Severity, value, limit float64) string {
	what := metric
	if th.UseMean {
		what = "mean " + metric
	}
	dir := th.Direction
	if dir == "" {
		dir = models.DirectionAbove
	}
	return fmt.Sprintf("%s %s on %s: %.2f is %s %s threshold %.2f",
		sev, what, entityID, value, dir, sev, limit)
}
