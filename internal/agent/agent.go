package agent

// Package agent orchestrates the analytics pipeline for every tracked entity.
//
// One Analyze pass pulls each entity's window from the store and runs, in
// order: statistics, trend, anomaly detection, threshold alerting and health
// classification. The resulting reports carry recommendations derived from a
// static rule table. Act executes actions against the fleet API and never
// returns an error; failures become {status: error} results so a batch of
// recommendations can be applied independently.
//
// Every report and action lands in a bounded history. History is
// observational only; Analyze never consults it.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/alerting"
	"github.com/kubilitics/exchange-agent/internal/analytics"
	"github.com/kubilitics/exchange-agent/internal/analytics/anomaly"
	"github.com/kubilitics/exchange-agent/internal/analytics/health"
	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/audit"
	"github.com/kubilitics/exchange-agent/internal/integration/exchange"
	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
	"github.com/kubilitics/exchange-agent/internal/retry"
)

// Executor performs actions against the fleet API.
type Executor interface {
	ExecuteAction(ctx context.Context, entity models.Entity, action models.Action) (exchange.ActionOutcome, error)
}

// AvailabilitySource reports collection outcomes per entity.
type AvailabilitySource interface {
	Availability(entityID string) (models.Availability, bool)
}

// Notifier receives alerts that passed suppression.
type Notifier interface {
	NotifyAlerts(alerts []models.Alert)
}

// Config tunes the agent.
type Config struct {
	// Window is how much history each analysis looks at.
	Window time.Duration
	// RepeatCount is how many critical memory samples trigger a restart.
	RepeatCount int
	// HistorySize caps the history ring buffer.
	HistorySize int
	// ActionRetry bounds each Act call against the fleet API.
	ActionRetry retry.Policy
	// AutoRemediate makes Run apply recommendations after each pass.
	AutoRemediate bool
}

// Deps are the collaborators an Agent is built from.
type Deps struct {
	Store      *timeseries.Store
	Engine     *analytics.Engine
	Detector   *anomaly.Detector
	Alerts     *alerting.Generator
	Classifier *health.Classifier

	Executor     Executor
	Availability AvailabilitySource
	Notifier     Notifier

	Logger *zap.Logger
	Audit  audit.Logger
	Now    func() time.Time
}

// Agent runs analysis and executes actions.
type Agent struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	tracked map[string]models.Entity

	history *history

	lastMu       sync.RWMutex
	lastAnalysis time.Time
}

// New creates an Agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Store == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("agent requires a store and an alert generator")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("analysis window must be positive, got %s", cfg.Window)
	}
	if cfg.RepeatCount < 1 {
		cfg.RepeatCount = 2
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1000
	}
	if deps.Engine == nil {
		deps.Engine = analytics.NewEngine(analytics.DefaultTrendEpsilon)
	}
	if deps.Detector == nil {
		deps.Detector = anomaly.NewDetector(anomaly.DefaultK, anomaly.DefaultMinSamples)
	}
	if deps.Classifier == nil {
		deps.Classifier = health.NewClassifier(health.Options{})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Agent{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With(zap.String("component", "agent")),
		now:     deps.Now,
		tracked: make(map[string]models.Entity),
		history: newHistory(cfg.HistorySize),
	}, nil
}

// Track adds an entity to the analysis set. Re-tracking an ID updates its kind.
func (a *Agent) Track(entity models.Entity) error {
	if entity.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !entity.Kind.Valid() {
		return fmt.Errorf("invalid entity kind %q", entity.Kind)
	}
	a.mu.Lock()
	a.tracked[entity.ID] = entity
	a.mu.Unlock()
	return nil
}

// Entities returns tracked entities plus any entity the store has samples
// for, sorted by ID.
func (a *Agent) Entities() []models.Entity {
	a.mu.RLock()
	set := make(map[string]models.Entity, len(a.tracked))
	for id, e := range a.tracked {
		set[id] = e
	}
	a.mu.RUnlock()

	for _, e := range a.deps.Store.Entities() {
		if _, ok := set[e.ID]; !ok {
			set[e.ID] = e
		}
	}

	out := make([]models.Entity, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Agent) lookup(id string) (models.Entity, bool) {
	a.mu.RLock()
	e, ok := a.tracked[id]
	a.mu.RUnlock()
	if ok {
		return e, true
	}
	for _, e := range a.deps.Store.Entities() {
		if e.ID == id {
			return e, true
		}
	}
	return models.Entity{}, false
}

// SetThresholds replaces the thresholds for one entity kind.
func (a *Agent) SetThresholds(kind models.EntityKind, cfg models.ThresholdConfig) {
	a.deps.Alerts.SetThresholds(kind, cfg)
}

// LastAnalysis returns when Analyze last completed; zero if never.
func (a *Agent) LastAnalysis() time.Time {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	return a.lastAnalysis
}

// Analyze runs one pass over every entity.
func (a *Agent) Analyze(ctx context.Context) *models.Analysis {
	start := time.Now()
	result := &models.Analysis{
		Reports:         []models.AnalysisReport{},
		Alerts:          []models.Alert{},
		Recommendations: []models.Recommendation{},
		GeneratedAt:     a.now(),
	}

	for _, entity := range a.Entities() {
		if ctx.Err() != nil {
			break
		}
		report := a.analyzeEntity(entity, result.GeneratedAt)

		result.Reports = append(result.Reports, report)
		result.Alerts = append(result.Alerts, report.Alerts...)
		result.Recommendations = append(result.Recommendations, report.Recommendations...)

		stored := report
		a.history.add(models.HistoryRecord{Type: models.RecordAnalysis, Timestamp: report.GeneratedAt, Report: &stored})
		metrics.EntityHealth.WithLabelValues(entity.ID, string(entity.Kind)).Set(health.Level(report.Health))
	}

	if len(result.Alerts) > 0 {
		for _, al := range result.Alerts {
			_ = a.deps.Audit.LogAlertFired(ctx, al)
		}
		if a.deps.Notifier != nil {
			a.deps.Notifier.NotifyAlerts(result.Alerts)
		}
	}

	elapsed := time.Since(start)
	metrics.AnalysisDuration.Observe(elapsed.Seconds())
	_ = a.deps.Audit.LogAnalysisCompleted(ctx, len(result.Reports), len(result.Alerts), elapsed)

	a.lastMu.Lock()
	a.lastAnalysis = result.GeneratedAt
	a.lastMu.Unlock()

	a.log.Debug("analysis completed",
		zap.Int("entities", len(result.Reports)),
		zap.Int("alerts", len(result.Alerts)),
		zap.Int("recommendations", len(result.Recommendations)),
		zap.Duration("duration", elapsed),
	)
	return result
}

// analyzeEntity runs statistics, trend, anomaly, alert and health in that order.
func (a *Agent) analyzeEntity(entity models.Entity, at time.Time) models.AnalysisReport {
	w := a.deps.Store.Window(entity.ID, a.cfg.Window)
	samples := w.Samples()

	report := models.AnalysisReport{
		EntityID:        entity.ID,
		Kind:            entity.Kind,
		SampleCount:     w.Len(),
		Stats:           make(map[string]models.Stats),
		Trends:          make(map[string]models.Trend),
		Anomalies:       []models.Anomaly{},
		Alerts:          []models.Alert{},
		Recommendations: []models.Recommendation{},
		GeneratedAt:     at,
	}

	for _, metric := range w.Metrics() {
		values := w.Values(metric)
		report.Stats[metric] = a.deps.Engine.ComputeValues(values)
		report.Trends[metric] = a.deps.Engine.Trend(values)
		report.Anomalies = append(report.Anomalies, a.deps.Detector.Detect(metric, samples)...)
	}

	alerts := a.deps.Alerts.Evaluate(entity, w)
	report.Alerts = append(report.Alerts, alerts.Fired...)
	report.SuppressedAlerts = len(alerts.Suppressed)

	var av *models.Availability
	if a.deps.Availability != nil {
		if got, ok := a.deps.Availability.Availability(entity.ID); ok {
			av = &got
		}
	}
	report.Availability = av
	report.Health, report.Status = a.deps.Classifier.Classify(health.Input{
		Kind:         entity.Kind,
		SampleCount:  w.Len(),
		Active:       alerts.Active,
		Availability: av,
	})

	report.Recommendations = append(report.Recommendations, recommend(ruleInput{
		entity:     entity,
		report:     &report,
		active:     alerts.Active,
		window:     w,
		thresholds: a.deps.Alerts.Thresholds(entity.Kind),
		repeat:     a.cfg.RepeatCount,
	})...)
	return report
}

// History returns records of the given type (all types when empty), oldest
// first. limit > 0 keeps only the newest limit records.
func (a *Agent) History(filter models.RecordType, limit int) []models.HistoryRecord {
	return a.history.list(filter, limit)
}

// ClearHistory empties the history.
func (a *Agent) ClearHistory() {
	a.history.clear()
}

// Run analyzes every interval until ctx is done. When AutoRemediate is set,
// each pass's recommendations are applied.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Audit events of one pass, remediation included, share an id.
			passCtx := audit.WithCorrelationID(ctx, audit.GenerateCorrelationID())
			analysis := a.Analyze(passCtx)
			if a.cfg.AutoRemediate && len(analysis.Recommendations) > 0 {
				a.ApplyRecommendations(passCtx, analysis.Recommendations)
			}
		}
	}
}
