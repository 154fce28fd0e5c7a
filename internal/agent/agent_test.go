package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/exchange-agent/internal/alerting"
	"github.com/kubilitics/exchange-agent/internal/analytics/health"
	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/audit"
	"github.com/kubilitics/exchange-agent/internal/integration/exchange"
	"github.com/kubilitics/exchange-agent/internal/models"
	"github.com/kubilitics/exchange-agent/internal/retry"
)

var (
	t0   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	web  = models.Entity{ID: "web", Kind: models.KindService}
	edge = models.Entity{ID: "edge-1", Kind: models.KindNode}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []models.Action
	outcome exchange.ActionOutcome
	errs    []error
	panics  bool
}

func (f *fakeExecutor) ExecuteAction(ctx context.Context, entity models.Entity, action models.Action) (exchange.ActionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("executor exploded")
	}
	f.calls = append(f.calls, action)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return exchange.ActionOutcome{}, err
	}
	return f.outcome, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) first() models.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[0]
}

type fakeAvailability map[string]models.Availability

func (f fakeAvailability) Availability(id string) (models.Availability, bool) {
	av, ok := f[id]
	return av, ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (n *recordingNotifier) NotifyAlerts(alerts []models.Alert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, alerts...)
	n.mu.Unlock()
}

type fixture struct {
	agent    *Agent
	store    *timeseries.Store
	clock    *clock
	executor *fakeExecutor
	avail    fakeAvailability
	notifier *recordingNotifier
}

func newFixture(t *testing.T, historySize int) *fixture {
	t.Helper()
	c := &clock{now: t0}

	store, err := timeseries.NewStore(timeseries.Options{
		MaxHistory: 100,
		Retention:  24 * time.Hour,
		ClockSkew:  30 * time.Second,
		Now:        c.Now,
	})
	require.NoError(t, err)

	gen, err := alerting.NewGenerator(alerting.Options{
		Thresholds: map[models.EntityKind]models.ThresholdConfig{
			models.KindService: {
				"cpu_usage":    {WarningLimit: 80, CriticalLimit: 90, Direction: models.DirectionAbove},
				"memory_usage": {WarningLimit: 80, CriticalLimit: 90, Direction: models.DirectionAbove},
			},
			models.KindNode: {
				"disk_usage": {WarningLimit: 80, CriticalLimit: 95, Direction: models.DirectionAbove},
			},
		},
		Interval:       15 * time.Minute,
		MaxPerInterval: 3,
		Now:            c.Now,
	})
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		clock:    c,
		executor: &fakeExecutor{outcome: exchange.ActionOutcome{Status: "success", Message: "done"}},
		avail:    fakeAvailability{},
		notifier: &recordingNotifier{},
	}
	f.agent, err = New(Config{
		Window:      time.Hour,
		RepeatCount: 2,
		HistorySize: historySize,
		ActionRetry: retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}, Deps{
		Store:  store,
		Alerts: gen,
		Classifier: health.NewClassifier(health.Options{
			FailureThreshold: 3,
			Grace:            map[models.EntityKind]time.Duration{models.KindService: 45 * time.Minute, models.KindNode: 3 * time.Hour},
			Now:              c.Now,
		}),
		Executor:     f.executor,
		Availability: f.avail,
		Notifier:     f.notifier,
		Now:          c.Now,
	})
	require.NoError(t, err)
	return f
}

// feed adds one sample per value, a minute apart, ending at the current time.
func (f *fixture) feed(t *testing.T, entity models.Entity, metric string, values ...float64) {
	t.Helper()
	now := f.clock.Now()
	for i, v := range values {
		ts := now.Add(-time.Duration(len(values)-1-i) * time.Minute)
		require.NoError(t, f.store.AddSample(entity, models.NewSample(ts, map[string]float64{metric: v})))
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Window: time.Hour}, Deps{})
	assert.Error(t, err)

	store, _ := timeseries.NewStore(timeseries.Options{MaxHistory: 1, Retention: time.Hour})
	gen, _ := alerting.NewGenerator(alerting.Options{Interval: time.Minute, MaxPerInterval: 1})
	_, err = New(Config{}, Deps{Store: store, Alerts: gen})
	assert.Error(t, err)
}

func TestAnalyze_EndToEnd(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 85, 88, 92)

	analysis := f.agent.Analyze(context.Background())

	report, ok := analysis.Report("web")
	require.True(t, ok)
	assert.Equal(t, models.HealthCritical, report.Health)
	assert.Equal(t, models.StatusDegraded, report.Status)
	assert.Equal(t, 3, report.SampleCount)

	require.Len(t, report.Alerts, 1)
	assert.Equal(t, models.SeverityCritical, report.Alerts[0].Severity)
	assert.Equal(t, 92.0, report.Alerts[0].Value)
	assert.Equal(t, 90.0, report.Alerts[0].Threshold)
	assert.Equal(t, "web", report.Alerts[0].EntityID)

	assert.Equal(t, models.TrendIncreasing, report.Trends["cpu_usage"].Direction)
	assert.Equal(t, 3, report.Stats["cpu_usage"].Count)
	assert.InDelta(t, 88.333, report.Stats["cpu_usage"].Mean, 0.001)
	assert.Empty(t, report.Anomalies)

	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, models.ActionScale, report.Recommendations[0].Action)
	assert.Equal(t, 2.0, report.Recommendations[0].Payload["scale_factor"])

	assert.Len(t, analysis.Alerts, 1)
	assert.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, t0, f.agent.LastAnalysis())
}

func TestAnalyze_NoSamplesIsUnknown(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(edge))

	analysis := f.agent.Analyze(context.Background())
	report, ok := analysis.Report("edge-1")
	require.True(t, ok)
	assert.Equal(t, models.HealthUnknown, report.Health)
	assert.Equal(t, models.StatusUnknown, report.Status)
	assert.Empty(t, report.Stats)
	assert.Empty(t, report.Alerts)
	assert.Empty(t, report.Recommendations)
}

func TestAnalyze_SuppressedAlertsStillDriveHealth(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 85, 88, 92)

	first := f.agent.Analyze(context.Background())
	require.Len(t, first.Alerts, 1)
	firstReport, _ := first.Report("web")
	require.NotEmpty(t, firstReport.Recommendations)
	assert.Equal(t, models.ActionScale, firstReport.Recommendations[0].Action)

	f.clock.Advance(time.Minute)
	second := f.agent.Analyze(context.Background())
	report, _ := second.Report("web")
	assert.Empty(t, report.Alerts)
	assert.Equal(t, 1, report.SuppressedAlerts)
	assert.Equal(t, models.HealthCritical, report.Health)
	// The same condition yields the same remediation while suppressed.
	assert.Equal(t, firstReport.Recommendations, report.Recommendations)
	for _, r := range report.Recommendations {
		assert.NotEqual(t, models.ActionUpdate, r.Action)
	}
}

func TestAnalyze_EntitiesSortedAndIncludeStoreOnly(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, edge, "disk_usage", 40)

	analysis := f.agent.Analyze(context.Background())
	require.Len(t, analysis.Reports, 2)
	assert.Equal(t, "edge-1", analysis.Reports[0].EntityID)
	assert.Equal(t, "web", analysis.Reports[1].EntityID)
}

func TestAnalyze_UnreachableServiceFails(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.avail["web"] = models.Availability{
		FailureStreak: 4,
		FailingSince:  t0.Add(-2 * time.Hour),
		LastAttempt:   t0,
		LastError:     "connection refused",
	}

	report, _ := f.agent.Analyze(context.Background()).Report("web")
	assert.Equal(t, models.StatusFailed, report.Status)
	require.NotNil(t, report.Availability)
	assert.Equal(t, 4, report.Availability.FailureStreak)
	require.NotEmpty(t, report.Recommendations)
	assert.Equal(t, models.ActionRestart, report.Recommendations[0].Action)
}

func TestAnalyze_FailureStreakBelowThresholdKeepsHealth(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 40, 41)
	f.avail["web"] = models.Availability{FailureStreak: 2, FailingSince: t0.Add(-time.Minute), LastSuccess: t0.Add(-2 * time.Minute)}

	report, _ := f.agent.Analyze(context.Background()).Report("web")
	assert.Equal(t, models.HealthHealthy, report.Health)

	f.avail["web"] = models.Availability{FailureStreak: 3, FailingSince: t0.Add(-time.Minute), LastSuccess: t0.Add(-2 * time.Minute)}
	report, _ = f.agent.Analyze(context.Background()).Report("web")
	assert.Equal(t, models.HealthUnknown, report.Health)
	assert.Equal(t, models.StatusUnknown, report.Status)
}

func TestAnalyze_RepeatedCriticalMemoryRestarts(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "memory_usage", 95, 70, 96)

	report, _ := f.agent.Analyze(context.Background()).Report("web")
	actions := make([]string, 0, len(report.Recommendations))
	for _, r := range report.Recommendations {
		actions = append(actions, r.Action)
	}
	assert.Equal(t, []string{models.ActionRestart}, actions)
}

func TestAnalyze_SingleCriticalMemoryFallsBackToUpdate(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "memory_usage", 60, 70, 96)

	report, _ := f.agent.Analyze(context.Background()).Report("web")
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, models.ActionUpdate, report.Recommendations[0].Action)
	assert.Equal(t, map[string]interface{}{}, report.Recommendations[0].Payload["update_data"])
}

func TestAnalyze_WarningWithRisingCPUScalesGently(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 60, 70, 82, 85)

	report, _ := f.agent.Analyze(context.Background()).Report("web")
	assert.Equal(t, models.HealthWarning, report.Health)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, models.ActionScale, report.Recommendations[0].Action)
	assert.Equal(t, 1.5, report.Recommendations[0].Payload["scale_factor"])
}

func TestAnalyze_NodeDiskTrendCleanup(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(edge))
	f.feed(t, edge, "disk_usage", 50, 55, 60, 70)

	report, _ := f.agent.Analyze(context.Background()).Report("edge-1")
	assert.Equal(t, models.HealthHealthy, report.Health)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, models.ActionCleanup, report.Recommendations[0].Action)
}

func TestAnalyze_AnomalyReported(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 10, 10, 10, 10, 50)

	report, _ := f.agent.Analyze(context.Background()).Report("web")
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, 50.0, report.Anomalies[0].Value)
	assert.Equal(t, "spike", report.Anomalies[0].Type)
}

func TestAnalyze_AppendsHistory(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	require.NoError(t, f.agent.Track(edge))

	f.agent.Analyze(context.Background())

	records := f.agent.History(models.RecordAnalysis, 0)
	require.Len(t, records, 2)
	assert.NotNil(t, records[0].Report)
	assert.Empty(t, f.agent.History(models.RecordAction, 0))
}

func TestSetThresholds(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 50)

	f.agent.SetThresholds(models.KindService, models.ThresholdConfig{
		"cpu_usage": {WarningLimit: 30, CriticalLimit: 40},
	})
	report, _ := f.agent.Analyze(context.Background()).Report("web")
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, 40.0, report.Alerts[0].Threshold)
}

func TestTrack_Validation(t *testing.T) {
	f := newFixture(t, 100)
	assert.Error(t, f.agent.Track(models.Entity{Kind: models.KindService}))
	assert.Error(t, f.agent.Track(models.Entity{ID: "x", Kind: "pod"}))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.agent.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return !f.agent.LastAnalysis().IsZero() }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_AutoRemediate(t *testing.T) {
	f := newFixture(t, 100)
	f.agent.cfg.AutoRemediate = true
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 85, 88, 92)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.agent.Run(ctx, time.Millisecond)

	require.Eventually(t, func() bool { return f.executor.count() >= 1 }, time.Second, time.Millisecond)
	cancel()
	assert.Equal(t, models.ActionScale, f.executor.first().Name)
}

// correlationAudit records the correlation id of analysis and action events.
type correlationAudit struct {
	audit.Logger
	mu       sync.Mutex
	analysis []string
	actions  []string
}

func (c *correlationAudit) LogAnalysisCompleted(ctx context.Context, _, _ int, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analysis = append(c.analysis, audit.GetCorrelationID(ctx))
	return nil
}

func (c *correlationAudit) LogActionExecuted(ctx context.Context, _ models.Action, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, audit.GetCorrelationID(ctx))
	return nil
}

func (c *correlationAudit) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.analysis...), append([]string(nil), c.actions...)
}

func TestRun_PassSharesCorrelationID(t *testing.T) {
	f := newFixture(t, 100)
	rec := &correlationAudit{Logger: audit.NewNopLogger()}
	f.agent.deps.Audit = rec
	f.agent.cfg.AutoRemediate = true
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 85, 88, 92)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.agent.Run(ctx, time.Millisecond)
	}()
	require.Eventually(t, func() bool {
		analysis, actions := rec.snapshot()
		return len(analysis) >= 2 && len(actions) >= 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	analysis, actions := rec.snapshot()
	require.NotEmpty(t, analysis[0])
	assert.Equal(t, analysis[0], actions[0])
	assert.NotEqual(t, analysis[0], analysis[1])
}
