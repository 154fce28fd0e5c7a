package agent

import (
	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/models"
)

// ruleInput is what the rule table inspects for one entity. active holds
// every alert condition in effect, fired or suppressed.
type ruleInput struct {
	entity     models.Entity
	report     *models.AnalysisReport
	active     []models.Alert
	window     timeseries.Window
	thresholds models.ThresholdConfig
	repeat     int
}

type rule struct {
	action string
	reason string
	match  func(in ruleInput) (map[string]interface{}, bool)
	// fallback rules only fire when no earlier rule produced an action.
	fallback bool
}

// rules is evaluated top to bottom. Each action is recommended at most once
// per entity; the first matching rule supplies its reason and payload.
var rules = []rule{
	{
		action: models.ActionRestart,
		reason: "service unreachable beyond grace period",
		match: func(in ruleInput) (map[string]interface{}, bool) {
			return nil, in.entity.Kind == models.KindService && in.report.Status == models.StatusFailed
		},
	},
	{
		action: models.ActionCheckHealth,
		reason: "node unreachable beyond grace period",
		match: func(in ruleInput) (map[string]interface{}, bool) {
			return nil, in.entity.Kind == models.KindNode && in.report.Status == models.StatusFailed
		},
	},
	{
		action: models.ActionScale,
		reason: "critical cpu_usage",
		match: func(in ruleInput) (map[string]interface{}, bool) {
			if in.entity.Kind != models.KindService {
				return nil, false
			}
			for _, a := range in.active {
				if a.Metric == "cpu_usage" && a.Severity == models.SeverityCritical {
					return map[string]interface{}{"scale_factor": 2.0}, true
				}
			}
			return nil, false
		},
	},
	{
		action: models.ActionRestart,
		reason: "memory_usage repeatedly over critical limit",
		match: func(in ruleInput) (map[string]interface{}, bool) {
			if in.entity.Kind != models.KindService {
				return nil, false
			}
			th, ok := in.thresholds["memory_usage"]
			if !ok {
				return nil, false
			}
			return nil, countCritical(in.window, "memory_usage", th) >= in.repeat
		},
	},
	{
		action:   models.ActionUpdate,
		reason:   "service health is critical",
		fallback: true,
		match: func(in ruleInput) (map[string]interface{}, bool) {
			ok := in.entity.Kind == models.KindService && in.report.Health == models.HealthCritical
			return map[string]interface{}{"update_data": map[string]interface{}{}}, ok
		},
	},
	{
		action:   models.ActionCheckHealth,
		reason:   "node health is critical",
		fallback: true,
		match: func(in ruleInput) (map[string]interface{}, bool) {
			return nil, in.entity.Kind == models.KindNode && in.report.Health == models.HealthCritical
		},
	},
	{
		action: models.ActionScale,
		reason: "cpu_usage rising while health is warning",
		match: func(in ruleInput) (map[string]interface{}, bool) {
			ok := in.entity.Kind == models.KindService &&
				in.report.Health == models.HealthWarning &&
				in.report.Trends["cpu_usage"].Direction == models.TrendIncreasing
			return map[string]interface{}{"scale_factor": 1.5}, ok
		},
	},
	{
		action: models.ActionCleanup,
		reason: "disk_usage is increasing",
		match: func(in ruleInput) (map[string]interface{}, bool) {
			ok := in.entity.Kind == models.KindNode &&
				in.report.Trends["disk_usage"].Direction == models.TrendIncreasing
			return nil, ok
		},
	},
}

// recommend applies the rule table to one report.
func recommend(in ruleInput) []models.Recommendation {
	var out []models.Recommendation
	seen := make(map[string]bool)
	for _, r := range rules {
		if seen[r.action] || (r.fallback && len(out) > 0) {
			continue
		}
		payload, ok := r.match(in)
		if !ok {
			continue
		}
		seen[r.action] = true
		out = append(out, models.Recommendation{
			Action:   r.action,
			EntityID: in.entity.ID,
			Kind:     in.entity.Kind,
			Reason:   r.reason,
			Payload:  payload,
		})
	}
	return out
}

// countCritical counts window samples whose metric crosses the critical limit.
func countCritical(w timeseries.Window, metric string, th models.Threshold) int {
	dir := th.Direction
	if dir == "" {
		dir = models.DirectionAbove
	}
	n := 0
	for _, v := range w.Values(metric) {
		if dir.Violates(v, th.CriticalLimit) {
			n++
		}
	}
	return n
}
