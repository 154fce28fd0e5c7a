package health

// Package health turns active alerts and collection availability into a
// per-entity health and status.
//
// Health reflects the worst active alert:
//   - critical: at least one active critical alert
//   - warning:  at least one active warning alert
//   - healthy:  data present, no active alerts
//   - unknown:  no data, or collection has failed repeatedly
//
// Status is coarser. "degraded" covers any active alert; "failed" is kept
// for entities that have been unreachable for longer than their grace
// period. Both are recomputed from scratch on every call.

import (
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// DefaultFailureThreshold is the collection failure streak after which an
// entity's health is no longer trusted.
const DefaultFailureThreshold = 3

// Options configures a Classifier.
type Options struct {
	// FailureThreshold is the failure streak that makes health unknown.
	FailureThreshold int
	// Grace is how long an entity of each kind may stay unreachable before
	// its status becomes failed.
	Grace map[models.EntityKind]time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Classifier classifies entity health.
type Classifier struct {
	failureThreshold int
	grace            map[models.EntityKind]time.Duration
	now              func() time.Time
}

// NewClassifier creates a Classifier.
func NewClassifier(opts Options) *Classifier {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	grace := make(map[models.EntityKind]time.Duration, len(opts.Grace))
	for k, v := range opts.Grace {
		grace[k] = v
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Classifier{
		failureThreshold: opts.FailureThreshold,
		grace:            grace,
		now:              opts.Now,
	}
}

// Input is everything the classifier looks at for one entity.
type Input struct {
	Kind         models.EntityKind
	SampleCount  int
	Active       []models.Alert
	Availability *models.Availability
}

// Classify returns the entity's health and status.
func (c *Classifier) Classify(in Input) (models.Health, models.Status) {
	health := healthFromAlerts(in.SampleCount, in.Active)

	if av := in.Availability; av != nil && av.FailureStreak > 0 {
		if c.unreachable(in.Kind, av) {
			return health, models.StatusFailed
		}
		if av.FailureStreak >= c.failureThreshold {
			return models.HealthUnknown, models.StatusUnknown
		}
	}

	switch health {
	case models.HealthCritical, models.HealthWarning:
		return health, models.StatusDegraded
	case models.HealthHealthy:
		return health, models.StatusHealthy
	default:
		return models.HealthUnknown, models.StatusUnknown
	}
}

// unreachable reports whether the current failure streak has lasted longer
// than the kind's grace period. A kind without a grace period never fails.
func (c *Classifier) unreachable(kind models.EntityKind, av *models.Availability) bool {
	grace, ok := c.grace[kind]
	if !ok || grace <= 0 {
		return false
	}
	since := av.FailingSince
	if since.IsZero() {
		since = av.LastAttempt
	}
	if !av.LastSuccess.IsZero() && av.LastSuccess.After(since) {
		since = av.LastSuccess
	}
	if since.IsZero() {
		return false
	}
	return c.now().Sub(since) > grace
}

func healthFromAlerts(count int, active []models.Alert) models.Health {
	if count == 0 {
		return models.HealthUnknown
	}
	worst := models.Severity(-1)
	for _, a := range active {
		if a.Severity > worst {
			worst = a.Severity
		}
	}
	switch {
	case worst >= models.SeverityCritical:
		return models.HealthCritical
	case worst >= models.SeverityWarning:
		return models.HealthWarning
	default:
		return models.HealthHealthy
	}
}

// Level maps health to a number for gauges: 0 healthy, 1 warning,
// 2 critical, -1 unknown.
func Level(h models.Health) float64 {
	switch h {
	case models.HealthHealthy:
		return 0
	case models.HealthWarning:
		return 1
	case models.HealthCritical:
		return 2
	default:
		return -1
	}
}
