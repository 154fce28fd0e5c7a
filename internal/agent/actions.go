package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/integration/exchange"
	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
	"github.com/kubilitics/exchange-agent/internal/retry"
)

// supportedActions lists the actions each entity kind accepts.
var supportedActions = map[models.EntityKind]map[string]bool{
	models.KindService: {
		models.ActionScale:   true,
		models.ActionRestart: true,
		models.ActionUpdate:  true,
	},
	models.KindNode: {
		models.ActionCheckHealth: true,
		models.ActionUpdate:      true,
		models.ActionCleanup:     true,
	},
}

func knownAction(name string) bool {
	for _, actions := range supportedActions {
		if actions[name] {
			return true
		}
	}
	return false
}

// Act validates and executes one action. It never returns an error: every
// failure, including a panic in the executor, becomes an error result. Each
// call appends exactly one action record to history.
func (a *Agent) Act(ctx context.Context, action models.Action) models.ActionResult {
	start := a.now()
	began := time.Now()

	result := a.execute(ctx, action)

	elapsed := time.Since(began)
	label := action.Name
	if !knownAction(label) {
		label = "unknown"
	}
	metrics.ActionsTotal.WithLabelValues(label, string(result.Status)).Inc()
	metrics.ActionDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	rec := &models.ActionRecord{
		ID:        uuid.New().String(),
		Action:    action,
		EntityID:  action.EntityID,
		Result:    result,
		Duration:  elapsed.String(),
		Timestamp: start,
	}
	a.history.add(models.HistoryRecord{Type: models.RecordAction, Timestamp: start, Action: rec})

	if result.Status == models.ActionSuccess {
		_ = a.deps.Audit.LogActionExecuted(ctx, action, elapsed)
		a.log.Info("action executed",
			zap.String("action", action.Name),
			zap.String("entity_id", action.EntityID),
			zap.Duration("duration", elapsed),
		)
	} else {
		_ = a.deps.Audit.LogActionFailed(ctx, action, errors.New(result.Message), elapsed)
		a.log.Warn("action failed",
			zap.String("action", action.Name),
			zap.String("entity_id", action.EntityID),
			zap.String("reason", result.Message),
		)
	}
	return result
}

func (a *Agent) execute(ctx context.Context, action models.Action) (result models.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = failure("action %s panicked: %v", action.Name, r)
		}
	}()

	entity, err := a.validate(action)
	if err != nil {
		return failure("%v", err)
	}
	if a.deps.Executor == nil {
		return failure("no executor configured")
	}

	policy := a.cfg.ActionRetry
	if policy.Retryable == nil {
		policy.Retryable = exchange.Retryable
	}
	outcome, err := retry.DoValue(ctx, policy, func(ctx context.Context) (exchange.ActionOutcome, error) {
		return a.deps.Executor.ExecuteAction(ctx, entity, action)
	})
	if err != nil {
		return failure("%s %s failed: %v", action.Name, action.EntityID, err)
	}

	if outcome.Status != "" && outcome.Status != string(models.ActionSuccess) {
		msg := outcome.Message
		if msg == "" {
			msg = fmt.Sprintf("fleet API reported status %q", outcome.Status)
		}
		return models.ActionResult{Status: models.ActionError, Message: msg}
	}
	msg := outcome.Message
	if msg == "" {
		msg = fmt.Sprintf("%s executed for %s", action.Name, action.EntityID)
	}
	return models.ActionResult{Status: models.ActionSuccess, Message: msg}
}

// validate checks the action shape and resolves its entity.
func (a *Agent) validate(action models.Action) (models.Entity, error) {
	if action.Name == "" {
		return models.Entity{}, errors.New("action is required")
	}
	if !knownAction(action.Name) {
		return models.Entity{}, fmt.Errorf("unknown action %q", action.Name)
	}
	if action.EntityID == "" {
		return models.Entity{}, errors.New("entity_id is required")
	}

	switch action.Name {
	case models.ActionScale:
		raw, ok := action.Payload["scale_factor"]
		if !ok {
			return models.Entity{}, errors.New("scale requires scale_factor")
		}
		f, ok := number(raw)
		if !ok || f <= 0 {
			return models.Entity{}, fmt.Errorf("scale_factor must be a positive number, got %v", raw)
		}
	case models.ActionUpdate:
		if raw, ok := action.Payload["update_data"]; ok {
			if _, ok := raw.(map[string]interface{}); !ok {
				return models.Entity{}, fmt.Errorf("update_data must be an object, got %T", raw)
			}
		}
	}

	entity, ok := a.lookup(action.EntityID)
	if !ok {
		return models.Entity{}, fmt.Errorf("unknown entity %q", action.EntityID)
	}
	if !supportedActions[entity.Kind][action.Name] {
		return models.Entity{}, fmt.Errorf("action %q is not supported for %s %q", action.Name, entity.Kind, entity.ID)
	}
	return entity, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func failure(format string, args ...interface{}) models.ActionResult {
	return models.ActionResult{Status: models.ActionError, Message: fmt.Sprintf(format, args...)}
}

// ApplyRecommendations executes each recommendation independently; one
// failure does not stop the rest. Results are in input order.
func (a *Agent) ApplyRecommendations(ctx context.Context, recs []models.Recommendation) []models.ActionResult {
	results := make([]models.ActionResult, 0, len(recs))
	for _, r := range recs {
		results = append(results, a.Act(ctx, r.ToAction()))
	}
	return results
}
