package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/exchange-agent/internal/integration/exchange"
	"github.com/kubilitics/exchange-agent/internal/models"
)

func scale(entityID string, factor interface{}) models.Action {
	return models.Action{Name: models.ActionScale, EntityID: entityID, Payload: map[string]interface{}{"scale_factor": factor}}
}

func TestAct_Success(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))

	res := f.agent.Act(context.Background(), scale("web", 2.0))
	assert.Equal(t, models.ActionSuccess, res.Status)
	assert.Equal(t, "done", res.Message)
	assert.Equal(t, 1, f.executor.count())

	records := f.agent.History(models.RecordAction, 0)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Action)
	assert.Equal(t, "web", records[0].Action.EntityID)
	assert.Equal(t, res, records[0].Action.Result)
	assert.NotEmpty(t, records[0].Action.ID)
	assert.Equal(t, t0, records[0].Timestamp)
}

func TestAct_Validation(t *testing.T) {
	tests := []struct {
		name     string
		action   models.Action
		errorMsg string
	}{
		{"missing action", models.Action{EntityID: "web"}, "action is required"},
		{"unknown action", models.Action{Name: "reboot", EntityID: "web"}, "unknown action"},
		{"missing entity", models.Action{Name: models.ActionRestart}, "entity_id is required"},
		{"scale without factor", models.Action{Name: models.ActionScale, EntityID: "web"}, "requires scale_factor"},
		{"scale with negative factor", scale("web", -1.0), "positive number"},
		{"scale with string factor", scale("web", "two"), "positive number"},
		{"update with non-object data", models.Action{Name: models.ActionUpdate, EntityID: "web", Payload: map[string]interface{}{"update_data": "x"}}, "must be an object"},
		{"untracked entity", models.Action{Name: models.ActionRestart, EntityID: "ghost"}, "unknown entity"},
		{"unsupported for node", models.Action{Name: models.ActionRestart, EntityID: "edge-1"}, "not supported for node"},
		{"unsupported for service", models.Action{Name: models.ActionCleanup, EntityID: "web"}, "not supported for service"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 100)
			require.NoError(t, f.agent.Track(web))
			require.NoError(t, f.agent.Track(edge))

			res := f.agent.Act(context.Background(), tt.action)
			assert.Equal(t, models.ActionError, res.Status)
			assert.Contains(t, res.Message, tt.errorMsg)
			assert.Zero(t, f.executor.count())
			assert.Len(t, f.agent.History(models.RecordAction, 0), 1)
		})
	}
}

func TestAct_AcceptsJSONNumberFactor(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))

	res := f.agent.Act(context.Background(), scale("web", json.Number("1.5")))
	assert.Equal(t, models.ActionSuccess, res.Status)
}

func TestAct_UnreachableEntityReturnsError(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	netErr := &exchange.NetworkError{Op: "POST", Err: errors.New("connection refused")}
	f.executor.errs = []error{netErr, netErr, netErr}

	res := f.agent.Act(context.Background(), models.Action{Name: models.ActionRestart, EntityID: "web"})
	assert.Equal(t, models.ActionError, res.Status)
	assert.Contains(t, res.Message, "connection refused")
	assert.Equal(t, 3, f.executor.count())

	records := f.agent.History("", 0)
	require.Len(t, records, 1)
	assert.Equal(t, models.ActionError, records[0].Action.Result.Status)
}

func TestAct_RetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.executor.errs = []error{&exchange.APIError{StatusCode: http.StatusServiceUnavailable}}

	res := f.agent.Act(context.Background(), models.Action{Name: models.ActionRestart, EntityID: "web"})
	assert.Equal(t, models.ActionSuccess, res.Status)
	assert.Equal(t, 2, f.executor.count())
}

func TestAct_ClientErrorNotRetried(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.executor.errs = []error{&exchange.APIError{StatusCode: http.StatusNotFound, Body: "no such service"}}

	res := f.agent.Act(context.Background(), models.Action{Name: models.ActionRestart, EntityID: "web"})
	assert.Equal(t, models.ActionError, res.Status)
	assert.Equal(t, 1, f.executor.count())
}

func TestAct_RemoteStatusError(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.executor.outcome = exchange.ActionOutcome{Status: "error", Message: "quota exceeded"}

	res := f.agent.Act(context.Background(), scale("web", 2.0))
	assert.Equal(t, models.ActionError, res.Status)
	assert.Equal(t, "quota exceeded", res.Message)
}

func TestAct_PanicBecomesError(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.executor.panics = true

	var res models.ActionResult
	assert.NotPanics(t, func() {
		res = f.agent.Act(context.Background(), scale("web", 2.0))
	})
	assert.Equal(t, models.ActionError, res.Status)
	assert.Contains(t, res.Message, "panicked")
	assert.Len(t, f.agent.History(models.RecordAction, 0), 1)
}

func TestAct_CanceledContext(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.executor.errs = []error{context.Canceled}

	res := f.agent.Act(ctx, scale("web", 2.0))
	assert.Equal(t, models.ActionError, res.Status)
}

func TestApplyRecommendations_Independent(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	require.NoError(t, f.agent.Track(edge))

	results := f.agent.ApplyRecommendations(context.Background(), []models.Recommendation{
		{Action: models.ActionRestart, EntityID: "ghost"},
		{Action: models.ActionScale, EntityID: "web", Payload: map[string]interface{}{"scale_factor": 2.0}},
		{Action: models.ActionCleanup, EntityID: "edge-1"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, models.ActionError, results[0].Status)
	assert.Equal(t, models.ActionSuccess, results[1].Status)
	assert.Equal(t, models.ActionSuccess, results[2].Status)
	assert.Len(t, f.agent.History(models.RecordAction, 0), 3)
}

func TestRecommendationsAreExecutable(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.agent.Track(web))
	f.feed(t, web, "cpu_usage", 85, 88, 92)

	analysis := f.agent.Analyze(context.Background())
	results := f.agent.ApplyRecommendations(context.Background(), analysis.Recommendations)
	for _, r := range results {
		assert.Equal(t, models.ActionSuccess, r.Status, r.Message)
	}
}
