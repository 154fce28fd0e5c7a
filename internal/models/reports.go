package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action names understood by the fleet API.
const (
	ActionScale       = "scale"
	ActionRestart     = "restart"
	ActionUpdate      = "update"
	ActionCheckHealth = "check_health"
	ActionCleanup     = "cleanup"
)

// Recommendation is a suggested corrective action for one entity.
type Recommendation struct {
	Action   string                 `json:"action"`
	EntityID string                 `json:"entity_id"`
	Kind     EntityKind             `json:"kind"`
	Reason   string                 `json:"reason"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// ToAction converts the recommendation into an executable Action.
func (r Recommendation) ToAction() Action {
	payload := make(map[string]interface{}, len(r.Payload))
	for k, v := range r.Payload {
		payload[k] = v
	}
	return Action{Name: r.Action, EntityID: r.EntityID, Payload: payload}
}

// AnalysisReport is the per-entity result of one analysis pass.
type AnalysisReport struct {
	EntityID         string             `json:"entity_id"`
	Kind             EntityKind         `json:"kind"`
	Status           Status             `json:"status"`
	Health           Health             `json:"health"`
	SampleCount      int                `json:"sample_count"`
	Stats            map[string]Stats   `json:"stats"`
	Trends           map[string]Trend   `json:"trends"`
	Anomalies        []Anomaly          `json:"anomalies"`
	Alerts           []Alert            `json:"alerts"`
	SuppressedAlerts int                `json:"suppressed_alerts"`
	Recommendations  []Recommendation   `json:"recommendations"`
	Availability     *Availability      `json:"availability,omitempty"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

// Analysis aggregates one analysis pass across all tracked entities.
type Analysis struct {
	Reports         []AnalysisReport `json:"reports"`
	Alerts          []Alert          `json:"alerts"`
	Recommendations []Recommendation `json:"recommendations"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Report returns the report for entityID, if present.
func (a *Analysis) Report(entityID string) (AnalysisReport, bool) {
	for _, r := range a.Reports {
		if r.EntityID == entityID {
			return r, true
		}
	}
	return AnalysisReport{}, false
}

// Action is a request to act on an entity. On the wire the payload keys sit
// next to "action" and "entity_id".
type Action struct {
	Name     string
	EntityID string
	Payload  map[string]interface{}
}

func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.Payload)+2)
	for k, v := range a.Payload {
		out[k] = v
	}
	out["action"] = a.Name
	out["entity_id"] = a.EntityID
	return json.Marshal(out)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var act Action
	for k, v := range raw {
		switch k {
		case "action":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("action: expected string, got %T", v)
			}
			act.Name = s
		case "entity_id":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("entity_id: expected string, got %T", v)
			}
			act.EntityID = s
		default:
			if act.Payload == nil {
				act.Payload = make(map[string]interface{})
			}
			act.Payload[k] = v
		}
	}
	*a = act
	return nil
}

// ActionStatus is the outcome of Act.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionError   ActionStatus = "error"
)

// ActionResult is returned for every action request, successful or not.
type ActionResult struct {
	Status  ActionStatus `json:"status"`
	Message string       `json:"message"`
}

// ActionRecord is the history entry written for every action request.
type ActionRecord struct {
	ID        string       `json:"id"`
	Action    Action       `json:"action"`
	EntityID  string       `json:"entity_id"`
	Result    ActionResult `json:"result"`
	Duration  string       `json:"duration"`
	Timestamp time.Time    `json:"timestamp"`
}

// RecordType filters history records.
type RecordType string

const (
	RecordAnalysis RecordType = "analysis"
	RecordAction   RecordType = "action"
)

// HistoryRecord is one entry of the agent's bounded history.
type HistoryRecord struct {
	Type      RecordType      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Report    *AnalysisReport `json:"report,omitempty"`
	Action    *ActionRecord   `json:"action,omitempty"`
}
