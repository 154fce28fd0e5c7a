package models

// Package models defines the data types shared across exchange-agent.
//
// Samples, statistics, alerts and reports flow from the store through the
// analytics pipeline into the agent, and out over the HTTP API. Every type
// here serializes to plain JSON (strings, numbers, maps and lists).

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EntityKind distinguishes the two kinds of monitored entities.
type EntityKind string

const (
	KindService EntityKind = "service"
	KindNode    EntityKind = "node"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindService || k == KindNode
}

// Entity identifies a monitored service or node.
type Entity struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

// Sample is one timestamped observation of an entity. It is immutable once
// constructed; accessors never expose the internal field map.
type Sample struct {
	timestamp time.Time
	fields    map[string]float64
}

// NewSample builds a Sample, copying fields.
func NewSample(ts time.Time, fields map[string]float64) Sample {
	cp := make(map[string]float64, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Sample{timestamp: ts, fields: cp}
}

// Timestamp returns the observation time.
func (s Sample) Timestamp() time.Time { return s.timestamp }

// Value returns the value of metric and whether it is present.
func (s Sample) Value(metric string) (float64, bool) {
	v, ok := s.fields[metric]
	return v, ok
}

// Len returns the number of metric fields.
func (s Sample) Len() int { return len(s.fields) }

// Metrics returns the sample's metric names in sorted order.
func (s Sample) Metrics() []string {
	names := make([]string, 0, len(s.fields))
	for k := range s.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Fields returns a copy of the metric fields.
func (s Sample) Fields() map[string]float64 {
	cp := make(map[string]float64, len(s.fields))
	for k, v := range s.fields {
		cp[k] = v
	}
	return cp
}

type sampleJSON struct {
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{Timestamp: s.timestamp, Fields: s.fields})
}

func (s *Sample) UnmarshalJSON(data []byte) error {
	var raw sampleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSample(raw.Timestamp, raw.Fields)
	return nil
}

// Severity is the closed, totally ordered alert severity.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses the textual form produced by String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityInfo || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Direction selects which side of a limit counts as a violation.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Violates reports whether value crosses limit in direction d.
func (d Direction) Violates(value, limit float64) bool {
	if d == DirectionBelow {
		return value < limit
	}
	return value > limit
}

// Threshold holds the warning and critical limits for one metric.
type Threshold struct {
	WarningLimit  float64   `json:"warning_limit" mapstructure:"warning_limit" yaml:"warning_limit"`
	CriticalLimit float64   `json:"critical_limit" mapstructure:"critical_limit" yaml:"critical_limit"`
	Direction     Direction `json:"direction" mapstructure:"direction" yaml:"direction"`
	// UseMean evaluates the window mean instead of the latest sample.
	UseMean bool `json:"use_mean,omitempty" mapstructure:"use_mean" yaml:"use_mean,omitempty"`
}

// Classify returns the severity value triggers and the limit it crossed.
// ok is false when neither limit is violated.
func (t Threshold) Classify(value float64) (sev Severity, limit float64, ok bool) {
	dir := t.Direction
	if dir == "" {
		dir = DirectionAbove
	}
	if dir.Violates(value, t.CriticalLimit) {
		return SeverityCritical, t.CriticalLimit, true
	}
	if dir.Violates(value, t.WarningLimit) {
		return SeverityWarning, t.WarningLimit, true
	}
	return 0, 0, false
}

// ThresholdConfig maps metric names to thresholds for one entity kind.
type ThresholdConfig map[string]Threshold

// Clone returns an independent copy.
func (c ThresholdConfig) Clone() ThresholdConfig {
	out := make(ThresholdConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Alert is an immutable threshold violation notice.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
	EntityID  string    `json:"entity_id"`
}

// Stats summarizes one metric over a window. Count == 0 means no data.
type Stats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	Count  int     `json:"count"`
}

// Empty reports whether s is the no-data sentinel.
func (s Stats) Empty() bool { return s.Count == 0 }

// TrendDirection classifies a metric's short-term movement.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// Trend is the result of comparing the two halves of a window.
type Trend struct {
	Direction  TrendDirection `json:"direction"`
	FirstMean  float64        `json:"first_mean"`
	SecondMean float64        `json:"second_mean"`
}

// Anomaly is a single flagged sample value.
type Anomaly struct {
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Expected  float64   `json:"expected"`
	StdDev    float64   `json:"std_dev"`
	Type      string    `json:"type"` // "spike" or "drop"
}

// Health is the entity's health derived from active alerts.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
	HealthUnknown  Health = "unknown"
)

// Status is the coarse operational state of an entity.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// Availability tracks collection outcomes for an entity.
type Availability struct {
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	FailureStreak int       `json:"failure_streak"`
	// FailingSince is the time of the first failure in the current streak.
	FailingSince time.Time `json:"failing_since,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}
