package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	for field, port := range map[string]int{"server.http_port": c.Server.HTTPPort, "server.grpc_port": c.Server.GRPCPort} {
		if port < 0 || port > 65535 {
			add(field, "port must be between 0 and 65535, got %d", port)
		}
	}
	if c.Server.HTTPPort != 0 && c.Server.HTTPPort == c.Server.GRPCPort {
		add("server.grpc_port", "grpc_port must differ from http_port")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", "shutdown_timeout must be positive")
	}
	if c.Server.ActionRateLimit < 0 {
		add("server.action_rate_limit", "action_rate_limit cannot be negative")
	}

	// Exchange
	if c.Exchange.URL == "" {
		add("exchange.url", "exchange url is required")
	} else if u, err := url.Parse(c.Exchange.URL); err != nil || u.Scheme == "" || u.Host == "" {
		add("exchange.url", "invalid exchange url %q", c.Exchange.URL)
	}
	if c.Exchange.OrgID == "" {
		add("exchange.org_id", "org_id is required (set HZN_ORG_ID)")
	}
	if c.Exchange.Timeout <= 0 {
		add("exchange.timeout", "timeout must be positive")
	}
	if c.Exchange.MaxRetries < 1 {
		add("exchange.max_retries", "max_retries must be at least 1, got %d", c.Exchange.MaxRetries)
	}
	if c.Exchange.RetryBackoff < 0 {
		add("exchange.retry_backoff", "retry_backoff cannot be negative")
	}

	// Collection
	if c.Collection.ServiceInterval <= 0 {
		add("collection.service_interval", "service_interval must be positive")
	}
	if c.Collection.NodeInterval <= 0 {
		add("collection.node_interval", "node_interval must be positive")
	}
	if c.Collection.FailureThreshold < 1 {
		add("collection.failure_threshold", "failure_threshold must be at least 1, got %d", c.Collection.FailureThreshold)
	}
	if c.Collection.ServiceGrace <= 0 || c.Collection.NodeGrace <= 0 {
		add("collection.grace", "service_grace and node_grace must be positive")
	}
	if c.Collection.Workers < 1 {
		add("collection.workers", "workers must be at least 1, got %d", c.Collection.Workers)
	}

	// Analysis
	if c.Analysis.Window <= 0 {
		add("analysis.window", "window must be positive")
	}
	if c.Analysis.Interval <= 0 {
		add("analysis.interval", "interval must be positive")
	}
	if c.Analysis.MaxHistory < 1 {
		add("analysis.max_history", "max_history must be at least 1, got %d", c.Analysis.MaxHistory)
	}
	if c.Analysis.Retention <= 0 {
		add("analysis.retention", "retention must be positive")
	} else if c.Analysis.Window > c.Analysis.Retention {
		add("analysis.window", "window %s exceeds retention %s", c.Analysis.Window, c.Analysis.Retention)
	}
	if c.Analysis.ClockSkew < 0 {
		add("analysis.clock_skew", "clock_skew cannot be negative")
	}
	if c.Analysis.AnomalyK <= 0 {
		add("analysis.anomaly_k", "anomaly_k must be positive, got %g", c.Analysis.AnomalyK)
	}
	if c.Analysis.AnomalyMinSamples < 2 {
		add("analysis.anomaly_min_samples", "anomaly_min_samples must be at least 2, got %d", c.Analysis.AnomalyMinSamples)
	}
	if c.Analysis.TrendEpsilon < 0 {
		add("analysis.trend_epsilon", "trend_epsilon cannot be negative")
	}
	if c.Analysis.HistorySize < 1 {
		add("analysis.history_size", "history_size must be at least 1, got %d", c.Analysis.HistorySize)
	}
	if c.Analysis.RepeatCount < 1 {
		add("analysis.repeat_count", "repeat_count must be at least 1, got %d", c.Analysis.RepeatCount)
	}

	// Alerting
	if c.Alerting.Interval <= 0 {
		add("alerting.interval", "interval must be positive")
	}
	if c.Alerting.MaxPerInterval < 1 {
		add("alerting.max_per_interval", "max_per_interval must be at least 1, got %d", c.Alerting.MaxPerInterval)
	}
	errs = append(errs, validateThresholds("alerting.services", c.Alerting.Services)...)
	errs = append(errs, validateThresholds("alerting.nodes", c.Alerting.Nodes)...)

	// Entities
	seen := make(map[string]bool)
	for _, id := range append(append([]string{}, c.Entities.Services...), c.Entities.Nodes...) {
		if strings.TrimSpace(id) == "" {
			add("entities", "entity id cannot be empty")
			continue
		}
		if seen[id] {
			add("entities", "duplicate entity id %q", id)
		}
		seen[id] = true
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "invalid log format '%s', must be one of: json, console", c.Logging.Format)
	}

	// Audit
	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "path is required when audit is enabled")
	}

	return errs
}

func validateThresholds(field string, tc models.ThresholdConfig) []error {
	var errs []error
	for metric, t := range tc {
		f := field + "." + metric
		switch t.Direction {
		case models.DirectionAbove, "":
			if t.WarningLimit > t.CriticalLimit {
				errs = append(errs, &ValidationError{Field: f, Message: fmt.Sprintf(
					"warning_limit %g must not exceed critical_limit %g", t.WarningLimit, t.CriticalLimit)})
			}
		case models.DirectionBelow:
			if t.WarningLimit < t.CriticalLimit {
				errs = append(errs, &ValidationError{Field: f, Message: fmt.Sprintf(
					"warning_limit %g must not be below critical_limit %g for direction below", t.WarningLimit, t.CriticalLimit)})
			}
		default:
			errs = append(errs, &ValidationError{Field: f, Message: fmt.Sprintf(
				"invalid direction '%s', must be above or below", t.Direction)})
		}
	}
	return errs
}
