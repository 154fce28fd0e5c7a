package config

import (
	"context"
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// Package config provides configuration management for exchange-agent.
//
// Configuration Sources (priority order, high to low):
//   1. HZN_EXCHANGE_URL, HZN_ORG_ID, HZN_EXCHANGE_USER_AUTH
//   2. Environment variables (EXCHANGE_AGENT_* prefix, "." becomes "_")
//   3. YAML config file (default: /etc/exchange-agent/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - http_port, grpc_port, allowed_origins, shutdown_timeout
//
//   2. Exchange
//      - url, org_id, user, token
//      - timeout: per-call timeout
//      - max_retries, retry_backoff
//
//   3. Collection
//      - service_interval (15m), node_interval (60m)
//      - failure_threshold: failure streak before health is unknown
//      - service_grace, node_grace: unreachable time before status is failed
//      - workers: ingest shards feeding the store
//
//   4. Analysis
//      - window, interval, max_history, retention, clock_skew
//      - anomaly_k, anomaly_min_samples, trend_epsilon
//      - history_size, repeat_count, auto_remediate
//
//   5. Alerting
//      - interval, max_per_interval
//      - services / nodes: metric -> {warning_limit, critical_limit, direction, use_mean}
//        A thresholds map in the file replaces the defaults for that kind.
//
//   6. Entities
//      - services, nodes: IDs to monitor
//
//   7. Logging
//      - level, format ("json" | "console"), file + rotation
//
//   8. Audit
//      - enabled, path + rotation
//
// Threshold maps are the only settings that hot-reload through Watch.

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host     string
		HTTPPort int
		GRPCPort int
		// AllowedOrigins is a list of origins permitted by CORS and the
		// alert WebSocket. Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		ShutdownTimeout time.Duration
		// ActionRateLimit caps action requests per client per minute; 0
		// disables the limit.
		ActionRateLimit int
	}

	// Exchange (fleet API) configuration
	Exchange struct {
		URL          string
		OrgID        string
		User         string
		Token        string
		Timeout      time.Duration
		MaxRetries   int
		RetryBackoff time.Duration
	}

	// Collection configuration
	Collection struct {
		ServiceInterval  time.Duration
		NodeInterval     time.Duration
		FailureThreshold int
		ServiceGrace     time.Duration
		NodeGrace        time.Duration
		Workers          int
	}

	// Analysis configuration
	Analysis struct {
		Window            time.Duration
		Interval          time.Duration
		MaxHistory        int
		Retention         time.Duration
		ClockSkew         time.Duration
		AnomalyK          float64
		AnomalyMinSamples int
		TrendEpsilon      float64
		HistorySize       int
		RepeatCount       int
		AutoRemediate     bool
	}

	// Alerting configuration
	Alerting struct {
		Interval       time.Duration
		MaxPerInterval int
		Services       models.ThresholdConfig
		Nodes          models.ThresholdConfig
	}

	// Entities to monitor
	Entities struct {
		Services []string
		Nodes    []string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}

	// Audit configuration
	Audit struct {
		Enabled    bool
		Path       string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}
}

// Thresholds returns the threshold config for kind.
func (c *Config) Thresholds(kind models.EntityKind) models.ThresholdConfig {
	if kind == models.KindNode {
		return c.Alerting.Nodes
	}
	return c.Alerting.Services
}

// TrackedEntities lists the configured entities, services first.
func (c *Config) TrackedEntities() []models.Entity {
	out := make([]models.Entity, 0, len(c.Entities.Services)+len(c.Entities.Nodes))
	for _, id := range c.Entities.Services {
		out = append(out, models.Entity{ID: id, Kind: models.KindService})
	}
	for _, id := range c.Entities.Nodes {
		out = append(out, models.Entity{ID: id, Kind: models.KindNode})
	}
	return out
}

// CollectionInterval returns the collection period for kind.
func (c *Config) CollectionInterval(kind models.EntityKind) time.Duration {
	if kind == models.KindNode {
		return c.Collection.NodeInterval
	}
	return c.Collection.ServiceInterval
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers each valid reload.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "/etc/exchange-agent/config.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}
