package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXCHANGE_AGENT"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := unmarshalConfig(v)
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.viper = v
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinValidation(m.Get(ctx).Validate())
}

// Watch watches the config file. Each change that parses and validates is
// delivered on the returned channel; invalid edits are dropped and the
// previous configuration stays in effect.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()
	if v == nil {
		return m.watchChan
	}

	m.watchOnce.Do(func() {
		v.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			cfg, err := unmarshalConfig(v)
			if err == nil {
				applyEnvOverrides(cfg)
				err = joinValidation(cfg.Validate())
			}
			if err != nil {
				metrics.ConfigReloadsTotal.WithLabelValues("invalid").Inc()
				return
			}
			metrics.ConfigReloadsTotal.WithLabelValues("success").Inc()

			m.mu.Lock()
			m.config = cfg
			m.mu.Unlock()

			publishLatest(m.watchChan, *cfg)
		})
		v.WatchConfig()
	})

	return m.watchChan
}

// publishLatest delivers cfg on ch, replacing an undelivered older value so a
// slow consumer always sees the newest configuration.
func publishLatest(ch chan Config, cfg Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()
	if v == nil {
		return m.Load(ctx)
	}

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}
	cfg, err := unmarshalConfig(v)
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || os.IsNotExist(err)
}

func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.action_rate_limit", d.Server.ActionRateLimit)

	v.SetDefault("exchange.url", d.Exchange.URL)
	v.SetDefault("exchange.org_id", d.Exchange.OrgID)
	v.SetDefault("exchange.user", d.Exchange.User)
	v.SetDefault("exchange.token", d.Exchange.Token)
	v.SetDefault("exchange.timeout", d.Exchange.Timeout)
	v.SetDefault("exchange.max_retries", d.Exchange.MaxRetries)
	v.SetDefault("exchange.retry_backoff", d.Exchange.RetryBackoff)

	v.SetDefault("collection.service_interval", d.Collection.ServiceInterval)
	v.SetDefault("collection.node_interval", d.Collection.NodeInterval)
	v.SetDefault("collection.failure_threshold", d.Collection.FailureThreshold)
	v.SetDefault("collection.service_grace", d.Collection.ServiceGrace)
	v.SetDefault("collection.node_grace", d.Collection.NodeGrace)
	v.SetDefault("collection.workers", d.Collection.Workers)

	v.SetDefault("analysis.window", d.Analysis.Window)
	v.SetDefault("analysis.interval", d.Analysis.Interval)
	v.SetDefault("analysis.max_history", d.Analysis.MaxHistory)
	v.SetDefault("analysis.retention", d.Analysis.Retention)
	v.SetDefault("analysis.clock_skew", d.Analysis.ClockSkew)
	v.SetDefault("analysis.anomaly_k", d.Analysis.AnomalyK)
	v.SetDefault("analysis.anomaly_min_samples", d.Analysis.AnomalyMinSamples)
	v.SetDefault("analysis.trend_epsilon", d.Analysis.TrendEpsilon)
	v.SetDefault("analysis.history_size", d.Analysis.HistorySize)
	v.SetDefault("analysis.repeat_count", d.Analysis.RepeatCount)
	v.SetDefault("analysis.auto_remediate", d.Analysis.AutoRemediate)

	v.SetDefault("alerting.interval", d.Alerting.Interval)
	v.SetDefault("alerting.max_per_interval", d.Alerting.MaxPerInterval)

	v.SetDefault("entities.services", []string{})
	v.SetDefault("entities.nodes", []string{})

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.max_size", d.Audit.MaxSize)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	v.SetDefault("audit.max_age", d.Audit.MaxAge)
	v.SetDefault("audit.compress", d.Audit.Compress)
}

// unmarshalConfig unmarshals viper config into a fresh Config.
func unmarshalConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.HTTPPort = v.GetInt("server.http_port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.ActionRateLimit = v.GetInt("server.action_rate_limit")

	// Exchange
	cfg.Exchange.URL = v.GetString("exchange.url")
	cfg.Exchange.OrgID = v.GetString("exchange.org_id")
	cfg.Exchange.User = v.GetString("exchange.user")
	cfg.Exchange.Token = v.GetString("exchange.token")
	cfg.Exchange.Timeout = v.GetDuration("exchange.timeout")
	cfg.Exchange.MaxRetries = v.GetInt("exchange.max_retries")
	cfg.Exchange.RetryBackoff = v.GetDuration("exchange.retry_backoff")

	// Collection
	cfg.Collection.ServiceInterval = v.GetDuration("collection.service_interval")
	cfg.Collection.NodeInterval = v.GetDuration("collection.node_interval")
	cfg.Collection.FailureThreshold = v.GetInt("collection.failure_threshold")
	cfg.Collection.ServiceGrace = v.GetDuration("collection.service_grace")
	cfg.Collection.NodeGrace = v.GetDuration("collection.node_grace")
	cfg.Collection.Workers = v.GetInt("collection.workers")

	// Analysis
	cfg.Analysis.Window = v.GetDuration("analysis.window")
	cfg.Analysis.Interval = v.GetDuration("analysis.interval")
	cfg.Analysis.MaxHistory = v.GetInt("analysis.max_history")
	cfg.Analysis.Retention = v.GetDuration("analysis.retention")
	cfg.Analysis.ClockSkew = v.GetDuration("analysis.clock_skew")
	cfg.Analysis.AnomalyK = v.GetFloat64("analysis.anomaly_k")
	cfg.Analysis.AnomalyMinSamples = v.GetInt("analysis.anomaly_min_samples")
	cfg.Analysis.TrendEpsilon = v.GetFloat64("analysis.trend_epsilon")
	cfg.Analysis.HistorySize = v.GetInt("analysis.history_size")
	cfg.Analysis.RepeatCount = v.GetInt("analysis.repeat_count")
	cfg.Analysis.AutoRemediate = v.GetBool("analysis.auto_remediate")

	// Alerting
	cfg.Alerting.Interval = v.GetDuration("alerting.interval")
	cfg.Alerting.MaxPerInterval = v.GetInt("alerting.max_per_interval")
	var err error
	if cfg.Alerting.Services, err = thresholds(v, "alerting.services", DefaultServiceThresholds); err != nil {
		return nil, err
	}
	if cfg.Alerting.Nodes, err = thresholds(v, "alerting.nodes", DefaultNodeThresholds); err != nil {
		return nil, err
	}

	// Entities
	cfg.Entities.Services = v.GetStringSlice("entities.services")
	cfg.Entities.Nodes = v.GetStringSlice("entities.nodes")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSize = v.GetInt("logging.max_size")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAge = v.GetInt("logging.max_age")
	cfg.Logging.Compress = v.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.Path = v.GetString("audit.path")
	cfg.Audit.MaxSize = v.GetInt("audit.max_size")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAge = v.GetInt("audit.max_age")
	cfg.Audit.Compress = v.GetBool("audit.compress")

	return cfg, nil
}

// thresholds decodes a per-kind threshold map. A map present in the file
// replaces the defaults wholesale.
func thresholds(v *viper.Viper, key string, defaults func() models.ThresholdConfig) (models.ThresholdConfig, error) {
	if !v.IsSet(key) {
		return defaults(), nil
	}
	out := models.ThresholdConfig{}
	if err := v.UnmarshalKey(key, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	for metric, t := range out {
		if t.Direction == "" {
			t.Direction = models.DirectionAbove
			out[metric] = t
		}
	}
	return out, nil
}

// applyEnvOverrides applies the fleet tooling's well-known variables. They
// win over both the file and EXCHANGE_AGENT_* values.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("HZN_EXCHANGE_URL"); url != "" {
		cfg.Exchange.URL = url
	} else if url := os.Getenv("EXCHANGE_URL"); url != "" {
		cfg.Exchange.URL = url
	}

	if org := os.Getenv("HZN_ORG_ID"); org != "" {
		cfg.Exchange.OrgID = org
	}

	// user:token
	if auth := os.Getenv("HZN_EXCHANGE_USER_AUTH"); auth != "" {
		user, token, ok := strings.Cut(auth, ":")
		if ok {
			cfg.Exchange.User = user
			cfg.Exchange.Token = token
		} else {
			cfg.Exchange.Token = auth
		}
	}
}
