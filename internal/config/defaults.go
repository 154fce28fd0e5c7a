package config

import (
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// DefaultServiceThresholds are the service limits used when none are configured.
func DefaultServiceThresholds() models.ThresholdConfig {
	return models.ThresholdConfig{
		"cpu_usage":     {WarningLimit: 80, CriticalLimit: 90, Direction: models.DirectionAbove},
		"memory_usage":  {WarningLimit: 80, CriticalLimit: 90, Direction: models.DirectionAbove},
		"response_time": {WarningLimit: 1000, CriticalLimit: 2000, Direction: models.DirectionAbove},
		"error_rate":    {WarningLimit: 0.05, CriticalLimit: 0.10, Direction: models.DirectionAbove},
	}
}

// DefaultNodeThresholds are the node limits used when none are configured.
func DefaultNodeThresholds() models.ThresholdConfig {
	return models.ThresholdConfig{
		"cpu_usage":    {WarningLimit: 70, CriticalLimit: 90, Direction: models.DirectionAbove},
		"memory_usage": {WarningLimit: 70, CriticalLimit: 90, Direction: models.DirectionAbove},
		"disk_usage":   {WarningLimit: 80, CriticalLimit: 95, Direction: models.DirectionAbove},
		"temperature":  {WarningLimit: 70, CriticalLimit: 80, Direction: models.DirectionAbove},
	}
}

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.HTTPPort = 8080
	cfg.Server.GRPCPort = 9090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.ActionRateLimit = 60

	// Exchange defaults
	cfg.Exchange.URL = "http://localhost:3090/v1"
	cfg.Exchange.OrgID = ""
	cfg.Exchange.Timeout = 10 * time.Second
	cfg.Exchange.MaxRetries = 3
	cfg.Exchange.RetryBackoff = 500 * time.Millisecond

	// Collection defaults
	cfg.Collection.ServiceInterval = 15 * time.Minute
	cfg.Collection.NodeInterval = 60 * time.Minute
	cfg.Collection.FailureThreshold = 3
	cfg.Collection.ServiceGrace = 45 * time.Minute
	cfg.Collection.NodeGrace = 3 * time.Hour
	cfg.Collection.Workers = 4

	// Analysis defaults
	cfg.Analysis.Window = 60 * time.Minute
	cfg.Analysis.Interval = 5 * time.Minute
	cfg.Analysis.MaxHistory = 1000
	cfg.Analysis.Retention = 24 * time.Hour
	cfg.Analysis.ClockSkew = 30 * time.Second
	cfg.Analysis.AnomalyK = 3.0
	cfg.Analysis.AnomalyMinSamples = 5
	cfg.Analysis.TrendEpsilon = 0.05
	cfg.Analysis.HistorySize = 1000
	cfg.Analysis.RepeatCount = 2
	cfg.Analysis.AutoRemediate = false

	// Alerting defaults
	cfg.Alerting.Interval = 15 * time.Minute
	cfg.Alerting.MaxPerInterval = 3
	cfg.Alerting.Services = DefaultServiceThresholds()
	cfg.Alerting.Nodes = DefaultNodeThresholds()

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSize = 100 // megabytes
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAge = 30 // days
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.Path = "logs/audit.log"
	cfg.Audit.MaxSize = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAge = 30
	cfg.Audit.Compress = true

	return cfg
}
