package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/agent"
	"github.com/kubilitics/exchange-agent/internal/alerting"
	"github.com/kubilitics/exchange-agent/internal/analytics"
	"github.com/kubilitics/exchange-agent/internal/analytics/anomaly"
	"github.com/kubilitics/exchange-agent/internal/analytics/health"
	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/audit"
	"github.com/kubilitics/exchange-agent/internal/collector"
	"github.com/kubilitics/exchange-agent/internal/config"
	"github.com/kubilitics/exchange-agent/internal/integration/exchange"
	"github.com/kubilitics/exchange-agent/internal/logging"
	"github.com/kubilitics/exchange-agent/internal/models"
	"github.com/kubilitics/exchange-agent/internal/retry"
	"github.com/kubilitics/exchange-agent/internal/server"
)

// components is the fully wired agent for one process.
type components struct {
	logger    *zap.Logger
	closeLog  func() error
	audit     audit.Logger
	client    *exchange.Client
	store     *timeseries.Store
	collector *collector.Collector
	agent     *agent.Agent
	hub       *server.AlertHub
}

type buildOptions struct {
	// logOutput replaces stderr for the console sink.
	logOutput io.Writer
	// logLevel overrides the configured level when set.
	logLevel string
	// withHub attaches a WebSocket alert hub as the agent's notifier.
	withHub bool
	// noAudit disables the audit trail regardless of config.
	noAudit bool
}

func build(cfg *config.Config, opts buildOptions) (*components, error) {
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Output:     opts.logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	c := &components{logger: logger, closeLog: closeLog}

	if cfg.Audit.Enabled && !opts.noAudit {
		auditCfg := audit.DefaultConfig()
		auditCfg.Path = cfg.Audit.Path
		auditCfg.MaxSize = cfg.Audit.MaxSize
		auditCfg.MaxBackups = cfg.Audit.MaxBackups
		auditCfg.MaxAge = cfg.Audit.MaxAge
		auditCfg.Compress = cfg.Audit.Compress
		if c.audit, err = audit.NewLogger(auditCfg, logger); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
	} else {
		c.audit = audit.NewNopLogger()
	}

	c.client, err = exchange.NewClient(exchange.Config{
		BaseURL: cfg.Exchange.URL,
		OrgID:   cfg.Exchange.OrgID,
		User:    cfg.Exchange.User,
		Token:   cfg.Exchange.Token,
		Timeout: cfg.Exchange.Timeout,
	}, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize exchange client: %w", err)
	}

	c.store, err = timeseries.NewStore(timeseries.Options{
		MaxHistory: cfg.Analysis.MaxHistory,
		Retention:  cfg.Analysis.Retention,
		ClockSkew:  cfg.Analysis.ClockSkew,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	gen, err := alerting.NewGenerator(alerting.Options{
		Thresholds: map[models.EntityKind]models.ThresholdConfig{
			models.KindService: cfg.Alerting.Services,
			models.KindNode:    cfg.Alerting.Nodes,
		},
		Interval:       cfg.Alerting.Interval,
		MaxPerInterval: cfg.Alerting.MaxPerInterval,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize alert generator: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts:    cfg.Exchange.MaxRetries,
		InitialBackoff: cfg.Exchange.RetryBackoff,
		Retryable:      exchange.Retryable,
	}

	c.collector, err = collector.New(c.client, c.store, collector.Options{
		Intervals: map[models.EntityKind]time.Duration{
			models.KindService: cfg.CollectionInterval(models.KindService),
			models.KindNode:    cfg.CollectionInterval(models.KindNode),
		},
		Timeout: cfg.Exchange.Timeout,
		Retry:   policy,
		Workers: cfg.Collection.Workers,
		Logger:  logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize collector: %w", err)
	}

	deps := agent.Deps{
		Store:    c.store,
		Engine:   analytics.NewEngine(cfg.Analysis.TrendEpsilon),
		Detector: anomaly.NewDetector(cfg.Analysis.AnomalyK, cfg.Analysis.AnomalyMinSamples),
		Alerts:   gen,
		Classifier: health.NewClassifier(health.Options{
			FailureThreshold: cfg.Collection.FailureThreshold,
			Grace: map[models.EntityKind]time.Duration{
				models.KindService: cfg.Collection.ServiceGrace,
				models.KindNode:    cfg.Collection.NodeGrace,
			},
		}),
		Executor:     c.client,
		Availability: c.collector,
		Logger:       logger,
		Audit:        c.audit,
	}
	if opts.withHub {
		c.hub = server.NewAlertHub(cfg.Server.AllowedOrigins, logger)
		deps.Notifier = c.hub
	}

	policy.AttemptTimeout = cfg.Exchange.Timeout
	c.agent, err = agent.New(agent.Config{
		Window:        cfg.Analysis.Window,
		RepeatCount:   cfg.Analysis.RepeatCount,
		HistorySize:   cfg.Analysis.HistorySize,
		ActionRetry:   policy,
		AutoRemediate: cfg.Analysis.AutoRemediate,
	}, deps)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}

	for _, e := range cfg.TrackedEntities() {
		if err := c.agent.Track(e); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close flushes the audit trail and the log file.
func (c *components) Close() error {
	var errs []error
	if c.audit != nil {
		if err := c.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if c.closeLog != nil {
		if err := c.closeLog(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
