package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Action lifecycle events
	LogActionExecuted(ctx context.Context, action models.Action, duration time.Duration) error
	LogActionFailed(ctx context.Context, action models.Action, err error, duration time.Duration) error

	// LogAlertFired records an alert that passed suppression
	LogAlertFired(ctx context.Context, alert models.Alert) error

	// LogAnalysisCompleted records one analysis pass
	LogAnalysisCompleted(ctx context.Context, entities, alerts int, duration time.Duration) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the path to the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// BufferSize is the number of events held before a forced flush
	BufferSize int

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives internal
// failures; it may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	// Audit log with rotation (always INFO level, append-only)
	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger.With(zap.String("component", "audit")),
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.config.BufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogActionExecuted logs a successful action
func (l *auditLogger) LogActionExecuted(ctx context.Context, action models.Action, duration time.Duration) error {
	event := NewEvent(EventActionExecuted).
		WithAction(action.Name).
		WithEntity(action.EntityID, "").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Action %s executed for %s", action.Name, action.EntityID))
	for k, v := range action.Payload {
		event.WithMetadata(k, v)
	}
	return l.Log(ctx, event)
}

// LogActionFailed logs a rejected or failed action
func (l *auditLogger) LogActionFailed(ctx context.Context, action models.Action, err error, duration time.Duration) error {
	event := NewEvent(EventActionFailed).
		WithAction(action.Name).
		WithEntity(action.EntityID, "").
		WithError(err, "action_error").
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Action %s failed for %s", action.Name, action.EntityID))
	return l.Log(ctx, event)
}

// LogAlertFired logs an alert that passed suppression
func (l *auditLogger) LogAlertFired(ctx context.Context, alert models.Alert) error {
	event := NewEvent(EventAlertFired).
		WithCorrelationID(alert.ID).
		WithEntity(alert.EntityID, "").
		WithResult(ResultSuccess).
		WithDescription(alert.Message).
		WithMetadata("severity", alert.Severity.String()).
		WithMetadata("metric", alert.Metric).
		WithMetadata("value", alert.Value).
		WithMetadata("threshold", alert.Threshold)
	return l.Log(ctx, event)
}

// LogAnalysisCompleted logs one analysis pass
func (l *auditLogger) LogAnalysisCompleted(ctx context.Context, entities, alerts int, duration time.Duration) error {
	event := NewEvent(EventAnalysisCompleted).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("entities", entities).
		WithMetadata("alerts", alerts).
		WithDescription(fmt.Sprintf("Analyzed %d entities, %d alerts fired", entities, alerts))
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	_ = l.auditLogger.Sync()
	return nil
}

// Close stops the flusher, writes pending events and closes the file
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		<-l.doneCh
		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

// nopLogger discards every event.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogActionExecuted(context.Context, models.Action, time.Duration) error {
	return nil
}
func (nopLogger) LogActionFailed(context.Context, models.Action, error, time.Duration) error {
	return nil
}
func (nopLogger) LogAlertFired(context.Context, models.Alert) error { return nil }
func (nopLogger) LogAnalysisCompleted(context.Context, int, int, time.Duration) error {
	return nil
}
func (nopLogger) Sync() error  { return nil }
func (nopLogger) Close() error { return nil }

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.New().String()
}
