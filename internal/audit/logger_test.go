package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

func newTestLogger(t *testing.T) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{
		Path:          path,
		MaxSize:       10,
		MaxBackups:    3,
		BufferSize:    100,
		FlushInterval: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func readLog(t *testing.T, logger Logger, path string) string {
	t.Helper()
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLogger_RequiresPath(t *testing.T) {
	if _, err := NewLogger(&Config{}, nil); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Path != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.Path)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", config.BufferSize)
	}
}

func TestLogEvent(t *testing.T) {
	logger, path := newTestLogger(t)

	event := NewEvent(EventConfigChanged).
		WithCorrelationID("test-123").
		WithEntity("svc-a", "service").
		WithResult(ResultSuccess)
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	content := readLog(t, logger, path)
	for _, want := range []string{"test-123", "config.changed", "svc-a"} {
		if !strings.Contains(content, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogActionLifecycle(t *testing.T) {
	logger, path := newTestLogger(t)
	ctx := WithCorrelationID(context.Background(), "corr-9")

	action := models.Action{Name: "scale", EntityID: "web", Payload: map[string]interface{}{"scale_factor": 2.0}}
	if err := logger.LogActionExecuted(ctx, action, 150*time.Millisecond); err != nil {
		t.Fatalf("LogActionExecuted failed: %v", err)
	}
	if err := logger.LogActionFailed(ctx, action, errors.New("fleet unreachable"), time.Second); err != nil {
		t.Fatalf("LogActionFailed failed: %v", err)
	}

	content := readLog(t, logger, path)
	for _, want := range []string{"action.executed", "action.failed", "fleet unreachable", "corr-9", "scale_factor"} {
		if !strings.Contains(content, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogAlertFired(t *testing.T) {
	logger, path := newTestLogger(t)

	alert := models.Alert{
		ID:        "alert-1",
		Severity:  models.SeverityCritical,
		Metric:    "cpu_usage",
		Value:     92,
		Threshold: 90,
		EntityID:  "web",
		Message:   "critical cpu_usage on web",
	}
	if err := logger.LogAlertFired(context.Background(), alert); err != nil {
		t.Fatalf("LogAlertFired failed: %v", err)
	}
	if err := logger.LogAnalysisCompleted(context.Background(), 3, 1, 20*time.Millisecond); err != nil {
		t.Fatalf("LogAnalysisCompleted failed: %v", err)
	}

	content := readLog(t, logger, path)
	for _, want := range []string{"alert.fired", "alert-1", "critical", "analysis.completed"} {
		if !strings.Contains(content, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestBufferFlushesWhenFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{Path: path, BufferSize: 2, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 2; i++ {
		_ = logger.Log(context.Background(), NewEvent(EventServerStarted))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 flushed events, got %d lines: %q", len(lines), content)
	}
	for _, line := range lines {
		if !strings.Contains(line, `"event_type":"system.server_started"`) {
			t.Errorf("Unexpected audit line %q", line)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, _ := newTestLogger(t)
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	if err := l.Log(context.Background(), NewEvent(EventAlertFired)); err != nil {
		t.Errorf("nop Log returned %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nop Close returned %v", err)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := GetCorrelationID(ctx); got != "abc" {
		t.Errorf("Expected correlation id abc, got %q", got)
	}
	if GetCorrelationID(context.Background()) != "" {
		t.Error("Expected empty correlation id")
	}
	if GenerateCorrelationID() == GenerateCorrelationID() {
		t.Error("Expected unique correlation ids")
	}
}
