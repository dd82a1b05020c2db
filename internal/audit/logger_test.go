package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// lumberjack starts its mill goroutine on first write and Close does not
// stop it.
var ignoreMill = goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun")

func newTestLogger(t *testing.T, interval time.Duration) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{
		AuditLogPath:  path,
		MaxSize:       10,
		MaxBackups:    3,
		FlushInterval: interval,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(&Config{})
	if err == nil {
		t.Fatal("Expected error for empty audit log path")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.FlushInterval != time.Second {
		t.Errorf("Expected flush interval 1s, got %s", config.FlushInterval)
	}
}

func TestLogEvent(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreMill)

	logger, path := newTestLogger(t, time.Hour)

	event := NewEvent(EventRunStarted).
		WithCorrelationID("run-123").
		WithActor("planner").
		WithLogID("log-7").
		WithResult(ResultSuccess)

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	logContent := readLog(t, path)
	for _, want := range []string{"run-123", "run.started", "planner", "log-7"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogRunLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreMill)

	logger, path := newTestLogger(t, time.Hour)
	ctx := context.Background()

	if err := logger.LogRunStarted(ctx, "run-1", "log-1", "why did it drift?"); err != nil {
		t.Fatalf("LogRunStarted failed: %v", err)
	}
	if err := logger.LogStage(ctx, "run-1", "log-1", EventExpertConsulted, "expert:gps", 20*time.Millisecond, nil); err != nil {
		t.Fatalf("LogStage failed: %v", err)
	}
	if err := logger.LogRunFailed(ctx, "run-1", "log-1", errors.New("deadline exceeded")); err != nil {
		t.Fatalf("LogRunFailed failed: %v", err)
	}
	if err := logger.LogMemoryAppendFailed(ctx, "log-1", "integration", errors.New("disk full")); err != nil {
		t.Fatalf("LogMemoryAppendFailed failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	logContent := readLog(t, path)
	for _, want := range []string{"run.started", "stage.expert", "expert:gps", "run.failed", "deadline exceeded", "data.memory_append_failed", "degraded"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestBufferAutoFlush(t *testing.T) {
	logger, path := newTestLogger(t, 20*time.Millisecond)
	defer logger.Close()

	if err := logger.LogIngested(context.Background(), "log-auto", 3); err != nil {
		t.Fatalf("LogIngested failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if content, err := os.ReadFile(path); err == nil && strings.Contains(string(content), "log-auto") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Event was not flushed by the ticker")
}

func TestCorrelationIDFromContext(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-42")
	if got := GetCorrelationID(ctx); got != "corr-42" {
		t.Errorf("Expected corr-42, got %s", got)
	}
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Errorf("Expected empty correlation id, got %s", got)
	}

	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	if a == "" || a == b {
		t.Errorf("Expected unique non-empty ids, got %q and %q", a, b)
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventIntegrationRound).
		WithCorrelationID("run-9").
		WithActor("integration").
		WithDuration(1500*time.Millisecond).
		WithMetadata("round", 2).
		WithError(errors.New("boom"), "stage_error")

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["event_type"] != "stage.integration" {
		t.Errorf("unexpected event_type %v", decoded["event_type"])
	}
	if decoded["result"] != "failure" {
		t.Errorf("WithError should mark result failure, got %v", decoded["result"])
	}
	if decoded["duration_ms"] != float64(1500) {
		t.Errorf("unexpected duration_ms %v", decoded["duration_ms"])
	}
}
