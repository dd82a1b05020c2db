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
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Run lifecycle
	LogRunStarted(ctx context.Context, runID, logID, question string) error
	LogRunCompleted(ctx context.Context, runID, logID string, duration time.Duration) error
	LogRunFailed(ctx context.Context, runID, logID string, err error) error

	// LogStage records one reasoning step of a run.
	LogStage(ctx context.Context, runID, logID string, eventType EventType, actor string, duration time.Duration, err error) error

	// LogMemoryAppendFailed records a chat-history write that was swallowed.
	LogMemoryAppendFailed(ctx context.Context, logID, actor string, err error) error

	// LogIngested records a flight log entering the store.
	LogIngested(ctx context.Context, logID string, messageTypes int) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval controls how often buffered events are written.
	FlushInterval time.Duration

	// AppLogger receives internal errors of the audit logger itself.
	AppLogger *zap.Logger
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
	}
}

const bufferLimit = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	interval := config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	appLogger := config.AppLogger
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

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level and append-only.
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		buffer:      make([]*Event, 0, bufferLimit),
		flushTicker: time.NewTicker(interval),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
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
	if len(l.buffer) >= bufferLimit {
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
	defer close(l.done)
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

func (l *auditLogger) LogRunStarted(ctx context.Context, runID, logID, question string) error {
	event := NewEvent(EventRunStarted).
		WithCorrelationID(runID).
		WithLogID(logID).
		WithMetadata("question", question).
		WithDescription(fmt.Sprintf("Run %s started for log %s", runID, logID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogRunCompleted(ctx context.Context, runID, logID string, duration time.Duration) error {
	event := NewEvent(EventRunCompleted).
		WithCorrelationID(runID).
		WithLogID(logID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Run %s completed", runID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogRunFailed(ctx context.Context, runID, logID string, err error) error {
	event := NewEvent(EventRunFailed).
		WithCorrelationID(runID).
		WithLogID(logID).
		WithError(err, "run_error").
		WithDescription(fmt.Sprintf("Run %s failed", runID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogStage(ctx context.Context, runID, logID string, eventType EventType, actor string, duration time.Duration, err error) error {
	event := NewEvent(eventType).
		WithCorrelationID(runID).
		WithLogID(logID).
		WithActor(actor).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithError(err, "stage_error")

	return l.Log(ctx, event)
}

func (l *auditLogger) LogMemoryAppendFailed(ctx context.Context, logID, actor string, err error) error {
	event := NewEvent(EventMemoryAppendFailed).
		WithLogID(logID).
		WithActor(actor).
		WithError(err, "store_io").
		WithResult(ResultDegraded).
		WithDescription("chat history append dropped")

	return l.Log(ctx, event)
}

func (l *auditLogger) LogIngested(ctx context.Context, logID string, messageTypes int) error {
	event := NewEvent(EventLogIngested).
		WithLogID(logID).
		WithResult(ResultSuccess).
		WithMetadata("message_types", messageTypes).
		WithDescription(fmt.Sprintf("Flight log %s ingested", logID))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		<-l.done
		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
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
	return uuid.NewString()
}
