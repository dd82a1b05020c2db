package audit

import (
	"context"
	"time"
)

// NewNopLogger returns a Logger that drops every event. Used when no audit
// file is configured and in tests.
func NewNopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error                         { return nil }
func (nopLogger) LogRunStarted(context.Context, string, string, string) error { return nil }
func (nopLogger) LogRunCompleted(context.Context, string, string, time.Duration) error {
	return nil
}
func (nopLogger) LogRunFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogStage(context.Context, string, string, EventType, string, time.Duration, error) error {
	return nil
}
func (nopLogger) LogMemoryAppendFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogIngested(context.Context, string, int) error                    { return nil }
func (nopLogger) Sync() error                                                       { return nil }
func (nopLogger) Close() error                                                      { return nil }
