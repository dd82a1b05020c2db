package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a log id has no stored record.
	ErrNotFound = errors.New("flight log not found")

	// ErrOutOfRange is returned when a requested timestamp lies outside the
	// recorded time range of a required signal.
	ErrOutOfRange = errors.New("timestamp outside signal time range")
)

// OutOfRangeError carries the signal that rejected the window.
type OutOfRangeError struct {
	Message     string
	Field       string
	TimestampMS float64
	Range       TimeRange
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("signal %s not found in message %s during %.0fms (recorded %.0f-%.0fms)",
		e.Field, e.Message, e.TimestampMS, e.Range.Start, e.Range.End)
}

func (e *OutOfRangeError) Is(target error) bool { return target == ErrOutOfRange }
