// Package telemetry holds the normalized flight-log record and the
// time-windowed extraction used to feed specialist reasoning calls.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// TimeAxis is the monotonic time field present in every message series.
const TimeAxis = "time_boot_ms"

// LogRecord is one ingested flight log. It is immutable once stored.
type LogRecord struct {
	LogID            string                   `json:"log_id"`
	Filename         string                   `json:"filename"`
	LogType          string                   `json:"log_type"`
	Vehicle          string                   `json:"vehicle"`
	FlightDurationMS float64                  `json:"flight_duration_ms"`
	UploadTime       string                   `json:"upload_time"`
	TimeSeries       map[string]MessageSeries `json:"time_series_data"`
	FlightSummary    FlightSummary            `json:"flight_summary"`
	Parameters       map[string]any           `json:"parameters"`
	DefaultParams    map[string]any           `json:"default_parameters"`
}

// MessageSeries is the column store of one message type (ATT, GPS[0], ...).
type MessageSeries struct {
	Fields      []string         `json:"fields"`
	SampleCount int              `json:"sample_count"`
	TimeRange   TimeRange        `json:"time_range"`
	Data        map[string][]any `json:"data"`
}

// TimeRange is the first and last value of the time axis, in milliseconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Contains reports whether ts lies in [Start, End).
func (r TimeRange) Contains(ts float64) bool {
	return r.Start <= ts && ts < r.End
}

// FlightSummary is the derived, non time-series part of a log.
type FlightSummary struct {
	Modes             []ModeChange   `json:"modes"`
	Events            []FlightEvent  `json:"events"`
	Mission           []any          `json:"mission"`
	TextMessages      []TextMessage  `json:"text_messages"`
	Fences            []any          `json:"fences"`
	AttitudeSources   map[string]any `json:"attitude_sources"`
	TrajectorySources []string       `json:"trajectory_sources"`
}

// ModeChange is a (timestamp, mode) pair, encoded as a two element array.
type ModeChange struct {
	TimestampMS float64
	Mode        string
}

func (m ModeChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.TimestampMS, m.Mode})
}

func (m *ModeChange) UnmarshalJSON(data []byte) error {
	parts, err := tuple(data, 2)
	if err != nil {
		return fmt.Errorf("mode change: %w", err)
	}
	m.TimestampMS, _ = ToFloat(parts[0])
	m.Mode = asString(parts[1])
	return nil
}

// FlightEvent is a (timestamp, description) pair.
type FlightEvent struct {
	TimestampMS float64
	Description string
}

func (e FlightEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimestampMS, e.Description})
}

func (e *FlightEvent) UnmarshalJSON(data []byte) error {
	parts, err := tuple(data, 2)
	if err != nil {
		return fmt.Errorf("flight event: %w", err)
	}
	e.TimestampMS, _ = ToFloat(parts[0])
	e.Description = asString(parts[1])
	return nil
}

// TextMessage is a (timestamp, severity, text) triple emitted by the autopilot.
type TextMessage struct {
	TimestampMS float64
	Severity    int
	Text        string
}

func (m TextMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.TimestampMS, m.Severity, m.Text})
}

func (m *TextMessage) UnmarshalJSON(data []byte) error {
	parts, err := tuple(data, 3)
	if err != nil {
		return fmt.Errorf("text message: %w", err)
	}
	m.TimestampMS, _ = ToFloat(parts[0])
	sev, _ := ToFloat(parts[1])
	m.Severity = int(sev)
	m.Text = asString(parts[2])
	return nil
}

// ParameterChanges returns the parameter change log, or nil.
func (r *LogRecord) ParameterChanges() []any {
	if r.Parameters == nil {
		return nil
	}
	changes, _ := r.Parameters["changeArray"].([]any)
	return changes
}

// Window is a timestamp plus a total window width, both in milliseconds.
type Window struct {
	TimestampMS float64 `json:"timestamp_ms"`
	WindowMS    float64 `json:"window_ms"`
}

// WholeLogWindowMS is the reserved window width that, with a zero timestamp,
// selects the entire log.
const WholeLogWindowMS = 10000000

// WholeLog is the sentinel window meaning "entire log".
var WholeLog = Window{TimestampMS: 0, WindowMS: WholeLogWindowMS}

// IsWholeLog reports whether w is the whole-log sentinel.
func (w Window) IsWholeLog() bool {
	return w.TimestampMS == 0 && w.WindowMS == WholeLogWindowMS
}

func (w Window) String() string {
	if w.IsWholeLog() {
		return "whole log"
	}
	return fmt.Sprintf("%.0fms ±%.0fms", w.TimestampMS, w.WindowMS/2)
}

// Signal selects one field. An empty Message matches the field in every
// message type that carries it.
type Signal struct {
	Message string `json:"message,omitempty" yaml:"message"`
	Field   string `json:"field" yaml:"field"`
}

// ToFloat converts a decoded JSON scalar to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func tuple(data []byte, n int) ([]any, error) {
	var parts []any
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, err
	}
	if len(parts) < n {
		return nil, fmt.Errorf("expected %d elements, got %d", n, len(parts))
	}
	return parts, nil
}
