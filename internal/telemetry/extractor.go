package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/metrics"
)

// DefaultMaxSamples caps the number of rows an extraction returns.
const DefaultMaxSamples = 400

// LogProvider returns stored flight logs.
type LogProvider interface {
	// GetLog returns the record for logID, or an error wrapping ErrNotFound.
	GetLog(ctx context.Context, logID string) (*LogRecord, error)
}

// Sample is one (time, value) observation of a signal.
type Sample struct {
	Message     string
	Field       string
	TimestampMS float64
	Value       any
}

// MarshalJSON emits {"tsd": <time>, "<field>": <value>}.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"tsd": s.TimestampMS, s.Field: s.Value})
}

// Metadata is the flight context appended to every extraction.
type Metadata struct {
	FlightSummary     FlightSummary  `json:"flight_summary"`
	ParameterChanges  []any          `json:"parameters"`
	DefaultParameters map[string]any `json:"default_parameters"`
}

// Extraction is the result of one Extract call.
type Extraction struct {
	LogID       string
	Window      Window
	Samples     []Sample
	RawCount    int
	Downsampled bool
	Metadata    Metadata
}

// MarshalJSON renders the extraction as a list: the samples (flat when
// downsampled, otherwise wrapped as a single batch) followed by a metadata
// element.
func (e *Extraction) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(e.Samples)+2)
	if e.Downsampled {
		for _, s := range e.Samples {
			out = append(out, s)
		}
	} else {
		batch := e.Samples
		if batch == nil {
			batch = []Sample{}
		}
		out = append(out, batch)
	}
	out = append(out, map[string]any{
		"metadata": []any{
			map[string]any{"flight_summary": e.Metadata.FlightSummary},
			map[string]any{"parameters": e.Metadata.ParameterChanges},
			map[string]any{"default_parameters": e.Metadata.DefaultParameters},
		},
	})
	return json.Marshal(out)
}

// Extractor slices stored logs into bounded windows. It never mutates a record.
type Extractor struct {
	logs       LogProvider
	maxSamples int
	logger     *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxSamples overrides DefaultMaxSamples.
func WithMaxSamples(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxSamples = n
		}
	}
}

// WithLogger sets the extractor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor returns an Extractor reading from logs.
func NewExtractor(logs LogProvider, opts ...Option) *Extractor {
	e := &Extractor{logs: logs, maxSamples: DefaultMaxSamples, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the samples of signals within window of logID.
//
// Samples are kept when |t - ts| <= window/2. A required signal whose time
// range does not contain ts fails the whole call with ErrOutOfRange. The
// whole-log window returns every sample and skips the range check. An empty
// signal list selects every field of every message.
func (e *Extractor) Extract(ctx context.Context, logID string, window Window, signals []Signal) (*Extraction, error) {
	mode := "window"
	if window.IsWholeLog() {
		mode = "whole_log"
	}

	rec, err := e.logs.GetLog(ctx, logID)
	if err != nil {
		status := "error"
		if errors.Is(err, ErrNotFound) {
			status = "not_found"
		}
		metrics.ExtractionsTotal.WithLabelValues(mode, status).Inc()
		return nil, fmt.Errorf("extract %s: %w", logID, err)
	}

	var samples []Sample
	if window.IsWholeLog() {
		samples = collectAll(rec, signals)
	} else {
		samples, err = collectWindow(rec, window, signals)
		if err != nil {
			metrics.ExtractionsTotal.WithLabelValues(mode, "out_of_range").Inc()
			return nil, err
		}
	}

	ex := &Extraction{
		LogID:    logID,
		Window:   window,
		RawCount: len(samples),
		Metadata: Metadata{
			FlightSummary:     rec.FlightSummary,
			ParameterChanges:  rec.ParameterChanges(),
			DefaultParameters: rec.DefaultParams,
		},
	}
	ex.Samples, ex.Downsampled = downsample(samples, e.maxSamples)

	metrics.ExtractionsTotal.WithLabelValues(mode, "ok").Inc()
	metrics.ExtractionSamples.Observe(float64(len(ex.Samples)))
	e.logger.Debug("telemetry extracted",
		zap.String("log_id", logID),
		zap.Stringer("window", window),
		zap.Int("raw", ex.RawCount),
		zap.Int("returned", len(ex.Samples)),
	)
	return ex, nil
}

func collectWindow(rec *LogRecord, window Window, signals []Signal) ([]Sample, error) {
	half := window.WindowMS / 2
	var out []Sample
	for _, msg := range sortedMessages(rec) {
		series := rec.TimeSeries[msg]
		for _, field := range fieldsFor(msg, series, signals) {
			if !series.TimeRange.Contains(window.TimestampMS) {
				return nil, &OutOfRangeError{
					Message:     msg,
					Field:       field,
					TimestampMS: window.TimestampMS,
					Range:       series.TimeRange,
				}
			}
			axis, values := series.Data[TimeAxis], series.Data[field]
			for i, raw := range axis {
				t, ok := ToFloat(raw)
				if !ok || i >= len(values) {
					continue
				}
				if math.Abs(t-window.TimestampMS) <= half {
					out = append(out, Sample{Message: msg, Field: field, TimestampMS: t, Value: values[i]})
				}
			}
		}
	}
	return out, nil
}

func collectAll(rec *LogRecord, signals []Signal) []Sample {
	var out []Sample
	for _, msg := range sortedMessages(rec) {
		series := rec.TimeSeries[msg]
		axis := series.Data[TimeAxis]
		for _, field := range fieldsFor(msg, series, signals) {
			values := series.Data[field]
			for i, raw := range axis {
				t, ok := ToFloat(raw)
				if !ok || i >= len(values) {
					continue
				}
				out = append(out, Sample{Message: msg, Field: field, TimestampMS: t, Value: values[i]})
			}
		}
	}
	return out
}

// fieldsFor returns the requested fields present in one message series, in
// request order and without duplicates.
func fieldsFor(msg string, series MessageSeries, signals []Signal) []string {
	if len(signals) == 0 {
		fields := make([]string, 0, len(series.Data))
		for f := range series.Data {
			if f != TimeAxis {
				fields = append(fields, f)
			}
		}
		sort.Strings(fields)
		return fields
	}

	seen := make(map[string]bool, len(signals))
	var fields []string
	for _, sig := range signals {
		if sig.Field == TimeAxis || seen[sig.Field] {
			continue
		}
		if sig.Message != "" && sig.Message != msg {
			continue
		}
		if _, ok := series.Data[sig.Field]; !ok {
			continue
		}
		seen[sig.Field] = true
		fields = append(fields, sig.Field)
	}
	return fields
}

func sortedMessages(rec *LogRecord) []string {
	msgs := make([]string, 0, len(rec.TimeSeries))
	for m := range rec.TimeSeries {
		msgs = append(msgs, m)
	}
	sort.Strings(msgs)
	return msgs
}

// downsample keeps every (len/limit)-th sample plus the final one, so the
// first and last timestamps of the input survive.
func downsample(samples []Sample, limit int) ([]Sample, bool) {
	if limit <= 0 || len(samples) <= limit {
		return samples, false
	}
	step := len(samples) / limit
	out := make([]Sample, 0, len(samples)/step+1)
	for i := 0; i < len(samples); i += step {
		out = append(out, samples[i])
	}
	if (len(samples)-1)%step != 0 {
		out = append(out, samples[len(samples)-1])
	}
	return out, true
}
