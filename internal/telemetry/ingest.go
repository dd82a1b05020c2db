package telemetry

import (
	"errors"
	"sort"
)

// ErrInvalidUpload is returned when an upload cannot be normalized.
var ErrInvalidUpload = errors.New("invalid log upload")

// Upload is the parsed-log payload produced by the browser log viewer.
// Messages maps a message type to its columns, one of which is TimeAxis.
type Upload struct {
	Filename          string                      `json:"filename"`
	LogType           string                      `json:"logType"`
	Vehicle           string                      `json:"vehicle"`
	Messages          map[string]map[string][]any `json:"messages"`
	FlightModes       []ModeChange                `json:"flightModes"`
	Events            []FlightEvent               `json:"events"`
	Mission           []any                       `json:"mission"`
	TextMessages      []TextMessage               `json:"textMessages"`
	Fences            []any                       `json:"fences"`
	AttitudeSources   map[string]any              `json:"attitudeSources"`
	TrajectorySources []string                    `json:"trajectorySources"`
	Parameters        map[string]any              `json:"parameters"`
	DefaultParams     map[string]any              `json:"defaultParams"`
	LastTime          float64                     `json:"lastTime"`
	Timestamp         string                      `json:"timestamp"`
}

// Normalize turns an upload into a LogRecord. Message types without a
// non-empty time axis are dropped.
func Normalize(logID string, up *Upload) (*LogRecord, error) {
	if up == nil || logID == "" {
		return nil, ErrInvalidUpload
	}

	rec := &LogRecord{
		LogID:            logID,
		Filename:         orDefault(up.Filename, "unknown"),
		LogType:          orDefault(up.LogType, "unknown"),
		Vehicle:          orDefault(up.Vehicle, "unknown"),
		FlightDurationMS: up.LastTime,
		UploadTime:       up.Timestamp,
		TimeSeries:       make(map[string]MessageSeries, len(up.Messages)),
		FlightSummary: FlightSummary{
			Modes:             up.FlightModes,
			Events:            up.Events,
			Mission:           up.Mission,
			TextMessages:      up.TextMessages,
			Fences:            up.Fences,
			AttitudeSources:   up.AttitudeSources,
			TrajectorySources: up.TrajectorySources,
		},
		Parameters:    up.Parameters,
		DefaultParams: up.DefaultParams,
	}

	for msg, columns := range up.Messages {
		axis := columns[TimeAxis]
		if len(axis) == 0 {
			continue
		}
		fields := make([]string, 0, len(columns))
		for f := range columns {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		rec.TimeSeries[msg] = MessageSeries{
			Fields:      fields,
			SampleCount: len(axis),
			TimeRange:   axisRange(axis),
			Data:        columns,
		}
	}

	return rec, nil
}

func axisRange(axis []any) TimeRange {
	var r TimeRange
	first := true
	for _, raw := range axis {
		t, ok := ToFloat(raw)
		if !ok {
			continue
		}
		if first {
			r.Start, r.End = t, t
			first = false
			continue
		}
		if t < r.Start {
			r.Start = t
		}
		if t > r.End {
			r.End = t
		}
	}
	return r
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
