package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uploadJSON = `{
  "filename": "00000042.BIN",
  "logType": "bin",
  "vehicle": "copter",
  "messages": {
    "ATT": {"time_boot_ms": [300, 100, 200], "Roll": [0.1, 0.2, 0.3]},
    "PARM": {"Name": ["A"], "Value": [1]},
    "GPS[0]": {"time_boot_ms": [], "NSats": []}
  },
  "flightModes": [[0, "STABILIZE"], [1500, "AUTO"]],
  "events": [[120, "ARMED"]],
  "textMessages": [[130, 6, "EKF3 IMU0 is using GPS"]],
  "parameters": {"changeArray": [[0, "WPNAV_SPEED", 500]]},
  "defaultParams": {"WPNAV_SPEED": 500},
  "lastTime": 300,
  "timestamp": "2025-03-01T12:00:00Z"
}`

func TestNormalize(t *testing.T) {
	var up Upload
	require.NoError(t, json.Unmarshal([]byte(uploadJSON), &up))

	rec, err := Normalize("log-42", &up)
	require.NoError(t, err)

	assert.Equal(t, "log-42", rec.LogID)
	assert.Equal(t, "copter", rec.Vehicle)
	assert.Equal(t, 300.0, rec.FlightDurationMS)

	require.Contains(t, rec.TimeSeries, "ATT")
	assert.NotContains(t, rec.TimeSeries, "PARM", "no time axis")
	assert.NotContains(t, rec.TimeSeries, "GPS[0]", "empty time axis")

	att := rec.TimeSeries["ATT"]
	assert.Equal(t, []string{"Roll", TimeAxis}, att.Fields)
	assert.Equal(t, 3, att.SampleCount)
	assert.Equal(t, TimeRange{Start: 100, End: 300}, att.TimeRange)

	assert.Equal(t, []ModeChange{{0, "STABILIZE"}, {1500, "AUTO"}}, rec.FlightSummary.Modes)
	assert.Equal(t, []FlightEvent{{120, "ARMED"}}, rec.FlightSummary.Events)
	assert.Equal(t, []TextMessage{{130, 6, "EKF3 IMU0 is using GPS"}}, rec.FlightSummary.TextMessages)
	assert.Len(t, rec.ParameterChanges(), 1)
}

func TestNormalizeDefaults(t *testing.T) {
	rec, err := Normalize("log-1", &Upload{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", rec.Filename)
	assert.Empty(t, rec.TimeSeries)
	assert.Nil(t, rec.ParameterChanges())

	_, err = Normalize("", &Upload{})
	assert.ErrorIs(t, err, ErrInvalidUpload)
	_, err = Normalize("log-1", nil)
	assert.ErrorIs(t, err, ErrInvalidUpload)
}

func TestFlightSummaryTupleRoundTrip(t *testing.T) {
	in := FlightSummary{
		Modes:        []ModeChange{{TimestampMS: 10, Mode: "RTL"}},
		TextMessages: []TextMessage{{TimestampMS: 20, Severity: 4, Text: "Bad compass health"}},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"modes":[[10,"RTL"]]`)

	var out FlightSummary
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.Modes, out.Modes)
	assert.Equal(t, in.TextMessages, out.TextMessages)
}
