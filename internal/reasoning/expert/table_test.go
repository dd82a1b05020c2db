package expert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	assert.Equal(t, []string{"attitude", "gps", "ekf", "parameters"}, table.Identities())
	assert.Equal(t, 4, table.Len())

	tests := []struct {
		identity string
		message  string
		fields   []string
	}{
		{"attitude", "ATT", []string{"DesRoll", "Roll", "DesPitch", "Pitch", "DesYaw", "Yaw", "ErrRP", "ErrYaw", "AEKF"}},
		{"gps", "GPS[0]", []string{"I", "Status", "GMS", "GWk", "NSats", "HDop", "Lat", "Lng", "Alt", "Spd", "GCrs", "VZ", "Yaw", "U"}},
		{"ekf", "XKQ[0]", []string{"C", "Q1", "Q2", "Q3", "Q4"}},
		{"parameters", "PARM", []string{"Name", "Value", "Default"}},
	}
	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			sp, err := table.Lookup(tt.identity)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.message}, sp.Messages)
			assert.Equal(t, tt.fields, sp.Fields)
			assert.Equal(t, tt.identity, sp.DocumentFilter())
			assert.Contains(t, sp.Instruction, "Return ONLY valid JSON")
		})
	}
}

func TestNormalize(t *testing.T) {
	table := DefaultTable()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"gps", "gps", true},
		{" GPS ", "gps", true},
		{"expert:ekf", "ekf", true},
		{"Attitude Expert", "attitude", true},
		{"battery", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := table.Normalize(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := table.Lookup("battery")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestSignals(t *testing.T) {
	sp := Specialist{Identity: "x", Messages: []string{"A", "B"}, Fields: []string{"f1", "f2"}}
	assert.Equal(t, []telemetry.Signal{
		{Message: "A", Field: "f1"}, {Message: "A", Field: "f2"},
		{Message: "B", Field: "f1"}, {Message: "B", Field: "f2"},
	}, sp.Signals())
}

func TestNewTableValidation(t *testing.T) {
	valid := Specialist{Identity: "gps", Instruction: "i", Messages: []string{"GPS"}, Fields: []string{"NSats"}}
	tests := []struct {
		name  string
		specialists []Specialist
	}{
		{"empty", nil},
		{"missing identity", []Specialist{{Instruction: "i", Messages: []string{"m"}, Fields: []string{"f"}}}},
		{"missing instruction", []Specialist{{Identity: "a", Messages: []string{"m"}, Fields: []string{"f"}}}},
		{"missing messages", []Specialist{{Identity: "a", Instruction: "i", Fields: []string{"f"}}}},
		{"missing fields", []Specialist{{Identity: "a", Instruction: "i", Messages: []string{"m"}}}},
		{"duplicate", []Specialist{valid, {Identity: "GPS", Instruction: "i", Messages: []string{"m"}, Fields: []string{"f"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.specialists...)
			assert.Error(t, err)
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
experts:
  - identity: Vibration
    messages: [VIBE]
    fields: [VibeX, VibeY, VibeZ, Clip]
    context_filter: vib
    instruction: |
      You are the vibration expert.
`), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"vibration"}, table.Identities())

	sp, err := table.Lookup("vibration")
	require.NoError(t, err)
	assert.Equal(t, "vib", sp.DocumentFilter())
	assert.Equal(t, "You are the vibration expert.", sp.Instruction)

	def, err := LoadTable("")
	require.NoError(t, err)
	assert.Equal(t, 4, def.Len())

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
