package contextdoc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

var importantKeywords = []string{"error", "warning", "fail", "fault", "gps", "ekf", "armed", "disarmed", "land"}

// Overview builds the flight overview document seeded at ingest. Its presence
// also creates the log's document collection.
func Overview(rec *telemetry.LogRecord) *Document {
	filename := orUnknown(rec.Filename)
	vehicle := orUnknown(rec.Vehicle)

	msgTypes := make([]string, 0, len(rec.TimeSeries))
	for name := range rec.TimeSeries {
		msgTypes = append(msgTypes, name)
	}
	sort.Strings(msgTypes)

	totalSamples := 0
	var start, end float64
	first := true
	for _, name := range msgTypes {
		s := rec.TimeSeries[name]
		totalSamples += s.SampleCount
		if s.TimeRange.End <= s.TimeRange.Start {
			continue
		}
		if first || s.TimeRange.Start < start {
			start = s.TimeRange.Start
		}
		if first || s.TimeRange.End > end {
			end = s.TimeRange.End
		}
		first = false
	}
	duration := (end - start) / 1000

	modes := rec.FlightSummary.Modes
	phase := flightPhase(modes)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Flight Overview: %s\n", filename))
	sb.WriteString(fmt.Sprintf("Vehicle: %s\n", vehicle))
	sb.WriteString(fmt.Sprintf("Duration: %.1f seconds (%.1f minutes)\n", duration, duration/60))
	sb.WriteString(fmt.Sprintf("Flight Phase: %s\n\n", phase))

	sb.WriteString(fmt.Sprintf("Data Sources: %d message types\n", len(msgTypes)))
	shown := msgTypes
	more := ""
	if len(shown) > 5 {
		shown, more = shown[:5], "..."
	}
	sb.WriteString(fmt.Sprintf("- %s%s\n", strings.Join(shown, ", "), more))
	sb.WriteString(fmt.Sprintf("- Total Data Points: %d\n", totalSamples))

	sb.WriteString("\nFlight Characteristics:\n")
	switch {
	case len(modes) == 0:
		sb.WriteString("- No mode data available\n")
	case len(modes) == 1:
		sb.WriteString(fmt.Sprintf("- Single mode flight: %s\n", modes[0].Mode))
	default:
		sb.WriteString(fmt.Sprintf("- Mode transitions: %s -> %s\n", modes[0].Mode, modes[len(modes)-1].Mode))
		seq := make([]string, 0, len(modes)-1)
		for i := 0; i < len(modes)-1; i++ {
			seq = append(seq, fmt.Sprintf("%s (%.1fs)", modes[i].Mode, (modes[i+1].TimestampMS-modes[i].TimestampMS)/1000))
		}
		sb.WriteString(fmt.Sprintf("- Mode sequence: %s\n", strings.Join(seq, " -> ")))
	}

	sb.WriteString("\nSystem Health:\n")
	sb.WriteString(healthLines(rec.FlightSummary))

	if len(modes) > 0 {
		sb.WriteString("\nDetailed Mode Changes:\n")
		for i, m := range modes {
			suffix := ""
			if i < len(modes)-1 {
				suffix = fmt.Sprintf(" (for %.1fs)", (modes[i+1].TimestampMS-m.TimestampMS)/1000)
			}
			sb.WriteString(fmt.Sprintf("- %.1fs: %s%s\n", m.TimestampMS/1000, m.Mode, suffix))
		}
	}

	if important := importantMessages(rec.FlightSummary.TextMessages); len(important) > 0 {
		sb.WriteString("\nRecent Important Messages:\n")
		for _, m := range important {
			sb.WriteString(fmt.Sprintf("- %.1fs: %s\n", m.TimestampMS/1000, m.Text))
		}
	}

	return &Document{
		DocumentID:   rec.LogID + "_overview",
		DocumentType: TypeOverview,
		Title:        "Flight Overview - " + filename,
		Content:      strings.TrimSpace(sb.String()),
		Metadata: map[string]any{
			"filename":         filename,
			"vehicle":          vehicle,
			"duration_seconds": duration,
			"message_types":    msgTypes,
			"total_samples":    totalSamples,
			"mode_changes":     len(modes),
			"events":           len(rec.FlightSummary.Events),
			"text_messages":    len(rec.FlightSummary.TextMessages),
			"flight_phase":     phase,
			"log_id":           rec.LogID,
		},
		SearchableFields: []string{"vehicle", "flight_phase", "message_types"},
		UpdatedAt:        time.Now().UTC(),
	}
}

func flightPhase(modes []telemetry.ModeChange) string {
	if len(modes) == 0 {
		return "Unknown"
	}
	switch modes[0].Mode {
	case "LAND", "RTL":
		return "Landing/Return"
	case "TAKEOFF", "AUTO":
		return "Takeoff/Autonomous"
	case "LOITER", "GUIDED":
		return "Active Flight"
	case "STABILIZE", "ACRO":
		return "Manual Control"
	}
	return "Unknown"
}

func healthLines(fs telemetry.FlightSummary) string {
	var lines []string
	if len(fs.TextMessages) > 0 {
		errs, warns := 0, 0
		for _, m := range fs.TextMessages {
			text := strings.ToLower(m.Text)
			if strings.Contains(text, "error") {
				errs++
			}
			if strings.Contains(text, "warning") {
				warns++
			}
		}
		if errs > 0 {
			lines = append(lines, fmt.Sprintf("%d error messages", errs))
		}
		if warns > 0 {
			lines = append(lines, fmt.Sprintf("%d warning messages", warns))
		}
		if errs == 0 && warns == 0 {
			lines = append(lines, "No errors or warnings detected")
		}
	}
	if len(fs.Events) > 0 {
		lines = append(lines, fmt.Sprintf("%d flight events recorded", len(fs.Events)))
	}
	if len(lines) == 0 {
		return "- No health data available\n"
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString("- " + l + "\n")
	}
	return sb.String()
}

// importantMessages returns the last three text messages mentioning a
// keyword of interest.
func importantMessages(msgs []telemetry.TextMessage) []telemetry.TextMessage {
	var out []telemetry.TextMessage
	for _, m := range msgs {
		text := strings.ToLower(m.Text)
		for _, kw := range importantKeywords {
			if strings.Contains(text, kw) {
				out = append(out, m)
				break
			}
		}
	}
	if len(out) > 3 {
		out = out[len(out)-3:]
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
