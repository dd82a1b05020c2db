package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/prompt"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/response"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// Plan is the parsed planner decision.
type Plan struct {
	// Experts are the requested identities, normalized and de-duplicated.
	// Empty means the no-specialist path.
	Experts []string           `json:"experts"`
	Windows []telemetry.Window `json:"windows"`
	// Ignored holds requested names that are not known identities.
	Ignored []string         `json:"ignored,omitempty"`
	Payload response.Payload `json:"-"`
}

// HasExperts reports whether the plan dispatches any specialist.
func (p *Plan) HasExperts() bool { return len(p.Experts) > 0 }

// ParsePlan reads a planner payload. A missing or unusable
// requested_time_windows yields the whole log; a missing, empty or unknown
// requested_experts yields no experts. Windows are not checked against the
// log's coverage.
func ParsePlan(p response.Payload, table *expert.Table) *Plan {
	plan := &Plan{Payload: p}
	if p.IsStructured() {
		plan.Experts, plan.Ignored = parseExperts(p.Structured.Fields["requested_experts"], table)
		plan.Windows = parseWindows(p.Structured.Fields["requested_time_windows"])
	}
	if len(plan.Windows) == 0 {
		plan.Windows = []telemetry.Window{telemetry.WholeLog}
	}
	return plan
}

func parseExperts(v any, table *expert.Table) (known, ignored []string) {
	var names []any
	switch x := v.(type) {
	case []any:
		names = x
	case string:
		names = []any{x}
	default:
		return nil, nil
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		s, ok := n.(string)
		if !ok {
			ignored = append(ignored, fmt.Sprint(n))
			continue
		}
		id, ok := table.Normalize(s)
		if !ok {
			ignored = append(ignored, s)
			continue
		}
		if !seen[id] {
			seen[id] = true
			known = append(known, id)
		}
	}
	return known, ignored
}

// parseWindows accepts [[ts, w], ...], a single [ts, w] pair, or objects
// with timestamp_ms and window_ms keys. Malformed entries are dropped.
func parseWindows(v any) []telemetry.Window {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	if w, ok := pairWindow(list); ok {
		return []telemetry.Window{w}
	}
	var out []telemetry.Window
	for _, item := range list {
		switch x := item.(type) {
		case []any:
			if w, ok := pairWindow(x); ok {
				out = append(out, w)
			}
		case map[string]any:
			ts, ok1 := telemetry.ToFloat(x["timestamp_ms"])
			width, ok2 := telemetry.ToFloat(x["window_ms"])
			if ok1 && ok2 {
				out = append(out, telemetry.Window{TimestampMS: ts, WindowMS: width})
			}
		}
	}
	return out
}

func pairWindow(pair []any) (telemetry.Window, bool) {
	if len(pair) != 2 {
		return telemetry.Window{}, false
	}
	ts, ok1 := telemetry.ToFloat(pair[0])
	width, ok2 := telemetry.ToFloat(pair[1])
	if !ok1 || !ok2 {
		return telemetry.Window{}, false
	}
	return telemetry.Window{TimestampMS: ts, WindowMS: width}, true
}

// plan runs the planner over the log's documents followed by its chat
// history.
func (e *engineImpl) plan(ctx context.Context, run *Run) (*Plan, error) {
	docs, err := e.docs.Documents(ctx, run.LogID, "")
	if err != nil {
		return nil, fmt.Errorf("context documents: %w", err)
	}
	history, err := e.memory.Document(ctx, run.LogID)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	docs = append(contextdoc.WithoutType(docs, contextdoc.TypeChatHistory), history)

	share := tokens.Share(e.maxInputTokens, 2)
	user := prompt.WithContext(
		reasoning.Fit("question", run.Question, share),
		reasoning.Fit("planner_context", contextdoc.Format(docs...), share),
	)
	table := e.specialists.Table()

	text, err := e.complete(ctx, prompt.Planner(table.Identities()), user)
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}
	e.memory.AppendBestEffort(ctx, run.LogID, AgentPlanner, run.Question, text)

	payload := response.Parse(text)
	if !payload.IsStructured() {
		metrics.MalformedResponses.WithLabelValues(AgentPlanner).Inc()
	}
	plan := ParsePlan(payload, table)
	if len(plan.Ignored) > 0 {
		e.logger.Info("planner requested unknown experts",
			zap.String("run_id", run.ID),
			zap.Strings("ignored", plan.Ignored),
		)
	}

	e.mu.Lock()
	run.Plan = plan
	e.mu.Unlock()
	e.addStep(run, AgentPlanner, planSummary(plan), text)
	return plan, nil
}

func planSummary(p *Plan) string {
	if !p.HasExperts() {
		return "no experts requested"
	}
	return fmt.Sprintf("experts %v over %d window(s)", p.Experts, len(p.Windows))
}
