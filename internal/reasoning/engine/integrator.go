package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/prompt"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/response"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// collected holds specialist payloads in consultation order.
type collected struct {
	order    []string
	payloads map[string][]expert.Result
}

func newCollected(order []string, payloads map[string][]expert.Result) *collected {
	c := &collected{payloads: make(map[string][]expert.Result, len(payloads))}
	c.add(order, payloads)
	return c
}

func (c *collected) add(order []string, payloads map[string][]expert.Result) {
	for _, id := range order {
		res, ok := payloads[id]
		if !ok {
			continue
		}
		if _, seen := c.payloads[id]; !seen {
			c.order = append(c.order, id)
		}
		c.payloads[id] = res
	}
}

// block renders every payload as "identity: json", each cut to an equal
// share of budget.
func (c *collected) block(budget int) (string, error) {
	per := tokens.Share(budget, len(c.order))
	lines := make([]string, 0, len(c.order))
	for _, id := range c.order {
		b, err := json.Marshal(c.payloads[id])
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", id, err)
		}
		lines = append(lines, id+": "+reasoning.Fit("expert_payload", string(b), per))
	}
	return strings.Join(lines, "\n"), nil
}

// additionalExperts returns the requested identities that are known and not
// yet consulted. Anything but a list of strings requests nothing.
func additionalExperts(p response.Payload, table *expert.Table, consulted map[string]bool) []string {
	if !p.IsStructured() {
		return nil
	}
	list, ok := p.Structured.AdditionalExperts.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		id, ok := table.Normalize(s)
		if !ok || consulted[id] {
			continue
		}
		consulted[id] = true
		out = append(out, id)
	}
	return out
}

// integrate runs the bounded integration loop. Each round cross-analyzes
// every payload collected so far. A round that requests new specialists
// dispatches them over the whole log and loops; otherwise, or when the
// round cap is reached, the last result is returned. A result that is not
// a JSON object ends the loop and is passed through as is.
func (e *engineImpl) integrate(ctx context.Context, run *Run, c *collected) (response.Payload, error) {
	table := e.specialists.Table()
	maxRounds := e.maxIntegrationRounds
	if maxRounds <= 0 {
		maxRounds = table.Len() + 1
	}
	consulted := make(map[string]bool, table.Len())
	for _, id := range c.order {
		consulted[id] = true
	}
	system := prompt.Integration(table.Identities())
	share := tokens.Share(e.maxInputTokens, 2)
	q := reasoning.Fit("question", run.Question, share)

	var last response.Payload
	for round := 1; ; round++ {
		start := time.Now()
		block, err := c.block(share)
		if err != nil {
			return response.Payload{}, err
		}
		text, err := e.complete(ctx, system, prompt.IntegrationInput(q, block))
		if err != nil {
			_ = e.audit.LogStage(ctx, run.ID, run.LogID, audit.EventIntegrationRound, AgentIntegration, time.Since(start), err)
			return response.Payload{}, fmt.Errorf("integration round %d: %w", round, err)
		}
		e.memory.AppendBestEffort(ctx, run.LogID, AgentIntegration, run.Question, text)
		e.addStep(run, AgentIntegration, fmt.Sprintf("round %d over %v", round, c.order), text)
		_ = e.audit.LogStage(ctx, run.ID, run.LogID, audit.EventIntegrationRound, AgentIntegration, time.Since(start), nil)

		last = response.Parse(text)
		if !last.IsStructured() {
			metrics.MalformedResponses.WithLabelValues(AgentIntegration).Inc()
			metrics.IntegrationRounds.Observe(float64(round))
			return last, nil
		}

		more := additionalExperts(last, table, consulted)
		if len(more) == 0 {
			metrics.IntegrationRounds.Observe(float64(round))
			return last, nil
		}
		if round >= maxRounds {
			metrics.IntegrationRounds.Observe(float64(round))
			metrics.IntegrationLoopBound.Inc()
			_ = e.audit.LogStage(ctx, run.ID, run.LogID, audit.EventLoopBoundReached, AgentIntegration, 0, nil)
			e.logger.Warn("integration stopped at round cap",
				zap.String("run_id", run.ID),
				zap.Int("rounds", round),
				zap.Strings("unserved", more),
			)
			return last, nil
		}

		payloads, err := e.consult(ctx, run, more, []telemetry.Window{telemetry.WholeLog}, "integration")
		if err != nil {
			return response.Payload{}, err
		}
		c.add(more, payloads)
	}
}
