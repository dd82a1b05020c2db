package engine

import (
	"context"
	"fmt"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/prompt"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/response"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
)

// summarize writes the user-facing answer from the integration result. It
// is always the last reasoning call of a pipeline run.
func (e *engineImpl) summarize(ctx context.Context, run *Run, unified response.Payload) (string, error) {
	docs, err := e.docs.Documents(ctx, run.LogID, "")
	if err != nil {
		return "", fmt.Errorf("context documents: %w", err)
	}

	share := tokens.Share(e.maxInputTokens, 3)
	system := prompt.SummarizeSystem(reasoning.Fit("summary_context", contextdoc.Format(docs...), share))
	user := prompt.SummarizeInput(
		reasoning.Fit("question", run.Question, share),
		reasoning.Fit("integration_result", unified.Text(), share),
	)

	text, err := e.complete(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("summarizer call: %w", err)
	}
	e.memory.AppendBestEffort(ctx, run.LogID, AgentSummarizer, run.Question, text)
	e.addStep(run, AgentSummarizer, "answer", text)
	return text, nil
}
