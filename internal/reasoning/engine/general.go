package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/prompt"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
)

// General answers question with the general expert over every document of
// the log.
func (e *engineImpl) General(ctx context.Context, logID, question string) (string, error) {
	if err := validate(logID, question); err != nil {
		return "", err
	}
	ctx, cancel := e.withRunTimeout(ctx)
	defer cancel()

	start := time.Now()
	answer, err := e.general(ctx, &Run{LogID: logID, Question: question})
	_ = e.audit.LogStage(ctx, "", logID, audit.EventGeneralAnswer, AgentGeneral, time.Since(start), err)
	return answer, err
}

// Direct sends question as is, with no system instruction and no context.
func (e *engineImpl) Direct(ctx context.Context, logID, question string) (string, error) {
	if err := validate(logID, question); err != nil {
		return "", err
	}
	ctx, cancel := e.withRunTimeout(ctx)
	defer cancel()

	text, err := e.complete(ctx, "", reasoning.Fit("question", question, e.maxInputTokens))
	if err != nil {
		return "", fmt.Errorf("direct call: %w", err)
	}
	e.memory.AppendBestEffort(ctx, logID, AgentDirect, question, text)
	return text, nil
}

func (e *engineImpl) general(ctx context.Context, run *Run) (string, error) {
	docs, err := e.docs.Documents(ctx, run.LogID, "")
	if err != nil {
		return "", fmt.Errorf("context documents: %w", err)
	}

	share := tokens.Share(e.maxInputTokens, 2)
	user := prompt.WithContext(
		reasoning.Fit("question", run.Question, share),
		reasoning.Fit("general_context", contextdoc.Format(docs...), share),
	)

	text, err := e.complete(ctx, prompt.General, user)
	if err != nil {
		return "", fmt.Errorf("general expert call: %w", err)
	}
	e.memory.AppendBestEffort(ctx, run.LogID, AgentGeneral, run.Question, text)
	e.addStep(run, AgentGeneral, "answer", text)
	return text, nil
}

func validate(logID, question string) error {
	if strings.TrimSpace(logID) == "" {
		return fmt.Errorf("%w: log id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	return nil
}
