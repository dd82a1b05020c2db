// Package reasoning defines the contract between the orchestration engine and
// the text-completion backend.
package reasoning

import (
	"context"

	"github.com/kubilitics/flightlog-ai/internal/metrics"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
)

// Client performs one reasoning call. The result may not be valid JSON even
// when JSON was requested; callers parse it with response.Parse.
type Client interface {
	Complete(ctx context.Context, system, user string, maxOutputTokens int) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, system, user string, maxOutputTokens int) (string, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, system, user string, maxOutputTokens int) (string, error) {
	return f(ctx, system, user, maxOutputTokens)
}

// Fit truncates one prompt fragment to maxTokens and counts the cut under
// the fragment's name.
func Fit(fragment, text string, maxTokens int) string {
	if tokens.Truncated(text, maxTokens) {
		metrics.LLMTruncations.WithLabelValues(fragment).Inc()
		return tokens.Truncate(text, maxTokens)
	}
	return text
}
