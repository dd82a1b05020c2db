// Package prompt holds the system instructions of the non-specialist
// reasoning roles and the layout of every user message.
//
// Specialist instructions live in the expert table, not here, so they can be
// replaced per deployment or per test.
package prompt

import (
	"fmt"
	"strings"
)

// JSONOnly closes every instruction that expects structured output.
const JSONOnly = "Return ONLY valid JSON. Do not wrap in markdown code blocks or add any other text."

// ─── System prompts ───────────────────────────────────────────────────────────

const domainPreamble = "You are an expert in ArduPilot operations and vehicle diagnosis."

// General is the instruction of the general expert used when the planner
// requests no specialist.
const General = domainPreamble + `
You are the general expert. Focus on general flight data and related flight indicators.
Input has immutable flight data you must base and parse your response on.
Ensure you address the user question first, and then elaborate. Don't be too verbose.`

// Summarize is the instruction of the final, user-facing step.
const Summarize = `You are the summarize for user expert. Focus on summarizing the context and answering the question for the user.
Respond in a concise human readable format and feel free to be story telling. Use SI units and abbreviations where appropriate.
Give a summary of issues or findings with timestamps associated with each of them. Each should be its own paragraph and comes with a diagnostic and suggested cause.
Ensure you address the user question first, and then elaborate. No need to mention every expert explicitly, just a quick summary of what each expert found.
This is an executive summary, so don't be too verbose. Do not wrap in markdown code blocks or add any other text.
At the end, add a list of relevant timestamps and one sentence of each event. This can be used for the user to find easily in the flight plot. Keep it concise.`

// Planner renders the planner instruction for the given specialist identities.
func Planner(identities []string) string {
	return fmt.Sprintf(`%s
Given a question, decide the following and respond as a compact JSON object with the keys:
"requested_time_windows": [[timestamp_ms, window_ms], ...], array of pairs of a single point timestamp and a total window size of at most 100ms around it. Use [0, 10000000] if you need the full log or no timestamps are identified. Always in milliseconds and always include at least one pair.
"requested_experts": array of experts to call drawn from [%s]. Omit the key if the question is not related to any of the experts.
%s`, domainPreamble, quoteList(identities), JSONOnly)
}

// Integration renders the integration instruction. identities are the
// specialists that may still be requested through "additional_experts".
func Integration(identities []string) string {
	return fmt.Sprintf(`%s
You are the integration expert.
Reason and cross-analyze between the experts analysis and your own analysis. Do not modify the expert data.
Hypothesize about any patterns or correlations between the experts analysis and your own analysis.
Help the user solve the problem or provide additional context that might not be obvious.
"evidence": array of evidence citing the source from rag docs, flight data, and your own analysis.
"diagnostics": dictionary of diagnostics.
"suggested_cause": suggested cause of the issue.
"confidence": number between 0 and 1.
"additional_experts": optional array of experts not yet consulted whose analysis is required, drawn from [%s].
Ensure we're converging on actually answering the original question.
%s`, domainPreamble, quoteList(identities), JSONOnly)
}

// ─── User messages ────────────────────────────────────────────────────────────

// WithContext is the user message of the planner and the general expert.
func WithContext(question, context string) string {
	return fmt.Sprintf("Question: %s\n\nContext:\n%s", question, context)
}

// Expert is the user message of a specialist call.
func Expert(question, context, flightData string) string {
	return fmt.Sprintf("Question: %s\n\nContext:\n%s\n\nFlight Data:\n%s", question, context, flightData)
}

// IntegrationInput is the user message of an integration round.
func IntegrationInput(question, expertPayload string) string {
	return fmt.Sprintf("Question: %s\n\nExpert Responses:\n%s", question, expertPayload)
}

// SummarizeSystem appends the log's context to the Summarize instruction.
func SummarizeSystem(context string) string {
	return fmt.Sprintf("%s\n\nContext:\n%s", Summarize, context)
}

// SummarizeInput is the user message of the summarizer.
func SummarizeInput(question, result string) string {
	return fmt.Sprintf("Question: %s\n\nIntegration Result: %s", question, result)
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = `"` + s + `"`
	}
	return strings.Join(quoted, ",")
}
