// Package tokens keeps prompt fragments inside the model's context window.
//
// Token counts are approximated from character counts (AvgCharsPerToken
// characters per token). Every fragment sent to a reasoning call goes through
// Truncate first; fragments that share one call split the budget with Share.
package tokens

import "unicode/utf8"

const (
	// MaxInputTokens is the default ceiling for any single prompt fragment.
	MaxInputTokens = 20000

	// MaxOutputTokens is the default completion ceiling for a reasoning call.
	MaxOutputTokens = 1024

	// AvgCharsPerToken is the character-per-token approximation.
	AvgCharsPerToken = 4

	ellipsis = "..."
)

// Truncate cuts text to at most maxTokens*AvgCharsPerToken characters,
// replacing the last three kept characters with "..." when it cuts.
// Empty text and a non-positive budget return text unchanged.
func Truncate(text string, maxTokens int) string {
	if text == "" || maxTokens <= 0 {
		return text
	}
	maxChars := maxTokens * AvgCharsPerToken
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	if maxChars <= len(ellipsis) {
		return prefix(text, maxChars)
	}
	return prefix(text, maxChars-len(ellipsis)) + ellipsis
}

// Truncated reports whether Truncate would change text.
func Truncated(text string, maxTokens int) bool {
	return text != "" && maxTokens > 0 && utf8.RuneCountInString(text) > maxTokens*AvgCharsPerToken
}

// Share splits total evenly across count fragments, never below one token.
func Share(total, count int) int {
	if count < 1 {
		count = 1
	}
	if per := total / count; per > 1 {
		return per
	}
	return 1
}

// Estimate approximates the token count of text.
func Estimate(text string) int {
	return (utf8.RuneCountInString(text) + AvgCharsPerToken - 1) / AvgCharsPerToken
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
