// Package types holds the provider-neutral request and response shapes
// shared by the LLM adapter and its provider clients.
package types

// Message is one turn of a chat-style request.
type Message struct {
	Role    string `json:"role"` // system, user or assistant
	Content string `json:"content"`
}

// CompletionRequest is a single reasoning call: an optional system
// instruction followed by one user message.
type CompletionRequest struct {
	System    string
	User      string
	MaxTokens int
}

// Messages renders the request as chat turns. An empty system instruction
// is omitted.
func (r CompletionRequest) Messages() []Message {
	msgs := make([]Message, 0, 2)
	if r.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.System})
	}
	return append(msgs, Message{Role: "user", Content: r.User})
}

// CompletionResponse is the text a provider returned plus what it cost.
type CompletionResponse struct {
	Text  string     `json:"text"`
	Model string     `json:"model"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption of one call. Providers that do not
// report usage leave it zero and the adapter estimates it.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}
