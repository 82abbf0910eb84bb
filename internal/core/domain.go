package core

// Message is a single chat turn sent to an upstream provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Envelope is the normalised completion result every provider returns,
// whatever its wire protocol looks like. Cached responses are stored and
// replayed in this shape with CostUSD forced to zero.
type Envelope struct {
	Completion       string  `json:"completion"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Model            string  `json:"model"`
	CostUSD          float64 `json:"cost_usd"`
	Provider         string  `json:"provider"`
}

// TokenUsage is the token breakdown surfaced to API callers.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}
