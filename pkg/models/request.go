package models

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an OpenAI-compatible chat completion request with the
// gateway's routing extensions.
type ChatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []ChatMessage     `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      *int              `json:"max_tokens,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	ForceTier      string            `json:"force_tier,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// LastUserContent returns the content of the most recent user message, or the
// last message if none carries the user role.
func (r ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	if len(r.Messages) > 0 {
		return r.Messages[len(r.Messages)-1].Content
	}
	return ""
}

// EstimateTokens approximates the token count of a message sequence using the
// rough four-characters-per-token rule, plus per-message formatting overhead.
func EstimateTokens(messages []ChatMessage) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars/4 + len(messages)*4
}

// ChatResponse is an OpenAI-compatible chat completion response annotated
// with gateway routing metadata.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   Usage        `json:"usage"`
	Meta    *GatewayMeta `json:"gateway_meta,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage records token accounting from a provider response. The cache fields
// are populated by providers that support prompt-prefix caching and reduce
// the reported cost of the request.
type Usage struct {
	PromptTokens             int `json:"prompt_tokens"`
	CompletionTokens         int `json:"completion_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// CacheHit labels where a response was served from.
type CacheHit string

const (
	CacheHitNone     CacheHit = "none"
	CacheHitExact    CacheHit = "exact"
	CacheHitSemantic CacheHit = "semantic"
)

// GatewayMeta carries the routing annotation attached to every response.
type GatewayMeta struct {
	RequestID  string   `json:"request_id"`
	Tier       string   `json:"tier"`
	Provider   string   `json:"provider,omitempty"`
	CacheHit   CacheHit `json:"cache_hit"`
	Similarity float64  `json:"similarity,omitempty"`
	CostUSD    float64  `json:"cost_usd"`
	LatencyMs  int64    `json:"latency_ms"`
	Reason     string   `json:"routing_reason,omitempty"`
	Escalated  bool     `json:"escalated,omitempty"`
}
