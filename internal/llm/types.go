// Package llm provides access to chat-completion models over the
// OpenAI-compatible wire protocol. Tool use is text-based: requests
// carry plain messages and the orchestration layer parses tool calls
// out of the returned text, so any endpoint speaking this protocol
// works unmodified.
package llm

import "context"

// Wire-level message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry in model wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest contains all parameters for a completion.
type CompletionRequest struct {
	Messages      []Message      `json:"messages"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StopSequences []string       `json:"stop,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse is the aggregated model reply.
type CompletionResponse struct {
	Content    string         `json:"content"`
	Reasoning  string         `json:"reasoning,omitempty"`
	StopReason string         `json:"stop_reason"`
	Usage      TokenUsage     `json:"usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks token consumption per request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContentDelta is one streamed increment. Final marks end of stream.
type ContentDelta struct {
	Delta string
	Final bool
}

// StreamCallbacks receive incremental output during StreamComplete.
// Any callback may be nil.
type StreamCallbacks struct {
	OnContentDelta   func(ContentDelta)
	OnReasoningDelta func(ContentDelta)
}

// Client is any chat-completion model endpoint.
type Client interface {
	// Complete sends messages and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamComplete streams deltas through callbacks while building
	// the same aggregated response Complete would return.
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)

	// Model returns the model identifier.
	Model() string
}

// UsageCallback observes per-request token consumption.
type UsageCallback func(usage TokenUsage, model string)

// UsageTrackingClient is implemented by clients that can report usage.
type UsageTrackingClient interface {
	Client
	SetUsageCallback(UsageCallback)
}

// Pinger is implemented by clients that can probe endpoint
// reachability without spending tokens.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries endpoint settings for HTTP-based clients.
type Config struct {
	APIKey  string
	BaseURL string
	// Timeout is the total request timeout in seconds.
	Timeout    int
	Headers    map[string]string
	MaxRetries int
}
