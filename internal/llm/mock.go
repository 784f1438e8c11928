package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned responses in order. It backs tests
// that drive the tool-call loop without a live endpoint.
type ScriptedClient struct {
	mu        sync.Mutex
	model     string
	responses []*CompletionResponse
	next      int
	requests  []CompletionRequest
}

// NewScriptedClient builds a client that returns one response per
// call, in order. Plain strings become assistant content with stop
// reason "stop".
func NewScriptedClient(responses ...string) *ScriptedClient {
	c := &ScriptedClient{model: "scripted"}
	for _, content := range responses {
		c.responses = append(c.responses, &CompletionResponse{
			Content:    content,
			StopReason: "stop",
			Usage:      TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		})
	}
	return c
}

// Enqueue appends a full response to the script.
func (c *ScriptedClient) Enqueue(resp *CompletionResponse) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return c
}

func (c *ScriptedClient) Model() string { return c.model }

// Ping always succeeds; the script needs no endpoint.
func (c *ScriptedClient) Ping(ctx context.Context) error { return ctx.Err() }

// Requests returns a snapshot of every request seen so far.
func (c *ScriptedClient) Requests() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CompletionRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// CallCount reports how many completions have been served.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *ScriptedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d responses", len(c.responses))
	}
	resp := c.responses[c.next]
	c.next++
	return resp, nil
}

// StreamComplete replays the next response in small chunks so stream
// filtering sees realistic token boundaries.
func (c *ScriptedClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnReasoningDelta != nil && resp.Reasoning != "" {
		for _, chunk := range chunkString(resp.Reasoning, 7) {
			callbacks.OnReasoningDelta(ContentDelta{Delta: chunk})
		}
	}
	if callbacks.OnContentDelta != nil {
		for _, chunk := range chunkString(resp.Content, 7) {
			callbacks.OnContentDelta(ContentDelta{Delta: chunk})
		}
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}
	return resp, nil
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var chunks []string
	for len(runes) > size {
		chunks = append(chunks, string(runes[:size]))
		runes = runes[size:]
	}
	return append(chunks, string(runes))
}

// ClientFunc adapts a function into a Client. Tests use it to route
// responses on request content when call order is not deterministic.
type ClientFunc struct {
	ModelName string
	Fn        func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

func (c *ClientFunc) Model() string {
	if c.ModelName == "" {
		return "func"
	}
	return c.ModelName
}

func (c *ClientFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return c.Fn(ctx, req)
}

func (c *ClientFunc) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	resp, err := c.Fn(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnContentDelta != nil {
		if resp.Content != "" {
			callbacks.OnContentDelta(ContentDelta{Delta: resp.Content})
		}
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}
	return resp, nil
}
