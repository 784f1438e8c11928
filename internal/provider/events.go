package provider

import (
	"time"
	"unicode/utf8"
)

// EventKind identifies a run event.
type EventKind string

const (
	// EventText is a chunk of clean assistant text, tool-call regions
	// already filtered out.
	EventText EventKind = "text"
	// EventThinking is a chunk of model reasoning, when the model emits it.
	EventThinking EventKind = "thinking"
	EventToolCallStarted   EventKind = "tool_call_started"
	EventToolCallCompleted EventKind = "tool_call_completed"
	EventToolCallFailed    EventKind = "tool_call_failed"
	// EventCompleted is terminal. Reason is one of "end",
	// "max_iterations" or "cancelled".
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Completion reasons.
const (
	ReasonEnd           = "end"
	ReasonMaxIterations = "max_iterations"
	ReasonCancelled     = "cancelled"
)

// Event is one normalized occurrence in an agent run. Only the fields
// relevant to the kind are populated.
type Event struct {
	Kind    EventKind `json:"kind"`
	AgentID string    `json:"agent_id"`

	Text string `json:"text,omitempty"`

	ToolName string         `json:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
	// Result carries the tool outcome truncated for transport. The full
	// result always lands in the conversation.
	Result string `json:"result,omitempty"`

	Reason string `json:"reason,omitempty"`
	Err    string `json:"error,omitempty"`
	// Recoverable marks transient failures a later iteration or a
	// retried run could clear.
	Recoverable bool      `json:"recoverable,omitempty"`
	Time        time.Time `json:"time"`
}

// EventHandler receives run events. Handlers must not block; slow
// consumers should buffer on their side.
type EventHandler func(Event)

// eventResultLimit caps tool results embedded in events.
const eventResultLimit = 2000

// truncateResult shortens s to the event payload cap on a rune boundary.
func truncateResult(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
