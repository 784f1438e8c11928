package domain

import "time"

// MessageRole identifies who produced a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
	MessageRoleTool      MessageRole = "TOOL"
)

// Message is one entry in an agent's conversation. Turn numbers are assigned
// by the conversation store and increase monotonically per agent.
type Message struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Turn      int         `json:"turn"`
	Timestamp time.Time   `json:"timestamp"`
}
