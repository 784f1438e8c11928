package domain

import "time"

// EventKind identifies the type of coordination event.
type EventKind string

const (
	EventAgentCreated       EventKind = "agent.created"
	EventAgentStatusChanged EventKind = "agent.status_changed"
	EventAgentCompleted     EventKind = "agent.completed"
	EventTaskDelegated      EventKind = "task.delegated"
	EventTaskStatusChanged  EventKind = "task.status_changed"
	EventMessageReceived    EventKind = "message.received"
)

// Event is the single coordination event type. Kind discriminates the
// variant; only the fields relevant to a kind are populated.
type Event struct {
	Kind        EventKind `json:"kind"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`

	AgentStatus AgentStatus `json:"agent_status,omitempty"`
	TaskStatus  TaskStatus  `json:"task_status,omitempty"`
	Role        Role        `json:"role,omitempty"`

	Content string    `json:"content,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Success bool      `json:"success,omitempty"`
	Time    time.Time `json:"time"`
}

// EventType satisfies subscribers that route on a string discriminator.
func (e Event) EventType() string { return string(e.Kind) }

// NewAgentCreatedEvent records a new agent joining the workspace.
func NewAgentCreatedEvent(agent *Agent) Event {
	return Event{
		Kind:        EventAgentCreated,
		WorkspaceID: agent.WorkspaceID,
		AgentID:     agent.ID,
		Role:        agent.Role,
		AgentStatus: agent.Status,
		Content:     agent.Name,
		Time:        time.Now(),
	}
}

// NewAgentStatusChangedEvent records an agent lifecycle transition.
func NewAgentStatusChangedEvent(workspaceID, agentID string, status AgentStatus) Event {
	return Event{
		Kind:        EventAgentStatusChanged,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		AgentStatus: status,
		Time:        time.Now(),
	}
}

// NewAgentCompletedEvent records an agent finishing with its report summary.
func NewAgentCompletedEvent(workspaceID, agentID, summary string, success bool) Event {
	return Event{
		Kind:        EventAgentCompleted,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		AgentStatus: AgentCompleted,
		Summary:     summary,
		Success:     success,
		Time:        time.Now(),
	}
}

// NewTaskDelegatedEvent records a task being handed to an agent.
func NewTaskDelegatedEvent(workspaceID, taskID, agentID string) Event {
	return Event{
		Kind:        EventTaskDelegated,
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		AgentID:     agentID,
		Time:        time.Now(),
	}
}

// NewTaskStatusChangedEvent records a task lifecycle transition.
func NewTaskStatusChangedEvent(workspaceID, taskID string, status TaskStatus) Event {
	return Event{
		Kind:        EventTaskStatusChanged,
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		TaskStatus:  status,
		Time:        time.Now(),
	}
}

// NewMessageReceivedEvent records an inter-agent message delivery.
func NewMessageReceivedEvent(workspaceID, from, to, content string) Event {
	return Event{
		Kind:        EventMessageReceived,
		WorkspaceID: workspaceID,
		From:        from,
		To:          to,
		Content:     content,
		Time:        time.Now(),
	}
}
