// Package memory provides in-memory store implementations used by the CLI
// run mode and by tests. All methods hand out snapshots, so callers can
// mutate returned values freely.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"routa/internal/domain"
	"routa/internal/store"
	"routa/internal/utils/id"
)

// NewStores creates a fresh in-memory store bundle.
func NewStores() store.Stores {
	return store.Stores{
		Agents:        NewAgentStore(),
		Tasks:         NewTaskStore(),
		Conversations: NewConversationStore(),
	}
}

// AgentStore is an in-memory agent store.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
	order  []string
}

// NewAgentStore creates an empty agent store.
func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]*domain.Agent)}
}

// Save upserts an agent snapshot.
func (s *AgentStore) Save(ctx context.Context, agent *domain.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *agent
	if _, exists := s.agents[agent.ID]; !exists {
		s.order = append(s.order, agent.ID)
	}
	s.agents[agent.ID] = &clone
	return nil
}

// Get returns a snapshot of the agent.
func (s *AgentStore) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	clone := *agent
	return &clone, nil
}

// ListByWorkspace returns the workspace's agents in creation order.
func (s *AgentStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Agent
	for _, agentID := range s.order {
		agent := s.agents[agentID]
		if agent.WorkspaceID != workspaceID {
			continue
		}
		clone := *agent
		result = append(result, &clone)
	}
	return result, nil
}

// UpdateStatus transitions an agent and touches its updated timestamp.
func (s *AgentStore) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	agent.Status = status
	agent.UpdatedAt = time.Now()
	return nil
}

// TaskStore is an in-memory task store.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	order []string
}

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*domain.Task)}
}

// Save upserts a task snapshot.
func (s *TaskStore) Save(ctx context.Context, task *domain.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a snapshot of the task.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return task.Clone(), nil
}

// ListByWorkspace returns the workspace's tasks in creation order.
func (s *TaskStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Task
	for _, taskID := range s.order {
		task := s.tasks[taskID]
		if task.WorkspaceID != workspaceID {
			continue
		}
		result = append(result, task.Clone())
	}
	return result, nil
}

// ListByStatus returns the workspace's tasks with the given status, in
// creation order.
func (s *TaskStore) ListByStatus(ctx context.Context, workspaceID string, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Task
	for _, taskID := range s.order {
		task := s.tasks[taskID]
		if task.WorkspaceID != workspaceID || task.Status != status {
			continue
		}
		result = append(result, task.Clone())
	}
	return result, nil
}

// UpdateStatus transitions a task and touches its updated timestamp.
func (s *TaskStore) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	return s.Update(ctx, taskID, func(task *domain.Task) error {
		task.Status = status
		return nil
	})
}

// Update applies a mutation atomically.
func (s *TaskStore) Update(ctx context.Context, taskID string, mutate func(*domain.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err := mutate(task); err != nil {
		return err
	}
	task.UpdatedAt = time.Now()
	return nil
}

// ConversationStore is an in-memory conversation store.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string][]*domain.Message
}

// NewConversationStore creates an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{conversations: make(map[string][]*domain.Message)}
}

// Append stores a message, assigning turn, ID and timestamp when unset.
func (s *ConversationStore) Append(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if msg == nil || msg.AgentID == "" {
		return nil, fmt.Errorf("message must have an agent ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	if stored.ID == "" {
		stored.ID = id.NewMessageID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	stored.Turn = len(s.conversations[msg.AgentID]) + 1

	s.conversations[msg.AgentID] = append(s.conversations[msg.AgentID], &stored)

	clone := stored
	return &clone, nil
}

// Conversation returns the agent's full history in turn order.
func (s *ConversationStore) Conversation(ctx context.Context, agentID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.conversations[agentID]), nil
}

// LastN returns the most recent n messages in turn order.
func (s *ConversationStore) LastN(ctx context.Context, agentID string, n int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.conversations[agentID]
	if n <= 0 || n >= len(conv) {
		return cloneMessages(conv), nil
	}
	return cloneMessages(conv[len(conv)-n:]), nil
}

// ByTurnRange returns messages with startTurn <= turn <= endTurn.
func (s *ConversationStore) ByTurnRange(ctx context.Context, agentID string, startTurn, endTurn int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.conversations[agentID]
	if startTurn <= 0 {
		startTurn = 1
	}
	if endTurn <= 0 || endTurn > len(conv) {
		endTurn = len(conv)
	}
	if startTurn > endTurn {
		return nil, nil
	}
	// Turns are dense and 1-based, so the range maps directly to indices.
	return cloneMessages(conv[startTurn-1 : endTurn]), nil
}

func cloneMessages(msgs []*domain.Message) []*domain.Message {
	if len(msgs) == 0 {
		return nil
	}
	result := make([]*domain.Message, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		result[i] = &clone
	}
	return result
}
