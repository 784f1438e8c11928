// Package store defines the persistence ports for agents, tasks and
// conversations. Implementations live in subpackages; callers depend only
// on these interfaces.
package store

import (
	"context"
	"errors"

	"routa/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist. Callers
// match it with errors.Is.
var ErrNotFound = errors.New("not found")

// AgentStore persists agent records.
type AgentStore interface {
	// Save upserts an agent. The stored copy is a snapshot; later mutations
	// of the argument do not leak into the store.
	Save(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id string) (*domain.Agent, error)
	// ListByWorkspace returns agents in creation order.
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Agent, error)
	UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error
}

// TaskStore persists task records.
type TaskStore interface {
	Save(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	// ListByWorkspace returns tasks in creation order.
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Task, error)
	ListByStatus(ctx context.Context, workspaceID string, status domain.TaskStatus) ([]*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	// Update applies a mutation atomically under the store's lock.
	Update(ctx context.Context, id string, mutate func(*domain.Task) error) error
}

// ConversationStore persists per-agent message history. Turn numbers are
// assigned on append and increase monotonically within an agent.
type ConversationStore interface {
	// Append stores a message, assigning its turn number, ID and timestamp
	// when unset, and returns the stored snapshot.
	Append(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	Conversation(ctx context.Context, agentID string) ([]*domain.Message, error)
	LastN(ctx context.Context, agentID string, n int) ([]*domain.Message, error)
	// ByTurnRange returns messages with startTurn <= turn <= endTurn.
	// Non-positive bounds default to the full range.
	ByTurnRange(ctx context.Context, agentID string, startTurn, endTurn int) ([]*domain.Message, error)
}

// Stores bundles the three ports for wiring convenience.
type Stores struct {
	Agents        AgentStore
	Tasks         TaskStore
	Conversations ConversationStore
}
