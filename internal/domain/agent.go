// Package domain defines the entities shared across the coordination system:
// agents, tasks, conversation messages, completion reports and the
// coordination state machine. Stores and transports depend on this package,
// never the other way around.
package domain

import (
	"fmt"
	"time"
)

// Role identifies what an agent does in the hierarchy.
type Role string

const (
	// RoleRouta is the planner and coordinator at the root of the hierarchy.
	RoleRouta Role = "ROUTA"
	// RoleCrafter executes a single delegated task.
	RoleCrafter Role = "CRAFTER"
	// RoleGate verifies completed work and issues verdicts.
	RoleGate Role = "GATE"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleRouta, RoleCrafter, RoleGate:
		return true
	}
	return false
}

// AgentStatus represents the lifecycle of an agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "PENDING"
	AgentActive    AgentStatus = "ACTIVE"
	AgentCompleted AgentStatus = "COMPLETED"
	AgentError     AgentStatus = "ERROR"
	AgentCancelled AgentStatus = "CANCELLED"
)

// IsTerminal reports whether the agent can do no further work.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentError, AgentCancelled:
		return true
	}
	return false
}

// ModelTier selects which model an agent runs on.
type ModelTier string

const (
	// TierSmart is the stronger, slower model used for planning and review.
	TierSmart ModelTier = "SMART"
	// TierFast is the cheaper model used for routine execution.
	TierFast ModelTier = "FAST"
)

// Agent is one participant in a workspace. ROUTA agents sit at the root;
// CRAFTER and GATE agents always hang off a parent.
type Agent struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	Name        string      `json:"name"`
	Role        Role        `json:"role"`
	Status      AgentStatus `json:"status"`
	ParentID    string      `json:"parent_id,omitempty"`
	ModelTier   ModelTier   `json:"model_tier,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ValidateHierarchy enforces the parent rules: ROUTA agents are roots,
// CRAFTER and GATE agents require a parent.
func ValidateHierarchy(role Role, parentID string) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role: %s", role)
	}
	if role == RoleRouta && parentID != "" {
		return fmt.Errorf("ROUTA agent cannot have a parent")
	}
	if role != RoleRouta && parentID == "" {
		return fmt.Errorf("%s agent requires a parent", role)
	}
	return nil
}

// DefaultTier returns the model tier used for a role when none is requested.
func DefaultTier(role Role) ModelTier {
	if role == RoleCrafter {
		return TierFast
	}
	return TierSmart
}
