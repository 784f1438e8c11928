package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routa/internal/bus"
	"routa/internal/domain"
	"routa/internal/store"
	"routa/internal/store/memory"
)

const testWorkspace = "ws-test"

func newCoordinationHarness(t *testing.T) (*Coordination, store.Stores, *bus.Bus) {
	t.Helper()
	stores := memory.NewStores()
	eventBus := bus.New(nil)
	return NewCoordination(stores, eventBus, nil), stores, eventBus
}

func seedAgent(t *testing.T, stores store.Stores, id string, role domain.Role, parentID string, status domain.AgentStatus) *domain.Agent {
	t.Helper()
	agent := &domain.Agent{
		ID:          id,
		WorkspaceID: testWorkspace,
		Name:        id,
		Role:        role,
		Status:      status,
		ParentID:    parentID,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, stores.Agents.Save(context.Background(), agent))
	return agent
}

func seedTask(t *testing.T, stores store.Stores, id string, status domain.TaskStatus, assignedTo string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          id,
		WorkspaceID: testWorkspace,
		Title:       "Task " + id,
		Status:      status,
		AssignedTo:  assignedTo,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, stores.Tasks.Save(context.Background(), task))
	return task
}

func TestRegisterCoordinationTools(t *testing.T) {
	coord, _, _ := newCoordinationHarness(t)
	reg := NewRegistry(nil)
	RegisterCoordinationTools(reg, coord)

	for _, name := range []string{"list_agents", "read_agent_conversation", "create_agent", "delegate", "message_agent", "report_to_parent"} {
		_, ok := reg.Get(name)
		require.True(t, ok, "tool %s not registered", name)
	}
}

func TestCreateAgentValidatesHierarchy(t *testing.T) {
	coord, stores, eventBus := newCoordinationHarness(t)
	tool := &createAgent{coord: coord}
	ctx := context.Background()

	sub := eventBus.Subscribe(testWorkspace)
	defer sub.Close()

	result := tool.Execute(ctx, map[string]any{
		"name": "planner", "role": "routa", "workspace_id": testWorkspace,
	})
	require.True(t, result.Success, result.Error)

	var created domain.Agent
	require.NoError(t, json.Unmarshal([]byte(result.Output), &created))
	require.Equal(t, domain.RoleRouta, created.Role)
	require.Equal(t, domain.AgentPending, created.Status)
	require.Equal(t, domain.TierSmart, created.ModelTier)

	stored, err := stores.Agents.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "planner", stored.Name)

	event := <-sub.Events()
	require.Equal(t, domain.EventAgentCreated, event.Kind)
	require.Equal(t, created.ID, event.AgentID)

	// Workers need a parent.
	result = tool.Execute(ctx, map[string]any{
		"name": "worker", "role": "CRAFTER", "workspace_id": testWorkspace,
	})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "requires a parent")

	result = tool.Execute(ctx, map[string]any{
		"name": "worker", "role": "CRAFTER", "workspace_id": testWorkspace, "parent_id": created.ID,
	})
	require.True(t, result.Success, result.Error)

	var crafter domain.Agent
	require.NoError(t, json.Unmarshal([]byte(result.Output), &crafter))
	require.Equal(t, domain.TierFast, crafter.ModelTier)

	// Parent must exist.
	result = tool.Execute(ctx, map[string]any{
		"name": "worker2", "role": "CRAFTER", "workspace_id": testWorkspace, "parent_id": "agent-ghost",
	})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "not found")
}

func TestListAgentsReturnsWorkspaceRoster(t *testing.T) {
	coord, stores, _ := newCoordinationHarness(t)
	seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)
	seedAgent(t, stores, "agent-crafter", domain.RoleCrafter, "agent-routa", domain.AgentPending)

	tool := &listAgents{coord: coord}
	result := tool.Execute(context.Background(), map[string]any{"workspace_id": testWorkspace})
	require.True(t, result.Success, result.Error)

	var views []agentView
	require.NoError(t, json.Unmarshal([]byte(result.Output), &views))
	require.Len(t, views, 2)
	require.Equal(t, "agent-routa", views[0].ID)
	require.Equal(t, "ROUTA", views[0].Role)
	require.Empty(t, views[0].ParentID)
	require.Equal(t, "agent-crafter", views[1].ID)
	require.Equal(t, "agent-routa", views[1].ParentID)

	result = tool.Execute(context.Background(), map[string]any{})
	require.False(t, result.Success)
}

func TestDelegateActivatesAgentAndTask(t *testing.T) {
	coord, stores, eventBus := newCoordinationHarness(t)
	seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)
	seedAgent(t, stores, "agent-crafter", domain.RoleCrafter, "agent-routa", domain.AgentPending)
	seedTask(t, stores, "task-1", domain.TaskPending, "")

	sub := eventBus.Subscribe(testWorkspace)
	defer sub.Close()

	tool := &delegateTask{coord: coord}
	ctx := context.Background()

	result := tool.Execute(ctx, map[string]any{
		"agent_id": "agent-crafter", "task_id": "task-1", "caller_agent_id": "agent-routa",
	})
	require.True(t, result.Success, result.Error)

	task, err := stores.Tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, task.Status)
	require.Equal(t, "agent-crafter", task.AssignedTo)

	agent, err := stores.Agents.Get(ctx, "agent-crafter")
	require.NoError(t, err)
	require.Equal(t, domain.AgentActive, agent.Status)

	var kinds []domain.EventKind
	for i := 0; i < 3; i++ {
		kinds = append(kinds, (<-sub.Events()).Kind)
	}
	require.Contains(t, kinds, domain.EventTaskDelegated)
	require.Contains(t, kinds, domain.EventTaskStatusChanged)
	require.Contains(t, kinds, domain.EventAgentStatusChanged)

	// A task can be delegated once.
	result = tool.Execute(ctx, map[string]any{"agent_id": "agent-crafter", "task_id": "task-1"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "only PENDING")

	result = tool.Execute(ctx, map[string]any{"agent_id": "agent-crafter", "task_id": "task-ghost"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "not found")
}

func TestMessageAgentPrefixesSender(t *testing.T) {
	coord, stores, _ := newCoordinationHarness(t)
	routa := seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)
	crafter := seedAgent(t, stores, "agent-crafter", domain.RoleCrafter, "agent-routa", domain.AgentActive)

	tool := &messageAgent{coord: coord}
	ctx := context.Background()

	result := tool.Execute(ctx, map[string]any{
		"from": routa.ID, "to": crafter.ID, "message": "focus on the parser first",
	})
	require.True(t, result.Success, result.Error)

	msgs, err := stores.Conversations.Conversation(ctx, crafter.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MessageRoleUser, msgs[0].Role)
	require.Equal(t, "[From agent-routa (ROUTA)]: focus on the parser first", msgs[0].Content)

	// Senders outside the hierarchy keep their raw identifier.
	result = tool.Execute(ctx, map[string]any{
		"from": "external", "to": routa.ID, "message": "new request",
	})
	require.True(t, result.Success, result.Error)

	msgs, err = stores.Conversations.Conversation(ctx, routa.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "[From external]: new request", msgs[0].Content)

	result = tool.Execute(ctx, map[string]any{"from": routa.ID, "to": "agent-ghost", "message": "hi"})
	require.False(t, result.Success)
}

func TestReportToParentCrafterOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		success    bool
		wantStatus domain.TaskStatus
	}{
		{"success moves task to review", true, domain.TaskReviewRequired},
		{"failure flags task for fixing", false, domain.TaskNeedsFix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord, stores, _ := newCoordinationHarness(t)
			seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)
			seedAgent(t, stores, "agent-crafter", domain.RoleCrafter, "agent-routa", domain.AgentActive)
			seedTask(t, stores, "task-1", domain.TaskInProgress, "agent-crafter")

			tool := &reportToParent{coord: coord}
			ctx := context.Background()

			result := tool.Execute(ctx, map[string]any{
				"agent_id": "agent-crafter",
				"report": map[string]any{
					"summary":        "implemented the parser",
					"success":        tt.success,
					"files_modified": []string{"internal/plan/parser.go"},
				},
			})
			require.True(t, result.Success, result.Error)

			task, err := stores.Tasks.Get(ctx, "task-1")
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, task.Status)
			require.Equal(t, "implemented the parser", task.CompletionSummary)

			agent, err := stores.Agents.Get(ctx, "agent-crafter")
			require.NoError(t, err)
			require.Equal(t, domain.AgentCompleted, agent.Status)

			msgs, err := stores.Conversations.Conversation(ctx, "agent-routa")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Contains(t, msgs[0].Content, "[Report from agent-crafter (CRAFTER)]")
			require.Contains(t, msgs[0].Content, "implemented the parser")
			require.Contains(t, msgs[0].Content, "internal/plan/parser.go")
		})
	}
}

func TestReportToParentGateVerdicts(t *testing.T) {
	coord, stores, _ := newCoordinationHarness(t)
	seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)
	seedAgent(t, stores, "agent-gate", domain.RoleGate, "agent-routa", domain.AgentActive)
	seedTask(t, stores, "task-1", domain.TaskReviewRequired, "agent-a")
	seedTask(t, stores, "task-2", domain.TaskReviewRequired, "agent-b")

	tool := &reportToParent{coord: coord}
	ctx := context.Background()

	result := tool.Execute(ctx, map[string]any{
		"agent_id": "agent-gate",
		"report": map[string]any{
			"summary": "reviewed both tasks",
			"success": true,
			"verdicts": []map[string]any{
				{"task_id": "task-1", "verdict": "APPROVED"},
				{"task_id": "task-2", "verdict": "NOT APPROVED", "report": "tests missing"},
			},
		},
	})
	require.True(t, result.Success, result.Error)

	approved, err := stores.Tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, approved.Status)
	require.Equal(t, domain.VerdictApproved, approved.VerificationVerdict)

	rejected, err := stores.Tasks.Get(ctx, "task-2")
	require.NoError(t, err)
	require.Equal(t, domain.TaskNeedsFix, rejected.Status)
	require.Equal(t, domain.VerdictNotApproved, rejected.VerificationVerdict)
	require.Equal(t, "tests missing", rejected.VerificationReport)

	gate, err := stores.Agents.Get(ctx, "agent-gate")
	require.NoError(t, err)
	require.Equal(t, domain.AgentCompleted, gate.Status)
}

func TestReportToParentGateSummaryVerdict(t *testing.T) {
	coord, stores, _ := newCoordinationHarness(t)
	seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)
	seedAgent(t, stores, "agent-gate", domain.RoleGate, "agent-routa", domain.AgentActive)
	seedTask(t, stores, "task-1", domain.TaskReviewRequired, "agent-a")

	tool := &reportToParent{coord: coord}
	result := tool.Execute(context.Background(), map[string]any{
		"agent_id": "agent-gate",
		"report":   map[string]any{"summary": "NOT APPROVED: error handling is incomplete"},
	})
	require.True(t, result.Success, result.Error)

	task, err := stores.Tasks.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskNeedsFix, task.Status)
	require.Equal(t, domain.VerdictNotApproved, task.VerificationVerdict)
}

func TestReportToParentRequiresParent(t *testing.T) {
	coord, stores, _ := newCoordinationHarness(t)
	seedAgent(t, stores, "agent-routa", domain.RoleRouta, "", domain.AgentActive)

	tool := &reportToParent{coord: coord}
	result := tool.Execute(context.Background(), map[string]any{
		"agent_id": "agent-routa",
		"report":   map[string]any{"summary": "done"},
	})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "has no parent")
}

func TestReadConversationSelectorsAndFiltering(t *testing.T) {
	coord, stores, _ := newCoordinationHarness(t)
	agent := seedAgent(t, stores, "agent-crafter", domain.RoleCrafter, "agent-routa", domain.AgentActive)
	ctx := context.Background()

	appendMsg := func(role domain.MessageRole, content string) {
		_, err := stores.Conversations.Append(ctx, &domain.Message{AgentID: agent.ID, Role: role, Content: content})
		require.NoError(t, err)
	}
	appendMsg(domain.MessageRoleUser, "implement the parser")
	appendMsg(domain.MessageRoleAssistant, "Working on it.\n<tool_call>{\"name\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}</tool_call>")
	appendMsg(domain.MessageRoleUser, "<tool_result>\n<tool_name>read_file</tool_name>\n<status>success</status>\n<output>package a</output>\n</tool_result>")
	appendMsg(domain.MessageRoleAssistant, "Done, the parser handles both forms.")

	tool := &readConversation{coord: coord}

	result := tool.Execute(ctx, map[string]any{"agent_id": agent.ID})
	require.True(t, result.Success, result.Error)
	var views []messageView
	require.NoError(t, json.Unmarshal([]byte(result.Output), &views))
	require.Len(t, views, 4)
	require.Equal(t, 1, views[0].Turn)

	result = tool.Execute(ctx, map[string]any{"agent_id": agent.ID, "last_n": 2})
	require.True(t, result.Success, result.Error)
	require.NoError(t, json.Unmarshal([]byte(result.Output), &views))
	require.Len(t, views, 2)
	require.Equal(t, 3, views[0].Turn)

	result = tool.Execute(ctx, map[string]any{"agent_id": agent.ID, "start_turn": 2, "end_turn": 3})
	require.True(t, result.Success, result.Error)
	require.NoError(t, json.Unmarshal([]byte(result.Output), &views))
	require.Len(t, views, 2)
	require.Equal(t, 2, views[0].Turn)

	result = tool.Execute(ctx, map[string]any{"agent_id": agent.ID, "include_tool_calls": false})
	require.True(t, result.Success, result.Error)
	require.NoError(t, json.Unmarshal([]byte(result.Output), &views))
	require.Len(t, views, 3)
	require.Equal(t, "implement the parser", views[0].Content)
	require.Equal(t, "Working on it.", views[1].Content)
	require.Equal(t, "Done, the parser handles both forms.", views[2].Content)

	result = tool.Execute(ctx, map[string]any{"agent_id": "agent-ghost"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "not found")
}
