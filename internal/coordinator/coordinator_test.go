package coordinator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"routa/internal/bus"
	"routa/internal/domain"
	"routa/internal/store"
	"routa/internal/store/memory"
)

const twoTaskPlan = `Here is the plan.

@@@task
# Parse config
## Objective
Load configuration from YAML into a struct.
## Definition of Done
- config struct populated from routa.yaml
## Verification
- go test ./internal/config
@@@

@@@task
# Wire CLI
## Objective
Expose the run command on the binary.
@@@
`

const chainedJSONPlan = `{
  "strategy": "multi_agent",
  "max_parallelism": 2,
  "tasks": [
    {"title": "Parse config", "objective": "Load configuration."},
    {"title": "Wire CLI", "objective": "Expose the run command.", "dependencies": ["Parse config"], "parallel_group": 1}
  ]
}`

func newTestCoordinator(t *testing.T) (*Coordinator, store.Stores, *bus.Bus) {
	t.Helper()
	stores := memory.NewStores()
	eventBus := bus.New(nil)
	return New(stores, eventBus, nil), stores, eventBus
}

func setTaskStatus(t *testing.T, stores store.Stores, taskID string, status domain.TaskStatus) {
	t.Helper()
	err := stores.Tasks.Update(context.Background(), taskID, func(task *domain.Task) error {
		task.Status = status
		return nil
	})
	require.NoError(t, err)
}

func drainEvents(sub *bus.Subscription) []domain.Event {
	var events []domain.Event
	for {
		select {
		case event := <-sub.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestInitializeCreatesRouta(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	routaID, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	require.NotEmpty(t, routaID)

	routa, err := stores.Agents.Get(ctx, routaID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleRouta, routa.Role)
	require.Equal(t, domain.AgentActive, routa.Status)
	require.Equal(t, "routa", routa.Name)
	require.Empty(t, routa.ParentID)

	state := coord.State("ws-1")
	require.Equal(t, domain.PhasePlanning, state.Phase)
	require.Equal(t, routaID, state.RoutaAgentID)

	// A second initialize reuses the existing agent.
	again, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	require.Equal(t, routaID, again)

	agents, err := stores.Agents.ListByWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestRegisterTasksParsesPlan(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)

	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, err := stores.Tasks.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "Parse config", first.Title)
	require.Equal(t, domain.TaskPending, first.Status)
	require.Empty(t, first.AssignedTo)
	require.Equal(t, []string{"config struct populated from routa.yaml"}, first.AcceptanceCriteria)
	require.Equal(t, []string{"go test ./internal/config"}, first.VerificationCommands)

	second, err := stores.Tasks.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, "Wire CLI", second.Title)

	require.Equal(t, domain.PhaseReady, coord.State("ws-1").Phase)
}

func TestRegisterTasksEmptyPlanStaysReady(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	ids, err := coord.RegisterTasks(ctx, "ws-1", "I could not find anything to split up.")
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, domain.PhaseReady, coord.State("ws-1").Phase)
}

func TestRegisterTasksResolvesDependencies(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	ids, err := coord.RegisterTasks(ctx, "ws-1", chainedJSONPlan)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	second, err := stores.Tasks.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, []string{ids[0]}, second.Dependencies)
	require.Equal(t, 1, second.ParallelGroup)
}

func TestExecuteNextWaveSchedulesLowestGroup(t *testing.T) {
	coord, stores, eventBus := newTestCoordinator(t)
	ctx := context.Background()

	routaID, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)

	planText := `{
	  "max_parallelism": 2,
	  "tasks": [
	    {"title": "A", "objective": "first"},
	    {"title": "B", "objective": "second"},
	    {"title": "C", "objective": "third", "parallel_group": 1}
	  ]
	}`
	ids, err := coord.RegisterTasks(ctx, "ws-1", planText)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	sub := eventBus.Subscribe("ws-1")
	defer sub.Close()

	assignments, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	require.Equal(t, ids[0], assignments[0].TaskID)
	require.Equal(t, ids[1], assignments[1].TaskID)

	seen := make(map[string]bool)
	for _, assignment := range assignments {
		task, err := stores.Tasks.Get(ctx, assignment.TaskID)
		require.NoError(t, err)
		require.Equal(t, domain.TaskInProgress, task.Status)
		require.Equal(t, assignment.CrafterID, task.AssignedTo)
		require.False(t, seen[task.AssignedTo], "two tasks share a crafter")
		seen[task.AssignedTo] = true

		crafter, err := stores.Agents.Get(ctx, assignment.CrafterID)
		require.NoError(t, err)
		require.Equal(t, domain.RoleCrafter, crafter.Role)
		require.Equal(t, domain.AgentActive, crafter.Status)
		require.Equal(t, routaID, crafter.ParentID)
		require.Equal(t, domain.TierFast, crafter.ModelTier)
	}

	state := coord.State("ws-1")
	require.Equal(t, domain.PhaseExecuting, state.Phase)
	require.Equal(t, 1, state.CurrentWave)
	require.Equal(t, []string{ids[0], ids[1]}, state.ActiveTaskIDs)

	kinds := make(map[domain.EventKind]int)
	for _, event := range drainEvents(sub) {
		kinds[event.Kind]++
	}
	require.Equal(t, 2, kinds[domain.EventAgentCreated])
	require.Equal(t, 2, kinds[domain.EventTaskDelegated])

	// Group 1 only becomes eligible once group 0 is fully done.
	setTaskStatus(t, stores, ids[0], domain.TaskCompleted)
	setTaskStatus(t, stores, ids[1], domain.TaskCompleted)

	next, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, ids[2], next[0].TaskID)
	require.Equal(t, 2, coord.State("ws-1").CurrentWave)
}

func TestExecuteNextWaveHonorsDependencies(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	ids, err := coord.RegisterTasks(ctx, "ws-1", chainedJSONPlan)
	require.NoError(t, err)

	first, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, ids[0], first[0].TaskID)

	// The chain head is still in progress, so nothing is ready.
	stalled, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	require.Empty(t, stalled)

	setTaskStatus(t, stores, ids[0], domain.TaskCompleted)

	second, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, ids[1], second[0].TaskID)
}

func TestExecuteNextWaveClampsParallelism(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-wide")
	require.NoError(t, err)

	var tasks []string
	for i := 0; i < 7; i++ {
		tasks = append(tasks, fmt.Sprintf(`{"title": "T%d", "objective": "work"}`, i))
	}
	wide := fmt.Sprintf(`{"max_parallelism": 10, "tasks": [%s]}`, strings.Join(tasks, ", "))
	_, err = coord.RegisterTasks(ctx, "ws-wide", wide)
	require.NoError(t, err)

	assignments, err := coord.ExecuteNextWave(ctx, "ws-wide")
	require.NoError(t, err)
	require.Len(t, assignments, 5)

	// Zero parallelism clamps up to one.
	_, err = coord.Initialize(ctx, "ws-narrow")
	require.NoError(t, err)
	narrow := `{"max_parallelism": 0, "tasks": [{"title": "A", "objective": "x"}, {"title": "B", "objective": "y"}]}`
	_, err = coord.RegisterTasks(ctx, "ws-narrow", narrow)
	require.NoError(t, err)

	assignments, err = coord.ExecuteNextWave(ctx, "ws-narrow")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
}

func TestRegisterTasksHonorsParallelismCap(t *testing.T) {
	coord := New(memory.NewStores(), bus.New(nil), nil, WithParallelismCap(2))
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-cap")
	require.NoError(t, err)

	var tasks []string
	for i := 0; i < 4; i++ {
		tasks = append(tasks, fmt.Sprintf(`{"title": "T%d", "objective": "work"}`, i))
	}
	capped := fmt.Sprintf(`{"max_parallelism": 5, "tasks": [%s]}`, strings.Join(tasks, ", "))
	_, err = coord.RegisterTasks(ctx, "ws-cap", capped)
	require.NoError(t, err)

	assignments, err := coord.ExecuteNextWave(ctx, "ws-cap")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
}

func TestStartVerification(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	routaID, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)

	// Nothing is awaiting review yet.
	gateID, err := coord.StartVerification(ctx, "ws-1")
	require.NoError(t, err)
	require.Empty(t, gateID)
	require.Equal(t, domain.PhaseWaveComplete, coord.State("ws-1").Phase)

	setTaskStatus(t, stores, ids[0], domain.TaskReviewRequired)

	gateID, err = coord.StartVerification(ctx, "ws-1")
	require.NoError(t, err)
	require.NotEmpty(t, gateID)

	gate, err := stores.Agents.Get(ctx, gateID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleGate, gate.Role)
	require.Equal(t, routaID, gate.ParentID)
	require.Equal(t, domain.TierSmart, gate.ModelTier)

	state := coord.State("ws-1")
	require.Equal(t, domain.PhaseVerifying, state.Phase)
	require.Equal(t, gateID, state.GateAgentID)
}

func TestReconcileOutcomes(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)

	// Open tasks only: keep going.
	outcome, err := coord.Reconcile(ctx, "ws-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, outcome)

	// A rejected task is reset with its assignment cleared.
	err = stores.Tasks.Update(ctx, ids[0], func(task *domain.Task) error {
		task.Status = domain.TaskNeedsFix
		task.AssignedTo = "agent-gone"
		return nil
	})
	require.NoError(t, err)

	outcome, err = coord.Reconcile(ctx, "ws-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsFix, outcome)

	reset, err := stores.Tasks.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, reset.Status)
	require.Empty(t, reset.AssignedTo)
	require.Equal(t, domain.PhaseNeedsFix, coord.State("ws-1").Phase)

	// Everything completed finishes the workspace.
	setTaskStatus(t, stores, ids[0], domain.TaskCompleted)
	setTaskStatus(t, stores, ids[1], domain.TaskCompleted)

	outcome, err = coord.Reconcile(ctx, "ws-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, domain.PhaseCompleted, coord.State("ws-1").Phase)
	require.True(t, coord.State("ws-1").Phase.IsTerminal())
}

func TestBuildAgentContextCrafter(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)

	assignments, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, assignments, 1)

	text, err := coord.BuildAgentContext(ctx, assignments[0].CrafterID)
	require.NoError(t, err)
	require.Contains(t, text, "# Task: Parse config")
	require.Contains(t, text, "Task ID: "+ids[0])
	require.Contains(t, text, "## Definition of Done")
	require.Contains(t, text, "config struct populated from routa.yaml")
	require.Contains(t, text, "go test ./internal/config")

	// An agent with nothing in progress cannot be given a task context.
	routaID := coord.State("ws-1").RoutaAgentID
	orphan := &domain.Agent{ID: "agent-idle", WorkspaceID: "ws-1", Name: "idle",
		Role: domain.RoleCrafter, Status: domain.AgentPending, ParentID: routaID}
	require.NoError(t, stores.Agents.Save(ctx, orphan))
	_, err = coord.BuildAgentContext(ctx, "agent-idle")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no task in progress")
}

func TestBuildAgentContextGate(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)
	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)

	assignments, err := coord.ExecuteNextWave(ctx, "ws-1")
	require.NoError(t, err)
	crafterID := assignments[0].CrafterID

	// The crafter worked, reported, and left a conversation behind.
	_, err = stores.Conversations.Append(ctx, &domain.Message{
		AgentID: crafterID,
		Role:    domain.MessageRoleAssistant,
		Content: "Writing the loader now.\n<tool_call>\n{\"name\": \"write_file\", \"arguments\": {\"path\": \"config.go\"}}\n</tool_call>",
	})
	require.NoError(t, err)
	err = stores.Tasks.Update(ctx, ids[0], func(task *domain.Task) error {
		task.Status = domain.TaskReviewRequired
		task.CompletionSummary = "Implemented the YAML loader with defaults."
		return nil
	})
	require.NoError(t, err)

	gateID, err := coord.StartVerification(ctx, "ws-1")
	require.NoError(t, err)

	text, err := coord.BuildAgentContext(ctx, gateID)
	require.NoError(t, err)
	require.Contains(t, text, "# Verification round")
	require.Contains(t, text, "## Task "+ids[0])
	require.Contains(t, text, "config struct populated from routa.yaml")
	require.Contains(t, text, "Implemented the YAML loader with defaults.")
	require.Contains(t, text, "Writing the loader now.")
	require.NotContains(t, text, "<tool_call>")
}

func TestBuildAgentContextRouta(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	routaID, err := coord.Initialize(ctx, "ws-1")
	require.NoError(t, err)

	text, err := coord.BuildAgentContext(ctx, routaID)
	require.NoError(t, err)
	require.Contains(t, text, "No tasks registered yet.")

	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)

	text, err = coord.BuildAgentContext(ctx, routaID)
	require.NoError(t, err)
	require.Contains(t, text, ids[0])
	require.Contains(t, text, "[PENDING] Parse config")
}

func TestTaskSummaries(t *testing.T) {
	coord, stores, _ := newTestCoordinator(t)
	ctx := context.Background()

	ids, err := coord.RegisterTasks(ctx, "ws-1", twoTaskPlan)
	require.NoError(t, err)

	err = stores.Tasks.Update(ctx, ids[1], func(task *domain.Task) error {
		task.Status = domain.TaskNeedsFix
		task.VerificationVerdict = domain.VerdictNotApproved
		return nil
	})
	require.NoError(t, err)

	summaries, err := coord.TaskSummaries(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "Parse config", summaries[0].Title)
	require.Equal(t, domain.TaskPending, summaries[0].Status)
	require.Equal(t, domain.VerdictNotApproved, summaries[1].Verdict)
}
