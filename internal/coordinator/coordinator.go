// Package coordinator owns the per-workspace scheduling state machine: wave
// selection over the task graph, agent creation for each role, and the
// store-backed reconciliation that decides whether a workspace is finished,
// needs a fix wave, or should keep waiting on dependencies.
//
// The stores are the source of truth throughout. Events raced through the
// bus are advisory; every scheduling decision re-reads task status from the
// store, which removes the race between agent tool calls and the driver.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"routa/internal/bus"
	"routa/internal/domain"
	"routa/internal/logging"
	"routa/internal/plan"
	"routa/internal/store"
	"routa/internal/token"
	"routa/internal/toolcall"
	"routa/internal/utils/id"
)

const (
	// defaultConversationTail is how many recent crafter messages the GATE
	// context includes per reviewed task.
	defaultConversationTail = 5

	// contextMessageTokenCap bounds each quoted conversation message so one
	// verbose crafter cannot crowd out the other tasks under review.
	contextMessageTokenCap = 150
)

// Assignment pairs a freshly created CRAFTER with the task delegated to it.
type Assignment struct {
	CrafterID string
	TaskID    string
}

// Outcome reports what verdict reconciliation concluded for a workspace.
type Outcome int

const (
	// OutcomeContinue means open tasks remain and scheduling should proceed.
	OutcomeContinue Outcome = iota
	// OutcomeNeedsFix means rejected tasks were reset for another wave.
	OutcomeNeedsFix
	// OutcomeCompleted means every task reached COMPLETED.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNeedsFix:
		return "needs_fix"
	case OutcomeCompleted:
		return "completed"
	default:
		return "continue"
	}
}

// TaskSummary is one row of the workspace task snapshot.
type TaskSummary struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Status  domain.TaskStatus `json:"status"`
	Verdict domain.Verdict    `json:"verdict,omitempty"`
}

type workspaceState struct {
	phase          domain.Phase
	wave           int
	routaAgentID   string
	gateAgentID    string
	activeTaskIDs  []string
	maxParallelism int
}

// Coordinator drives scheduling for any number of workspaces. All methods
// are safe for concurrent use; no lock is held across store calls.
type Coordinator struct {
	stores store.Stores
	bus    *bus.Bus
	parser *plan.Parser
	logger logging.Logger

	conversationTail int
	parallelismCap   int

	mu     sync.Mutex
	states map[string]*workspaceState
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConversationTail overrides how many trailing crafter messages are
// quoted in GATE verification contexts.
func WithConversationTail(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.conversationTail = n
		}
	}
}

// WithParallelismCap bounds the parallelism a plan may request, below the
// protocol ceiling. Zero leaves plans clamped only by the protocol range.
func WithParallelismCap(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.parallelismCap = n
		}
	}
}

// New builds a Coordinator over the given stores. The event bus may be nil
// when no subscriber cares about lifecycle events.
func New(stores store.Stores, eventBus *bus.Bus, logger logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		stores:           stores,
		bus:              eventBus,
		parser:           plan.NewParser(logger),
		logger:           logging.OrNop(logger),
		conversationTail: defaultConversationTail,
		states:           make(map[string]*workspaceState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) emit(event domain.Event) {
	if c.bus != nil {
		c.bus.Emit(event)
	}
}

// stateLocked returns the workspace entry, creating an IDLE one on first
// touch. Callers must hold c.mu.
func (c *Coordinator) stateLocked(workspaceID string) *workspaceState {
	st, ok := c.states[workspaceID]
	if !ok {
		st = &workspaceState{phase: domain.PhaseIdle, maxParallelism: plan.DefaultParallelism}
		c.states[workspaceID] = st
	}
	return st
}

func (c *Coordinator) setPhase(workspaceID string, phase domain.Phase) {
	c.mu.Lock()
	c.stateLocked(workspaceID).phase = phase
	c.mu.Unlock()
}

// State returns a snapshot of the workspace's coordination position. An
// untouched workspace reports IDLE.
func (c *Coordinator) State(workspaceID string) domain.CoordinationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[workspaceID]
	if !ok {
		return domain.CoordinationState{WorkspaceID: workspaceID, Phase: domain.PhaseIdle}
	}
	return domain.CoordinationState{
		WorkspaceID:   workspaceID,
		Phase:         st.phase,
		CurrentWave:   st.wave,
		ActiveTaskIDs: append([]string(nil), st.activeTaskIDs...),
		RoutaAgentID:  st.routaAgentID,
		GateAgentID:   st.gateAgentID,
	}
}

// Initialize ensures the workspace has a ROUTA agent and moves the phase to
// PLANNING. Calling it again reuses the existing ROUTA.
func (c *Coordinator) Initialize(ctx context.Context, workspaceID string) (string, error) {
	agents, err := c.stores.Agents.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}

	routaID := ""
	for _, agent := range agents {
		if agent.Role == domain.RoleRouta {
			routaID = agent.ID
			break
		}
	}
	if routaID == "" {
		routa, err := c.createAgent(ctx, workspaceID, domain.RoleRouta, "")
		if err != nil {
			return "", err
		}
		if err := c.stores.Agents.UpdateStatus(ctx, routa.ID, domain.AgentActive); err != nil {
			return "", fmt.Errorf("activate routa: %w", err)
		}
		c.emit(domain.NewAgentStatusChangedEvent(workspaceID, routa.ID, domain.AgentActive))
		routaID = routa.ID
	}

	c.mu.Lock()
	st := c.stateLocked(workspaceID)
	st.phase = domain.PhasePlanning
	st.routaAgentID = routaID
	c.mu.Unlock()

	c.logger.Info("coordinator: workspace %s planning with %s", workspaceID, routaID)
	return routaID, nil
}

// RegisterTasks parses a plan and persists one PENDING task per block, in
// parse order. Dependencies written as titles or 1-based positions are
// resolved to task IDs; anything unresolvable is dropped with a warning.
// The phase becomes READY even for an empty plan, so the driver can decide
// there is nothing to do.
func (c *Coordinator) RegisterTasks(ctx context.Context, workspaceID, planText string) ([]string, error) {
	parsed := c.parser.ParsePlan(planText)

	specs := parsed.Tasks
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = id.NewTaskID()
	}

	now := time.Now()
	taskIDs := make([]string, 0, len(specs))
	for i, spec := range specs {
		task := &domain.Task{
			ID:                   ids[i],
			WorkspaceID:          workspaceID,
			Title:                spec.Title,
			Objective:            spec.Objective,
			Scope:                spec.Scope,
			AcceptanceCriteria:   spec.AcceptanceCriteria,
			VerificationCommands: spec.VerificationCommands,
			Status:               domain.TaskPending,
			Dependencies:         c.resolveDependencies(spec.Dependencies, specs, ids, i),
			ParallelGroup:        spec.ParallelGroup,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := c.stores.Tasks.Save(ctx, task); err != nil {
			return taskIDs, fmt.Errorf("save task %q: %w", spec.Title, err)
		}
		taskIDs = append(taskIDs, task.ID)
	}

	parallelism := plan.ClampParallelism(parsed.MaxParallelism)
	if c.parallelismCap > 0 && parallelism > c.parallelismCap {
		parallelism = c.parallelismCap
	}

	c.mu.Lock()
	st := c.stateLocked(workspaceID)
	st.phase = domain.PhaseReady
	st.maxParallelism = parallelism
	c.mu.Unlock()

	c.logger.Info("coordinator: registered %d tasks in %s (parallelism %d)",
		len(taskIDs), workspaceID, parallelism)
	return taskIDs, nil
}

// resolveDependencies maps plan-level dependency references onto generated
// task IDs. References match either a sibling title (case-insensitive) or a
// 1-based position in the plan. Self references and unknowns are dropped.
func (c *Coordinator) resolveDependencies(deps []string, specs []plan.TaskSpec, ids []string, self int) []string {
	if len(deps) == 0 {
		return nil
	}
	resolved := make([]string, 0, len(deps))
	for _, dep := range deps {
		ref := strings.TrimSpace(dep)
		match := -1
		for i, spec := range specs {
			if strings.EqualFold(spec.Title, ref) {
				match = i
				break
			}
		}
		if match < 0 {
			var position int
			if _, err := fmt.Sscanf(ref, "%d", &position); err == nil && position >= 1 && position <= len(specs) {
				match = position - 1
			}
		}
		if match < 0 || match == self {
			c.logger.Warn("coordinator: dropping unresolvable dependency %q of task %q", dep, specs[self].Title)
			continue
		}
		resolved = append(resolved, ids[match])
	}
	return resolved
}

// ExecuteNextWave picks the ready tasks of the lowest parallel group, caps
// them at the workspace's parallelism, creates one CRAFTER per task and
// delegates. It returns the pairs in assignment order; an empty result
// means nothing was ready.
func (c *Coordinator) ExecuteNextWave(ctx context.Context, workspaceID string) ([]Assignment, error) {
	routaID, err := c.routaAgent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	tasks, err := c.stores.Tasks.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	done := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.Status == domain.TaskCompleted {
			done[task.ID] = true
		}
	}
	var ready []*domain.Task
	for _, task := range tasks {
		if task.Ready(done) {
			ready = append(ready, task)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	group := ready[0].ParallelGroup
	for _, task := range ready[1:] {
		if task.ParallelGroup < group {
			group = task.ParallelGroup
		}
	}
	picked := ready[:0:0]
	for _, task := range ready {
		if task.ParallelGroup == group {
			picked = append(picked, task)
		}
	}
	if limit := c.parallelism(workspaceID); len(picked) > limit {
		picked = picked[:limit]
	}

	assignments := make([]Assignment, 0, len(picked))
	taskIDs := make([]string, 0, len(picked))
	for _, task := range picked {
		crafter, err := c.createAgent(ctx, workspaceID, domain.RoleCrafter, routaID)
		if err != nil {
			return assignments, err
		}
		if err := c.delegate(ctx, task, crafter); err != nil {
			return assignments, err
		}
		assignments = append(assignments, Assignment{CrafterID: crafter.ID, TaskID: task.ID})
		taskIDs = append(taskIDs, task.ID)
	}

	c.mu.Lock()
	st := c.stateLocked(workspaceID)
	st.phase = domain.PhaseExecuting
	st.wave++
	st.activeTaskIDs = taskIDs
	wave := st.wave
	c.mu.Unlock()

	c.logger.Info("coordinator: wave %d in %s, group %d, %d tasks", wave, workspaceID, group, len(assignments))
	return assignments, nil
}

// StartVerification creates a GATE agent when any task awaits review and
// moves the phase to VERIFYING. With nothing to review it reports
// WAVE_COMPLETE and returns an empty ID.
func (c *Coordinator) StartVerification(ctx context.Context, workspaceID string) (string, error) {
	review, err := c.stores.Tasks.ListByStatus(ctx, workspaceID, domain.TaskReviewRequired)
	if err != nil {
		return "", fmt.Errorf("list review tasks: %w", err)
	}
	if len(review) == 0 {
		c.setPhase(workspaceID, domain.PhaseWaveComplete)
		return "", nil
	}

	routaID, err := c.routaAgent(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	gate, err := c.createAgent(ctx, workspaceID, domain.RoleGate, routaID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	st := c.stateLocked(workspaceID)
	st.phase = domain.PhaseVerifying
	st.gateAgentID = gate.ID
	c.mu.Unlock()

	c.logger.Info("coordinator: verification of %d tasks in %s by %s", len(review), workspaceID, gate.ID)
	return gate.ID, nil
}

// Reconcile reads task statuses and settles the round: every task COMPLETED
// finishes the workspace, any NEEDS_FIX task is reset to PENDING with its
// assignment cleared for the next wave, and otherwise coordination simply
// continues.
func (c *Coordinator) Reconcile(ctx context.Context, workspaceID string) (Outcome, error) {
	tasks, err := c.stores.Tasks.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return OutcomeContinue, fmt.Errorf("list tasks: %w", err)
	}

	allCompleted := len(tasks) > 0
	var fixes []*domain.Task
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted {
			allCompleted = false
		}
		if task.Status == domain.TaskNeedsFix {
			fixes = append(fixes, task)
		}
	}

	if allCompleted {
		c.setPhase(workspaceID, domain.PhaseCompleted)
		c.logger.Info("coordinator: workspace %s completed", workspaceID)
		return OutcomeCompleted, nil
	}
	if len(fixes) == 0 {
		return OutcomeContinue, nil
	}

	for _, task := range fixes {
		err := c.stores.Tasks.Update(ctx, task.ID, func(t *domain.Task) error {
			t.Status = domain.TaskPending
			t.AssignedTo = ""
			return nil
		})
		if err != nil {
			return OutcomeNeedsFix, fmt.Errorf("reset task %s: %w", task.ID, err)
		}
		c.emit(domain.NewTaskStatusChangedEvent(workspaceID, task.ID, domain.TaskPending))
	}
	c.setPhase(workspaceID, domain.PhaseNeedsFix)
	c.logger.Info("coordinator: %d tasks reset for rework in %s", len(fixes), workspaceID)
	return OutcomeNeedsFix, nil
}

// MarkFailed records a terminal failure for the workspace.
func (c *Coordinator) MarkFailed(workspaceID string) {
	c.setPhase(workspaceID, domain.PhaseFailed)
}

// TaskSummaries snapshots ID, title, status and verdict for every task in
// the workspace, in creation order.
func (c *Coordinator) TaskSummaries(ctx context.Context, workspaceID string) ([]TaskSummary, error) {
	tasks, err := c.stores.Tasks.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	summaries := make([]TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		summaries = append(summaries, TaskSummary{
			ID:      task.ID,
			Title:   task.Title,
			Status:  task.Status,
			Verdict: task.VerificationVerdict,
		})
	}
	return summaries, nil
}

func (c *Coordinator) parallelism(workspaceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[workspaceID]
	if !ok || st.maxParallelism == 0 {
		return plan.DefaultParallelism
	}
	return st.maxParallelism
}

// routaAgent resolves the workspace's ROUTA, preferring the cached ID and
// falling back to a store scan so a restarted coordinator keeps working.
func (c *Coordinator) routaAgent(ctx context.Context, workspaceID string) (string, error) {
	c.mu.Lock()
	cached := ""
	if st, ok := c.states[workspaceID]; ok {
		cached = st.routaAgentID
	}
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	agents, err := c.stores.Agents.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	for _, agent := range agents {
		if agent.Role == domain.RoleRouta {
			return agent.ID, nil
		}
	}
	return "", fmt.Errorf("workspace %s has no ROUTA agent", workspaceID)
}

// createAgent persists a new PENDING agent named after its role and emits
// the creation event.
func (c *Coordinator) createAgent(ctx context.Context, workspaceID string, role domain.Role, parentID string) (*domain.Agent, error) {
	if err := domain.ValidateHierarchy(role, parentID); err != nil {
		return nil, err
	}

	agents, err := c.stores.Agents.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	peers := 0
	for _, agent := range agents {
		if agent.Role == role {
			peers++
		}
	}
	name := strings.ToLower(string(role))
	if role != domain.RoleRouta {
		name = fmt.Sprintf("%s-%d", name, peers+1)
	}

	now := time.Now()
	agent := &domain.Agent{
		ID:          id.NewAgentID(),
		WorkspaceID: workspaceID,
		Name:        name,
		Role:        role,
		Status:      domain.AgentPending,
		ParentID:    parentID,
		ModelTier:   domain.DefaultTier(role),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.stores.Agents.Save(ctx, agent); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	c.emit(domain.NewAgentCreatedEvent(agent))
	return agent, nil
}

// delegate moves the task to IN_PROGRESS under the crafter and activates
// the crafter, emitting the same events the coordination tools do.
func (c *Coordinator) delegate(ctx context.Context, task *domain.Task, crafter *domain.Agent) error {
	err := c.stores.Tasks.Update(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskInProgress
		t.AssignedTo = crafter.ID
		return nil
	})
	if err != nil {
		return fmt.Errorf("delegate task %s: %w", task.ID, err)
	}
	if err := c.stores.Agents.UpdateStatus(ctx, crafter.ID, domain.AgentActive); err != nil {
		return fmt.Errorf("activate crafter %s: %w", crafter.ID, err)
	}

	c.emit(domain.NewTaskDelegatedEvent(task.WorkspaceID, task.ID, crafter.ID))
	c.emit(domain.NewTaskStatusChangedEvent(task.WorkspaceID, task.ID, domain.TaskInProgress))
	c.emit(domain.NewAgentStatusChangedEvent(crafter.WorkspaceID, crafter.ID, domain.AgentActive))
	return nil
}

// BuildAgentContext assembles the role-specific prompt for an agent run.
// ROUTA gets the workspace task board, a CRAFTER gets its assigned task in
// full, and GATE gets every REVIEW_REQUIRED task with the crafter's report
// and recent conversation.
func (c *Coordinator) BuildAgentContext(ctx context.Context, agentID string) (string, error) {
	agent, err := c.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", agentID, err)
	}

	switch agent.Role {
	case domain.RoleRouta:
		return c.routaContext(ctx, agent)
	case domain.RoleCrafter:
		return c.crafterContext(ctx, agent)
	case domain.RoleGate:
		return c.gateContext(ctx, agent)
	default:
		return "", fmt.Errorf("unknown role %s for agent %s", agent.Role, agentID)
	}
}

func (c *Coordinator) routaContext(ctx context.Context, agent *domain.Agent) (string, error) {
	summaries, err := c.TaskSummaries(ctx, agent.WorkspaceID)
	if err != nil {
		return "", err
	}
	state := c.State(agent.WorkspaceID)

	var b strings.Builder
	fmt.Fprintf(&b, "# Workspace %s\n\nPhase: %s", agent.WorkspaceID, state.Phase)
	if state.CurrentWave > 0 {
		fmt.Fprintf(&b, " (wave %d)", state.CurrentWave)
	}
	b.WriteString("\n\n## Tasks\n")
	if len(summaries) == 0 {
		b.WriteString("\nNo tasks registered yet.\n")
		return b.String(), nil
	}
	for _, s := range summaries {
		fmt.Fprintf(&b, "- %s [%s] %s", s.ID, s.Status, s.Title)
		if s.Verdict != domain.VerdictNone {
			fmt.Fprintf(&b, " (verdict: %s)", s.Verdict)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (c *Coordinator) crafterContext(ctx context.Context, agent *domain.Agent) (string, error) {
	tasks, err := c.stores.Tasks.ListByWorkspace(ctx, agent.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}

	var assigned *domain.Task
	byID := make(map[string]*domain.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
		if task.AssignedTo == agent.ID && task.Status == domain.TaskInProgress {
			assigned = task
		}
	}
	if assigned == nil {
		return "", fmt.Errorf("agent %s has no task in progress", agent.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\nTask ID: %s\n", assigned.Title, assigned.ID)
	if assigned.Objective != "" {
		fmt.Fprintf(&b, "\n## Objective\n%s\n", assigned.Objective)
	}
	if assigned.Scope != "" {
		fmt.Fprintf(&b, "\n## Scope\n%s\n", assigned.Scope)
	}
	if len(assigned.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Definition of Done\n")
		for _, criterion := range assigned.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", criterion)
		}
	}
	if len(assigned.VerificationCommands) > 0 {
		b.WriteString("\n## Verification\n")
		for _, command := range assigned.VerificationCommands {
			fmt.Fprintf(&b, "- %s\n", command)
		}
	}
	if assigned.VerificationReport != "" {
		fmt.Fprintf(&b, "\n## Previous review\n%s\n", assigned.VerificationReport)
	}

	var depLines []string
	for _, depID := range assigned.Dependencies {
		dep, ok := byID[depID]
		if !ok || dep.Status != domain.TaskCompleted {
			continue
		}
		line := fmt.Sprintf("- %s (%s)", dep.Title, dep.ID)
		if dep.CompletionSummary != "" {
			line += ": " + token.TruncateToTokens(dep.CompletionSummary, contextMessageTokenCap)
		}
		depLines = append(depLines, line)
	}
	if len(depLines) > 0 {
		b.WriteString("\n## Completed dependencies\n")
		for _, line := range depLines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	fmt.Fprintf(&b, "\nReport to your parent with task_id %q when every criterion is met.\n", assigned.ID)
	return b.String(), nil
}

func (c *Coordinator) gateContext(ctx context.Context, agent *domain.Agent) (string, error) {
	review, err := c.stores.Tasks.ListByStatus(ctx, agent.WorkspaceID, domain.TaskReviewRequired)
	if err != nil {
		return "", fmt.Errorf("list review tasks: %w", err)
	}
	if len(review) == 0 {
		return "", fmt.Errorf("no tasks awaiting review in %s", agent.WorkspaceID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Verification round\n\nTasks awaiting review: %d\n", len(review))
	for _, task := range review {
		fmt.Fprintf(&b, "\n## Task %s: %s\n", task.ID, task.Title)
		if task.Objective != "" {
			fmt.Fprintf(&b, "\n### Objective\n%s\n", task.Objective)
		}
		if len(task.AcceptanceCriteria) > 0 {
			b.WriteString("\n### Definition of Done\n")
			for _, criterion := range task.AcceptanceCriteria {
				fmt.Fprintf(&b, "- %s\n", criterion)
			}
		}
		if len(task.VerificationCommands) > 0 {
			b.WriteString("\n### Verification commands\n")
			for _, command := range task.VerificationCommands {
				fmt.Fprintf(&b, "- %s\n", command)
			}
		}
		if task.CompletionSummary != "" {
			fmt.Fprintf(&b, "\n### Crafter report (%s)\n%s\n", task.AssignedTo, task.CompletionSummary)
		}
		if tail := c.conversationTailFor(ctx, task.AssignedTo); tail != "" {
			fmt.Fprintf(&b, "\n### Recent crafter conversation\n%s", tail)
		}
	}
	b.WriteString("\nJudge each task against its criteria and report a verdict for every one.\n")
	return b.String(), nil
}

// conversationTailFor quotes the crafter's last few messages with tool call
// markup stripped and each message truncated.
func (c *Coordinator) conversationTailFor(ctx context.Context, crafterID string) string {
	if crafterID == "" {
		return ""
	}
	messages, err := c.stores.Conversations.LastN(ctx, crafterID, c.conversationTail)
	if err != nil || len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	for _, msg := range messages {
		content := strings.TrimSpace(toolcall.RemoveToolCalls(msg.Content))
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, token.TruncateToTokens(content, contextMessageTokenCap))
	}
	return b.String()
}
