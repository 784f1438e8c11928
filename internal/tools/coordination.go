package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"routa/internal/bus"
	"routa/internal/domain"
	"routa/internal/logging"
	"routa/internal/store"
	"routa/internal/toolcall"
	"routa/internal/utils/id"
)

// Coordination bundles the dependencies shared by the agent-facing
// coordination tools: the entity stores, the event bus and a logger.
type Coordination struct {
	stores store.Stores
	bus    *bus.Bus
	logger logging.Logger
}

// NewCoordination creates the coordination tool set backing.
func NewCoordination(stores store.Stores, eventBus *bus.Bus, logger logging.Logger) *Coordination {
	return &Coordination{
		stores: stores,
		bus:    eventBus,
		logger: logging.OrNop(logger),
	}
}

// RegisterCoordinationTools adds the six coordination tools to reg.
func RegisterCoordinationTools(reg *Registry, coord *Coordination) {
	reg.MustRegister(&listAgents{coord: coord})
	reg.MustRegister(&readConversation{coord: coord})
	reg.MustRegister(&createAgent{coord: coord})
	reg.MustRegister(&delegateTask{coord: coord})
	reg.MustRegister(&messageAgent{coord: coord})
	reg.MustRegister(&reportToParent{coord: coord})
}

func (c *Coordination) emit(event domain.Event) {
	if c.bus != nil {
		c.bus.Emit(event)
	}
}

// agentView is the agent-facing projection of an agent record.
type agentView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	ParentID string `json:"parent_id,omitempty"`
}

type listAgents struct {
	coord *Coordination
}

func (t *listAgents) Execute(ctx context.Context, args map[string]any) *Result {
	workspaceID, ok := stringArg(args, "workspace_id")
	if !ok || workspaceID == "" {
		return Errorf("list_agents: missing 'workspace_id'")
	}

	agents, err := t.coord.stores.Agents.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return Errorf("list_agents: %v", err)
	}

	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, agentView{
			ID:       agent.ID,
			Name:     agent.Name,
			Role:     string(agent.Role),
			Status:   string(agent.Status),
			ParentID: agent.ParentID,
		})
	}

	payload, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return Errorf("list_agents: encode: %v", err)
	}
	return Ok(string(payload))
}

func (t *listAgents) Definition() Definition {
	return Definition{
		Name:        "list_agents",
		Description: "List all agents in a workspace with their role, status and parent",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"workspace_id": {Type: "string", Description: "Workspace to list"},
			},
			Required: []string{"workspace_id"},
		},
	}
}

// messageView is the agent-facing projection of a conversation message.
type messageView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`
}

type readConversation struct {
	coord *Coordination
}

func (t *readConversation) Execute(ctx context.Context, args map[string]any) *Result {
	agentID, ok := stringArg(args, "agent_id")
	if !ok || agentID == "" {
		return Errorf("read_agent_conversation: missing 'agent_id'")
	}
	if _, err := t.coord.stores.Agents.Get(ctx, agentID); err != nil {
		return Errorf("read_agent_conversation: %v", err)
	}

	lastN := intArg(args, "last_n", 0)
	startTurn := intArg(args, "start_turn", 0)
	endTurn := intArg(args, "end_turn", 0)
	includeToolCalls := boolArg(args, "include_tool_calls", true)

	var (
		msgs []*domain.Message
		err  error
	)
	switch {
	case lastN > 0:
		msgs, err = t.coord.stores.Conversations.LastN(ctx, agentID, lastN)
	case startTurn > 0 || endTurn > 0:
		msgs, err = t.coord.stores.Conversations.ByTurnRange(ctx, agentID, startTurn, endTurn)
	default:
		msgs, err = t.coord.stores.Conversations.Conversation(ctx, agentID)
	}
	if err != nil {
		return Errorf("read_agent_conversation: %v", err)
	}

	views := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if !includeToolCalls {
			if msg.Role == domain.MessageRoleTool || isToolResultPayload(content) {
				continue
			}
			content = toolcall.RemoveToolCalls(content)
			if content == "" {
				continue
			}
		}
		views = append(views, messageView{
			Role:      string(msg.Role),
			Content:   content,
			Turn:      msg.Turn,
			Timestamp: msg.Timestamp,
		})
	}

	payload, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return Errorf("read_agent_conversation: encode: %v", err)
	}
	return Ok(string(payload))
}

func (t *readConversation) Definition() Definition {
	return Definition{
		Name:        "read_agent_conversation",
		Description: "Read another agent's conversation history, optionally limited to recent messages or a turn range",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"agent_id":           {Type: "string", Description: "Agent whose conversation to read"},
				"last_n":             {Type: "integer", Description: "Only the most recent N messages"},
				"start_turn":         {Type: "integer", Description: "First turn to include (1-based)"},
				"end_turn":           {Type: "integer", Description: "Last turn to include"},
				"include_tool_calls": {Type: "boolean", Description: "Include tool call and tool result messages (default true)"},
			},
			Required: []string{"agent_id"},
		},
	}
}

// isToolResultPayload reports whether a message carries only tool results.
func isToolResultPayload(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "<tool_result>")
}

type createAgent struct {
	coord *Coordination
}

func (t *createAgent) Execute(ctx context.Context, args map[string]any) *Result {
	name, ok := stringArg(args, "name")
	if !ok || name == "" {
		return Errorf("create_agent: missing 'name'")
	}
	roleStr, ok := stringArg(args, "role")
	if !ok || roleStr == "" {
		return Errorf("create_agent: missing 'role'")
	}
	workspaceID, ok := stringArg(args, "workspace_id")
	if !ok || workspaceID == "" {
		return Errorf("create_agent: missing 'workspace_id'")
	}
	parentID, _ := stringArg(args, "parent_id")

	role := domain.Role(strings.ToUpper(roleStr))
	if err := domain.ValidateHierarchy(role, parentID); err != nil {
		return Errorf("create_agent: %v", err)
	}
	if parentID != "" {
		if _, err := t.coord.stores.Agents.Get(ctx, parentID); err != nil {
			return Errorf("create_agent: parent: %v", err)
		}
	}

	tier := domain.DefaultTier(role)
	if tierStr, _ := stringArg(args, "model_tier"); tierStr != "" {
		tier = domain.ModelTier(strings.ToUpper(tierStr))
		if tier != domain.TierSmart && tier != domain.TierFast {
			return Errorf("create_agent: unknown model tier: %s", tierStr)
		}
	}

	now := time.Now()
	agent := &domain.Agent{
		ID:          id.NewAgentID(),
		WorkspaceID: workspaceID,
		Name:        name,
		Role:        role,
		Status:      domain.AgentPending,
		ParentID:    parentID,
		ModelTier:   tier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.coord.stores.Agents.Save(ctx, agent); err != nil {
		return Errorf("create_agent: %v", err)
	}
	t.coord.emit(domain.NewAgentCreatedEvent(agent))
	t.coord.logger.Info("create_agent: %s (%s) in %s", agent.ID, agent.Role, workspaceID)

	payload, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return Errorf("create_agent: encode: %v", err)
	}
	return Ok(string(payload))
}

func (t *createAgent) Definition() Definition {
	return Definition{
		Name:        "create_agent",
		Description: "Create a new agent in the workspace hierarchy",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"name":         {Type: "string", Description: "Display name for the agent"},
				"role":         {Type: "string", Description: "Agent role", Enum: []any{"ROUTA", "CRAFTER", "GATE"}},
				"workspace_id": {Type: "string", Description: "Workspace the agent belongs to"},
				"parent_id":    {Type: "string", Description: "Parent agent (required for CRAFTER and GATE)"},
				"model_tier":   {Type: "string", Description: "Model tier override", Enum: []any{"SMART", "FAST"}},
			},
			Required: []string{"name", "role", "workspace_id"},
		},
	}
}

type delegateTask struct {
	coord *Coordination
}

func (t *delegateTask) Execute(ctx context.Context, args map[string]any) *Result {
	agentID, ok := stringArg(args, "agent_id")
	if !ok || agentID == "" {
		return Errorf("delegate: missing 'agent_id'")
	}
	taskID, ok := stringArg(args, "task_id")
	if !ok || taskID == "" {
		return Errorf("delegate: missing 'task_id'")
	}
	callerID, _ := stringArg(args, "caller_agent_id")

	agent, err := t.coord.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return Errorf("delegate: %v", err)
	}
	task, err := t.coord.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return Errorf("delegate: %v", err)
	}
	if task.Status != domain.TaskPending {
		return Errorf("delegate: task %s is %s, only PENDING tasks can be delegated", taskID, task.Status)
	}
	if agent.Status.IsTerminal() {
		return Errorf("delegate: agent %s is already %s", agentID, agent.Status)
	}

	err = t.coord.stores.Tasks.Update(ctx, taskID, func(task *domain.Task) error {
		task.Status = domain.TaskInProgress
		task.AssignedTo = agentID
		return nil
	})
	if err != nil {
		return Errorf("delegate: %v", err)
	}
	if err := t.coord.stores.Agents.UpdateStatus(ctx, agentID, domain.AgentActive); err != nil {
		return Errorf("delegate: %v", err)
	}

	t.coord.emit(domain.NewTaskDelegatedEvent(task.WorkspaceID, taskID, agentID))
	t.coord.emit(domain.NewTaskStatusChangedEvent(task.WorkspaceID, taskID, domain.TaskInProgress))
	t.coord.emit(domain.NewAgentStatusChangedEvent(agent.WorkspaceID, agentID, domain.AgentActive))
	t.coord.logger.Info("delegate: task %s -> agent %s (caller %s)", taskID, agentID, callerID)

	return Ok(fmt.Sprintf("Delegated task %s to agent %s", taskID, agentID))
}

func (t *delegateTask) Definition() Definition {
	return Definition{
		Name:        "delegate",
		Description: "Assign a pending task to an agent and activate it",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"agent_id":        {Type: "string", Description: "Agent that will execute the task"},
				"task_id":         {Type: "string", Description: "Task to assign"},
				"caller_agent_id": {Type: "string", Description: "Agent issuing the delegation"},
			},
			Required: []string{"agent_id", "task_id"},
		},
	}
}

type messageAgent struct {
	coord *Coordination
}

func (t *messageAgent) Execute(ctx context.Context, args map[string]any) *Result {
	from, ok := stringArg(args, "from")
	if !ok || from == "" {
		return Errorf("message_agent: missing 'from'")
	}
	to, ok := stringArg(args, "to")
	if !ok || to == "" {
		return Errorf("message_agent: missing 'to'")
	}
	message, ok := stringArg(args, "message")
	if !ok || message == "" {
		return Errorf("message_agent: missing 'message'")
	}

	recipient, err := t.coord.Deliver(ctx, from, to, message)
	if err != nil {
		return Errorf("message_agent: %v", err)
	}
	return Ok(fmt.Sprintf("Message delivered to %s", recipient.Name))
}

// Deliver appends a message to the recipient's conversation and emits the
// message event. Senders outside the agent hierarchy (the external protocol
// endpoint) are identified by the raw from value with no role annotation.
// Both the message_agent tool and the A2A adapter route through here.
func (c *Coordination) Deliver(ctx context.Context, from, to, message string) (*domain.Agent, error) {
	recipient, err := c.stores.Agents.Get(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}

	sender := from
	if agent, err := c.stores.Agents.Get(ctx, from); err == nil {
		sender = fmt.Sprintf("%s (%s)", agent.Name, agent.Role)
	}
	content := fmt.Sprintf("[From %s]: %s", sender, message)

	_, err = c.stores.Conversations.Append(ctx, &domain.Message{
		AgentID: recipient.ID,
		Role:    domain.MessageRoleUser,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	c.emit(domain.NewMessageReceivedEvent(recipient.WorkspaceID, from, to, content))
	return recipient, nil
}

func (t *messageAgent) Definition() Definition {
	return Definition{
		Name:        "message_agent",
		Description: "Send a message to another agent's conversation",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"from":    {Type: "string", Description: "Sender agent ID, or an external identifier"},
				"to":      {Type: "string", Description: "Recipient agent ID"},
				"message": {Type: "string", Description: "Message text"},
			},
			Required: []string{"from", "to", "message"},
		},
	}
}

type reportToParent struct {
	coord *Coordination
}

func (t *reportToParent) Execute(ctx context.Context, args map[string]any) *Result {
	agentID, ok := stringArg(args, "agent_id")
	if !ok || agentID == "" {
		return Errorf("report_to_parent: missing 'agent_id'")
	}

	agent, err := t.coord.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return Errorf("report_to_parent: %v", err)
	}
	if agent.ParentID == "" {
		return Errorf("report_to_parent: agent %s has no parent", agentID)
	}

	report, err := decodeReport(args, agent)
	if err != nil {
		return Errorf("report_to_parent: %v", err)
	}

	switch agent.Role {
	case domain.RoleCrafter:
		if err := t.applyCrafterReport(ctx, agent, report); err != nil {
			return Errorf("report_to_parent: %v", err)
		}
	case domain.RoleGate:
		if err := t.applyGateReport(ctx, agent, report); err != nil {
			return Errorf("report_to_parent: %v", err)
		}
	}

	_, err = t.coord.stores.Conversations.Append(ctx, &domain.Message{
		AgentID: agent.ParentID,
		Role:    domain.MessageRoleUser,
		Content: formatReport(agent, report),
	})
	if err != nil {
		return Errorf("report_to_parent: %v", err)
	}

	if err := t.coord.stores.Agents.UpdateStatus(ctx, agent.ID, domain.AgentCompleted); err != nil {
		return Errorf("report_to_parent: %v", err)
	}
	t.coord.emit(domain.NewAgentCompletedEvent(agent.WorkspaceID, agent.ID, report.Summary, report.Success))

	return Ok(fmt.Sprintf("Report delivered to parent %s", agent.ParentID))
}

// applyCrafterReport moves the crafter's task to review or fix-needed.
func (t *reportToParent) applyCrafterReport(ctx context.Context, agent *domain.Agent, report *domain.CompletionReport) error {
	taskID := report.TaskID
	if taskID == "" {
		tasks, err := t.coord.stores.Tasks.ListByStatus(ctx, agent.WorkspaceID, domain.TaskInProgress)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.AssignedTo == agent.ID {
				taskID = task.ID
				break
			}
		}
	}
	if taskID == "" {
		t.coord.logger.Warn("report_to_parent: crafter %s has no task to update", agent.ID)
		return nil
	}

	status := domain.TaskReviewRequired
	if !report.Success {
		status = domain.TaskNeedsFix
	}
	err := t.coord.stores.Tasks.Update(ctx, taskID, func(task *domain.Task) error {
		task.Status = status
		task.CompletionSummary = report.Summary
		return nil
	})
	if err != nil {
		return err
	}
	t.coord.emit(domain.NewTaskStatusChangedEvent(agent.WorkspaceID, taskID, status))
	return nil
}

// applyGateReport applies per-task verdicts. When the report carries no
// explicit verdicts, one is parsed from the summary and applied to every
// task under review.
func (t *reportToParent) applyGateReport(ctx context.Context, agent *domain.Agent, report *domain.CompletionReport) error {
	verdicts := report.Verdicts
	if len(verdicts) == 0 && report.Summary != "" {
		if v := domain.ParseVerdict(report.Summary); v != domain.VerdictNone {
			reviewing, err := t.coord.stores.Tasks.ListByStatus(ctx, agent.WorkspaceID, domain.TaskReviewRequired)
			if err != nil {
				return err
			}
			for _, task := range reviewing {
				verdicts = append(verdicts, domain.TaskVerdict{TaskID: task.ID, Verdict: v, Report: report.Summary})
			}
		}
	}

	for _, verdict := range verdicts {
		// Canonicalize spelling variants like "NOT APPROVED".
		parsed := domain.ParseVerdict(string(verdict.Verdict))

		var status domain.TaskStatus
		switch parsed {
		case domain.VerdictApproved:
			status = domain.TaskCompleted
		case domain.VerdictNotApproved:
			status = domain.TaskNeedsFix
		case domain.VerdictBlocked:
			status = domain.TaskBlocked
		default:
			t.coord.logger.Warn("report_to_parent: unrecognized verdict %q for task %s", verdict.Verdict, verdict.TaskID)
			continue
		}

		detail := verdict.Report
		if detail == "" {
			detail = report.Summary
		}
		err := t.coord.stores.Tasks.Update(ctx, verdict.TaskID, func(task *domain.Task) error {
			task.Status = status
			task.VerificationVerdict = parsed
			task.VerificationReport = detail
			return nil
		})
		if err != nil {
			return err
		}
		t.coord.emit(domain.NewTaskStatusChangedEvent(agent.WorkspaceID, verdict.TaskID, status))
	}
	return nil
}

func (t *reportToParent) Definition() Definition {
	return Definition{
		Name:        "report_to_parent",
		Description: "Deliver a completion report to the parent agent and update task state",
		Parameters: ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"agent_id": {Type: "string", Description: "Reporting agent"},
				"report":   {Type: "object", Description: "Completion report: {summary, success, task_id?, files_modified?, verification_results?, verdicts?}"},
			},
			Required: []string{"agent_id", "report"},
		},
	}
}

// decodeReport accepts the report as a JSON object, a bare string summary, or
// flattened summary/success arguments. Success defaults to true when omitted.
func decodeReport(args map[string]any, agent *domain.Agent) (*domain.CompletionReport, error) {
	raw, ok := args["report"]
	if !ok || raw == nil {
		summary, sok := stringArg(args, "summary")
		if !sok || summary == "" {
			return nil, fmt.Errorf("missing 'report'")
		}
		return &domain.CompletionReport{
			AgentID: agent.ID,
			Summary: summary,
			Success: boolArg(args, "success", true),
		}, nil
	}

	if summary, ok := raw.(string); ok {
		return &domain.CompletionReport{AgentID: agent.ID, Summary: summary, Success: true}, nil
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid report: %w", err)
	}
	var report domain.CompletionReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("invalid report: %w", err)
	}
	report.AgentID = agent.ID
	if obj, ok := raw.(map[string]any); ok {
		if _, has := obj["success"]; !has {
			report.Success = true
		}
	}
	return &report, nil
}

// formatReport renders the report for the parent's conversation.
func formatReport(agent *domain.Agent, report *domain.CompletionReport) string {
	var b strings.Builder

	outcome := "SUCCESS"
	if !report.Success {
		outcome = "FAILURE"
	}
	fmt.Fprintf(&b, "[Report from %s (%s)] %s\n", agent.Name, agent.Role, outcome)
	if report.TaskID != "" {
		fmt.Fprintf(&b, "Task: %s\n", report.TaskID)
	}
	fmt.Fprintf(&b, "Summary: %s\n", report.Summary)
	if len(report.FilesModified) > 0 {
		b.WriteString("Files modified:\n")
		for _, file := range report.FilesModified {
			fmt.Fprintf(&b, "- %s\n", file)
		}
	}
	if len(report.VerificationResults) > 0 {
		b.WriteString("Verification:\n")
		for _, result := range report.VerificationResults {
			fmt.Fprintf(&b, "- %s: %s\n", result.Command, result.Result)
		}
	}
	if len(report.Verdicts) > 0 {
		b.WriteString("Verdicts:\n")
		for _, verdict := range report.Verdicts {
			fmt.Fprintf(&b, "- %s: %s\n", verdict.TaskID, verdict.Verdict)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
