// Package provider drives a single agent's conversation loop against a chat
// model. Each run seeds the agent's conversation with a prompt, then
// alternates model calls and tool execution until the model stops requesting
// tools, an iteration cap is reached, or the run is interrupted. Tool calls
// travel as text inside the model output and are parsed by the toolcall
// package, so any OpenAI-compatible endpoint works without native tool
// support.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"routa/internal/domain"
	routaerrors "routa/internal/errors"
	"routa/internal/llm"
	"routa/internal/logging"
	"routa/internal/observability"
	"routa/internal/plan"
	"routa/internal/prompts"
	"routa/internal/store"
	"routa/internal/token"
	"routa/internal/toolcall"
	"routa/internal/tools"
)

const (
	// DefaultMaxIterations bounds the model-call/tool-execution loop of one
	// run. A run that still wants tools after this many rounds is cut off
	// with reason "max_iterations".
	DefaultMaxIterations = 10

	// DefaultContextBudget is the token allowance for conversation history
	// sent with each model call. Oldest messages are dropped first; the
	// newest message is always kept.
	DefaultContextBudget = 64000
)

// Clients holds one model client per tier. ForTier falls back to the smart
// client when no fast client is configured, so a single-endpoint setup
// works out of the box.
type Clients struct {
	Smart llm.Client
	Fast  llm.Client
}

// ForTier returns the client serving the given tier, or nil when neither
// client is configured.
func (c Clients) ForTier(tier domain.ModelTier) llm.Client {
	if tier == domain.TierFast && c.Fast != nil {
		return c.Fast
	}
	if c.Smart != nil {
		return c.Smart
	}
	return c.Fast
}

// Capabilities describes what this provider supports. File editing and
// terminal access reflect which tools are actually registered.
type Capabilities struct {
	Streaming           bool `json:"streaming"`
	Interrupt           bool `json:"interrupt"`
	HealthCheck         bool `json:"health_check"`
	FileEditing         bool `json:"file_editing"`
	Terminal            bool `json:"terminal"`
	ToolCalling         bool `json:"tool_calling"`
	MaxConcurrentAgents int  `json:"max_concurrent_agents"`
	Priority            int  `json:"priority"`
}

// Provider runs agent conversations. Safe for concurrent use; each agent
// may have at most one active run at a time.
type Provider struct {
	clients  Clients
	stores   store.Stores
	executor *tools.Executor
	prompts  *prompts.Library
	logger   logging.Logger

	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider

	maxIterations int
	contextBudget int

	mu     sync.Mutex
	flags  map[string]bool
	active map[string]context.CancelFunc
}

// Option configures a Provider.
type Option func(*Provider)

// WithMaxIterations overrides the per-run iteration cap.
func WithMaxIterations(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxIterations = n
		}
	}
}

// WithContextBudget overrides the conversation token budget. Zero disables
// windowing and sends the full history.
func WithContextBudget(tokens int) Option {
	return func(p *Provider) { p.contextBudget = tokens }
}

// WithMetrics enables LLM and agent-activity metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithTracing enables run and iteration spans.
func WithTracing(t *observability.TracerProvider) Option {
	return func(p *Provider) { p.tracer = t }
}

// New builds a Provider around the given clients, stores and tool executor.
func New(clients Clients, stores store.Stores, executor *tools.Executor, library *prompts.Library, logger logging.Logger, opts ...Option) *Provider {
	p := &Provider{
		clients:       clients,
		stores:        stores,
		executor:      executor,
		prompts:       library,
		logger:        logging.OrNop(logger),
		maxIterations: DefaultMaxIterations,
		contextBudget: DefaultContextBudget,
		flags:         make(map[string]bool),
		active:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capabilities reports the feature set backed by the current tool
// registry and clients.
func (p *Provider) Capabilities() Capabilities {
	registry := p.executor.Registry()
	_, fileEditing := registry.Get("write_file")
	_, terminal := registry.Get("run_command")
	_, healthCheck := p.clients.ForTier(domain.TierSmart).(llm.Pinger)
	return Capabilities{
		Streaming:           true,
		Interrupt:           true,
		HealthCheck:         healthCheck,
		FileEditing:         fileEditing,
		Terminal:            terminal,
		ToolCalling:         true,
		MaxConcurrentAgents: plan.MaxParallelism,
		Priority:            1,
	}
}

// Run executes the conversation loop for one agent and returns the
// concatenated clean text of all assistant turns.
func (p *Provider) Run(ctx context.Context, role domain.Role, agentID, prompt string) (string, error) {
	return p.run(ctx, role, agentID, prompt, nil)
}

// RunStreaming is Run with live events: text deltas, reasoning deltas, tool
// lifecycle and the final completion reason are delivered to onEvent in
// order. onEvent is called from the run's goroutine and must not block.
func (p *Provider) RunStreaming(ctx context.Context, role domain.Role, agentID, prompt string, onEvent EventHandler) (string, error) {
	return p.run(ctx, role, agentID, prompt, onEvent)
}

// Interrupt requests a cooperative stop of the agent's active run. The run
// finishes with reason "cancelled" at the next loop head or tool boundary;
// an in-flight model call is cancelled immediately. Interrupting an idle
// agent is a no-op.
func (p *Provider) Interrupt(agentID string) {
	p.mu.Lock()
	p.flags[agentID] = true
	cancel := p.active[agentID]
	p.mu.Unlock()
	if cancel != nil {
		p.logger.Info("provider: interrupting agent %s", agentID)
		cancel()
	}
}

// InterruptAll stops every active run.
func (p *Provider) InterruptAll() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.active))
	for agentID, cancel := range p.active {
		p.flags[agentID] = true
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// ActiveRuns returns the IDs of agents with a run in progress, sorted.
func (p *Provider) ActiveRuns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Provider) beginRun(agentID string, cancel context.CancelFunc) {
	p.mu.Lock()
	delete(p.flags, agentID) // a stale interrupt must not kill the new run
	p.active[agentID] = cancel
	p.mu.Unlock()
}

func (p *Provider) endRun(agentID string) {
	p.mu.Lock()
	delete(p.active, agentID)
	p.mu.Unlock()
}

func (p *Provider) consumeInterrupt(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flags[agentID] {
		delete(p.flags, agentID)
		return true
	}
	return false
}

// stepOutcome tells the run loop what one iteration decided.
type stepOutcome int

const (
	stepContinue  stepOutcome = iota // tools executed, loop again
	stepDone                         // no tool calls, conversation finished
	stepCancelled                    // interrupt consumed at a tool boundary
)

// runState carries per-run context between the loop and its helpers.
type runState struct {
	client       llm.Client
	systemPrompt string
	agentID      string
	streaming    bool
	emit         func(Event)
	parts        []string
}

func (rs *runState) collect(text string) {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		rs.parts = append(rs.parts, trimmed)
	}
}

func (rs *runState) text() string { return strings.Join(rs.parts, "\n") }

func (rs *runState) finish(reason string) (string, error) {
	rs.emit(Event{Kind: EventCompleted, Reason: reason})
	return rs.text(), nil
}

func (p *Provider) run(ctx context.Context, role domain.Role, agentID, prompt string, onEvent EventHandler) (string, error) {
	config, err := p.prompts.ForRole(role)
	if err != nil {
		return "", err
	}

	tier := domain.DefaultTier(role)
	workspaceID := ""
	if agent, lookupErr := p.stores.Agents.Get(ctx, agentID); lookupErr == nil {
		if agent.ModelTier != "" {
			tier = agent.ModelTier
		}
		if agent.WorkspaceID != "" {
			workspaceID = agent.WorkspaceID
			ctx = observability.ContextWithWorkspaceID(ctx, workspaceID)
		}
	} else {
		p.logger.Warn("provider: no record for agent %s, running with %s defaults", agentID, role)
	}
	client := p.clients.ForTier(tier)
	if client == nil {
		return "", fmt.Errorf("no model client configured for tier %s", tier)
	}
	ctx = observability.ContextWithAgentID(ctx, agentID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.beginRun(agentID, cancel)
	defer p.endRun(agentID)

	if p.metrics != nil {
		p.metrics.IncrementActiveAgents(runCtx)
		defer p.metrics.DecrementActiveAgents(context.Background())
	}
	if p.tracer != nil {
		var span trace.Span
		runCtx, span = p.tracer.StartSpan(runCtx, observability.SpanProviderRun, observability.RoleAttrs(string(role))...)
		defer span.End()
	}

	// Tools like report_to_parent and create_agent take the caller's own
	// identifiers as arguments, so the model must be told who it is.
	systemPrompt := config.SystemPrompt + fmt.Sprintf("\n\n## Identity\n\nAgent ID: %s", agentID)
	if workspaceID != "" {
		systemPrompt += fmt.Sprintf("\nWorkspace ID: %s", workspaceID)
	}

	rs := &runState{
		client:       client,
		systemPrompt: systemPrompt,
		agentID:      agentID,
		streaming:    onEvent != nil,
	}
	rs.emit = func(event Event) {
		if onEvent == nil {
			return
		}
		event.AgentID = agentID
		event.Time = time.Now()
		onEvent(event)
	}

	p.logger.Info("provider: %s run starting for agent %s on %s", role, agentID, client.Model())

	if _, err := p.stores.Conversations.Append(runCtx, &domain.Message{
		AgentID: agentID,
		Role:    domain.MessageRoleUser,
		Content: prompt,
	}); err != nil {
		return "", fmt.Errorf("seed conversation: %w", err)
	}

	for iteration := 1; iteration <= p.maxIterations; iteration++ {
		if p.consumeInterrupt(agentID) {
			return rs.finish(ReasonCancelled)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			rs.emit(Event{Kind: EventCompleted, Reason: ReasonCancelled})
			return rs.text(), ctxErr
		}

		iterCtx := runCtx
		var iterSpan trace.Span
		if p.tracer != nil {
			iterCtx, iterSpan = p.tracer.StartSpan(runCtx, observability.SpanProviderIteration,
				attribute.Int(observability.AttrIteration, iteration))
		}
		outcome, iterErr := p.iterate(iterCtx, rs)
		if iterSpan != nil {
			iterSpan.End()
		}

		if iterErr != nil {
			// An interrupt cancels the run context mid-call, which surfaces
			// as an error from the model client. Distinguish that from real
			// failures and from the caller tearing the outer context down.
			if p.consumeInterrupt(agentID) {
				return rs.finish(ReasonCancelled)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				rs.emit(Event{Kind: EventCompleted, Reason: ReasonCancelled})
				return rs.text(), ctxErr
			}
			rs.emit(Event{Kind: EventError, Err: iterErr.Error(), Recoverable: routaerrors.IsTransient(iterErr)})
			return rs.text(), iterErr
		}
		switch outcome {
		case stepDone:
			return rs.finish(ReasonEnd)
		case stepCancelled:
			return rs.finish(ReasonCancelled)
		}
	}

	p.logger.Warn("provider: agent %s reached the %d-iteration cap", agentID, p.maxIterations)
	return rs.finish(ReasonMaxIterations)
}

// iterate performs one round: model call, tool extraction, tool execution,
// result feedback. The assistant message is stored verbatim including tool
// call markup; only the feedback message closes the round.
func (p *Provider) iterate(ctx context.Context, rs *runState) (stepOutcome, error) {
	response, cleanText, err := p.invokeModel(ctx, rs)
	if err != nil {
		return stepContinue, err
	}

	if _, err := p.stores.Conversations.Append(ctx, &domain.Message{
		AgentID: rs.agentID,
		Role:    domain.MessageRoleAssistant,
		Content: response.Content,
	}); err != nil {
		return stepContinue, fmt.Errorf("append assistant message: %w", err)
	}
	rs.collect(cleanText)

	calls := toolcall.Extract(response.Content)
	if len(calls) == 0 {
		return stepDone, nil
	}

	results := make([]tools.ExecutionResult, 0, len(calls))
	var interrupted bool
	var cancelCause error
	for _, call := range calls {
		if !interrupted {
			if p.consumeInterrupt(rs.agentID) {
				interrupted = true
			} else if ctxErr := ctx.Err(); ctxErr != nil {
				interrupted = true
				cancelCause = ctxErr
			}
		}
		if interrupted {
			results = append(results, tools.ExecutionResult{
				Name:   call.Name,
				Result: tools.Errorf("cancelled before execution"),
			})
			continue
		}

		rs.emit(Event{Kind: EventToolCallStarted, ToolName: call.Name, ToolArgs: call.Arguments})
		batch := p.executor.ExecuteAll(ctx, []toolcall.ToolCall{call})
		result := batch[0]
		results = append(results, result)

		if result.Result.Success {
			rs.emit(Event{Kind: EventToolCallCompleted, ToolName: call.Name,
				Result: truncateResult(result.Result.Output, eventResultLimit)})
		} else {
			rs.emit(Event{Kind: EventToolCallFailed, ToolName: call.Name,
				Result: truncateResult(result.Result.Error, eventResultLimit)})
		}
	}

	// Results are persisted even when the run was interrupted partway, so a
	// resumed conversation sees which calls ran and which were skipped.
	if _, err := p.stores.Conversations.Append(ctx, &domain.Message{
		AgentID: rs.agentID,
		Role:    domain.MessageRoleUser,
		Content: tools.FormatResults(results),
	}); err != nil {
		return stepContinue, fmt.Errorf("append tool results: %w", err)
	}

	if interrupted {
		if cancelCause != nil {
			return stepContinue, cancelCause
		}
		return stepCancelled, nil
	}
	return stepContinue, nil
}

// invokeModel sends the conversation to the model. In streaming mode content
// deltas pass through a StreamFilter so tool call markup never reaches the
// text events; the blocking path strips it after the fact.
func (p *Provider) invokeModel(ctx context.Context, rs *runState) (*llm.CompletionResponse, string, error) {
	request, err := p.buildRequest(ctx, rs.agentID, rs.systemPrompt)
	if err != nil {
		return nil, "", err
	}

	started := time.Now()
	var response *llm.CompletionResponse
	var cleanText string

	if rs.streaming {
		filter := toolcall.NewStreamFilter(func(clean string) {
			rs.emit(Event{Kind: EventText, Text: clean})
		}, nil)
		response, err = rs.client.StreamComplete(ctx, request, llm.StreamCallbacks{
			OnContentDelta: func(delta llm.ContentDelta) {
				if delta.Delta != "" {
					filter.Feed(delta.Delta)
				}
			},
			OnReasoningDelta: func(delta llm.ContentDelta) {
				if delta.Delta != "" {
					rs.emit(Event{Kind: EventThinking, Text: delta.Delta})
				}
			},
		})
		filter.Flush()
		cleanText = filter.Clean()
	} else {
		response, err = rs.client.Complete(ctx, request)
		if response != nil {
			cleanText = toolcall.RemoveToolCalls(response.Content)
		}
	}

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		var usage llm.TokenUsage
		if response != nil {
			usage = response.Usage
		}
		p.metrics.RecordLLMRequest(ctx, rs.client.Model(), status, time.Since(started),
			usage.PromptTokens, usage.CompletionTokens)
	}
	if err != nil {
		return nil, "", err
	}
	return response, cleanText, nil
}

// buildRequest loads the agent's conversation and prepends the system
// prompt. When the history exceeds the token budget the oldest messages are
// dropped; the newest always survives.
func (p *Provider) buildRequest(ctx context.Context, agentID, systemPrompt string) (llm.CompletionRequest, error) {
	history, err := p.stores.Conversations.Conversation(ctx, agentID)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("load conversation: %w", err)
	}

	start := 0
	if p.contextBudget > 0 && len(history) > 0 {
		texts := make([]string, len(history))
		for i, msg := range history {
			texts[i] = msg.Content
		}
		start = token.FitLast(texts, p.contextBudget)
		if start > 0 {
			p.logger.Debug("provider: conversation for %s over budget, dropping %d oldest messages", agentID, start)
		}
	}

	messages := make([]llm.Message, 0, len(history)-start+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, msg := range history[start:] {
		messages = append(messages, llm.Message{Role: wireRole(msg.Role), Content: msg.Content})
	}
	return llm.CompletionRequest{Messages: messages}, nil
}

// Tool results ride in user messages on the wire: the model sees them as
// feedback on its previous turn, matching how they were produced.
func wireRole(role domain.MessageRole) string {
	if role == domain.MessageRoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}
