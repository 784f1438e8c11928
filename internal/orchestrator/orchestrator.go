// Package orchestrator drives a full coordination run: plan with ROUTA,
// execute waves of CRAFTER agents, verify with GATE, repeat until every task
// is approved or the wave budget runs out. Scheduling decisions belong to
// the coordinator; this package sequences them, runs the agent conversations
// and settles any agent that finished without reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"routa/internal/bus"
	"routa/internal/coordinator"
	"routa/internal/domain"
	"routa/internal/logging"
	"routa/internal/observability"
	"routa/internal/provider"
	"routa/internal/store"
	"routa/internal/token"
	"routa/internal/utils/id"
)

const (
	// DefaultMaxWaves bounds how many scheduling rounds one run may take,
	// fix waves included.
	DefaultMaxWaves = 3

	// maxSummaryLines is how many leading lines a synthesized crafter
	// report keeps.
	maxSummaryLines = 3

	// maxReportFiles caps the file paths extracted into a synthesized
	// report.
	maxReportFiles = 8

	// gateReportTokenCap bounds the verification report stored on each
	// reviewed task.
	gateReportTokenCap = 400

	// eventTextLimit bounds plan and verification text carried in phase
	// events.
	eventTextLimit = 4000
)

// defaultPathPattern finds file paths in run output: slash paths ending in a
// dotted segment, and bare filenames with a common source extension.
var defaultPathPattern = regexp.MustCompile(
	`(?:[A-Za-z0-9_.~-]+/)+[A-Za-z0-9_.-]+\.[A-Za-z0-9]+` +
		`|\b[A-Za-z0-9_-]+\.(?:go|mod|py|rs|ts|tsx|js|jsx|java|rb|c|h|cpp|md|yaml|yml|json|toml|sql|sh|proto)\b`)

// PhaseKind identifies one step of an orchestration run.
type PhaseKind string

const (
	PhaseInitializing          PhaseKind = "initializing"
	PhasePlanning              PhaseKind = "planning"
	PhasePlanReady             PhaseKind = "plan_ready"
	PhaseTasksRegistered       PhaseKind = "tasks_registered"
	PhaseNoTasks               PhaseKind = "no_tasks"
	PhaseWaveStarting          PhaseKind = "wave_starting"
	PhaseCrafterRunning        PhaseKind = "crafter_running"
	PhaseCrafterCompleted      PhaseKind = "crafter_completed"
	PhaseVerificationStarting  PhaseKind = "verification_starting"
	PhaseVerificationCompleted PhaseKind = "verification_completed"
	PhaseNeedsFix              PhaseKind = "needs_fix"
	PhaseCompleted             PhaseKind = "completed"
	PhaseMaxWavesReached       PhaseKind = "max_waves_reached"
	PhaseFailed                PhaseKind = "failed"
)

// PhaseEvent reports run progress. Every run ends with exactly one terminal
// event: completed, no_tasks, max_waves_reached or failed.
type PhaseEvent struct {
	Kind        PhaseKind `json:"kind"`
	WorkspaceID string    `json:"workspace_id"`
	Wave        int       `json:"wave,omitempty"`
	Count       int       `json:"count,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Text        string    `json:"text,omitempty"`
	Err         string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// PhaseHandler receives phase events. Handlers are called sequentially from
// the run and must not block.
type PhaseHandler func(PhaseEvent)

// ResultKind classifies how a run ended.
type ResultKind string

const (
	// ResultSuccess means every registered task reached COMPLETED.
	ResultSuccess ResultKind = "success"
	// ResultNoTasks means planning produced an empty task list.
	ResultNoTasks ResultKind = "no_tasks"
	// ResultMaxWavesReached means the wave budget ran out with open tasks.
	ResultMaxWavesReached ResultKind = "max_waves_reached"
	// ResultFailed means the run aborted; Err carries the cause.
	ResultFailed ResultKind = "failed"
)

// Result is the final outcome of one orchestration run.
type Result struct {
	Kind        ResultKind `json:"kind"`
	WorkspaceID string     `json:"workspace_id"`
	Waves       int        `json:"waves"`
	TaskIDs     []string   `json:"task_ids,omitempty"`
	Err         error      `json:"-"`
}

// Orchestrator runs the plan/execute/verify cycle for user requests. Safe
// for concurrent use; each workspace may have at most one active run.
type Orchestrator struct {
	stores   store.Stores
	coord    *coordinator.Coordinator
	provider *provider.Provider
	bus      *bus.Bus
	logger   logging.Logger

	metrics *Metrics
	tracer  *observability.TracerProvider

	maxWaves    int
	pathPattern *regexp.Regexp

	emitMu    sync.Mutex
	phaseSubs []PhaseHandler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxWaves overrides the wave budget per run.
func WithMaxWaves(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWaves = n
		}
	}
}

// WithMetrics injects a metrics instance, usually backed by a private
// registry. Without it the shared default-registry metrics are used.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracing enables run and wave spans.
func WithTracing(t *observability.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithPathPattern overrides the pattern used to extract file paths into
// synthesized crafter reports.
func WithPathPattern(re *regexp.Regexp) Option {
	return func(o *Orchestrator) {
		if re != nil {
			o.pathPattern = re
		}
	}
}

// New builds an Orchestrator over the coordinator and agent provider. The
// event bus may be nil when nothing subscribes to coordination events.
func New(stores store.Stores, coord *coordinator.Coordinator, prov *provider.Provider, eventBus *bus.Bus, logger logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stores:      stores,
		coord:       coord,
		provider:    prov,
		bus:         eventBus,
		logger:      logging.OrNop(logger),
		maxWaves:    DefaultMaxWaves,
		pathPattern: defaultPathPattern,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	return o
}

// OnPhase registers a persistent phase event subscriber. Used by transports
// that mirror run progress to connected clients.
func (o *Orchestrator) OnPhase(handler PhaseHandler) {
	if handler == nil {
		return
	}
	o.emitMu.Lock()
	o.phaseSubs = append(o.phaseSubs, handler)
	o.emitMu.Unlock()
}

// Execute runs a user request in a fresh workspace.
func (o *Orchestrator) Execute(ctx context.Context, userRequest string) Result {
	return o.ExecuteStreaming(ctx, userRequest, nil)
}

// ExecuteStreaming is Execute with per-run phase events delivered to handler
// in addition to any persistent subscribers.
func (o *Orchestrator) ExecuteStreaming(ctx context.Context, userRequest string, handler PhaseHandler) Result {
	return o.runWorkspace(ctx, id.NewWorkspaceID(), userRequest, handler)
}

// ExecuteInWorkspace runs a user request in an existing workspace, reusing
// its ROUTA agent and task history. An empty workspace ID creates a new one.
func (o *Orchestrator) ExecuteInWorkspace(ctx context.Context, workspaceID, userRequest string) Result {
	if workspaceID == "" {
		workspaceID = id.NewWorkspaceID()
	}
	return o.runWorkspace(ctx, workspaceID, userRequest, nil)
}

// StopExecution cancels the workspace's active run. Interrupt flags are set
// on every agent first so conversation loops exit cooperatively; in-flight
// tasks keep their IN_PROGRESS status and are never rolled back.
func (o *Orchestrator) StopExecution(ctx context.Context, workspaceID string) error {
	o.mu.Lock()
	cancel := o.cancels[workspaceID]
	o.mu.Unlock()

	agents, err := o.stores.Agents.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, agent := range agents {
		o.provider.Interrupt(agent.ID)
	}
	if cancel != nil {
		cancel()
	}
	o.logger.Info("orchestrator: stop requested for %s", workspaceID)
	return nil
}

// Running reports whether the workspace has an active run.
func (o *Orchestrator) Running(workspaceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[workspaceID]
	return ok
}

func (o *Orchestrator) runWorkspace(parent context.Context, workspaceID, userRequest string, handler PhaseHandler) Result {
	execCtx, cancel := context.WithCancel(observability.ContextWithWorkspaceID(parent, workspaceID))
	defer cancel()

	o.mu.Lock()
	if _, busy := o.cancels[workspaceID]; busy {
		o.mu.Unlock()
		err := fmt.Errorf("workspace %s already has an active run", workspaceID)
		o.emitPhase(handler, PhaseEvent{Kind: PhaseFailed, WorkspaceID: workspaceID, Err: err.Error()})
		return Result{Kind: ResultFailed, WorkspaceID: workspaceID, Err: err}
	}
	o.cancels[workspaceID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, workspaceID)
		o.mu.Unlock()
	}()

	o.metrics.IncActiveRuns()
	defer o.metrics.DecActiveRuns()

	if o.tracer != nil {
		var span trace.Span
		execCtx, span = o.tracer.StartSpan(execCtx, observability.SpanOrchestratorExecute)
		defer span.End()
	}

	return o.run(execCtx, workspaceID, userRequest, handler)
}

func (o *Orchestrator) run(execCtx context.Context, workspaceID, userRequest string, handler PhaseHandler) Result {
	emit := func(ev PhaseEvent) {
		ev.WorkspaceID = workspaceID
		o.emitPhase(handler, ev)
	}

	emit(PhaseEvent{Kind: PhaseInitializing})
	routaID, err := o.coord.Initialize(execCtx, workspaceID)
	if err != nil {
		return o.failRun(emit, workspaceID, "initializing", err, nil)
	}

	emit(PhaseEvent{Kind: PhasePlanning, AgentID: routaID})
	planText, err := o.provider.Run(execCtx, domain.RoleRouta, routaID, userRequest)
	if execCtx.Err() != nil {
		return o.settleCancelled(emit, workspaceID, nil, execCtx.Err())
	}
	if err != nil {
		return o.failRun(emit, workspaceID, "planning", err, nil)
	}
	emit(PhaseEvent{Kind: PhasePlanReady, AgentID: routaID, Text: clip(planText, eventTextLimit)})

	taskIDs, err := o.coord.RegisterTasks(execCtx, workspaceID, planText)
	if err != nil {
		return o.failRun(emit, workspaceID, "registering", err, taskIDs)
	}
	emit(PhaseEvent{Kind: PhaseTasksRegistered, Count: len(taskIDs)})
	if len(taskIDs) == 0 {
		o.logger.Info("orchestrator: plan for %s produced no tasks", workspaceID)
		emit(PhaseEvent{Kind: PhaseNoTasks})
		return Result{Kind: ResultNoTasks, WorkspaceID: workspaceID}
	}

	noReview := false
	for attempt := 1; attempt <= o.maxWaves; attempt++ {
		if execCtx.Err() != nil {
			return o.settleCancelled(emit, workspaceID, taskIDs, execCtx.Err())
		}
		waveStart := time.Now()
		record := func(status string) {
			o.metrics.ObserveWaveDuration(status, time.Since(waveStart))
		}

		assignments, err := o.coord.ExecuteNextWave(execCtx, workspaceID)
		if err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "scheduling", err, taskIDs)
		}
		wave := o.coord.State(workspaceID).CurrentWave

		if len(assignments) > 0 {
			emit(PhaseEvent{Kind: PhaseWaveStarting, Wave: wave, Count: len(assignments)})

			waveCtx := execCtx
			var span trace.Span
			if o.tracer != nil {
				waveCtx, span = o.tracer.StartSpan(execCtx, observability.SpanOrchestratorWave, observability.WaveAttrs(wave)...)
			}
			g, grpCtx := errgroup.WithContext(waveCtx)
			for _, assignment := range assignments {
				assignment := assignment
				emit(PhaseEvent{Kind: PhaseCrafterRunning, Wave: wave, AgentID: assignment.CrafterID, TaskID: assignment.TaskID})
				g.Go(func() error {
					return o.runCrafter(grpCtx, wave, assignment, emit)
				})
			}
			err = g.Wait()
			if span != nil {
				span.End()
			}
			if err != nil {
				record("failed")
				return o.failRun(emit, workspaceID, "executing", err, taskIDs)
			}
			if execCtx.Err() != nil {
				record("cancelled")
				return o.settleCancelled(emit, workspaceID, taskIDs, execCtx.Err())
			}
		}

		gateID, err := o.coord.StartVerification(execCtx, workspaceID)
		if err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "verifying", err, taskIDs)
		}
		if gateID == "" {
			record("no_review")
			noReview = true
			break
		}

		review, err := o.stores.Tasks.ListByStatus(execCtx, workspaceID, domain.TaskReviewRequired)
		if err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "verifying", err, taskIDs)
		}
		emit(PhaseEvent{Kind: PhaseVerificationStarting, Wave: wave, Count: len(review), AgentID: gateID})

		gatePrompt, err := o.coord.BuildAgentContext(execCtx, gateID)
		if err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "verifying", err, taskIDs)
		}
		gateOutput, runErr := o.provider.Run(execCtx, domain.RoleGate, gateID, gatePrompt)
		if execCtx.Err() != nil {
			record("cancelled")
			return o.settleCancelled(emit, workspaceID, taskIDs, execCtx.Err())
		}
		if runErr != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "verifying", runErr, taskIDs)
		}
		if err := o.ensureGateReport(execCtx, workspaceID, gateID, gateOutput); err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "verifying", err, taskIDs)
		}
		emit(PhaseEvent{Kind: PhaseVerificationCompleted, Wave: wave, AgentID: gateID, Text: clip(gateOutput, eventTextLimit)})

		// Count rejected tasks before reconciliation resets them.
		fixes, err := o.stores.Tasks.ListByStatus(execCtx, workspaceID, domain.TaskNeedsFix)
		if err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "reconciling", err, taskIDs)
		}
		outcome, err := o.coord.Reconcile(execCtx, workspaceID)
		if err != nil {
			record("failed")
			return o.failRun(emit, workspaceID, "reconciling", err, taskIDs)
		}
		switch outcome {
		case coordinator.OutcomeCompleted:
			record("completed")
			emit(PhaseEvent{Kind: PhaseCompleted, Wave: wave})
			o.logger.Info("orchestrator: workspace %s completed in %d waves", workspaceID, wave)
			return Result{Kind: ResultSuccess, WorkspaceID: workspaceID, Waves: wave, TaskIDs: taskIDs}
		case coordinator.OutcomeNeedsFix:
			record("needs_fix")
			o.metrics.IncFixWaves()
			emit(PhaseEvent{Kind: PhaseNeedsFix, Wave: wave, Count: len(fixes)})
			o.logger.Info("orchestrator: %d tasks rejected in %s, scheduling fix wave", len(fixes), workspaceID)
		default:
			record("continue")
		}
	}

	tasks, err := o.stores.Tasks.ListByWorkspace(execCtx, workspaceID)
	if err != nil {
		return o.failRun(emit, workspaceID, "settling", err, taskIDs)
	}
	waves := o.coord.State(workspaceID).CurrentWave
	if allCompleted(tasks) {
		if _, err := o.coord.Reconcile(execCtx, workspaceID); err != nil {
			o.logger.Warn("orchestrator: settling %s: %v", workspaceID, err)
		}
		emit(PhaseEvent{Kind: PhaseCompleted, Wave: waves})
		return Result{Kind: ResultSuccess, WorkspaceID: workspaceID, Waves: waves, TaskIDs: taskIDs}
	}
	if noReview {
		err := fmt.Errorf("workspace %s stalled: no tasks ready and none under review", workspaceID)
		return o.failRun(emit, workspaceID, "scheduling", err, taskIDs)
	}
	o.logger.Warn("orchestrator: workspace %s hit the wave budget (%d)", workspaceID, o.maxWaves)
	emit(PhaseEvent{Kind: PhaseMaxWavesReached, Wave: waves, Count: o.maxWaves})
	return Result{Kind: ResultMaxWavesReached, WorkspaceID: workspaceID, Waves: waves, TaskIDs: taskIDs}
}

// runCrafter executes one delegated task. Provider errors degrade to a
// failed synthesized report so the fix wave can retry the task; only store
// failures abort the wave.
func (o *Orchestrator) runCrafter(ctx context.Context, wave int, a coordinator.Assignment, emit func(PhaseEvent)) error {
	prompt, err := o.coord.BuildAgentContext(ctx, a.CrafterID)
	if err != nil {
		return fmt.Errorf("crafter %s context: %w", a.CrafterID, err)
	}

	output, runErr := o.provider.Run(ctx, domain.RoleCrafter, a.CrafterID, prompt)
	if ctx.Err() != nil {
		// Cancelled mid-run: the task stays IN_PROGRESS.
		return nil
	}
	if runErr != nil {
		o.logger.Warn("orchestrator: crafter %s failed: %v", a.CrafterID, runErr)
	}

	if err := o.ensureCrafterReport(ctx, a.CrafterID, a.TaskID, output, runErr); err != nil {
		return err
	}
	emit(PhaseEvent{Kind: PhaseCrafterCompleted, Wave: wave, AgentID: a.CrafterID, TaskID: a.TaskID})
	return nil
}

// ensureCrafterReport settles a crafter that finished without calling
// report_to_parent: a report is synthesized from its run output and applied
// with the same store transitions the tool performs. A crafter that already
// reported is left untouched.
func (o *Orchestrator) ensureCrafterReport(ctx context.Context, agentID, taskID, output string, runErr error) error {
	agent, err := o.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	if agent.Status == domain.AgentCompleted {
		return nil
	}

	summary, success := o.synthesizeReport(output, runErr)
	status := domain.TaskReviewRequired
	if !success {
		status = domain.TaskNeedsFix
	}

	updated := false
	err = o.stores.Tasks.Update(ctx, taskID, func(t *domain.Task) error {
		if t.Status != domain.TaskInProgress || t.AssignedTo != agentID {
			return nil
		}
		t.Status = status
		t.CompletionSummary = summary
		updated = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle task %s: %w", taskID, err)
	}
	if updated {
		o.emitBus(domain.NewTaskStatusChangedEvent(agent.WorkspaceID, taskID, status))
	}

	if err := o.stores.Agents.UpdateStatus(ctx, agentID, domain.AgentCompleted); err != nil {
		return fmt.Errorf("settle agent %s: %w", agentID, err)
	}
	o.emitBus(domain.NewAgentCompletedEvent(agent.WorkspaceID, agentID, summary, success))
	o.logger.Info("orchestrator: synthesized report for %s (success=%t)", agentID, success)
	return nil
}

// synthesizeReport builds a completion summary from raw run output. Success
// is assumed unless the output mentions a failure.
func (o *Orchestrator) synthesizeReport(output string, runErr error) (string, bool) {
	if runErr != nil {
		return fmt.Sprintf("Run aborted before reporting: %v", runErr), false
	}

	lines := firstLines(output, maxSummaryLines)
	summary := strings.Join(lines, "\n")
	if summary == "" {
		summary = "Run ended without a report."
	}
	if files := o.extractPaths(output); len(files) > 0 {
		summary += "\nFiles: " + strings.Join(files, ", ")
	}

	upper := strings.ToUpper(output)
	success := !strings.Contains(upper, "FAILED") && !strings.Contains(upper, "ERROR")
	return summary, success
}

// extractPaths pulls unique file paths from run output, in order of first
// appearance.
func (o *Orchestrator) extractPaths(output string) []string {
	matches := o.pathPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var paths []string
	for _, match := range matches {
		if seen[match] {
			continue
		}
		seen[match] = true
		paths = append(paths, match)
		if len(paths) == maxReportFiles {
			break
		}
	}
	return paths
}

// ensureGateReport settles a gate that finished without reporting by parsing
// a verdict from its output and applying it to every task under review.
// Output with no recognizable verdict counts as a rejection; approval is
// never assumed.
func (o *Orchestrator) ensureGateReport(ctx context.Context, workspaceID, gateID, output string) error {
	gate, err := o.stores.Agents.Get(ctx, gateID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", gateID, err)
	}
	if gate.Status == domain.AgentCompleted {
		return nil
	}

	verdict := domain.ParseVerdict(output)
	if verdict == domain.VerdictNone {
		o.logger.Warn("orchestrator: gate %s gave no verdict, treating as %s", gateID, domain.VerdictNotApproved)
		verdict = domain.VerdictNotApproved
	}
	var status domain.TaskStatus
	switch verdict {
	case domain.VerdictApproved:
		status = domain.TaskCompleted
	case domain.VerdictBlocked:
		status = domain.TaskBlocked
	default:
		status = domain.TaskNeedsFix
	}

	detail := token.TruncateToTokens(strings.TrimSpace(output), gateReportTokenCap)
	if detail == "" {
		detail = "Verifier produced no report."
	}

	review, err := o.stores.Tasks.ListByStatus(ctx, workspaceID, domain.TaskReviewRequired)
	if err != nil {
		return fmt.Errorf("list review tasks: %w", err)
	}
	for _, task := range review {
		err := o.stores.Tasks.Update(ctx, task.ID, func(t *domain.Task) error {
			t.Status = status
			t.VerificationVerdict = verdict
			t.VerificationReport = detail
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply verdict to %s: %w", task.ID, err)
		}
		o.emitBus(domain.NewTaskStatusChangedEvent(workspaceID, task.ID, status))
	}

	if err := o.stores.Agents.UpdateStatus(ctx, gateID, domain.AgentCompleted); err != nil {
		return fmt.Errorf("settle agent %s: %w", gateID, err)
	}
	o.emitBus(domain.NewAgentCompletedEvent(workspaceID, gateID, detail, verdict == domain.VerdictApproved))
	o.logger.Info("orchestrator: synthesized %s verdict from gate %s for %d tasks", verdict, gateID, len(review))
	return nil
}

// settleCancelled resolves a run whose context was cancelled. Work already
// finished still counts: when the store shows every task completed the run
// succeeds despite the cancellation.
func (o *Orchestrator) settleCancelled(emit func(PhaseEvent), workspaceID string, taskIDs []string, cause error) Result {
	tasks, err := o.stores.Tasks.ListByWorkspace(context.Background(), workspaceID)
	if err == nil && allCompleted(tasks) {
		waves := o.coord.State(workspaceID).CurrentWave
		emit(PhaseEvent{Kind: PhaseCompleted, Wave: waves})
		return Result{Kind: ResultSuccess, WorkspaceID: workspaceID, Waves: waves, TaskIDs: taskIDs}
	}
	if cause == nil {
		cause = context.Canceled
	}
	return o.failRun(emit, workspaceID, "execute", cause, taskIDs)
}

// failRun marks the workspace failed, emits the terminal event and shapes
// the failed result.
func (o *Orchestrator) failRun(emit func(PhaseEvent), workspaceID, phase string, cause error, taskIDs []string) Result {
	o.coord.MarkFailed(workspaceID)
	o.metrics.IncPhaseFailure(phase, failureReason(cause))
	waves := o.coord.State(workspaceID).CurrentWave
	o.logger.Error("orchestrator: %s failed in %s: %v", phase, workspaceID, cause)
	emit(PhaseEvent{Kind: PhaseFailed, Wave: waves, Err: cause.Error()})
	return Result{Kind: ResultFailed, WorkspaceID: workspaceID, Waves: waves, TaskIDs: taskIDs, Err: cause}
}

func (o *Orchestrator) emitPhase(handler PhaseHandler, ev PhaseEvent) {
	ev.Time = time.Now()
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if handler != nil {
		handler(ev)
	}
	for _, sub := range o.phaseSubs {
		sub(ev)
	}
}

func (o *Orchestrator) emitBus(event domain.Event) {
	if o.bus != nil {
		o.bus.Emit(event)
	}
}

func allCompleted(tasks []*domain.Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// firstLines returns up to n leading non-empty lines, trimmed.
func firstLines(text string, n int) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return lines
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
