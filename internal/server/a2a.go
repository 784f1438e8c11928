package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"routa/internal/domain"
	"routa/internal/orchestrator"
	"routa/internal/store"
	"routa/internal/utils/id"
)

// Protocol methods served on the RPC endpoint.
const (
	methodMessageSend = "message/send"
	methodTasksGet    = "tasks/get"
	methodTasksCancel = "tasks/cancel"
)

// externalSender identifies protocol clients in forwarded conversation
// messages.
const externalSender = "external"

// maxRPCBodySize bounds how much of a request body is read.
const maxRPCBodySize = 1 << 20

// maxTitleLength bounds the task title derived from request text.
const maxTitleLength = 80

// TaskState is the protocol task lifecycle vocabulary.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateCanceled      TaskState = "canceled"
	StateFailed        TaskState = "failed"
	StateRejected      TaskState = "rejected"
)

// Part is one content fragment of a protocol message or artifact. Only text
// parts participate in core interop.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is the protocol message shape.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}

// Status reports a protocol task's current state.
type Status struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// Artifact carries one output of a protocol task.
type Artifact struct {
	Parts       []Part `json:"parts"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Index       int    `json:"index"`
}

// Task is the envelope returned by every protocol method.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    Status         `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// extLedger tracks protocol-created tasks. They are handles onto a workspace
// run rather than schedulable work, so they live outside the coordination
// store the scheduler scans.
type extLedger struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
}

func newExtLedger() *extLedger {
	return &extLedger{tasks: make(map[string]*domain.Task)}
}

func (l *extLedger) save(task *domain.Task) {
	l.mu.Lock()
	l.tasks[task.ID] = task.Clone()
	l.mu.Unlock()
}

func (l *extLedger) get(taskID string) (*domain.Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	task, ok := l.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

func (l *extLedger) update(taskID string, mutate func(*domain.Task)) (*domain.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[taskID]
	if !ok {
		return nil, false
	}
	mutate(task)
	task.UpdatedAt = time.Now()
	return task.Clone(), true
}

func (s *Server) emit(event domain.Event) {
	if s.bus != nil {
		s.bus.Emit(event)
	}
}

// handleRPC serves the JSON-RPC endpoint. RPC-level failures ride an HTTP
// 200 with the error object, per JSON-RPC over HTTP convention.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRPCBodySize))
	if err != nil {
		c.JSON(http.StatusOK, NewErrorResponse(nil, ParseError, "failed to read request body", err.Error()))
		return
	}

	req, rpcErr := UnmarshalRequest(body)
	if rpcErr != nil {
		c.JSON(http.StatusOK, &Response{JSONRPC: JSONRPCVersion, ID: nil, Error: rpcErr})
		return
	}

	ctx := c.Request.Context()
	var result *Task
	switch req.Method {
	case methodMessageSend:
		result, rpcErr = s.messageSend(ctx, req.Params)
	case methodTasksGet:
		result, rpcErr = s.tasksGet(ctx, req.Params)
	case methodTasksCancel:
		result, rpcErr = s.tasksCancel(ctx, req.Params)
	default:
		rpcErr = rpcErrorf(MethodNotFound, "method not found: %s", req.Method)
	}
	if rpcErr != nil {
		c.JSON(http.StatusOK, &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr})
		return
	}
	c.JSON(http.StatusOK, NewResponse(req.ID, result))
}

type sendParams struct {
	Message Message `json:"message"`
}

type taskRefParams struct {
	ID string `json:"id"`
}

// messageSend accepts a request, forwards it to the workspace's ROUTA agent
// and returns a submitted task envelope. The message's contextId selects the
// workspace; without one a fresh workspace is created. When an orchestrator
// is wired and the workspace is idle, a detached run is started.
func (s *Server) messageSend(ctx context.Context, raw json.RawMessage) (*Task, *RPCError) {
	var params sendParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	text := textOfParts(params.Message.Parts)
	if text == "" {
		return nil, rpcErrorf(InvalidParams, "message has no text parts")
	}

	workspaceID := params.Message.ContextID
	if workspaceID == "" {
		workspaceID = id.NewWorkspaceID()
	}
	routaID, err := s.coord.Initialize(ctx, workspaceID)
	if err != nil {
		return nil, rpcErrorf(InternalError, "initialize workspace: %v", err)
	}

	now := time.Now()
	task := &domain.Task{
		ID:          id.NewExternalTaskID(),
		WorkspaceID: workspaceID,
		Title:       requestTitle(text),
		Objective:   text,
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.external.save(task)

	if _, err := s.delivery.Deliver(ctx, externalSender, routaID, text); err != nil {
		return nil, rpcErrorf(InternalError, "deliver message: %v", err)
	}
	s.logger.Info("server: accepted %s in %s", task.ID, workspaceID)

	if s.orch != nil && !s.orch.Running(workspaceID) {
		go s.driveRun(workspaceID, task.ID, text)
	}

	inbound := params.Message
	if inbound.Role == "" {
		inbound.Role = "user"
	}
	if inbound.MessageID == "" {
		inbound.MessageID = id.NewMessageID()
	}
	inbound.ContextID = workspaceID

	envelope := buildEnvelope(task)
	envelope.History = []Message{inbound}
	envelope.Status.Message = &Message{
		Role:  "agent",
		Parts: []Part{{Type: "text", Text: "Request accepted and forwarded to the planner."}},
	}
	return envelope, nil
}

// tasksGet returns the envelope for an external or coordination task.
func (s *Server) tasksGet(ctx context.Context, raw json.RawMessage) (*Task, *RPCError) {
	var params taskRefParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.ID == "" {
		return nil, rpcErrorf(InvalidParams, "missing task id")
	}

	if task, ok := s.external.get(params.ID); ok {
		return buildEnvelope(task), nil
	}
	task, err := s.stores.Tasks.Get(ctx, params.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpcErrorf(InvalidParams, "unknown task: %s", params.ID)
	}
	if err != nil {
		return nil, rpcErrorf(InternalError, "load task: %v", err)
	}
	return buildEnvelope(task), nil
}

// tasksCancel marks a task CANCELLED and, for external tasks, stops the
// workspace's active run.
func (s *Server) tasksCancel(ctx context.Context, raw json.RawMessage) (*Task, *RPCError) {
	var params taskRefParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.ID == "" {
		return nil, rpcErrorf(InvalidParams, "missing task id")
	}

	if task, ok := s.external.update(params.ID, func(t *domain.Task) {
		t.Status = domain.TaskCancelled
	}); ok {
		s.stopWorkspace(ctx, task.WorkspaceID)
		s.emit(domain.NewTaskStatusChangedEvent(task.WorkspaceID, task.ID, domain.TaskCancelled))
		s.logger.Info("server: cancelled %s in %s", task.ID, task.WorkspaceID)
		return buildEnvelope(task), nil
	}

	err := s.stores.Tasks.Update(ctx, params.ID, func(t *domain.Task) error {
		t.Status = domain.TaskCancelled
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpcErrorf(InvalidParams, "unknown task: %s", params.ID)
	}
	if err != nil {
		return nil, rpcErrorf(InternalError, "cancel task: %v", err)
	}
	task, err := s.stores.Tasks.Get(ctx, params.ID)
	if err != nil {
		return nil, rpcErrorf(InternalError, "load task: %v", err)
	}
	s.emit(domain.NewTaskStatusChangedEvent(task.WorkspaceID, task.ID, domain.TaskCancelled))
	s.logger.Info("server: cancelled %s in %s", task.ID, task.WorkspaceID)
	return buildEnvelope(task), nil
}

// driveRun executes the workspace run behind a message/send call and settles
// the external task from the result. It is detached from the HTTP request;
// server shutdown cancels it.
func (s *Server) driveRun(workspaceID, externalID, request string) {
	task, ok := s.external.update(externalID, func(t *domain.Task) {
		if t.Status == domain.TaskCancelled {
			return
		}
		t.Status = domain.TaskInProgress
	})
	if !ok || task.Status == domain.TaskCancelled {
		return
	}
	s.emit(domain.NewTaskStatusChangedEvent(workspaceID, externalID, domain.TaskInProgress))

	result := s.orch.ExecuteInWorkspace(s.runCtx, workspaceID, request)
	status, summary := s.settleStatus(workspaceID, result)

	settled, ok := s.external.update(externalID, func(t *domain.Task) {
		if t.Status == domain.TaskCancelled {
			return
		}
		t.Status = status
		t.CompletionSummary = summary
	})
	if !ok {
		return
	}
	s.emit(domain.NewTaskStatusChangedEvent(workspaceID, externalID, settled.Status))
	s.logger.Info("server: run for %s ended %s, task %s now %s", workspaceID, result.Kind, externalID, settled.Status)
}

// settleStatus maps a run result onto the external task's final status and
// completion summary.
func (s *Server) settleStatus(workspaceID string, result orchestrator.Result) (domain.TaskStatus, string) {
	switch result.Kind {
	case orchestrator.ResultSuccess:
		return domain.TaskCompleted, s.runSummary(workspaceID)
	case orchestrator.ResultNoTasks:
		return domain.TaskCompleted, "The planner had nothing to schedule for this request."
	case orchestrator.ResultMaxWavesReached:
		return domain.TaskBlocked, fmt.Sprintf("Stopped after %d waves with tasks still open.", result.Waves)
	default:
		reason := "run failed"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		return domain.TaskBlocked, "Run failed: " + reason
	}
}

// runSummary renders one line per coordinated task for the completion
// artifact.
func (s *Server) runSummary(workspaceID string) string {
	summaries, err := s.coord.TaskSummaries(s.runCtx, workspaceID)
	if err != nil || len(summaries) == 0 {
		return "All tasks completed."
	}
	label := "tasks"
	if len(summaries) == 1 {
		label = "task"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d %s:\n", len(summaries), label)
	for _, summary := range summaries {
		fmt.Fprintf(&b, "- %s [%s]\n", summary.Title, summary.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// stopWorkspace propagates an external cancel onto an active run.
func (s *Server) stopWorkspace(ctx context.Context, workspaceID string) {
	if s.orch == nil || !s.orch.Running(workspaceID) {
		return
	}
	if err := s.orch.StopExecution(ctx, workspaceID); err != nil {
		s.logger.Warn("server: stop %s: %v", workspaceID, err)
	}
}

// buildEnvelope maps a task record onto the wire shape.
func buildEnvelope(task *domain.Task) *Task {
	envelope := &Task{
		ID:        task.ID,
		ContextID: task.WorkspaceID,
		Status: Status{
			State:     mapState(task.Status),
			Timestamp: task.UpdatedAt.UTC().Format(time.RFC3339),
		},
	}
	if task.Title != "" {
		envelope.Metadata = map[string]any{"title": task.Title}
	}
	if task.CompletionSummary != "" {
		envelope.Artifacts = []Artifact{{
			Parts: []Part{{Type: "text", Text: task.CompletionSummary}},
			Name:  "completion_summary",
		}}
	}
	return envelope
}

// mapState converts an internal task status onto the protocol vocabulary.
func mapState(status domain.TaskStatus) TaskState {
	switch status {
	case domain.TaskPending:
		return StateSubmitted
	case domain.TaskInProgress, domain.TaskReviewRequired, domain.TaskNeedsFix:
		return StateWorking
	case domain.TaskCompleted:
		return StateCompleted
	case domain.TaskCancelled:
		return StateCanceled
	case domain.TaskBlocked:
		return StateInputRequired
	default:
		return StateWorking
	}
}

func decodeParams(raw json.RawMessage, into any) *RPCError {
	if len(raw) == 0 {
		return rpcErrorf(InvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return rpcErrorf(InvalidParams, "invalid params: %v", err)
	}
	return nil
}

// textOfParts concatenates the text parts of a message in order.
func textOfParts(parts []Part) string {
	var texts []string
	for _, part := range parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		texts = append(texts, part.Text)
	}
	return strings.Join(texts, "\n")
}

// requestTitle derives a short task title from the request's first line.
func requestTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) <= maxTitleLength {
		return line
	}
	cut := maxTitleLength
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "..."
}
