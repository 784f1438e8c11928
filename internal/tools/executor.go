package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"routa/internal/logging"
	"routa/internal/observability"
	"routa/internal/toolcall"
)

// ExecutionResult pairs a call with its outcome.
type ExecutionResult struct {
	Name   string
	Result *Result
}

// Executor runs extracted tool calls against a registry and renders
// the results for the model.
type Executor struct {
	registry *Registry
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMetrics records per-tool execution counters and durations.
func WithMetrics(m *observability.MetricsCollector) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracing opens a span per tool execution.
func WithTracing(tp *observability.TracerProvider) ExecutorOption {
	return func(e *Executor) { e.tracer = tp }
}

func NewExecutor(registry *Registry, logger logging.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		logger:   logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the underlying registry for definition listings.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteAll runs calls sequentially in input order. Order matters:
// results land in the conversation in the order the model issued the
// calls. A context cancelled mid-batch fails the remaining calls
// without running them.
func (e *Executor) ExecuteAll(ctx context.Context, calls []toolcall.ToolCall) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			results = append(results, ExecutionResult{
				Name:   call.Name,
				Result: Errorf("cancelled before execution: %v", err),
			})
			continue
		}
		results = append(results, ExecutionResult{
			Name:   call.Name,
			Result: e.executeOne(ctx, call),
		})
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call toolcall.ToolCall) *Result {
	started := time.Now()

	spanCtx := ctx
	if e.tracer != nil {
		var endSpan func()
		spanCtx, endSpan = e.startSpan(ctx, call.Name)
		defer endSpan()
	}

	result := e.registry.Execute(spanCtx, call.Name, call.Arguments)

	duration := time.Since(started)
	status := "success"
	if !result.Success {
		status = "error"
	}
	e.logger.Debug("tool %s finished: status=%s duration=%v", call.Name, status, duration)
	if e.metrics != nil {
		e.metrics.RecordToolExecution(ctx, call.Name, status, duration)
	}
	return result
}

func (e *Executor) startSpan(ctx context.Context, toolName string) (context.Context, func()) {
	spanCtx, span := e.tracer.StartSpan(ctx, observability.SpanToolExecute, observability.ToolAttrs(toolName)...)
	return spanCtx, func() { span.End() }
}

// FormatResults renders results as the text envelope fed back to the
// model, one block per result in execution order.
func FormatResults(results []ExecutionResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("<tool_result>\n")
		fmt.Fprintf(&b, "<tool_name>%s</tool_name>\n", r.Name)
		if r.Result.Success {
			b.WriteString("<status>success</status>\n")
			fmt.Fprintf(&b, "<output>%s</output>\n", r.Result.Output)
		} else {
			b.WriteString("<status>error</status>\n")
			fmt.Fprintf(&b, "<output>%s</output>\n", r.Result.Error)
		}
		b.WriteString("</tool_result>")
	}
	return b.String()
}
