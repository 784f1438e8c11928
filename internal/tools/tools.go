// Package tools implements the workspace tool registry and the
// built-in tools agents call through the text protocol.
//
// Tools never return Go errors across the execution boundary: every
// outcome, including a crash inside a handler, becomes a Result the
// model can read.
package tools

import (
	"context"
	"fmt"
	"sync"

	"routa/internal/logging"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Errorf builds a failed result with a diagnostic message.
func Errorf(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is one callable unit exposed to agents.
type Tool interface {
	// Execute runs the tool. Failures are reported inside the Result.
	Execute(ctx context.Context, args map[string]any) *Result

	// Definition returns the schema shown to the model.
	Definition() Definition
}

// Definition describes a tool for the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema defines tool parameters in JSON Schema form.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}

// Registry maps tool names to implementations.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("tools")
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers tools built at startup; a duplicate name at
// that point is a programming error.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute runs the named tool. Unknown names and handler panics come
// back as failed results, never as errors or crashes.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *Result) {
	tool, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool: %s", name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool %s panicked: %v", name, rec)
			result = Errorf("tool %s failed: internal error", name)
		}
	}()
	result = tool.Execute(ctx, args)
	if result == nil {
		result = Errorf("tool %s returned no result", name)
	}
	return result
}

// stringArg extracts a string argument, reporting whether it was
// present and a string.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// boolArg extracts an optional bool argument with a default.
func boolArg(args map[string]any, key string, fallback bool) bool {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

// intArg extracts an optional integer argument with a default. JSON
// numbers decode as float64, so both forms are accepted.
func intArg(args map[string]any, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}
