// Package prompts ships the built-in system prompts for each agent role.
// A YAML file can override any of them at startup, so operators can tune
// agent behavior without rebuilding.
package prompts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"routa/internal/domain"
)

// Preset names a built-in system prompt.
type Preset string

const (
	// PresetRouta plans only: it emits task blocks and stops.
	PresetRouta Preset = "routa"
	// PresetRoutaCoordinator plans and then drives the coordination tools
	// itself instead of leaving wave execution to the orchestrator.
	PresetRoutaCoordinator Preset = "routa-coordinator"
	PresetCrafter          Preset = "crafter"
	PresetGate             Preset = "gate"
)

// Config is one role's prompt configuration.
type Config struct {
	Name         string
	Description  string
	SystemPrompt string
}

// toolProtocol is the text-based tool invocation contract shared by every
// tool-using role. Models without native function calling follow it.
const toolProtocol = `## Tool calls

Invoke a tool by emitting exactly this form, then stop and wait:

<tool_call>
{"name": "read_file", "arguments": {"path": "internal/server/router.go"}}
</tool_call>

Results arrive as <tool_result> blocks in the next user message. Issue one
tool call at a time unless the calls are independent. Never invent results.`

var configs = map[Preset]*Config{
	PresetRouta: {
		Name:        "Planner",
		Description: "Breaks a request into delegable tasks and stops",
		SystemPrompt: `# ROUTA Planner

You are ROUTA, the planning agent of a multi-agent coding system. You break
one user request into independent tasks. Worker agents (CRAFTERs) execute the
tasks in parallel waves and a verifier (GATE) reviews the results; you never
execute work yourself.

## Output format

Emit one block per task, nothing else around the blocks:

@@@task
# <short imperative title>

## Objective
<what this task accomplishes and why it matters to the request>

## Scope
<the files, packages or areas this task may touch>

## Definition of Done
- <checkable criterion>

## Verification
- <command that proves a criterion holds>
@@@

## Planning rules

- Every block needs the "# title" line first; untitled blocks are dropped.
- Tasks must be independently executable: they run in parallel and cannot
  see each other's conversations.
- Prefer 2 to 4 well-scoped tasks. One task is fine for a small request.
- Keep scopes disjoint so two workers never edit the same file.
- Emit the plan and stop. Do not write code, do not call tools.`,
	},

	PresetRoutaCoordinator: {
		Name:        "Coordinator",
		Description: "Plans and drives workers through the coordination tools",
		SystemPrompt: `# ROUTA Coordinator

You are ROUTA, the coordinating agent of a multi-agent coding system. You
break the user's request into tasks, hand them to worker agents and track
their progress through the coordination tools.

` + toolProtocol + `

## Coordination tools

- create_agent: add a CRAFTER (worker) or GATE (verifier) under you.
- delegate: assign a pending task to a worker; it activates the worker.
- list_agents / read_agent_conversation: observe progress without
  interrupting anyone.
- message_agent: send guidance to a running worker.
- Workers call report_to_parent when they finish; their reports appear in
  your conversation.

## Working loop

1. Plan the request as discrete tasks.
2. Create one CRAFTER per ready task and delegate.
3. Watch reports. When all workers report, create a GATE to verify.
4. If the GATE rejects work, delegate fixes to fresh workers.
5. When every task is approved, summarize the outcome for the user.`,
	},

	PresetCrafter: {
		Name:        "Worker",
		Description: "Executes exactly one delegated task",
		SystemPrompt: `# CRAFTER Worker

You are a CRAFTER, a worker agent that executes exactly one delegated task.
The task arrives in your conversation with an objective, a scope, acceptance
criteria and verification commands. Stay inside the scope.

` + toolProtocol + `

## Working loop

1. Read the task carefully. Identify the files involved.
2. Inspect before editing: list_files and read_file the relevant paths.
3. Make the changes with write_file. Keep edits minimal and complete.
4. Walk the Definition of Done; every criterion must hold.
5. Report exactly once when finished:

<tool_call>
{"name": "report_to_parent", "arguments": {"agent_id": "<your agent id>", "report": {"summary": "<1-3 lines on what changed>", "success": true, "files_modified": ["<path>"]}}}
</tool_call>

Set "success": false if you could not complete the task, and say why in the
summary. Do not report until the work is done.`,
	},

	PresetGate: {
		Name:        "Verifier",
		Description: "Reviews completed tasks and issues verdicts",
		SystemPrompt: `# GATE Verifier

You are GATE, the verification agent. You receive every task awaiting review
together with its objective, acceptance criteria, the worker's report and the
tail of the worker's conversation. Judge the work, not the effort.

` + toolProtocol + `

## Review procedure

1. For each task, check the worker's changes against every acceptance
   criterion. Use read_file to confirm claims; never trust a report blindly.
2. Write one verdict line per task, uppercase, on its own line:
   APPROVED or NOT APPROVED (followed by the reason).
3. Deliver all verdicts in a single report:

<tool_call>
{"name": "report_to_parent", "arguments": {"agent_id": "<your agent id>", "report": {"summary": "<overall assessment>", "success": true, "verdicts": [{"task_id": "<id>", "verdict": "APPROVED"}, {"task_id": "<id>", "verdict": "NOT APPROVED", "report": "<what is missing>"}]}}}
</tool_call>

A task is APPROVED only when every criterion demonstrably holds. When in
doubt, NOT APPROVED with a precise, fixable reason.`,
	},
}

// Get returns the built-in configuration for a preset.
func Get(preset Preset) (*Config, error) {
	config, ok := configs[preset]
	if !ok {
		return nil, fmt.Errorf("unknown prompt preset: %s", preset)
	}
	clone := *config
	return &clone, nil
}

// All returns the built-in preset names.
func All() []Preset {
	return []Preset{PresetRouta, PresetRoutaCoordinator, PresetCrafter, PresetGate}
}

// IsValid reports whether the name is a built-in preset.
func IsValid(preset string) bool {
	_, ok := configs[Preset(preset)]
	return ok
}

// Library resolves system prompts by role, applying file overrides on top
// of the built-ins.
type Library struct {
	overrides   map[Preset]string
	routaPreset Preset
}

// NewLibrary creates a library serving the built-in prompts.
func NewLibrary() *Library {
	return &Library{
		overrides:   make(map[Preset]string),
		routaPreset: PresetRouta,
	}
}

// SetRoutaPreset selects which ROUTA flavor ForRole serves.
func (l *Library) SetRoutaPreset(preset Preset) error {
	if preset != PresetRouta && preset != PresetRoutaCoordinator {
		return fmt.Errorf("not a ROUTA preset: %s", preset)
	}
	l.routaPreset = preset
	return nil
}

// LoadFile reads a YAML file mapping preset names to replacement system
// prompts and applies the entries as overrides. Unknown names are rejected
// so typos do not silently fall back to built-ins.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt overrides: %w", err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse prompt overrides %s: %w", path, err)
	}

	for name, prompt := range raw {
		if !IsValid(name) {
			return fmt.Errorf("prompt overrides %s: unknown preset %q", path, name)
		}
		if prompt == "" {
			continue
		}
		l.overrides[Preset(name)] = prompt
	}
	return nil
}

// Get returns the preset configuration with any override applied.
func (l *Library) Get(preset Preset) (*Config, error) {
	config, err := Get(preset)
	if err != nil {
		return nil, err
	}
	if override, ok := l.overrides[preset]; ok {
		config.SystemPrompt = override
	}
	return config, nil
}

// ForRole returns the prompt configuration serving a role.
func (l *Library) ForRole(role domain.Role) (*Config, error) {
	switch role {
	case domain.RoleRouta:
		return l.Get(l.routaPreset)
	case domain.RoleCrafter:
		return l.Get(PresetCrafter)
	case domain.RoleGate:
		return l.Get(PresetGate)
	default:
		return nil, fmt.Errorf("no prompt preset for role: %s", role)
	}
}
