// Package plan parses planner output into task specifications.
//
// Two dialects are understood: markdown task blocks delimited by
// @@@task ... @@@ markers, and JSON plans carried in fenced code
// regions. Markdown parsing never fails; malformed blocks are
// discarded with a warning so a single bad block cannot sink an
// otherwise usable plan.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"routa/internal/logging"
)

// Strategy selects how parsed tasks are executed.
type Strategy string

const (
	StrategySingleAgent Strategy = "single_agent"
	StrategyMultiAgent  Strategy = "multi_agent"
)

// Parallelism bounds for wave execution. Values outside the range are
// clamped, never rejected.
const (
	MinParallelism     = 1
	MaxParallelism     = 5
	DefaultParallelism = 1
)

// ClampParallelism forces n into [MinParallelism, MaxParallelism].
// A zero value (absent in the source plan) clamps to the minimum.
func ClampParallelism(n int) int {
	if n < MinParallelism {
		return MinParallelism
	}
	if n > MaxParallelism {
		return MaxParallelism
	}
	return n
}

// TaskSpec is one parsed unit of work. Dependencies and ParallelGroup
// are only populated by JSON plans; markdown blocks leave them zero.
type TaskSpec struct {
	Title                string   `json:"title"`
	Objective            string   `json:"objective"`
	Scope                string   `json:"scope,omitempty"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	VerificationCommands []string `json:"verification_commands,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty"`
	ParallelGroup        int      `json:"parallel_group,omitempty"`
}

// Plan is the full output of a planning turn.
type Plan struct {
	Strategy       Strategy   `json:"strategy"`
	MaxParallelism int        `json:"max_parallelism"`
	Tasks          []TaskSpec `json:"tasks"`
}

// Parser extracts task specifications from raw model output.
type Parser struct {
	logger logging.Logger
}

func NewParser(logger logging.Logger) *Parser {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("plan")
	}
	return &Parser{logger: logger}
}

// ParsePlan interprets text as a plan, preferring markdown task blocks
// over a JSON plan. It never fails: text containing neither dialect
// yields an empty plan.
func (p *Parser) ParsePlan(text string) *Plan {
	if tasks := p.Parse(text); len(tasks) > 0 {
		return &Plan{
			Strategy:       StrategyMultiAgent,
			MaxParallelism: DefaultParallelism,
			Tasks:          tasks,
		}
	}
	plan, err := p.ParseJSON(text)
	if err != nil {
		p.logger.Debug("plan: no task blocks and no JSON plan: %v", err)
		return &Plan{Strategy: StrategyMultiAgent, MaxParallelism: DefaultParallelism}
	}
	return plan
}

const (
	blockOpen  = "@@@task"
	blockClose = "@@@"
)

// Parse scans text for @@@task blocks and returns them in textual
// order. Blocks missing a title are discarded with a warning. An
// unterminated final block is parsed through end of input.
func (p *Parser) Parse(text string) []TaskSpec {
	var specs []TaskSpec
	var block []string
	inBlock := false

	flush := func() {
		if spec, ok := p.parseBlock(block); ok {
			specs = append(specs, spec)
		}
		block = nil
	}

	for _, line := range strings.Split(text, "\n") {
		switch strings.TrimSpace(line) {
		case blockOpen:
			if inBlock {
				p.logger.Warn("plan: task block missing @@@ terminator before next block")
				flush()
			}
			inBlock = true
		case blockClose:
			if inBlock {
				flush()
				inBlock = false
			}
		default:
			if inBlock {
				block = append(block, line)
			}
		}
	}
	if inBlock {
		p.logger.Warn("plan: final task block missing @@@ terminator")
		flush()
	}
	return specs
}

// Section states while walking a block body.
const (
	sectionObjective = iota
	sectionScope
	sectionDone
	sectionVerification
	sectionIgnored
)

func (p *Parser) parseBlock(lines []string) (TaskSpec, bool) {
	var spec TaskSpec
	var objective, scope []string
	section := sectionObjective
	seenKnown := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if spec.Title == "" {
			if trimmed == "" {
				continue
			}
			title, ok := strings.CutPrefix(trimmed, "# ")
			if !ok || strings.TrimSpace(title) == "" {
				p.logger.Warn("plan: discarding task block without title line")
				return TaskSpec{}, false
			}
			spec.Title = strings.TrimSpace(title)
			continue
		}

		if heading, ok := strings.CutPrefix(trimmed, "## "); ok {
			switch strings.ToLower(strings.TrimSpace(heading)) {
			case "objective":
				section = sectionObjective
			case "scope":
				section = sectionScope
			case "definition of done":
				section = sectionDone
			case "verification":
				section = sectionVerification
			default:
				// Unknown sections fold into the objective until a
				// known heading appears, then get dropped.
				if seenKnown {
					section = sectionIgnored
				} else {
					section = sectionObjective
					continue
				}
			}
			if section != sectionIgnored {
				seenKnown = true
			}
			continue
		}

		switch section {
		case sectionObjective:
			objective = append(objective, strings.TrimRight(line, " \t\r"))
		case sectionScope:
			scope = append(scope, strings.TrimRight(line, " \t\r"))
		case sectionDone:
			if item, ok := strings.CutPrefix(trimmed, "- "); ok {
				spec.AcceptanceCriteria = append(spec.AcceptanceCriteria, strings.TrimSpace(item))
			}
		case sectionVerification:
			if item, ok := strings.CutPrefix(trimmed, "- "); ok {
				spec.VerificationCommands = append(spec.VerificationCommands, strings.TrimSpace(item))
			}
		}
	}

	spec.Objective = strings.TrimSpace(strings.Join(objective, "\n"))
	spec.Scope = strings.TrimSpace(strings.Join(scope, "\n"))
	return spec, true
}

// Canonical renders the spec back into markdown block form. Parsing
// the result reproduces the same spec, so plans survive a round trip
// through a model's context window.
func (s TaskSpec) Canonical() string {
	var b strings.Builder
	b.WriteString(blockOpen + "\n")
	fmt.Fprintf(&b, "# %s\n", s.Title)
	if s.Objective != "" {
		b.WriteString("## Objective\n")
		b.WriteString(s.Objective + "\n")
	}
	if s.Scope != "" {
		b.WriteString("## Scope\n")
		b.WriteString(s.Scope + "\n")
	}
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("## Definition of Done\n")
		for _, item := range s.AcceptanceCriteria {
			b.WriteString("- " + item + "\n")
		}
	}
	if len(s.VerificationCommands) > 0 {
		b.WriteString("## Verification\n")
		for _, item := range s.VerificationCommands {
			b.WriteString("- " + item + "\n")
		}
	}
	b.WriteString(blockClose + "\n")
	return b.String()
}

var fencedRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n(.*?)```")

type jsonTask struct {
	Title                string   `json:"title"`
	Objective            string   `json:"objective"`
	Description          string   `json:"description"`
	Scope                string   `json:"scope"`
	AcceptanceCriteria   []string `json:"acceptance_criteria"`
	VerificationCommands []string `json:"verification_commands"`
	Dependencies         []string `json:"dependencies"`
	ParallelGroup        int      `json:"parallel_group"`
}

type jsonPlan struct {
	Strategy       string     `json:"strategy"`
	MaxParallelism int        `json:"max_parallelism"`
	Tasks          []jsonTask `json:"tasks"`
}

// ParseJSON extracts a JSON plan from the first fenced code region, or
// from the whole text when it is bare JSON. Malformed payloads go
// through a repair pass before giving up.
func (p *Parser) ParseJSON(text string) (*Plan, error) {
	payload := ""
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		payload = strings.TrimSpace(m[1])
	} else if t := strings.TrimSpace(text); strings.HasPrefix(t, "{") {
		payload = t
	}
	if payload == "" {
		return nil, fmt.Errorf("no JSON plan found")
	}

	var raw jsonPlan
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("parse JSON plan: %w", err)
		}
		p.logger.Warn("plan: repaired malformed JSON plan")
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return nil, fmt.Errorf("parse repaired JSON plan: %w", err)
		}
	}

	plan := &Plan{
		Strategy:       normalizeStrategy(raw.Strategy),
		MaxParallelism: ClampParallelism(raw.MaxParallelism),
	}
	for _, t := range raw.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			p.logger.Warn("plan: discarding JSON task without title")
			continue
		}
		objective := t.Objective
		if objective == "" {
			objective = t.Description
		}
		plan.Tasks = append(plan.Tasks, TaskSpec{
			Title:                strings.TrimSpace(t.Title),
			Objective:            strings.TrimSpace(objective),
			Scope:                strings.TrimSpace(t.Scope),
			AcceptanceCriteria:   t.AcceptanceCriteria,
			VerificationCommands: t.VerificationCommands,
			Dependencies:         t.Dependencies,
			ParallelGroup:        t.ParallelGroup,
		})
	}
	return plan, nil
}

func normalizeStrategy(s string) Strategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StrategySingleAgent):
		return StrategySingleAgent
	default:
		return StrategyMultiAgent
	}
}
