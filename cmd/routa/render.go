package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	"golang.org/x/term"

	"routa/internal/coordinator"
	"routa/internal/orchestrator"
)

// phasePrinter renders orchestration progress as a compact line stream.
// Handlers run on the orchestrator goroutine, so print only formats and
// writes.
type phasePrinter struct {
	out io.Writer
}

func newPhasePrinter(out io.Writer) *phasePrinter {
	return &phasePrinter{out: out}
}

func (p *phasePrinter) print(ev orchestrator.PhaseEvent) {
	if line := formatPhase(ev); line != "" {
		fmt.Fprintln(p.out, line)
	}
}

// formatPhase maps one phase event to its progress line. Events carrying
// payloads only machine consumers want render as "".
func formatPhase(ev orchestrator.PhaseEvent) string {
	switch ev.Kind {
	case orchestrator.PhaseInitializing:
		return gray("· workspace " + ev.WorkspaceID)
	case orchestrator.PhasePlanning:
		return blue("● planning")
	case orchestrator.PhaseTasksRegistered:
		if ev.Count == 0 {
			return ""
		}
		return green("●") + " " + count(ev.Count, "task", "tasks") + " registered"
	case orchestrator.PhaseNoTasks:
		return gray("· nothing to schedule")
	case orchestrator.PhaseWaveStarting:
		return bold(fmt.Sprintf("wave %d", ev.Wave)) + gray(" · "+count(ev.Count, "crafter", "crafters"))
	case orchestrator.PhaseCrafterRunning:
		return "  " + cyan("▸") + " " + ev.TaskID + gray(" ("+ev.AgentID+")")
	case orchestrator.PhaseCrafterCompleted:
		return "  " + green("✓") + " " + ev.TaskID
	case orchestrator.PhaseVerificationStarting:
		return blue("● verifying") + gray(" "+count(ev.Count, "task", "tasks"))
	case orchestrator.PhaseNeedsFix:
		return yellow("↻ "+count(ev.Count, "task needs", "tasks need")) + yellow(" fixes")
	case orchestrator.PhaseCompleted:
		return green(bold("✓ completed")) + gray(" in "+count(ev.Wave, "wave", "waves"))
	case orchestrator.PhaseMaxWavesReached:
		return yellow(fmt.Sprintf("⚠ stopped after %d of %d waves with open tasks", ev.Wave, ev.Count))
	case orchestrator.PhaseFailed:
		return red("✗ " + ev.Err)
	default:
		return ""
	}
}

func count(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}

// summaryMarkdown builds the end-of-run report rendered below the phase
// stream.
func summaryMarkdown(result orchestrator.Result, summaries []coordinator.TaskSummary) string {
	var b strings.Builder
	switch result.Kind {
	case orchestrator.ResultSuccess:
		b.WriteString("## Run complete\n\n")
	case orchestrator.ResultNoTasks:
		return "The planner had nothing to schedule for this request.\n"
	case orchestrator.ResultMaxWavesReached:
		b.WriteString("## Run stopped\n\nThe wave budget ran out with tasks still open.\n\n")
	case orchestrator.ResultFailed:
		b.WriteString("## Run failed\n\n")
		if result.Err != nil {
			fmt.Fprintf(&b, "%v\n\n", result.Err)
		}
	}

	if len(summaries) > 0 {
		b.WriteString("| Task | Status | Verdict |\n")
		b.WriteString("|---|---|---|\n")
		for _, s := range summaries {
			verdict := string(s.Verdict)
			if verdict == "" {
				verdict = "-"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Title, s.Status, verdict)
		}
	}
	return b.String()
}

// renderMarkdown renders markdown content to the terminal, wrapping to
// its width.
func renderMarkdown(content string) string {
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}
	return string(markdown.Render(content, width, 2))
}
