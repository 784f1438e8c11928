package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"routa/internal/config"
	"routa/internal/orchestrator"
	"routa/internal/utils/id"
)

// runInteractive runs a REPL with readline support (arrow keys, history).
// Every request orchestrates in the same workspace, so follow-ups see the
// tasks and reports of earlier rounds.
func runInteractive(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	a.orch.OnPhase(newPhasePrinter(os.Stdout).print)

	fmt.Println(bold("routa " + version))
	fmt.Println("Type a request and press Enter. Type 'exit' or 'quit' to quit.")
	fmt.Println("Use ↑/↓ arrow keys to navigate command history.")
	fmt.Println()

	workspaceID := id.NewWorkspaceID()
	if _, err := a.coord.Initialize(context.Background(), workspaceID); err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}
	fmt.Printf("Workspace: %s\n\n", workspaceID)

	homeDir, _ := os.UserHomeDir()
	historyFile := filepath.Join(homeDir, ".routa-history")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,

		Stdin:  readline.NewCancelableStdin(os.Stdin),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		input, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(input) == 0 {
				fmt.Println("\nGoodbye!")
				break
			}
			continue
		} else if err == io.EOF {
			fmt.Println("\nGoodbye!")
			break
		}

		input = strings.TrimSpace(input)
		if input == "exit" || input == "quit" || input == "q" {
			fmt.Println("Goodbye!")
			break
		}
		if input == "" {
			continue
		}

		// Ctrl+C during a run cancels the run, not the session.
		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		result := a.orch.ExecuteInWorkspace(runCtx, workspaceID, input)
		stop()

		printOutcome(a, result)
	}

	return nil
}

// printOutcome renders one run's report without ending the session.
func printOutcome(a *app, result orchestrator.Result) {
	if result.Kind == orchestrator.ResultFailed && errors.Is(result.Err, context.Canceled) {
		fmt.Printf("\n%s\n\n", yellow("Run cancelled."))
		return
	}

	summaries, err := a.coord.TaskSummaries(context.Background(), result.WorkspaceID)
	if err != nil {
		summaries = nil
	}
	fmt.Printf("\n%s\n", renderMarkdown(summaryMarkdown(result, summaries)))

	switch result.Kind {
	case orchestrator.ResultSuccess:
		fmt.Printf("%s\n\n", green("✓ Completed in "+count(result.Waves, "wave", "waves")))
	case orchestrator.ResultMaxWavesReached:
		fmt.Printf("%s\n\n", yellow("⚠ Open tasks remain; refine the request to continue."))
	default:
		fmt.Println()
	}
}
