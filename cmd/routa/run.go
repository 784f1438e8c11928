package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"routa/internal/config"
	"routa/internal/orchestrator"
)

func newRunCmd(configPath *string) *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run one orchestration to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(*configPath, strings.Join(args, " "), workspaceID)
		},
	}
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "Existing workspace to continue")
	return cmd
}

// runOnce executes a single request and renders the outcome. Interrupts
// cancel the run; open tasks keep their state for a later resume.
func runOnce(configPath, request, workspaceID string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := a.orch.ExecuteInWorkspace(ctx, workspaceID, request)
	return finishRun(a, result)
}

// finishRun prints the final report and shapes the process exit code.
func finishRun(a *app, result orchestrator.Result) error {
	summaries, err := a.coord.TaskSummaries(context.Background(), result.WorkspaceID)
	if err != nil {
		summaries = nil
	}
	fmt.Println()
	fmt.Print(renderMarkdown(summaryMarkdown(result, summaries)))

	switch result.Kind {
	case orchestrator.ResultFailed:
		if errors.Is(result.Err, context.Canceled) {
			return errors.New("run cancelled")
		}
		return result.Err
	case orchestrator.ResultMaxWavesReached:
		return fmt.Errorf("stopped after %d waves with tasks still open", result.Waves)
	}
	return nil
}
