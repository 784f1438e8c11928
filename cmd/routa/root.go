package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// isTTY checks if the current environment has a TTY available.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions for progress output.
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "routa [request]",
		Short: "Multi-agent task orchestrator",
		Long: fmt.Sprintf(`%s

routa plans a request into tasks, delegates them to crafter agents in
parallel waves and verifies every result before reporting back.

%s
  routa "add a health endpoint to the API"    # one-shot run
  routa                                       # interactive session
  routa serve                                 # agent-to-agent API server
  routa config init                           # write a starter routa.yaml`,
			bold("routa "+version), bold("EXAMPLES:")),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return runOnce(configPath, strings.Join(args, " "), "")
			}
			if !isTTY() {
				// No TTY available (CI environment), show help instead.
				return cmd.Help()
			}
			return runInteractive(configPath)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default routa.yaml in . or $HOME)")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newConfigCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
