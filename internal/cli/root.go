// Package cli implements canary's cobra command surface (spec §6's "CLI,
// config loading" ambient collaborator): `run`, `list`, `resume`, bound to
// internal/config's flag/env/file stack.
//
// Grounded on the teacher's installer CLI shape observed in the pack
// (AMD-AGI-Primus-SaFE's bootstrap/installer/internal/cmd): one file per
// subcommand, each registering itself on a shared rootCmd from its own
// init(), and a thin cmd/<binary>/main.go that only calls Execute.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "canary",
	Short: "canary schedules and runs parameterized test cases",
	Long: `canary discovers test-case declarations under one or more root
paths, expands their parameter axes, resolves their dependency DAG, and
runs them to completion against a local or scheduler-managed resource
pool.`,
	SilenceUsage: true,
}

// ExitCodeError carries a session's computed exit code (spec §6 exit code
// 30) up through cobra's plain error return, so main can apply it after
// RunAtExit cleanup has had a chance to run — unlike calling os.Exit
// directly from within a command, which would skip that cleanup.
type ExitCodeError struct{ Code int }

func (e *ExitCodeError) Error() string { return fmt.Sprintf("canary: exit code %d", e.Code) }

// Execute runs the canary CLI, returning the error (if any) the selected
// subcommand produced.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the canary CLI with ctx as the base context every
// subcommand sees via cmd.Context() — main supplies an interruptible one
// so a case's subprocess executor can react to SIGINT/SIGTERM.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
