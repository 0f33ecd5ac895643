package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/config"
	"github.com/sandialabs/canary/internal/directive"
	"github.com/sandialabs/canary/internal/oninterrupt"
	"github.com/sandialabs/canary/internal/session"
)

var resumeCmd = &cobra.Command{
	Use:   "resume DIR",
	Short: "re-enter an existing session directory and continue it",
	Long: `resume reloads a session's frozen configuration from DIR/.canary/config,
re-discovers and re-freezes its case set (skipping any case whose checkpoint
is still resumable), and continues from Populate through Finish.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionDir := args[0]
	cfg, err := config.LoadFrozen(sessionDir)
	if err != nil {
		return fmt.Errorf("canary: resume: %w", err)
	}
	cfg.SessionDir = sessionDir

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	canary.RegisterAtExit(func() error { _ = log.Sync(); return nil })
	sugar := log.Sugar()

	sess := session.New(cfg, sugar)
	if err := sess.Discover(directive.Default{}); err != nil {
		return fmt.Errorf("canary: resume: discover: %w", err)
	}
	if err := sess.Freeze(); err != nil {
		return fmt.Errorf("canary: resume: freeze: %w", err)
	}

	oninterrupt.Register(func() {
		for _, c := range sess.Cases {
			if c.Status().Terminal() {
				continue
			}
			c.SetNotRun("interrupted")
		}
	})

	if err := sess.Populate(); err != nil {
		return fmt.Errorf("canary: resume: populate: %w", err)
	}

	finished, runErr := sess.Run(cmd.Context())
	if runErr != nil {
		sugar.Errorw("resume", "err", runErr)
	}

	summary := sess.Finish(finished)
	cmd.Printf("%d cases: %v\n", len(finished), summary.Counts)
	if summary.ExitCode != 0 {
		return &ExitCodeError{Code: summary.ExitCode}
	}
	return runErr
}
