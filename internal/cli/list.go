package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/config"
	"github.com/sandialabs/canary/internal/directive"
	"github.com/sandialabs/canary/internal/session"
	"github.com/sandialabs/canary/internal/tcase"
)

var listViper = viper.New()

var listCmd = &cobra.Command{
	Use:   "list [PATH ...]",
	Short: "print the frozen case set without running it",
	Long: `list discovers and freezes the case set exactly as run would, then
prints each case's key, resource requirement and dependencies, without
populating working directories or executing anything.`,
	RunE: runList,
}

func init() {
	config.BindFlags(listCmd.Flags(), listViper)
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{"."}
	}
	cfg, err := config.Load(listViper, args)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	canary.RegisterAtExit(func() error { _ = log.Sync(); return nil })

	sess := session.New(cfg, log.Sugar())
	if err := sess.Discover(directive.Default{}); err != nil {
		return fmt.Errorf("canary: discover: %w", err)
	}
	if err := sess.Freeze(); err != nil {
		return fmt.Errorf("canary: freeze: %w", err)
	}

	tcase.SortByKey(sess.Cases)
	for _, c := range sess.Cases {
		deps := make([]string, len(c.Deps))
		for i, d := range c.Deps {
			deps[i] = d.ID
		}
		cmd.Printf("%s  cpus=%d gpus=%d nodes=%d  deps=%v\n",
			c.Key(), c.Resources.CPUs, c.Resources.GPUs, c.Resources.Nodes, deps)
	}
	return nil
}
