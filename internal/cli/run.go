package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/config"
	"github.com/sandialabs/canary/internal/directive"
	"github.com/sandialabs/canary/internal/oninterrupt"
	"github.com/sandialabs/canary/internal/session"
	"github.com/sandialabs/canary/internal/trace"
)

var runViper = viper.New()

var runCmd = &cobra.Command{
	Use:   "run [PATH ...]",
	Short: "discover, freeze, populate and run a test-case session",
	Long: `run discovers test-case declarations under each PATH (the current
directory if none given), expands parameters, resolves dependencies,
reserves resources and runs every case to completion (or to --until PHASE).`,
	RunE: runRun,
}

func init() {
	config.BindFlags(runCmd.Flags(), runViper)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{"."}
	}
	cfg, err := config.Load(runViper, args)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	canary.RegisterAtExit(func() error { _ = log.Sync(); return nil })
	sugar := log.Sugar()

	if cfg.Trace != "" {
		f, err := os.Create(cfg.Trace)
		if err != nil {
			return fmt.Errorf("canary: trace: %w", err)
		}
		defer f.Close()
		trace.Sink(f)
	}

	sess := session.New(cfg, sugar)
	sess.BatchFilter = cfg.BatchID

	if cfg.Listen != "" {
		go serveMetrics(cfg.Listen, sess, sugar)
	}

	if err := sess.Discover(directive.Default{}); err != nil {
		return fmt.Errorf("canary: discover: %w", err)
	}
	if cfg.UntilPhase == "discover" {
		return nil
	}

	if err := sess.Freeze(); err != nil {
		return fmt.Errorf("canary: freeze: %w", err)
	}
	if cfg.UntilPhase == "freeze" {
		return nil
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
		return fmt.Errorf("canary: populate: %w", err)
	}
	if cfg.UntilPhase == "populate" {
		return nil
	}

	var scheduler *cron.Cron
	if cfg.WatchCron != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.WatchCron, func() {
			reportPoolStatus(sess, sugar)
		}); err != nil {
			return fmt.Errorf("canary: watch-cron: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	finished, runErr := sess.Run(cmd.Context())
	if runErr != nil {
		sugar.Errorw("run", "err", runErr)
	}

	summary := sess.Finish(finished)
	cmd.Printf("%d cases: %v\n", len(finished), summary.Counts)
	if summary.ExitCode != 0 {
		return &ExitCodeError{Code: summary.ExitCode}
	}
	return runErr
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Encoding = "console"
	return cfg.Build()
}

func reportPoolStatus(sess *session.Session, log *zap.SugaredLogger) {
	if sess.Pool == nil {
		return
	}
	capacity := sess.Pool.Capacity()
	log.Infow("watch-cron reconciliation", "free_cpus", capacity.Free.CPUs, "free_gpus", capacity.Free.GPUs, "free_nodes", capacity.Free.Nodes)
}

func serveMetrics(addr string, sess *session.Session, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sess.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
