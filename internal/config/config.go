// Package config loads and freezes the session configuration: workers,
// keyword expression, scheduler backend, batch policy, retry limit,
// timeouts (spec §1 ambient CLI/config surface). Loaded from flags / env
// (CANARY_*) / an optional canary.yaml via viper bound to pflag through
// cobra, matching the stack AMD-AGI-Primus-SaFE's job-manager and
// resource-manager modules use for the same concern.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the frozen, immutable session configuration (spec §9 "thread
// a Session context object through the pipeline explicitly" — Config is
// the value half of that context; Session in internal/session owns the
// mutable half).
type Config struct {
	Roots       []string `mapstructure:"roots" json:"roots"`
	SessionDir  string   `mapstructure:"dir" json:"session_dir"`
	Workers     int      `mapstructure:"workers" json:"workers"`
	KeywordExpr string   `mapstructure:"keywords" json:"keyword_expr,omitempty"`
	UntilPhase  string   `mapstructure:"until" json:"until_phase,omitempty"`

	BatchSpec     []string `mapstructure:"batch-spec" json:"batch_spec,omitempty"`
	SchedulerName string `mapstructure:"batch-scheduler" json:"scheduler,omitempty"`
	BatchWorkers  int    `mapstructure:"batch-workers" json:"batch_workers,omitempty"`

	RetryLimit int `mapstructure:"retry-limit" json:"retry_limit"`

	CPUs  int `mapstructure:"cpus" json:"cpus"`
	GPUs  int `mapstructure:"gpus" json:"gpus"`
	Nodes int `mapstructure:"nodes" json:"nodes"`

	Verbose bool   `mapstructure:"verbose" json:"verbose,omitempty"`
	Listen  string `mapstructure:"listen" json:"listen,omitempty"`
	Trace   string `mapstructure:"trace" json:"trace,omitempty"`

	// WatchCron, when set, logs the resource pool's free CPU/GPU/node
	// counts on this cron schedule while the session runs (spec §6
	// `run --watch-cron`); batch polling keeps its own fixed ticker.
	WatchCron string `mapstructure:"watch-cron" json:"watch_cron,omitempty"`

	// BatchID restricts Run to cases whose BatchID matches: set only by a
	// scheduler driver's own recursive self-invocation of this binary
	// (spec §4.9), never by an operator directly.
	BatchID string `mapstructure:"batch-id" json:"batch_id,omitempty"`
}

// BindFlags registers canary run's flag surface (spec §6 CLI) on fs and
// binds them into v, so CANARY_* env vars and an optional canary.yaml
// config file can also supply values, with flags taking precedence.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.StringP("dir", "d", "TestResults", "session output directory")
	fs.Int("workers", 0, "number of concurrent local workers (values below 1 mean 1)")
	fs.StringP("keywords", "k", "", "keyword filter expression")
	fs.String("until", "", "stop after the named phase (discover|freeze|populate|run|finish)")
	fs.StringArray("batch-spec", nil, "batch spec `key=value` (policy, layout, nodes, count, duration)")
	fs.String("batch-scheduler", "", "scheduler backend: shell, slurm, pbs, flux")
	fs.Int("batch-workers", 0, "concurrent batch submissions (0: same as --workers)")
	fs.Int("retry-limit", 0, "max retries of a transient failure")
	fs.Int("cpus", 0, "resource pool CPU capacity (0: auto-detect NumCPU)")
	fs.Int("gpus", 0, "resource pool GPU capacity")
	fs.Int("nodes", 1, "resource pool node capacity")
	fs.BoolP("verbose", "v", false, "enable debug logging")
	fs.String("listen", "", "address to serve /metrics and /healthz on")
	fs.String("trace", "", "write a chrome://tracing event file")
	fs.String("watch-cron", "", "cron schedule for periodic resource-pool status logging")
	fs.String("batch-id", "", "internal: restrict this run to one batch's cases (set by the scheduler driver's own resubmission)")

	v.BindPFlags(fs)
	v.SetEnvPrefix("CANARY")
	v.AutomaticEnv()
	v.SetConfigName("canary")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
}

// Load reads bound flags/env/config-file values into a Config, given the
// positional root paths from the CLI invocation.
func Load(v *viper.Viper, roots []string) (Config, error) {
	_ = v.ReadInConfig() // optional canary.yaml; absence is not an error
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Roots = roots
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = cfg.Workers
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	return cfg, nil
}

// Freeze writes cfg as `.canary/config` JSON under sessionDir, atomically
// via renameio (spec §6 "frozen session configuration (JSON)").
func Freeze(sessionDir string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(sessionDir, ".canary", "config")
	return renameio.WriteFile(path, b, 0644)
}

// LoadFrozen reads back a prior `canary run`'s frozen `.canary/config`, for
// `canary resume`'s re-entry into an existing session directory (spec §4.7
// "re-entrant run on an existing session").
func LoadFrozen(sessionDir string) (Config, error) {
	var cfg Config
	path := filepath.Join(sessionDir, ".canary", "config")
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load frozen: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: load frozen: %w", err)
	}
	return cfg, nil
}

// ParseBatchSpec turns the repeated `-b key=value` flags into a map, the
// shape Session consults to build a batch.Policy.
func ParseBatchSpec(kvs []string) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
