// Package session implements the Session Driver (component G): the
// Discover -> Freeze -> Populate -> (Batch) -> Run -> Finish pipeline
// that ties every scheduling/execution component together into one
// object, owning the zap logger and the prometheus registry explicitly
// rather than through package-level globals (REDESIGN FLAGS).
//
// Grounded on the teacher's cmd/distri build flow: discover packages
// under SRCDIR, resolve their dependency graph via internal/batch, then
// run that graph to completion — generalized here from a one-shot
// package build to canary's full five-phase session lifecycle.
package session

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/batch"
	"github.com/sandialabs/canary/internal/checkpoint"
	"github.com/sandialabs/canary/internal/config"
	"github.com/sandialabs/canary/internal/depgraph"
	"github.com/sandialabs/canary/internal/directive"
	"github.com/sandialabs/canary/internal/executor"
	"github.com/sandialabs/canary/internal/paramexpand"
	"github.com/sandialabs/canary/internal/queue"
	"github.com/sandialabs/canary/internal/resourcepool"
	"github.com/sandialabs/canary/internal/schedriver"
	"github.com/sandialabs/canary/internal/stage"
	"github.com/sandialabs/canary/internal/status"
	"github.com/sandialabs/canary/internal/tcase"
	"github.com/sandialabs/canary/internal/whenexpr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session owns every piece of mutable state for one `canary run`
// invocation: configuration, logger, metrics registry, resource pool,
// case set and dependency graph.
type Session struct {
	Config config.Config
	Log    *zap.SugaredLogger

	// Registry is this Session's own metrics registry — never
	// prometheus.DefaultRegisterer, per REDESIGN FLAGS' ban on global
	// singletons in the scheduling core.
	Registry *prometheus.Registry

	Pool  *resourcepool.Pool
	Cases []*tcase.Case
	Graph *depgraph.Graph

	Batches []*batch.Batch

	// BatchFilter, when non-empty, restricts Run to cases whose BatchID
	// matches: this is how a scheduler driver's submission script
	// re-invokes this same binary scoped to one partition (spec §4.9
	// "inner ready queue restricted to it").
	BatchFilter string

	staging map[string][]stage.Entry
}

// New constructs a Session with its own metrics registry.
func New(cfg config.Config, log *zap.SugaredLogger) *Session {
	return &Session{
		Config:   cfg,
		Log:      log,
		Registry: prometheus.NewRegistry(),
	}
}

// Summary is Finish's report.
type Summary struct {
	Counts   map[string]int
	ExitCode int
}

// Discover walks every configured root for `.canary` test-declaration
// files, parses each with parser, expands every Generator's parameter
// axes, resolves intra-session dependencies and stage chaining, and
// records the result on s.Cases (spec §4.3 "Discover").
func (s *Session) Discover(parser directive.Parser) error {
	var files []string
	for _, root := range s.Config.Roots {
		err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && strings.HasSuffix(p, ".canary") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("session: discover: %w", err)
		}
	}

	var generators []*directive.Generator
	for _, f := range files {
		gens, err := parser.Parse(f)
		if err != nil {
			return fmt.Errorf("session: discover: %w", err)
		}
		generators = append(generators, gens...)
	}

	cases, staging, err := expandGenerators(generators, s.Config.Roots)
	if err != nil {
		return err
	}
	cases, err = filterByKeywords(cases, s.Config.KeywordExpr)
	if err != nil {
		return err
	}
	s.Cases = cases
	s.staging = staging
	if s.Log != nil {
		s.Log.Infow("discovered cases", "count", len(s.Cases), "files", len(files))
	}
	return nil
}

// Freeze validates the discovered case set against the resource pool's
// total capacity (spec §4.1 "rejected at Freeze, not deadlocked at run"),
// builds the dependency DAG, applies any resumable checkpoint from a
// prior session, and writes the frozen session configuration (spec §6
// `.canary/config`).
func (s *Session) Freeze() error {
	total := resourcepool.Reservation{CPUs: s.Config.CPUs, GPUs: s.Config.GPUs, Nodes: s.Config.Nodes}
	if total.CPUs <= 0 {
		total.CPUs = runtime.NumCPU()
	}
	if total.Nodes <= 0 {
		total.Nodes = 1
	}
	s.Pool = resourcepool.New(total, s.Registry)

	for _, c := range s.Cases {
		if !s.Pool.Feasible(c.Resources) {
			return fmt.Errorf("session: freeze: case %s requires %+v, exceeds pool capacity %+v",
				c.Key(), c.Resources, total)
		}
	}

	graph, err := depgraph.Build(s.Cases)
	if err != nil {
		return fmt.Errorf("session: freeze: %w", err)
	}
	s.Graph = graph

	applyResume(s.Config.SessionDir, s.Cases)

	if err := os.MkdirAll(filepath.Join(s.Config.SessionDir, ".canary"), 0755); err != nil {
		return fmt.Errorf("session: freeze: %w", err)
	}
	if err := config.Freeze(s.Config.SessionDir, s.Config); err != nil {
		return fmt.Errorf("session: freeze: %w", err)
	}

	if len(s.Config.BatchSpec) > 0 {
		kv := config.ParseBatchSpec(s.Config.BatchSpec)
		policy := parseBatchPolicy(kv, s.Config.Workers)
		s.Batches = batch.Partition(nonTerminal(s.Cases), policy, s.dependencyKeys)
	}
	return nil
}

// Populate creates each non-terminal case's working directory and
// materializes its copy/link entries (spec §4.7 Populate).
func (s *Session) Populate() error {
	for _, c := range s.Cases {
		if c.Status().Terminal() {
			continue
		}
		workdir := filepath.Join(s.Config.SessionDir, c.RelPath, c.WorkDirName())
		env := &whenexpr.Env{Parameters: c.Parameters, Platforms: canary.Platforms(), Keywords: c.Keywords}
		if err := stage.Materialize(workdir, s.staging[c.SourcePath], env); err != nil {
			if s.Log != nil {
				s.Log.Warnw("staging failed", "case", c.Key(), "err", err)
			}
			c.SetStatus(canary.StatusFail)
		}
	}
	return nil
}

// Run executes every non-terminal (and, under BatchFilter, in-scope)
// case to completion (spec §4.5/§4.6), either directly against the
// local resource pool or, when a batch policy was set at Freeze, by
// submitting each batch to the configured scheduler driver (spec §4.9).
func (s *Session) Run(ctx context.Context) (map[string]canary.Status, error) {
	finished := make(map[string]canary.Status, len(s.Cases))
	seed := make(map[string]canary.Status, len(s.Cases))
	var pending []*tcase.Case
	for _, c := range s.Cases {
		if c.Status().Terminal() {
			finished[c.Key()] = c.Status()
			seed[c.Key()] = c.Status()
			continue
		}
		if s.BatchFilter != "" && c.BatchID != s.BatchFilter {
			continue
		}
		pending = append(pending, c)
	}

	if len(pending) == 0 {
		return finished, nil
	}

	var runErr error
	if len(s.Batches) > 0 && s.BatchFilter == "" {
		var results map[string]canary.Status
		results, runErr = s.runBatched(ctx, seed)
		for k, v := range results {
			finished[k] = v
		}
	} else {
		local := &executor.Local{SessionRoot: s.Config.SessionDir, Log: s.Log}
		runner := &retryingRunner{
			inner:  local,
			policy: &status.Policy{RetryLimit: s.Config.RetryLimit, Classifier: transientClassifier{}},
			log:    s.Log,
		}
		d := &queue.Dispatcher{
			Graph:    s.Graph,
			Pool:     s.Pool,
			Runner:   runner,
			Workers:  workerCount(s.Config.Workers),
			Log:      s.Log,
			Seed:     seed,
			OnStatus: s.onStatus,
		}
		var results map[string]canary.Status
		results, runErr = d.Run(ctx, pending)
		for k, v := range results {
			finished[k] = v
		}
	}

	s.persistAll()
	return finished, runErr
}

// onStatus passes st through internal/status.Apply (which returns it
// unchanged) and persists the resulting terminal status to the case's checkpoint file,
// so a later `canary resume` or a batched driver's FetchArtifacts read-
// back both see it.
func (s *Session) onStatus(c *tcase.Case, st canary.Status) canary.Status {
	out := status.Apply(c, st)
	s.persistCheckpoint(c, out)
	return out
}

func (s *Session) persistCheckpoint(c *tcase.Case, st canary.Status) {
	workdir := filepath.Join(s.Config.SessionDir, c.RelPath, c.WorkDirName())
	rec := checkpoint.CaseRecord{
		Key:        c.Key(),
		SpecDigest: checkpoint.Digest(c.Family, c.ParamOrder, c.Parameters, c.Command),
		Parameters: c.Parameters,
		Status:     st.String(),
		ExitCode:   c.ExitCode(),
		Retries:    c.Retries(),
		BatchID:    c.BatchID,
		NotRunWhy:  c.NotRunReason(),
	}
	if err := checkpoint.Write(workdir, rec); err != nil && s.Log != nil {
		s.Log.Warnw("checkpoint write failed", "case", c.Key(), "err", err)
	}
}

func (s *Session) persistAll() {
	for _, c := range s.Cases {
		if c.Status().Terminal() {
			s.persistCheckpoint(c, c.Status())
		}
	}
}

// runBatched submits every Batch as a recursive `canary run --batch-id`
// invocation to the configured scheduler driver, polls each to
// completion, and reads per-case results back from the checkpoint files
// the inner invocation wrote (spec §4.9 FetchArtifacts "aggregate of
// case statuses").
func (s *Session) runBatched(ctx context.Context, seed map[string]canary.Status) (map[string]canary.Status, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("session: runBatched: %w", err)
	}
	driver, err := schedriver.New(s.Config.SchedulerName, schedriver.Options{SessionRoot: s.Config.SessionDir})
	if err != nil {
		return nil, fmt.Errorf("session: runBatched: %w", err)
	}

	// seed's terminal statuses were already recorded directly on each
	// Case by Freeze's resume logic; a batch's own recursive invocation
	// re-derives them the same way from its checkpoint files, so the
	// outer driver has no separate channel to pass them through.
	_ = seed

	var mu sync.Mutex
	finished := make(map[string]canary.Status)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workerCount(s.Config.BatchWorkers))

	for _, b := range s.Batches {
		b := b
		eg.Go(func() error {
			script := fmt.Sprintf("%s run --dir=%s --batch-id=%s %s",
				exe, s.Config.SessionDir, b.ID, strings.Join(s.Config.Roots, " "))
			h, err := driver.Submit(ctx, script, b.Resources.CPUs, b.Resources.GPUs, b.Resources.Nodes)
			if err != nil {
				return fmt.Errorf("session: submit batch %s: %w", b.ID, err)
			}
			if err := pollUntilDone(ctx, driver, h); err != nil {
				return fmt.Errorf("session: poll batch %s: %w", b.ID, err)
			}
			for _, c := range b.Cases {
				workdir := filepath.Join(s.Config.SessionDir, c.RelPath, c.WorkDirName())
				rec, err := checkpoint.Read(workdir)
				mu.Lock()
				if err != nil {
					c.SetNotRun("batch result unavailable: " + err.Error())
					finished[c.Key()] = canary.StatusNotRun
				} else {
					st := checkpoint.StatusFromString(rec.Status)
					c.SetStatus(st)
					c.SetExit(rec.ExitCode, time.Time{}, time.Time{})
					finished[c.Key()] = st
				}
				mu.Unlock()
			}
			return nil
		})
	}

	err = eg.Wait()
	return finished, err
}

func pollUntilDone(ctx context.Context, driver schedriver.Driver, h schedriver.Handle) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		state, err := driver.Poll(ctx, h)
		if err != nil {
			return err
		}
		if state == schedriver.Done {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Finish computes the session summary and the process exit code spec §6
// defines: 30 if any case's terminal status is Failing(), else 0.
func (s *Session) Finish(finished map[string]canary.Status) Summary {
	counts := make(map[string]int)
	exitCode := 0
	for _, st := range finished {
		counts[st.String()]++
		if st.Failing() {
			exitCode = 30
		}
	}
	if s.Log != nil {
		s.Log.Infow("session finished", "counts", counts, "exit_code", exitCode)
	}
	return Summary{Counts: counts, ExitCode: exitCode}
}

func (s *Session) dependencyKeys(c *tcase.Case) []string {
	out := make([]string, len(c.Deps))
	for i, d := range c.Deps {
		out[i] = d.ID
	}
	return out
}

func workerCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func nonTerminal(cases []*tcase.Case) []*tcase.Case {
	var out []*tcase.Case
	for _, c := range cases {
		if !c.Status().Terminal() {
			out = append(out, c)
		}
	}
	return out
}

func parseBatchPolicy(kv map[string]string, workers int) batch.Policy {
	p := batch.Policy{SameNode: kv["nodes"] == "same"}
	switch {
	case kv["count"] != "":
		p.Kind = batch.PolicyCount
		if n, err := strconv.Atoi(kv["count"]); err == nil {
			p.Count = n
		} else {
			p.Count = workers
		}
	case kv["duration"] != "":
		p.Kind = batch.PolicyDuration
		if d, err := strconv.ParseFloat(kv["duration"], 64); err == nil {
			p.Duration = d
		}
	default:
		p.Kind = batch.PolicyCountMax
	}
	if kv["layout"] == "atomic" {
		p.Layout = batch.LayoutAtomic
	}
	return p
}

// applyResume reads back a prior checkpoint for every case, restoring
// its terminal status without re-running it when the checkpoint's spec
// digest still matches (spec §4.7, §8 "re-running a completed session
// with no input changes produces zero new work").
func applyResume(sessionDir string, cases []*tcase.Case) {
	for _, c := range cases {
		if c.Status().Terminal() {
			continue // already gated (skipif/enable) during Discover
		}
		workdir := filepath.Join(sessionDir, c.RelPath, c.WorkDirName())
		rec, err := checkpoint.Read(workdir)
		if err != nil {
			continue
		}
		digest := checkpoint.Digest(c.Family, c.ParamOrder, c.Parameters, c.Command)
		if !checkpoint.Resumable(rec, digest) {
			continue
		}
		c.SetExit(rec.ExitCode, time.Time{}, time.Time{})
		c.SetStatus(checkpoint.StatusFromString(rec.Status))
	}
}

// retryingRunner wraps a queue.Runner, retrying a transient terminal
// status up to policy.RetryLimit times with exponential backoff before
// returning the final status to the dispatcher (spec §4.10).
type retryingRunner struct {
	inner  queue.Runner
	policy *status.Policy
	log    *zap.SugaredLogger
}

func (r *retryingRunner) Run(ctx context.Context, c *tcase.Case, tok resourcepool.Token) canary.Status {
	bo := status.NewBackOff()
	for {
		st := r.inner.Run(ctx, c, tok)
		wait, retry := r.policy.ShouldRetry(c, st, nil, bo)
		if !retry {
			return st
		}
		if r.log != nil {
			r.log.Infow("retrying case", "case", c.Key(), "attempt", c.Retries(), "wait", wait)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return st
		}
	}
}

// transientClassifier never treats a local subprocess's exit code as
// transient: spec §4.10's retry target is scheduler-level conditions
// (broken submit pipe, ENOSPC, a scheduler-reported requeue), which a
// local run never produces — those only arise in the batched path, and
// runBatched does not retry them either: a failed submit or poll is
// returned as Run's error without resubmitting the batch.
type transientClassifier struct{}

func (transientClassifier) Transient(c *tcase.Case, st canary.Status, err error) bool {
	return false
}

// expandGenerators turns parsed Generators into Cases: parameter
// expansion, skip/enable gating, stage chaining, MultiCase aggregation,
// and dependency resolution, in that order (spec §4.3).
func expandGenerators(gens []*directive.Generator, roots []string) ([]*tcase.Case, map[string][]stage.Entry, error) {
	var all []*tcase.Case
	byFamily := make(map[string][]*tcase.Case)
	staging := make(map[string][]stage.Entry)
	root := commonRoot(roots)

	for _, g := range gens {
		for _, e := range g.Staging {
			staging[g.SourcePath] = append(staging[g.SourcePath], stage.Entry{
				Src: e.Src, Dst: e.Dst, Link: e.Link, Rename: e.Rename, When: e.When,
			})
		}

		tuples, err := paramexpand.Expand(g.Axes)
		if err != nil {
			return nil, nil, fmt.Errorf("session: %s: %w", g.SourcePath, err)
		}
		if len(tuples) == 0 {
			tuples = []paramexpand.Tuple{{Values: map[string]string{}}}
		}

		timeout, err := parseTimeout(g.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("session: %s: %w", g.SourcePath, err)
		}

		relPath, _ := filepath.Rel(root, filepath.Dir(g.SourcePath))

		var siblings []*tcase.Case
		for _, t := range tuples {
			env := &whenexpr.Env{Parameters: t.Values, Platforms: canary.Platforms(), Keywords: boolKeywords(g.Keywords, t.Values)}
			c := newCase(g, t, relPath, timeout)
			skip, reason, err := evalSkip(g, env)
			if err != nil {
				return nil, nil, fmt.Errorf("session: %s: %w", g.SourcePath, err)
			}
			if skip {
				c.SetNotRun(reason)
			}
			siblings = append(siblings, c)
		}

		siblings = append(siblings, chainStages(g, siblings)...)

		all = append(all, siblings...)
		byFamily[g.Family] = append(byFamily[g.Family], siblings...)

		if g.Multi {
			all = append(all, compositeCase(g, siblings, tuples, relPath, timeout))
		}
	}

	if err := resolveDependencies(gens, all, byFamily); err != nil {
		return nil, nil, err
	}
	return all, staging, nil
}

func newCase(g *directive.Generator, t paramexpand.Tuple, relPath string, timeout time.Duration) *tcase.Case {
	kw := make(map[string]bool, len(g.Keywords))
	for k := range g.Keywords {
		kw[k] = true
	}
	return &tcase.Case{
		Family:     g.Family,
		Parameters: t.Values,
		ParamOrder: t.Order,
		SourcePath: g.SourcePath,
		RelPath:    relPath,
		Resources: resourcepool.Reservation{
			CPUs:  maxInt(g.Resources.CPUs, 1),
			GPUs:  g.Resources.GPUs,
			Nodes: maxInt(g.Resources.Nodes, 1),
		},
		Timeout:   timeout,
		Keywords:  kw,
		Command:   append([]string{}, g.Command...),
		XFail:     g.XFail,
		XFailCode: g.XFailCode,
		XDiff:     g.XDiff,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func boolKeywords(keywords map[string]string, params map[string]string) map[string]bool {
	out := make(map[string]bool, len(keywords))
	env := &whenexpr.Env{Parameters: params, Platforms: canary.Platforms()}
	for name, when := range keywords {
		if when == "" {
			out[name] = true
			continue
		}
		expr, err := whenexpr.Parse(when)
		out[name] = err == nil && expr.Eval(env)
	}
	return out
}

func evalSkip(g *directive.Generator, env *whenexpr.Env) (bool, string, error) {
	if g.SkipIf != "" {
		expr, err := whenexpr.Parse(g.SkipIf)
		if err != nil {
			return false, "", fmt.Errorf("skipif: %w", err)
		}
		if expr.Eval(env) {
			reason := g.SkipReason
			if reason == "" {
				reason = "skipif: " + g.SkipIf
			}
			return true, reason, nil
		}
	}
	if g.Enable != "" {
		expr, err := whenexpr.Parse(g.Enable)
		if err != nil {
			return false, "", fmt.Errorf("enable: %w", err)
		}
		if !expr.Eval(env) {
			return true, "not enabled: " + g.Enable, nil
		}
	}
	return false, "", nil
}

// chainStages realizes spec §6's `stages(*names, when=...)` directive:
// each named stage becomes a synthetic dependent Case of the nearest
// preceding stage whose `when` guard evaluated true, falling back to the
// base case (REDESIGN FLAGS Q3). It returns only the newly synthesized
// stage Cases; base carries the unmodified siblings already produced by
// parameter expansion.
func chainStages(g *directive.Generator, base []*tcase.Case) []*tcase.Case {
	if len(g.Stages) == 0 {
		return nil
	}
	var extra []*tcase.Case
	for _, c := range base {
		env := &whenexpr.Env{Parameters: c.Parameters, Platforms: canary.Platforms(), Keywords: c.Keywords}
		prev := c
		for _, spec := range g.Stages {
			satisfied := true
			if spec.When != "" {
				expr, err := whenexpr.Parse(spec.When)
				satisfied = err == nil && expr.Eval(env)
			}
			if !satisfied {
				continue
			}
			for _, name := range spec.Names {
				sc := cloneAsStage(c, name)
				sc.Deps = append(sc.Deps, tcase.Dependency{ID: prev.Key(), Predicate: tcase.PredicateAny})
				extra = append(extra, sc)
				prev = sc
			}
		}
	}
	return extra
}

func cloneAsStage(c *tcase.Case, stageName string) *tcase.Case {
	params := make(map[string]string, len(c.Parameters)+1)
	for k, v := range c.Parameters {
		params[k] = v
	}
	params["stage"] = stageName
	return &tcase.Case{
		Family:     c.Family,
		Parameters: params,
		ParamOrder: append(append([]string{}, c.ParamOrder...), "stage"),
		SourcePath: c.SourcePath,
		RelPath:    c.RelPath,
		Resources:  c.Resources,
		Timeout:    c.Timeout,
		Keywords:   c.Keywords,
		Command:    c.Command,
		Env:        c.Env,
	}
}

func isStageCase(c *tcase.Case) bool {
	_, ok := c.Parameters["stage"]
	return ok
}

// compositeCase builds the synthetic MultiCase for an `analyze`/
// `generate_composite_base_case` generator (spec §3 "MultiCase", §4.3
// step 3): it depends on every sibling with an any-status predicate and
// carries the per-parameter value tuple across them.
func compositeCase(g *directive.Generator, siblings []*tcase.Case, tuples []paramexpand.Tuple, relPath string, timeout time.Duration) *tcase.Case {
	c := &tcase.Case{
		Family:     g.Family + ".analyze",
		Parameters: map[string]string{},
		SourcePath: g.SourcePath,
		RelPath:    relPath,
		Resources:  resourcepool.Reservation{CPUs: 1, Nodes: 1},
		Timeout:    timeout,
		Keywords:   map[string]bool{},
		Command:    append([]string{}, g.Command...),
		Multi:      &tcase.MultiView{Values: paramexpand.MultiViewValues(axesOrder(g.Axes), tuples)},
	}
	for _, sib := range siblings {
		if isStageCase(sib) {
			continue
		}
		c.Deps = append(c.Deps, tcase.Dependency{ID: sib.Key(), Predicate: tcase.PredicateAny})
	}
	return c
}

func axesOrder(axes []paramexpand.Axis) []string {
	var order []string
	seen := make(map[string]bool)
	for _, a := range axes {
		for _, n := range a.Names {
			if !seen[n] {
				seen[n] = true
				order = append(order, n)
			}
		}
	}
	return order
}

// resolveDependencies attaches cross-generator `depends_on` edges:
// predicate "family[.param=value[.param2=value2...]]" (values may use
// glob patterns) against every base Case (stage-chain Cases are never
// depends_on targets or sources; they already chain through their own
// stage predecessor).
func resolveDependencies(gens []*directive.Generator, all []*tcase.Case, byFamily map[string][]*tcase.Case) error {
	bySource := make(map[string][]*tcase.Case)
	for _, c := range all {
		if isStageCase(c) {
			continue
		}
		bySource[c.SourcePath] = append(bySource[c.SourcePath], c)
	}

	for _, g := range gens {
		if len(g.Deps) == 0 {
			continue
		}
		for _, c := range bySource[g.SourcePath] {
			for _, dep := range g.Deps {
				matches := matchDependency(dep, byFamily)
				if err := checkCardinality(dep, matches); err != nil {
					return fmt.Errorf("session: %s: depends_on %q: %w", g.SourcePath, dep.Predicate, err)
				}
				for _, m := range matches {
					if m.Key() == c.Key() {
						continue
					}
					c.Deps = append(c.Deps, tcase.Dependency{ID: m.Key(), Predicate: tcase.Predicate(dep.Result)})
				}
			}
		}
	}
	return nil
}

func matchDependency(dep directive.DependencySpec, byFamily map[string][]*tcase.Case) []*tcase.Case {
	parts := strings.Split(dep.Predicate, ".")
	familyPattern := parts[0]
	filters := parts[1:]

	var out []*tcase.Case
	for family, cases := range byFamily {
		if !globOrEqual(familyPattern, family) {
			continue
		}
		for _, c := range cases {
			if isStageCase(c) {
				continue
			}
			if matchesFilters(c, filters) {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func globOrEqual(pattern, value string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func matchesFilters(c *tcase.Case, filters []string) bool {
	for _, f := range filters {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v, ok := c.Parameters[kv[0]]
		if !ok || !globOrEqual(kv[1], v) {
			return false
		}
	}
	return true
}

func checkCardinality(dep directive.DependencySpec, matches []*tcase.Case) error {
	switch dep.Expect {
	case "", "*":
		return nil
	case "?":
		if len(matches) > 1 {
			return fmt.Errorf("expected 0 or 1 match, got %d", len(matches))
		}
	case "+":
		if len(matches) < 1 {
			return fmt.Errorf("expected at least 1 match, got 0")
		}
	default:
		n, err := strconv.Atoi(dep.Expect)
		if err != nil {
			return fmt.Errorf("invalid expect cardinality %q", dep.Expect)
		}
		if len(matches) != n {
			return fmt.Errorf("expected exactly %d matches, got %d", n, len(matches))
		}
	}
	return nil
}

func filterByKeywords(cases []*tcase.Case, expr string) ([]*tcase.Case, error) {
	if expr == "" {
		return cases, nil
	}
	var out []*tcase.Case
	for _, c := range cases {
		ok, err := whenexpr.EvalKeywordExpr(expr, c.Keywords)
		if err != nil {
			return nil, fmt.Errorf("session: keyword filter: %w", err)
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func commonRoot(roots []string) string {
	if len(roots) == 0 {
		return "."
	}
	return roots[0]
}

// parseTimeout accepts spec §6 timeout()'s three forms: bare seconds,
// HH:MM:SS, or a Go duration string ("1h20m").
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if strings.Count(s, ":") == 2 {
		parts := strings.Split(s, ":")
		h, _ := strconv.Atoi(parts[0])
		m, _ := strconv.Atoi(parts[1])
		sec, _ := strconv.Atoi(parts[2])
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
	}
	d, err := time.ParseDuration(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return 0, fmt.Errorf("timeout %q: %w", s, err)
	}
	return d, nil
}
