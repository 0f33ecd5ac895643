package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/depgraph"
	"github.com/sandialabs/canary/internal/resourcepool"
	"github.com/sandialabs/canary/internal/tcase"
)

// scriptedRunner returns a fixed status per case key and records which
// cases it was actually asked to run.
type scriptedRunner struct {
	statuses map[string]canary.Status

	mu  sync.Mutex
	ran map[string]bool
}

func (r *scriptedRunner) Run(ctx context.Context, c *tcase.Case, tok resourcepool.Token) canary.Status {
	r.mu.Lock()
	if r.ran == nil {
		r.ran = make(map[string]bool)
	}
	r.ran[c.Key()] = true
	r.mu.Unlock()
	if s, ok := r.statuses[c.Key()]; ok {
		return s
	}
	return canary.StatusPass
}

func (r *scriptedRunner) wasRun(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ran[key]
}

func newCase(family string, deps ...tcase.Dependency) *tcase.Case {
	return &tcase.Case{
		Family:    family,
		Resources: resourcepool.Reservation{CPUs: 1},
		Deps:      deps,
	}
}

func TestDispatcherRunsChainToCompletion(t *testing.T) {
	a := newCase("a")
	b := newCase("b", tcase.Dependency{ID: "a", Predicate: "*"})
	c := newCase("c", tcase.Dependency{ID: "b", Predicate: "*"})
	cases := []*tcase.Case{a, b, c}

	g, err := depgraph.Build(cases)
	if err != nil {
		t.Fatalf("depgraph.Build: %v", err)
	}
	pool := resourcepool.New(resourcepool.Reservation{CPUs: 4}, nil)
	runner := &scriptedRunner{}
	d := &Dispatcher{Graph: g, Pool: pool, Runner: runner, Workers: 2}

	finished, err := d.Run(context.Background(), cases)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if finished[key] != canary.StatusPass {
			t.Errorf("finished[%q] = %v, want Pass", key, finished[key])
		}
		if !runner.wasRun(key) {
			t.Errorf("case %q was never dispatched to the runner", key)
		}
	}
}

func TestDispatcherCascadesNotRunOnViolatedPredicate(t *testing.T) {
	a := newCase("a")
	b := newCase("b", tcase.Dependency{ID: "a", Predicate: "pass"})
	c := newCase("c", tcase.Dependency{ID: "b", Predicate: "pass"})
	cases := []*tcase.Case{a, b, c}

	g, err := depgraph.Build(cases)
	if err != nil {
		t.Fatalf("depgraph.Build: %v", err)
	}
	pool := resourcepool.New(resourcepool.Reservation{CPUs: 4}, nil)
	runner := &scriptedRunner{statuses: map[string]canary.Status{"a": canary.StatusFail}}
	d := &Dispatcher{Graph: g, Pool: pool, Runner: runner, Workers: 2}

	finished, err := d.Run(context.Background(), cases)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if finished["a"] != canary.StatusFail {
		t.Errorf("finished[a] = %v, want Fail", finished["a"])
	}
	if finished["b"] != canary.StatusNotRun {
		t.Errorf("finished[b] = %v, want NotRun (dependency violated predicate)", finished["b"])
	}
	if finished["c"] != canary.StatusNotRun {
		t.Errorf("finished[c] = %v, want NotRun (cascaded)", finished["c"])
	}
	if runner.wasRun("b") || runner.wasRun("c") {
		t.Error("b or c was dispatched to the runner despite a failed upstream dependency")
	}
}

func TestDispatcherSeedVisibleToReadyCheck(t *testing.T) {
	// "pre" is not part of this Run's case set (e.g. skipped at Discover)
	// but b depends on it; Seed must make its status visible.
	pre := newCase("pre")
	b := newCase("b", tcase.Dependency{ID: "pre", Predicate: "*"})
	cases := []*tcase.Case{b}

	g, err := depgraph.Build([]*tcase.Case{pre, b})
	if err != nil {
		t.Fatalf("depgraph.Build: %v", err)
	}
	pool := resourcepool.New(resourcepool.Reservation{CPUs: 4}, nil)
	runner := &scriptedRunner{}
	d := &Dispatcher{
		Graph: g, Pool: pool, Runner: runner, Workers: 1,
		Seed: map[string]canary.Status{"pre": canary.StatusSkip},
	}

	finished, err := d.Run(context.Background(), cases)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if finished["b"] != canary.StatusPass {
		t.Errorf("finished[b] = %v, want Pass (seeded dependency satisfied '*' predicate)", finished["b"])
	}
}

func TestDispatcherDoesNotTerminateEarlyWithLargeSeed(t *testing.T) {
	// Seed outnumbers this run's own pending cases (e.g. several cases
	// skipped at Discover, only two left to actually run): the
	// termination guard must not mistake the seed count alone for "done"
	// once both independent cases are reserved out of pending and handed
	// to a worker, before either has actually committed a result.
	a := newCase("a")
	b := newCase("b")
	cases := []*tcase.Case{a, b}

	g, err := depgraph.Build(cases)
	if err != nil {
		t.Fatalf("depgraph.Build: %v", err)
	}
	pool := resourcepool.New(resourcepool.Reservation{CPUs: 4}, nil)
	runner := &scriptedRunner{}
	d := &Dispatcher{
		Graph: g, Pool: pool, Runner: runner, Workers: 2,
		Seed: map[string]canary.Status{
			"seed1": canary.StatusSkip,
			"seed2": canary.StatusSkip,
			"seed3": canary.StatusSkip,
		},
	}

	finished, err := d.Run(context.Background(), cases)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if finished["a"] != canary.StatusPass || finished["b"] != canary.StatusPass {
		t.Errorf("finished = %v, want both a and b Pass despite a larger seed set", finished)
	}
	if !runner.wasRun("a") || !runner.wasRun("b") {
		t.Error("a or b was never dispatched to the runner")
	}
}

func TestDispatcherRespectsPoolCapacity(t *testing.T) {
	a := newCase("a")
	a.Resources = resourcepool.Reservation{CPUs: 2}
	b := newCase("b")
	b.Resources = resourcepool.Reservation{CPUs: 2}
	cases := []*tcase.Case{a, b}

	g, err := depgraph.Build(cases)
	if err != nil {
		t.Fatalf("depgraph.Build: %v", err)
	}
	// Only enough capacity for one at a time.
	pool := resourcepool.New(resourcepool.Reservation{CPUs: 2}, nil)
	runner := &scriptedRunner{}
	d := &Dispatcher{Graph: g, Pool: pool, Runner: runner, Workers: 2}

	finished, err := d.Run(context.Background(), cases)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if finished["a"] != canary.StatusPass || finished["b"] != canary.StatusPass {
		t.Errorf("finished = %v, want both Pass", finished)
	}
}
