// Package queue implements the Ready Queue & Dispatcher (component E):
// the single logical scheduler that selects runnable cases given pool
// state and DAG readiness, and drives them to completion via a worker
// pool (spec §4.5).
//
// Grounded directly on the teacher's internal/batch/batch.go scheduler:
// the same channel-based work/done dispatch loop, errgroup worker pool,
// and canBuild/markFailed cascading-failure walk, generalized from
// package builds to case execution and from a single worker action
// (distri build) to a pluggable Runner so the Local executor (§4.6) and
// the outer batch-as-super-case path (§4.9) can share this dispatcher.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/depgraph"
	"github.com/sandialabs/canary/internal/resourcepool"
	"github.com/sandialabs/canary/internal/tcase"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner executes one Case to completion; implemented by
// internal/executor.Local for the local path and by the batch-as-super-
// case adapter for the batched path (spec §4.9).
type Runner interface {
	Run(ctx context.Context, c *tcase.Case, tok resourcepool.Token) canary.Status
}

// StatusFunc is called synchronously on the dispatcher's own goroutine
// whenever a Case finishes, before the result is committed to Finished —
// used by internal/session to persist each case's checkpoint ahead of the
// dependency-gating walk (retries and xfail/xdiff inversions have already
// been applied by the Runner by then).
type StatusFunc func(c *tcase.Case, status canary.Status) canary.Status

// Dispatcher runs one case set to completion (spec §4.5's "Repeat until
// Pending ∪ Running = ∅" loop). The scheduler goroutine (the one running
// Run's inner completion loop) performs all mutation of pending/finished
// and the pool; workers only execute Runner.Run and post completion
// events, matching the single-coordinator model of spec §5.
type Dispatcher struct {
	Graph    *depgraph.Graph
	Pool     *resourcepool.Pool
	Runner   Runner
	Workers  int
	Log      *zap.SugaredLogger
	OnStatus StatusFunc // optional

	// Seed pre-populates Finished with statuses resolved before this Run
	// call (e.g. cases gated Skip/NotRun at discover time, or resumed from
	// a checkpoint) so Ready()/ViolatedBy() see them for cases in this run
	// that depend on them, even though they are never passed in cases.
	Seed map[string]canary.Status

	mu       sync.Mutex
	pending  map[string]*tcase.Case
	finished map[string]canary.Status
	tokens   map[string]resourcepool.Token
}

type workItem struct {
	c   *tcase.Case
	tok resourcepool.Token
}

type result struct {
	c      *tcase.Case
	status canary.Status
}

// Run dispatches every case in cases, respecting the pool and the DAG,
// until all are Finished or ctx is cancelled. It returns the map of final
// statuses keyed by Case.Key().
func (d *Dispatcher) Run(ctx context.Context, cases []*tcase.Case) (map[string]canary.Status, error) {
	d.pending = make(map[string]*tcase.Case, len(cases))
	d.finished = make(map[string]canary.Status, len(cases)+len(d.Seed))
	d.tokens = make(map[string]resourcepool.Token)
	for k, v := range d.Seed {
		d.finished[k] = v
	}
	for _, c := range cases {
		d.pending[c.Key()] = c
	}
	total := len(cases)
	// finished is seeded with len(d.Seed) entries up front (line 82-84
	// above), so the loop's termination guard must count those in
	// alongside this run's own total, or it fires as soon as this run's
	// cases alone are accounted for — stranding any in-flight completions
	// in Running and dropping their results from the returned map.
	wantFinished := total + len(d.Seed)

	work := make(chan workItem, total+1)
	done := make(chan result, total+1)
	eg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.Workers; i++ {
		eg.Go(func() error {
			for item := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				status := d.Runner.Run(ctx, item.c, item.tok)
				select {
				case done <- result{c: item.c, status: status}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}

	d.dispatchReady(work)

	go func() {
		defer close(work)
		for {
			d.mu.Lock()
			remaining := len(d.pending)
			finishedCount := len(d.finished)
			d.mu.Unlock()
			if finishedCount >= wantFinished && remaining == 0 {
				return
			}
			select {
			case r := <-done:
				d.commit(r)
				d.dispatchReady(work)
			case <-ctx.Done():
				return
			}
		}
	}()

	err := eg.Wait()
	d.mu.Lock()
	finished := make(map[string]canary.Status, len(d.finished))
	for k, v := range d.finished {
		finished[k] = v
	}
	d.mu.Unlock()
	return finished, err
}

// dispatchReady collects Runnable (spec §4.5 step 1), sorts it (step 2)
// and attempts Try-Reserve for each in order (step 3), enqueueing every
// case that reserves successfully. This, commit and the pool are all
// mutated only from the scheduler goroutine (Run's caller for the first
// call, the completion loop thereafter), per spec §5.
func (d *Dispatcher) dispatchReady(work chan<- workItem) {
	d.mu.Lock()
	var runnable []*tcase.Case
	for key, c := range d.pending {
		if reason, violated := c.ViolatedBy(d.finished); violated {
			c.SetNotRun(reason)
			d.finished[key] = canary.StatusNotRun
			delete(d.pending, key)
			continue
		}
		if !c.Ready(d.finished) {
			continue
		}
		runnable = append(runnable, c)
	}
	sortRunnable(runnable, d.Graph)

	var toSend []workItem
	for _, c := range runnable {
		tok, ok, err := d.Pool.Reserve(c.Resources)
		if err != nil || !ok {
			continue // Denied: re-asked on a later dispatch pass (spec §4.1 Fairness)
		}
		delete(d.pending, c.Key())
		c.SetStatus(canary.StatusRunning)
		d.tokens[c.Key()] = tok
		toSend = append(toSend, workItem{c: c, tok: tok})
	}
	d.mu.Unlock()

	for _, item := range toSend {
		work <- item
	}
}

// commit releases the completed case's token, records its status, and for
// every pending dependent whose predicate is now violated marks it
// NotRun (spec §4.5 step 5, §3 Case DAG invariants).
func (d *Dispatcher) commit(r result) {
	status := r.status
	if d.OnStatus != nil {
		status = d.OnStatus(r.c, status)
	}
	r.c.SetStatus(status)

	d.mu.Lock()
	defer d.mu.Unlock()
	if tok, ok := d.tokens[r.c.Key()]; ok {
		delete(d.tokens, r.c.Key())
		d.mu.Unlock()
		if err := d.Pool.Release(tok); err != nil && d.Log != nil {
			d.Log.Warnw("release failed", "case", r.c.Key(), "err", err)
		}
		d.mu.Lock()
	}
	d.finished[r.c.Key()] = status
	if d.Log != nil {
		d.Log.Infow("case finished", "case", r.c.Key(), "status", status.String())
	}
	for _, dep := range d.Graph.AllDependents(r.c.Key()) {
		if _, already := d.finished[dep.Key()]; already {
			continue
		}
		if _, stillPending := d.pending[dep.Key()]; !stillPending {
			continue
		}
		if reason, violated := dep.ViolatedBy(d.finished); violated {
			dep.SetNotRun(reason)
			d.finished[dep.Key()] = canary.StatusNotRun
			delete(d.pending, dep.Key())
		}
	}
}

// sortRunnable orders runnable cases by descending resource footprint,
// then topological order, then key order for stability — spec §4.5 step 2.
func sortRunnable(cases []*tcase.Case, g *depgraph.Graph) {
	sort.SliceStable(cases, func(i, j int) bool {
		fi, fj := cases[i].Footprint(), cases[j].Footprint()
		if fi != fj {
			return fi > fj
		}
		ti, tj := g.TopoIndex(cases[i].Key()), g.TopoIndex(cases[j].Key())
		if ti != tj {
			return ti < tj
		}
		return cases[i].Key() < cases[j].Key()
	})
}
