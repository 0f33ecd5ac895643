// Package tcase implements the Case model (component B): the immutable
// spec and mutable runtime state of one test case. Named tcase because
// "case" is a reserved word in Go.
//
// Grounded on the teacher's node type (internal/batch/batch.go) — a
// minimal gonum graph.Node wrapper identifying one schedulable unit — here
// generalized to carry the full case identity, resource requirement,
// dependency edges and runtime status that spec §3/§4.2 describe.
package tcase

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandialabs/canary"
	"github.com/sandialabs/canary/internal/resourcepool"
)

// Predicate is an expected-result guard attached to a dependency edge
// (spec §4.2 PredicateEval): "pass", "diff", "fail", "skip", "timeout",
// "not skip", boolean combinations thereof, or "*" for any terminal
// status.
type Predicate string

const (
	PredicateAny Predicate = "*"
)

// Satisfied reports whether the given terminal status satisfies p,
// following spec §4.2's rules.
func (p Predicate) Satisfied(s canary.Status) bool {
	expr := strings.TrimSpace(string(p))
	if expr == "" || expr == "*" {
		return true
	}
	// boolean combinators: "pass or diff", "not skip"
	if strings.HasPrefix(expr, "not ") {
		return !Predicate(strings.TrimPrefix(expr, "not ")).Satisfied(s)
	}
	if idx := strings.Index(expr, " or "); idx >= 0 {
		return Predicate(expr[:idx]).Satisfied(s) || Predicate(expr[idx+4:]).Satisfied(s)
	}
	if idx := strings.Index(expr, " and "); idx >= 0 {
		return Predicate(expr[:idx]).Satisfied(s) && Predicate(expr[idx+5:]).Satisfied(s)
	}
	switch expr {
	case "pass":
		return s == canary.StatusPass
	case "diff":
		return s == canary.StatusDiff
	case "fail":
		return s == canary.StatusFail
	case "skip":
		return s == canary.StatusSkip
	case "timeout":
		return s == canary.StatusTimeout
	default:
		return false
	}
}

// Dependency is a resolved edge: the ID of the dependency Case and the
// predicate its terminal status must satisfy.
type Dependency struct {
	ID        string
	Predicate Predicate
}

// Case is one concrete execution unit (spec §3 "Case").
type Case struct {
	// Immutable spec, set at Freeze time.
	Family     string
	Parameters map[string]string // declared order tracked separately, see ParamOrder
	ParamOrder []string
	SourcePath string
	RelPath    string
	Resources  resourcepool.Reservation
	Timeout    time.Duration
	Keywords   map[string]bool
	Command    []string
	Env        map[string]string
	Deps       []Dependency
	XFail      bool
	XFailCode  int // 0 means "any non-zero code"
	XDiff      bool
	BatchID    string

	// Multi-instance aggregation (spec §3 "MultiCase"): non-nil iff this
	// Case is a synthetic analyze/base case.
	Multi *MultiView

	mu          sync.Mutex
	status      canary.Status
	startedAt   time.Time
	stoppedAt   time.Time
	exitCode    int
	logPath     string
	retries     int
	notRunWhy   string
}

// MultiView is the aggregated parameter view exposed by a MultiCase (spec
// §3 "MultiCase", §4.3 step 3).
type MultiView struct {
	// Values[name] is the tuple of that parameter's values across the
	// sibling expansions, in the generator's declared order.
	Values map[string][]string
}

// Key returns the stable identity string of c: family + ".k1=v1.k2=v2…" in
// declared parameter order (spec §3 "Case", §4.2 Key()).
func (c *Case) Key() string {
	var b strings.Builder
	b.WriteString(c.Family)
	for _, name := range c.ParamOrder {
		b.WriteByte('.')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(c.Parameters[name])
	}
	return b.String()
}

// WorkDirName returns the canonical, filesystem-safe directory component
// for this case: Key() with forbidden characters percent-escaped (spec §3
// "Working directory").
func (c *Case) WorkDirName() string {
	return escapePathComponent(c.Key())
}

// escapePathComponent percent-escapes s for use as a single filesystem
// path component. url.PathEscape already escapes '/' (to "%2F"), '\',
// and control characters on its own in its path-segment mode; escaping
// them again before calling it would just turn the '%' it produces into
// "%25", corrupting the result.
func escapePathComponent(s string) string {
	return url.PathEscape(s)
}

// Ready reports whether every dependency ID of c is present in finished
// with a status satisfying its edge predicate (spec §4.2 Ready()).
func (c *Case) Ready(finished map[string]canary.Status) bool {
	for _, d := range c.Deps {
		s, ok := finished[d.ID]
		if !ok {
			return false
		}
		if !d.Predicate.Satisfied(s) {
			return false
		}
	}
	return true
}

// ViolatedBy reports whether finished contains a dependency of c whose
// terminal status violates its edge predicate — the condition under which
// c must become NotRun without ever running (spec §3 Case DAG invariants,
// §4.10).
func (c *Case) ViolatedBy(finished map[string]canary.Status) (reason string, violated bool) {
	for _, d := range c.Deps {
		if s, ok := finished[d.ID]; ok && !d.Predicate.Satisfied(s) {
			return fmt.Sprintf("dependency %s failed (status %s)", d.ID, s), true
		}
	}
	return "", false
}

// Footprint returns the bin-packing weight used to sort Runnable cases in
// descending order (spec §4.5 step 2): sum of CPUs plus nodes scaled by a
// penalty so multi-node cases are prioritized ahead of equally-CPU-heavy
// single-node ones.
func (c *Case) Footprint() int {
	const nodePenalty = 1000
	return c.Resources.CPUs + c.Resources.Nodes*nodePenalty
}

// SetStatus records a terminal (or Running) status under lock; used by the
// ready queue's dispatch and completion handling and by the session driver.
func (c *Case) SetStatus(s canary.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	if s == canary.StatusRunning {
		c.startedAt = timeNowFunc()
	} else if s.Terminal() {
		c.stoppedAt = timeNowFunc()
	}
}

// Status returns the current status under lock.
func (c *Case) Status() canary.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetNotRun marks c NotRun with a reason, recording it as a terminal
// status without ever dispatching it (spec §4.10's dependency-gating
// transition).
func (c *Case) SetNotRun(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = canary.StatusNotRun
	c.notRunWhy = reason
	c.stoppedAt = timeNowFunc()
}

// NotRunReason returns the reason recorded by SetNotRun, if any.
func (c *Case) NotRunReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notRunWhy
}

// SetExit records the raw process exit code and timing.
func (c *Case) SetExit(code int, start, stop time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitCode = code
	c.startedAt = start
	c.stoppedAt = stop
}

func (c *Case) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *Case) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	stop := c.stoppedAt
	if stop.IsZero() {
		stop = timeNowFunc()
	}
	return stop.Sub(c.startedAt)
}

func (c *Case) IncRetry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return c.retries
}

func (c *Case) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Case) SetLogPath(p string) { c.mu.Lock(); c.logPath = p; c.mu.Unlock() }
func (c *Case) LogPath() string     { c.mu.Lock(); defer c.mu.Unlock(); return c.logPath }

// timeNowFunc is a package-level indirection so tests can stub wall-clock
// time; production code always uses time.Now.
var timeNowFunc = time.Now

// SortByKey sorts cases by Key(), used wherever deterministic iteration
// order over a case set is required (e.g. `canary list`).
func SortByKey(cases []*Case) {
	sort.Slice(cases, func(i, j int) bool { return cases[i].Key() < cases[j].Key() })
}
