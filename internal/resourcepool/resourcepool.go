// Package resourcepool tracks the finite inventory of CPUs, GPUs and nodes
// available to a session and hands out accounted reservations to the ready
// queue (component A).
package resourcepool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

// ErrDoubleRelease is returned when a Token is released more than once.
// Release is defined to treat this as a no-op rather than corrupting the
// pool, so callers that want to detect the bug can check for it; the pool
// itself never panics or double-decrements on it.
var ErrDoubleRelease = xerrors.New("resourcepool: token already released")

// ErrInfeasible is returned by Reserve when a request exceeds pool capacity
// for some type — a request that could never be satisfied, regardless of
// current load.
var ErrInfeasible = xerrors.New("resourcepool: request exceeds pool capacity")

// Reservation is a typed resource claim: {cpus, gpus, nodes}.
type Reservation struct {
	CPUs  int
	GPUs  int
	Nodes int
}

// Token is an opaque handle returned by Reserve; it must be passed to
// Release exactly once.
type Token struct {
	id   uint64
	want Reservation
}

// Capacity is a point-in-time snapshot of totals and free counts.
type Capacity struct {
	Total Reservation
	Free  Reservation
}

// Pool is the session-wide resource pool. All mutation happens through
// Reserve/Release under a single mutex — the only shared mutable state in
// the scheduling core (spec §5).
type Pool struct {
	mu       sync.Mutex
	total    Reservation
	free     Reservation
	nextID   uint64
	released map[uint64]bool

	free_cpus  prometheus.Gauge
	free_gpus  prometheus.Gauge
	free_nodes prometheus.Gauge
}

// New creates a Pool with the given total capacity and registers its
// free CPU/GPU/node gauges with reg (nil to skip metrics registration).
func New(total Reservation, reg prometheus.Registerer) *Pool {
	p := &Pool{
		total:    total,
		free:     total,
		released: make(map[uint64]bool),
	}
	p.free_cpus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "canary_pool_free_cpus", Help: "Free CPU count in the resource pool.",
	})
	p.free_gpus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "canary_pool_free_gpus", Help: "Free GPU count in the resource pool.",
	})
	p.free_nodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "canary_pool_free_nodes", Help: "Free node count in the resource pool.",
	})
	if reg != nil {
		reg.MustRegister(p.free_cpus, p.free_gpus, p.free_nodes)
	}
	p.publish()
	return p
}

func (p *Pool) publish() {
	p.free_cpus.Set(float64(p.free.CPUs))
	p.free_gpus.Set(float64(p.free.GPUs))
	p.free_nodes.Set(float64(p.free.Nodes))
}

// Feasible reports whether req could ever be satisfied against total
// capacity, independent of current load. Freeze calls this to reject
// infeasible cases fatally rather than let them deadlock at run time
// (spec §4.1, §8 "rejected at Freeze, not deadlocked at run").
func (p *Pool) Feasible(req Reservation) bool {
	return req.CPUs <= p.total.CPUs && req.GPUs <= p.total.GPUs && req.Nodes <= p.total.Nodes
}

// Reserve attempts to atomically decrement free capacity for req. On
// success it returns a Token to later Release; on failure (insufficient
// current capacity) it returns ok=false without error — this is the
// "Denied" outcome of spec §4.1, not a fatal condition, and the ready
// queue simply retries the case on a later dispatch pass.
func (p *Pool) Reserve(req Reservation) (tok Token, ok bool, err error) {
	if !p.Feasible(req) {
		return Token{}, false, ErrInfeasible
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.CPUs > p.free.CPUs || req.GPUs > p.free.GPUs || req.Nodes > p.free.Nodes {
		return Token{}, false, nil
	}
	p.free.CPUs -= req.CPUs
	p.free.GPUs -= req.GPUs
	p.free.Nodes -= req.Nodes
	p.nextID++
	tok = Token{id: p.nextID, want: req}
	p.released[tok.id] = false
	p.publish()
	return tok, true, nil
}

// Release restores the reservation held by tok. A second Release of the
// same token is a no-op (spec §8 "double-release is a no-op, not a
// corruption"), reported via ErrDoubleRelease so callers can log it.
func (p *Pool) Release(tok Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released[tok.id] {
		return ErrDoubleRelease
	}
	p.released[tok.id] = true
	p.free.CPUs += tok.want.CPUs
	p.free.GPUs += tok.want.GPUs
	p.free.Nodes += tok.want.Nodes
	p.publish()
	return nil
}

// Capacity returns a point-in-time snapshot of totals and free counts.
func (p *Pool) Capacity() Capacity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Capacity{Total: p.total, Free: p.free}
}
