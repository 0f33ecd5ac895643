// Package batch implements the Batch Partitioner (component H): grouping
// cases into batches under a (duration/count, node, layout) policy (spec
// §4.8), for shipment to a scheduler driver (component I).
//
// Grounded on the teacher's own internal/batch/batch.go: the gonum-graph
// DAG construction and worker-pool dispatch loop that package contained
// has moved to internal/depgraph and internal/queue (the structural
// analogs of package-dependency resolution and build scheduling); what
// remains of the teacher's shape here is the package name and the
// "tiling" idea of batch.go's own doc comment — grouping schedulable
// units before dispatch — now applied to spec §4.8's bin-packing
// algorithm, which the teacher's single-pass worker pool never needed
// because distri submits one package build at a time.
package batch

import (
	"sort"

	"github.com/sandialabs/canary/internal/resourcepool"
	"github.com/sandialabs/canary/internal/tcase"
)

// Policy selects one of spec §4.8's packing strategies.
type Policy struct {
	Kind     PolicyKind
	Duration float64 // seconds, for PolicyDuration
	Count    int     // for PolicyCount; 0 means "auto"
	Layout   Layout
	SameNode bool // nodes=same vs nodes=any
}

type PolicyKind int

const (
	PolicyDuration PolicyKind = iota
	PolicyCount
	PolicyCountMax // one case per batch
)

type Layout int

const (
	LayoutFlat Layout = iota
	LayoutAtomic
)

// Batch is an ordered set of cases plus their summed resource requirement
// (spec §3 "Batch").
type Batch struct {
	ID        string
	Cases     []*tcase.Case
	Resources resourcepool.Reservation
}

func (b *Batch) duration() float64 {
	var total float64
	for _, c := range b.Cases {
		total += estimateDuration(c)
	}
	return total
}

func (b *Batch) append(c *tcase.Case) {
	b.Cases = append(b.Cases, c)
	b.Resources.CPUs += c.Resources.CPUs
	b.Resources.GPUs += c.Resources.GPUs
	if c.Resources.Nodes > b.Resources.Nodes {
		b.Resources.Nodes = c.Resources.Nodes // batch requirement is max per-node requirement (spec §4.8 step 5)
	}
}

// estimateDuration returns the per-case duration estimate: the declared
// timeout, since no prior-run history is available to this package (spec
// §4.8 step 2 "from prior runs if available, else the declared timeout").
func estimateDuration(c *tcase.Case) float64 {
	return c.Timeout.Seconds()
}

// dependencyKeys is the minimal view of the dependency edges needed to
// enforce layout (spec §4.8 step 4); supplied by the caller since
// internal/batch does not itself resolve the DAG (that is
// internal/depgraph's job).
type DependencyKeys func(c *tcase.Case) []string

// Partition groups cases into Batches per policy (spec §4.8's tiling
// algorithm). deps returns the keys of c's intra-session dependencies;
// when policy.SameNode is set, groupByNodeCount first groups cases sharing
// the same predicted node count.
func Partition(cases []*tcase.Case, policy Policy, deps DependencyKeys) []*Batch {
	groups := groupByNodeCount(cases, policy.SameNode)

	var batches []*Batch
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return estimateDuration(group[i]) > estimateDuration(group[j]) // step 2: descending duration
		})
		batches = append(batches, tile(group, policy)...)
	}

	batches = enforceLayout(batches, policy.Layout, deps)
	assignIDs(batches)
	return batches
}

func groupByNodeCount(cases []*tcase.Case, sameNode bool) [][]*tcase.Case {
	if !sameNode {
		return [][]*tcase.Case{append([]*tcase.Case{}, cases...)}
	}
	byNodes := make(map[int][]*tcase.Case)
	var order []int
	for _, c := range cases {
		n := c.Resources.Nodes
		if _, ok := byNodes[n]; !ok {
			order = append(order, n)
		}
		byNodes[n] = append(byNodes[n], c)
	}
	sort.Ints(order)
	groups := make([][]*tcase.Case, 0, len(order))
	for _, n := range order {
		groups = append(groups, byNodes[n])
	}
	return groups
}

// tile packs one (already duration-sorted) group of cases into batches
// per policy.Kind (spec §4.8 step 3).
func tile(group []*tcase.Case, policy Policy) []*Batch {
	switch policy.Kind {
	case PolicyCountMax:
		batches := make([]*Batch, len(group))
		for i, c := range group {
			b := &Batch{}
			b.append(c)
			batches[i] = b
		}
		return batches

	case PolicyCount:
		n := policy.Count
		if n <= 0 {
			n = len(group) // caller resolves "auto" to min(workers, cases) before calling Partition
		}
		if n <= 0 {
			n = 1
		}
		return lpt(group, n)

	default: // PolicyDuration: greedy first-fit-decreasing
		return firstFitDecreasing(group, policy.Duration)
	}
}

// firstFitDecreasing places each case (already sorted by descending
// duration) in the first existing batch whose summed duration stays ≤ T,
// else opens a new batch (spec §4.8 step 3, duration policy).
func firstFitDecreasing(group []*tcase.Case, limit float64) []*Batch {
	var batches []*Batch
	for _, c := range group {
		placed := false
		d := estimateDuration(c)
		for _, b := range batches {
			if b.duration()+d <= limit {
				b.append(c)
				placed = true
				break
			}
		}
		if !placed {
			b := &Batch{}
			b.append(c)
			batches = append(batches, b)
		}
	}
	return batches
}

// lpt implements longest-processing-time onto exactly n bins (spec §4.8
// step 3, count(N) policy): each case (already sorted descending) goes
// into the currently lightest bin.
func lpt(group []*tcase.Case, n int) []*Batch {
	batches := make([]*Batch, n)
	for i := range batches {
		batches[i] = &Batch{}
	}
	for _, c := range group {
		lightest := 0
		for i, b := range batches {
			if b.duration() < batches[lightest].duration() {
				lightest = i
			}
		}
		batches[lightest].append(c)
	}
	// Drop any bins that ended up empty (fewer cases than bins requested).
	var out []*Batch
	for _, b := range batches {
		if len(b.Cases) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// enforceLayout applies spec §4.8 step 4: atomic merges batches connected
// by an intra-group dependency via union-find; flat instead re-homes a
// dependent case to a later batch rather than allow the edge to cross
// inward. Returns the (possibly rebuilt) batch slice, since the atomic
// merge collapses multiple input batches into fewer output ones.
func enforceLayout(batches []*Batch, layout Layout, deps DependencyKeys) []*Batch {
	if deps == nil || len(batches) == 0 {
		return batches
	}
	batchOf := make(map[string]int, len(batches))
	for i, b := range batches {
		for _, c := range b.Cases {
			batchOf[c.Key()] = i
		}
	}

	switch layout {
	case LayoutAtomic:
		uf := newUnionFind(len(batches))
		for i, b := range batches {
			for _, c := range b.Cases {
				for _, depKey := range deps(c) {
					if j, ok := batchOf[depKey]; ok {
						uf.union(i, j)
					}
				}
			}
		}
		merged := make(map[int]*Batch)
		var order []int
		for i, b := range batches {
			root := uf.find(i)
			if _, ok := merged[root]; !ok {
				merged[root] = &Batch{}
				order = append(order, root)
			}
			merged[root].Cases = append(merged[root].Cases, b.Cases...)
			merged[root].Resources.CPUs += b.Resources.CPUs
			merged[root].Resources.GPUs += b.Resources.GPUs
			if b.Resources.Nodes > merged[root].Resources.Nodes {
				merged[root].Resources.Nodes = b.Resources.Nodes
			}
		}
		sort.Ints(order)
		out := make([]*Batch, 0, len(order))
		for _, root := range order {
			out = append(out, merged[root])
		}
		return out

	case LayoutFlat:
		// Forbid any intra-batch dependency: move the dependent case to a
		// fresh trailing batch of its own whenever its dependency landed in
		// the same batch as it did (spec §4.8 step 4, flat).
		for i, b := range batches {
			var keep []*tcase.Case
			for _, c := range b.Cases {
				conflict := false
				for _, depKey := range deps(c) {
					if batchOf[depKey] == i {
						conflict = true
						break
					}
				}
				if conflict {
					nb := &Batch{}
					nb.append(c)
					batches = append(batches, nb)
					batchOf[c.Key()] = len(batches) - 1
				} else {
					keep = append(keep, c)
				}
			}
			b.Cases = keep
		}
	}
	return batches
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// assignIDs gives each batch a deterministic ID, ties broken by the key
// of its lexicographically-first case (spec §4.8 "Determinism: ties
// broken by case ID").
func assignIDs(batches []*Batch) {
	sort.Slice(batches, func(i, j int) bool {
		return firstKey(batches[i]) < firstKey(batches[j])
	})
	for i, b := range batches {
		tcase.SortByKey(b.Cases)
		b.ID = intToBatchID(i)
		for _, c := range b.Cases {
			c.BatchID = b.ID
		}
	}
}

func firstKey(b *Batch) string {
	if len(b.Cases) == 0 {
		return ""
	}
	min := b.Cases[0].Key()
	for _, c := range b.Cases[1:] {
		if c.Key() < min {
			min = c.Key()
		}
	}
	return min
}

func intToBatchID(i int) string {
	const digits = "0123456789"
	if i == 0 {
		return "batch-0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return "batch-" + string(b)
}
