// Package depgraph implements the Dependency Resolver (component D):
// materializing the Case DAG from symbolic dependency predicates (spec
// §4.4) and validating it is acyclic.
//
// Grounded directly on the teacher's internal/batch/batch.go Ctx.Build:
// the same gonum.org/v1/gonum/graph/simple.NewDirectedGraph plus
// topo.TarjanSCC cycle detection, generalized from package-dependency
// edges to Case dependency edges and from "break cycles silently" (the
// teacher's bootstrap workaround) to "fatal configuration error" per spec
// §3's Case DAG invariants and §4.4.
package depgraph

import (
	"fmt"

	"github.com/sandialabs/canary/internal/tcase"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ErrCyclicDependency is returned when the case DAG contains a non-trivial
// strongly connected component (spec §3 "Acyclic; any cycle is a fatal
// configuration error").
var ErrCyclicDependency = xerrors.New("depgraph: cyclic dependency")

type caseNode struct {
	id int64
	c  *tcase.Case
}

func (n *caseNode) ID() int64 { return n.id }

// Graph is the resolved, validated Case DAG plus a deterministic
// topological order used only for tie-breaking in the ready queue (spec
// §4.4 "Compute a topological order used only for deterministic
// tie-breaking in §4.5").
type Graph struct {
	g        *simple.DirectedGraph
	byID     map[string]*caseNode
	nodeByID map[int64]*caseNode
	topoIdx  map[string]int
}

// Build adds an edge dep -> dependent for every resolved dependency ID in
// the full case set and validates the result is acyclic (spec §4.4).
//
// cases must already have each Case.Deps populated with resolved
// dependency IDs (resolution of the symbolic family/parameter predicate
// into concrete sibling IDs, including the expect-cardinality check, is
// done by internal/session during Discover — this package only builds
// and validates the graph of already-resolved edges).
func Build(cases []*tcase.Case) (*Graph, error) {
	g := simple.NewDirectedGraph()
	byID := make(map[string]*caseNode, len(cases))
	nodeByID := make(map[int64]*caseNode, len(cases))
	for i, c := range cases {
		n := &caseNode{id: int64(i), c: c}
		byID[c.Key()] = n
		nodeByID[n.id] = n
		g.AddNode(n)
	}
	for _, c := range cases {
		dependent := byID[c.Key()]
		for _, dep := range c.Deps {
			depNode, ok := byID[dep.ID]
			if !ok {
				return nil, xerrors.Errorf("depgraph: case %s depends on unknown case %s", c.Key(), dep.ID)
			}
			if depNode.id == dependent.id {
				continue // self-dependency is meaningless, never added
			}
			g.SetEdge(g.NewEdge(depNode, dependent))
		}
	}

	sccs := topo.TarjanSCC(g)
	for _, scc := range sccs {
		if len(scc) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, describeCycle(scc))
		}
		// A single-node SCC can still be a self-loop; SetEdge above never
		// creates one, so no further check is needed here.
	}

	order, err := topo.Sort(g)
	if err != nil {
		return nil, xerrors.Errorf("depgraph: %w", ErrCyclicDependency)
	}
	topoIdx := make(map[string]int, len(order))
	for i, n := range order {
		topoIdx[n.(*caseNode).c.Key()] = i
	}

	return &Graph{g: g, byID: byID, nodeByID: nodeByID, topoIdx: topoIdx}, nil
}

func describeCycle(scc []graph.Node) string {
	names := make([]string, len(scc))
	for i, n := range scc {
		names[i] = n.(*caseNode).c.Key()
	}
	return fmt.Sprintf("%v", names)
}

// TopoIndex returns the deterministic topological rank of the case with
// the given key, used by the ready queue as the tie-break key (spec §4.5
// step 2(ii)).
func (gr *Graph) TopoIndex(key string) int {
	return gr.topoIdx[key]
}

// Dependents returns the Cases that directly depend on the case with the
// given key, used when propagating completion/failure (spec §4.5 step 5).
func (gr *Graph) Dependents(key string) []*tcase.Case {
	n, ok := gr.byID[key]
	if !ok {
		return nil
	}
	var out []*tcase.Case
	to := gr.g.From(n.ID()) // distri's "From" traversal is dep->dependent, so from n (the dep) gives dependents
	for to.Next() {
		out = append(out, to.Node().(*caseNode).c)
	}
	return out
}

// AllDependents returns every case transitively reachable from key via
// dependency edges (dep -> dependent), used by cascading-failure
// propagation when a dependency's terminal status violates its edge
// predicate.
func (gr *Graph) AllDependents(key string) []*tcase.Case {
	seen := make(map[string]bool)
	var out []*tcase.Case
	var walk func(string)
	walk = func(k string) {
		for _, d := range gr.Dependents(k) {
			if seen[d.Key()] {
				continue
			}
			seen[d.Key()] = true
			out = append(out, d)
			walk(d.Key())
		}
	}
	walk(key)
	return out
}
