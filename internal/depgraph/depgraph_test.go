package depgraph

import (
	"testing"

	"github.com/sandialabs/canary/internal/tcase"
)

func caseWithKey(family string, deps ...tcase.Dependency) *tcase.Case {
	return &tcase.Case{Family: family, Deps: deps}
}

func TestBuildLinearChain(t *testing.T) {
	a := caseWithKey("a")
	b := caseWithKey("b", tcase.Dependency{ID: "a", Predicate: "*"})
	c := caseWithKey("c", tcase.Dependency{ID: "b", Predicate: "*"})

	g, err := Build([]*tcase.Case{a, b, c})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if g.TopoIndex("a") >= g.TopoIndex("b") || g.TopoIndex("b") >= g.TopoIndex("c") {
		t.Errorf("topological order not respected: a=%d b=%d c=%d", g.TopoIndex("a"), g.TopoIndex("b"), g.TopoIndex("c"))
	}

	deps := g.Dependents("a")
	if len(deps) != 1 || deps[0].Key() != "b" {
		t.Errorf("Dependents(a) = %v, want [b]", keysOf(deps))
	}

	all := g.AllDependents("a")
	if len(all) != 2 {
		t.Errorf("AllDependents(a) = %v, want [b c]", keysOf(all))
	}
}

func TestBuildUnknownDependencyIsError(t *testing.T) {
	a := caseWithKey("a", tcase.Dependency{ID: "ghost", Predicate: "*"})
	if _, err := Build([]*tcase.Case{a}); err == nil {
		t.Error("Build() with unresolved dependency id = nil error, want error")
	}
}

func TestBuildCycleIsError(t *testing.T) {
	a := caseWithKey("a", tcase.Dependency{ID: "b", Predicate: "*"})
	b := caseWithKey("b", tcase.Dependency{ID: "a", Predicate: "*"})
	_, err := Build([]*tcase.Case{a, b})
	if err == nil {
		t.Fatal("Build() with a<->b cycle = nil error, want ErrCyclicDependency")
	}
}

func TestBuildSelfDependencyIgnored(t *testing.T) {
	a := caseWithKey("a")
	a.Deps = []tcase.Dependency{{ID: "a", Predicate: "*"}}
	if _, err := Build([]*tcase.Case{a}); err != nil {
		t.Errorf("Build() with self-dependency = %v, want no error (self-deps are dropped)", err)
	}
}

func keysOf(cases []*tcase.Case) []string {
	out := make([]string, len(cases))
	for i, c := range cases {
		out[i] = c.Key()
	}
	return out
}
