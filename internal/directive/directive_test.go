package directive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sandialabs/canary/internal/paramexpand"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mytest.canary")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseBasicDirectives(t *testing.T) {
	path := writeFile(t, `
# CANARY name(mysuite/mytest)
# CANARY keywords(slow, smoke, when="options.debug")
# CANARY timeout(120)
# CANARY depends_on(mysuite/dep, expect="+", result="pass or diff")
`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(gens) != 1 {
		t.Fatalf("Parse() returned %d generators, want 1", len(gens))
	}
	g := gens[0]
	if g.Family != "mysuite/mytest" {
		t.Errorf("Family = %q, want %q", g.Family, "mysuite/mytest")
	}
	if g.Timeout != "120" {
		t.Errorf("Timeout = %q, want %q", g.Timeout, "120")
	}
	if _, ok := g.Keywords["slow"]; !ok {
		t.Error("keyword \"slow\" not recorded")
	}
	if got := g.Keywords["smoke"]; got != "options.debug" {
		t.Errorf("keyword \"smoke\" when guard = %q, want %q", got, "options.debug")
	}
	if len(g.Deps) != 1 {
		t.Fatalf("Deps = %v, want 1 entry", g.Deps)
	}
	dep := g.Deps[0]
	if dep.Predicate != "mysuite/dep" || dep.Expect != "+" || dep.Result != "pass or diff" {
		t.Errorf("Deps[0] = %+v, want predicate=mysuite/dep expect=+ result=\"pass or diff\"", dep)
	}
}

func TestParseFamilyDefaultsToBaseName(t *testing.T) {
	path := writeFile(t, `# CANARY timeout(60)`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gens[0].Family != "mytest" {
		t.Errorf("Family = %q, want %q (derived from filename)", gens[0].Family, "mytest")
	}
}

func TestParseStagingDirectives(t *testing.T) {
	path := writeFile(t, `
# CANARY copy(input.txt, staged.txt)
# CANARY link(shared.so, rename="lib.so", when="platforms.linux")
`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []StagingSpec{
		{Src: "input.txt", Dst: "staged.txt"},
		{Src: "shared.so", Rename: "lib.so", When: "platforms.linux", Link: true},
	}
	if diff := cmp.Diff(want, gens[0].Staging); diff != "" {
		t.Errorf("Staging mismatch (-want +got):\n%s", diff)
	}
}

func TestParseXFailAndXDiff(t *testing.T) {
	path := writeFile(t, `
# CANARY xfail(code=7)
# CANARY xdiff()
`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g := gens[0]
	if !g.XFail || g.XFailCode != 7 {
		t.Errorf("XFail=%v XFailCode=%d, want true, 7", g.XFail, g.XFailCode)
	}
	if !g.XDiff {
		t.Error("XDiff = false, want true")
	}
}

func TestParseUnknownDirectiveErrors(t *testing.T) {
	path := writeFile(t, `# CANARY bogus(1,2,3)`)
	if _, err := (Default{}).Parse(path); err == nil {
		t.Error("Parse() with unknown directive = nil error, want error")
	}
}

func TestParseAxisProduct(t *testing.T) {
	path := writeFile(t, `# CANARY parameterize([compiler], [gcc, clang])`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(gens[0].Axes) != 1 {
		t.Fatalf("Axes = %v, want 1", gens[0].Axes)
	}
	axis := gens[0].Axes[0]
	if axis.Kind != paramexpand.Product {
		t.Errorf("Kind = %v, want Product", axis.Kind)
	}
	if diff := cmp.Diff([]string{"compiler"}, axis.Names); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
	want := [][]string{{"gcc"}, {"clang"}}
	if diff := cmp.Diff(want, axis.Values); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAxisZipped(t *testing.T) {
	path := writeFile(t, `# CANARY parameterize([nodes, ranks], [[1, 4], [2, 8]], type="zipped")`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	axis := gens[0].Axes[0]
	if axis.Kind != paramexpand.Zipped {
		t.Errorf("Kind = %v, want Zipped", axis.Kind)
	}
	want := [][]string{{"1", "4"}, {"2", "8"}}
	if diff := cmp.Diff(want, axis.Values); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAxisCentered(t *testing.T) {
	path := writeFile(t, `# CANARY parameterize([x], [[10, 1, 2]], type="centered")`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	axis := gens[0].Axes[0]
	if axis.Kind != paramexpand.Centered {
		t.Fatalf("Kind = %v, want Centered", axis.Kind)
	}
	if axis.Centers["x"] != 10 || axis.Deltas["x"] != 1 || axis.Steps["x"] != 2 {
		t.Errorf("Centered axis = %+v, want center=10 delta=1 steps=2", axis)
	}
}

func TestParseAxisRandom(t *testing.T) {
	path := writeFile(t, `# CANARY parameterize([eps], [[0, 1]], type="random", samples=5, seed=42)`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	axis := gens[0].Axes[0]
	if axis.Kind != paramexpand.Random {
		t.Fatalf("Kind = %v, want Random", axis.Kind)
	}
	if axis.Samples != 5 || axis.Seed != 42 {
		t.Errorf("Random axis = %+v, want samples=5 seed=42", axis)
	}
	if axis.Los["eps"] != 0 || axis.His["eps"] != 1 {
		t.Errorf("Random axis range = %+v, want lo=0 hi=1", axis)
	}
}

func TestParseStagesDirective(t *testing.T) {
	path := writeFile(t, `# CANARY stages(build, run, when="options.staged")`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(gens[0].Stages) != 1 {
		t.Fatalf("Stages = %v, want 1 entry", gens[0].Stages)
	}
	st := gens[0].Stages[0]
	if diff := cmp.Diff([]string{"build", "run"}, st.Names); diff != "" {
		t.Errorf("Stage Names mismatch (-want +got):\n%s", diff)
	}
	if st.When != "options.staged" {
		t.Errorf("Stage When = %q, want %q", st.When, "options.staged")
	}
}

func TestParseMultiDirectives(t *testing.T) {
	path := writeFile(t, `# CANARY analyze()`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !gens[0].Multi {
		t.Error("Multi = false, want true after analyze()")
	}
}

func TestParseSkipifAndEnable(t *testing.T) {
	path := writeFile(t, `
# CANARY skipif(parameters.gpu_count=0, "no GPU available")
# CANARY enable(platforms.linux)
`)
	gens, err := Default{}.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g := gens[0]
	if g.SkipIf != "parameters.gpu_count=0" {
		t.Errorf("SkipIf = %q, want %q", g.SkipIf, "parameters.gpu_count=0")
	}
	if g.SkipReason != "no GPU available" {
		t.Errorf("SkipReason = %q, want %q", g.SkipReason, "no GPU available")
	}
	if g.Enable != "platforms.linux" {
		t.Errorf("Enable = %q, want %q", g.Enable, "platforms.linux")
	}
}
