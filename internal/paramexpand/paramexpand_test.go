package paramexpand

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpandProduct(t *testing.T) {
	axis := Axis{
		Kind:  Product,
		Names: []string{"compiler"},
		Values: [][]string{
			{"gcc"}, {"clang"},
		},
	}
	rows, err := Expand([]Axis{axis})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.Values["compiler"])
	}
	want := []string{"gcc", "clang"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand() compilers mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandZipped(t *testing.T) {
	axis := Axis{
		Kind:  Zipped,
		Names: []string{"nodes", "ranks"},
		Values: [][]string{
			{"1", "4"},
			{"2", "8"},
		},
	}
	rows, err := Expand([]Axis{axis})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expand() produced %d rows, want 2", len(rows))
	}
	if rows[0].Values["nodes"] != "1" || rows[0].Values["ranks"] != "4" {
		t.Errorf("row 0 = %+v, want nodes=1 ranks=4", rows[0].Values)
	}
	if rows[1].Values["nodes"] != "2" || rows[1].Values["ranks"] != "8" {
		t.Errorf("row 1 = %+v, want nodes=2 ranks=8", rows[1].Values)
	}
}

func TestExpandZippedRowLengthMismatch(t *testing.T) {
	axis := Axis{
		Kind:   Zipped,
		Names:  []string{"a", "b"},
		Values: [][]string{{"1"}},
	}
	if _, err := Expand([]Axis{axis}); err == nil {
		t.Error("Expand() with mismatched zipped row length = nil error, want error")
	}
}

func TestExpandCentered(t *testing.T) {
	axis := Axis{
		Kind:    Centered,
		Names:   []string{"x"},
		Centers: map[string]float64{"x": 10},
		Deltas:  map[string]float64{"x": 1},
		Steps:   map[string]int{"x": 2},
	}
	rows, err := Expand([]Axis{axis})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	// origin + 2 steps * 2 signs = 5 points (spec example 2).
	if len(rows) != 5 {
		t.Fatalf("Expand() produced %d rows, want 5", len(rows))
	}
	if rows[0].Values["x"] != "10" {
		t.Errorf("origin row = %+v, want x=10", rows[0].Values)
	}
}

func TestExpandCenteredMultiName(t *testing.T) {
	axis := Axis{
		Kind:    Centered,
		Names:   []string{"x", "y"},
		Centers: map[string]float64{"x": 0, "y": 0},
		Deltas:  map[string]float64{"x": 1, "y": 1},
		Steps:   map[string]int{"x": 1, "y": 1},
	}
	rows, err := Expand([]Axis{axis})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	// 1 origin + (1 name * 1 step * 2 signs) * 2 names = 1 + 4 = 5.
	if len(rows) != 5 {
		t.Fatalf("Expand() produced %d rows, want 5", len(rows))
	}
	for _, r := range rows {
		if r.Values["x"] == "" || r.Values["y"] == "" {
			t.Errorf("row %+v missing a held-at-center value", r.Values)
		}
	}
}

func TestExpandRandomIsDeterministic(t *testing.T) {
	axis := Axis{
		Kind:    Random,
		Names:   []string{"eps"},
		Los:     map[string]float64{"eps": 0},
		His:     map[string]float64{"eps": 1},
		Samples: 5,
		Seed:    42,
	}
	rows1, err := Expand([]Axis{axis})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	rows2, err := Expand([]Axis{axis})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if diff := cmp.Diff(rows1, rows2); diff != "" {
		t.Errorf("two Expand() calls with same seed differ (-first +second):\n%s", diff)
	}
	if len(rows1) != 5 {
		t.Fatalf("Expand() produced %d rows, want 5", len(rows1))
	}
}

func TestExpandRandomDifferentSeedsDiffer(t *testing.T) {
	a1 := Axis{Kind: Random, Names: []string{"eps"}, Los: map[string]float64{"eps": 0}, His: map[string]float64{"eps": 1}, Samples: 3, Seed: 1}
	a2 := Axis{Kind: Random, Names: []string{"eps"}, Los: map[string]float64{"eps": 0}, His: map[string]float64{"eps": 1}, Samples: 3, Seed: 2}
	rows1, _ := Expand([]Axis{a1})
	rows2, _ := Expand([]Axis{a2})
	if cmp.Diff(rows1, rows2) == "" {
		t.Error("different seeds produced identical draws, want divergence")
	}
}

func TestNormalizeAutoType(t *testing.T) {
	if got := normalize("3.140", true); got != "3.14" {
		t.Errorf("normalize(%q, true) = %q, want %q", "3.140", got, "3.14")
	}
	if got := normalize("3.140", false); got != "3.140" {
		t.Errorf("normalize(%q, false) = %q, want verbatim", "3.140", got)
	}
	if got := normalize("gcc", true); got != "gcc" {
		t.Errorf("normalize(%q, true) = %q, want verbatim (non-numeric)", "gcc", got)
	}
}

func TestExpandProductCrossAxes(t *testing.T) {
	compilers := Axis{Kind: Product, Names: []string{"compiler"}, Values: [][]string{{"gcc"}, {"clang"}}}
	opts := Axis{Kind: Product, Names: []string{"opt"}, Values: [][]string{{"O2"}, {"O3"}}}
	rows, err := Expand([]Axis{compilers, opts})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Expand() produced %d rows, want 4 (2x2 cartesian product)", len(rows))
	}
	seen := make(map[string]bool)
	for _, r := range rows {
		seen[r.Values["compiler"]+"/"+r.Values["opt"]] = true
	}
	for _, want := range []string{"gcc/O2", "gcc/O3", "clang/O2", "clang/O3"} {
		if !seen[want] {
			t.Errorf("missing combination %q in product", want)
		}
	}
}

func TestMultiViewValues(t *testing.T) {
	tuples := []Tuple{
		{Order: []string{"x"}, Values: map[string]string{"x": "1"}},
		{Order: []string{"x"}, Values: map[string]string{"x": "2"}},
	}
	got := MultiViewValues([]string{"x"}, tuples)
	want := map[string][]string{"x": {"1", "2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MultiViewValues() mismatch (-want +got):\n%s", diff)
	}
}
