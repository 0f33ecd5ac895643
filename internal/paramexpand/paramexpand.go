// Package paramexpand implements the Parameter-Set Expander (component C):
// turning a Generator's declared parameter axes into the ordered list of
// concrete parameter tuples described in spec §3 "Parameter axis" and
// §4.3.
//
// Grounded on the teacher's per-builder-kind dispatch idiom
// (internal/build's buildc.go/buildcmake.go/buildmeson.go — one small
// function per builder "kind" sharing a common Ctx), generalized here to
// one expansion function per axis kind sharing a common Tuple
// representation.
package paramexpand

import (
	"fmt"
	"math/rand"
	"strconv"
)

// AxisKind selects one of spec §3's four parameter axis shapes.
type AxisKind int

const (
	Product AxisKind = iota
	Zipped
	Centered
	Random
)

// Axis is one parameter axis declaration (from a `parameterize` directive).
type Axis struct {
	Kind     AxisKind
	Names    []string // one name for Product, k names otherwise
	Values   [][]string // Product: len(Names)==1, one value per row; Zipped: k-tuples
	Centers  map[string]float64 // Centered: per-name center
	Deltas   map[string]float64
	Steps    map[string]int
	Los      map[string]float64 // Random: per-name uniform range
	His      map[string]float64
	Samples  int    // Random: number of draws
	Seed     int64  // Random: PRNG seed, part of the spec for determinism
	AutoType bool   // numeric-looking strings convert to canonical numeric form
}

// Tuple is one row of the expanded parameter space: name -> value, plus
// the declared order so Case.Key() renders deterministically.
type Tuple struct {
	Order  []string
	Values map[string]string
}

func newTuple() Tuple {
	return Tuple{Values: make(map[string]string)}
}

func (t Tuple) with(name, value string) Tuple {
	out := Tuple{Order: append(append([]string{}, t.Order...), name), Values: make(map[string]string, len(t.Values)+1)}
	for k, v := range t.Values {
		out.Values[k] = v
	}
	out.Values[name] = value
	return out
}

func (t Tuple) withAll(names []string, values []string) Tuple {
	out := Tuple{Order: append([]string{}, t.Order...), Values: make(map[string]string, len(t.Values)+len(names))}
	for k, v := range t.Values {
		out.Values[k] = v
	}
	for i, n := range names {
		out.Order = append(out.Order, n)
		out.Values[n] = values[i]
	}
	return out
}

// expandAxis returns every row this single axis contributes, independent
// of the other axes.
func expandAxis(a Axis) ([]Tuple, error) {
	switch a.Kind {
	case Product:
		if len(a.Names) != 1 {
			return nil, fmt.Errorf("paramexpand: product axis must have exactly one name, got %d", len(a.Names))
		}
		name := a.Names[0]
		var rows []Tuple
		for _, row := range a.Values {
			if len(row) != 1 {
				return nil, fmt.Errorf("paramexpand: product axis %q row has %d values, want 1", name, len(row))
			}
			rows = append(rows, newTuple().with(name, normalize(row[0], a.AutoType)))
		}
		return rows, nil

	case Zipped:
		var rows []Tuple
		for _, row := range a.Values {
			if len(row) != len(a.Names) {
				return nil, fmt.Errorf("paramexpand: zipped axis row has %d values, want %d", len(row), len(a.Names))
			}
			vals := make([]string, len(row))
			for i, v := range row {
				vals[i] = normalize(v, a.AutoType)
			}
			rows = append(rows, newTuple().withAll(a.Names, vals))
		}
		return rows, nil

	case Centered:
		return expandCentered(a)

	case Random:
		return expandRandom(a)

	default:
		return nil, fmt.Errorf("paramexpand: unknown axis kind %d", a.Kind)
	}
}

// expandCentered implements spec §3's centered axis: origin plus, for each
// name independently, `steps` points on each side (±i·delta), other names
// held at center. Total points = 1 + 2·steps·k (spec example 2).
func expandCentered(a Axis) ([]Tuple, error) {
	origin := newTuple()
	for _, n := range a.Names {
		origin = origin.with(n, formatFloat(a.Centers[n]))
	}
	rows := []Tuple{origin}
	for _, n := range a.Names {
		steps := a.Steps[n]
		delta := a.Deltas[n]
		center := a.Centers[n]
		for i := 1; i <= steps; i++ {
			for _, sign := range []float64{-1, 1} {
				row := newTuple()
				for _, m := range a.Names {
					if m == n {
						row = row.with(m, formatFloat(center+sign*float64(i)*delta))
					} else {
						row = row.with(m, formatFloat(a.Centers[m]))
					}
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// expandRandom implements spec §3's random axis: draws `samples` k-tuples
// from a PRNG seeded by a.Seed, so expansion remains a pure function of
// the declaration (spec §4.3 "Determinism").
func expandRandom(a Axis) ([]Tuple, error) {
	rng := rand.New(rand.NewSource(a.Seed))
	var rows []Tuple
	for s := 0; s < a.Samples; s++ {
		row := newTuple()
		for _, n := range a.Names {
			lo, hi := a.Los[n], a.His[n]
			v := lo + rng.Float64()*(hi-lo)
			row = row.with(n, formatFloat(v))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// normalize converts numeric-looking strings to a canonical numeric form
// iff autotype is set (spec §4.3 step 2); otherwise values remain strings
// verbatim.
func normalize(s string, autotype bool) string {
	if !autotype {
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return formatFloat(f)
	}
	return s
}

// product computes the lexicographic Cartesian product of rows from
// multiple axes, each already expanded to its own row list (spec §4.3
// step 1: product axes combine via Cartesian product in declared order;
// zipped/centered/random axes each contribute one axis to the same
// product).
func product(axisRows [][]Tuple) []Tuple {
	result := []Tuple{newTuple()}
	for _, rows := range axisRows {
		var next []Tuple
		for _, acc := range result {
			for _, row := range rows {
				merged := acc
				for _, name := range row.Order {
					merged = merged.with(name, row.Values[name])
				}
				next = append(next, merged)
			}
		}
		result = next
	}
	return result
}

// Expand turns the axes of a generator into its ordered parameter tuple
// list (spec §4.3 step 1). Determinism: a pure function of axes (and PRNG
// seed for random axes); no wall-clock or external state is consulted.
func Expand(axes []Axis) ([]Tuple, error) {
	axisRows := make([][]Tuple, 0, len(axes))
	for _, a := range axes {
		rows, err := expandAxis(a)
		if err != nil {
			return nil, err
		}
		axisRows = append(axisRows, rows)
	}
	return product(axisRows), nil
}

// MultiViewValues computes, for a MultiCase (spec §3 "MultiCase", §4.3
// step 3), the per-name tuple of values across the produced tuples, in
// the generator's declared parameter order.
func MultiViewValues(order []string, tuples []Tuple) map[string][]string {
	out := make(map[string][]string, len(order))
	for _, name := range order {
		vals := make([]string, len(tuples))
		for i, t := range tuples {
			vals[i] = t.Values[name]
		}
		out[name] = vals
	}
	return out
}
