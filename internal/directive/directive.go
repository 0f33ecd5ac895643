// Package directive defines the Generator contract between the
// scheduling/execution core and the directive-parser collaborator (spec
// §1 "out of scope: Directive parsing of test source files — consumes
// test paths, produces a list of Generators. Contract: §6") and ships a
// minimal reference parser for the directive surface of spec §6, so the
// core is exercisable end to end without a full third-party test-file
// format.
//
// No library in the retrieval pack parses this bespoke directive syntax;
// the reference parser here is a small regexp-driven scanner over
// directive-call lines, matching the teacher's own preference for
// hand-written small parsers (see internal/build/glob.go's pattern
// matcher) over pulling in a parser-combinator dependency for a
// single-purpose grammar.
package directive

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sandialabs/canary/internal/paramexpand"
)

// DependencySpec is one `depends_on` directive, not yet resolved to
// concrete Case IDs (internal/session resolves it during Discover, once
// every Generator has been expanded into Cases).
type DependencySpec struct {
	Predicate string // family[.name=value...] with optional glob
	Expect    string // "?", "+", integer, or "*" (default "*")
	Result    string // expected-result predicate (default "pass")
	TestName  string
}

// StageSpec is one `stages(*names, when?)` directive.
type StageSpec struct {
	Names []string
	When  string
}

// StagingSpec is one `copy`/`link` directive.
type StagingSpec struct {
	Src, Dst, Rename, When string
	Link                   bool
}

// Generator is the parsed, not-yet-expanded form of one test file (spec
// §3 "Generator").
type Generator struct {
	SourcePath string
	Family     string
	Axes       []paramexpand.Axis
	Deps       []DependencySpec
	Keywords   map[string]string // keyword -> when guard ("" means unconditional)
	Resources  ResourceSpec
	Timeout    string // raw form: seconds, "1h 20m", or "HH:MM:SS" (spec §6 timeout())
	Staging    []StagingSpec
	Stages     []StageSpec
	Multi      bool // analyze() / generate_composite_base_case()
	SkipIf     string
	SkipReason string
	Enable     string
	XFail      bool
	XFailCode  int
	XDiff      bool
	Command    []string
}

// ResourceSpec is the per-case resource requirement a Generator declares.
type ResourceSpec struct {
	CPUs, GPUs, Nodes int
}

// Parser turns a test file path into the Generator(s) it declares.
type Parser interface {
	Parse(path string) ([]*Generator, error)
}

// Default is the reference line-oriented parser: each directive is a
// `#CANARY name(args)`-shaped line (spec §6's directive surface).
type Default struct{}

var directiveLine = regexp.MustCompile(`^\s*#\s*CANARY\s+(\w+)\((.*)\)\s*$`)

func (Default) Parse(path string) ([]*Generator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g := &Generator{SourcePath: path, Keywords: make(map[string]string)}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := directiveLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if err := apply(g, m[1], m[2]); err != nil {
			return nil, fmt.Errorf("directive: %s: %w", path, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if g.Family == "" {
		g.Family = baseName(path)
	}
	return []*Generator{g}, nil
}

func baseName(path string) string {
	path = strings.TrimSuffix(path, ".canary")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return path
}

func apply(g *Generator, name, args string) error {
	kv := parseArgs(args)
	switch name {
	case "name":
		g.Family = kv.pos(0)
	case "keywords":
		for _, k := range kv.positional {
			g.Keywords[k] = kv.get("when")
		}
	case "parameterize":
		axis, err := parseAxis(kv)
		if err != nil {
			return err
		}
		g.Axes = append(g.Axes, axis)
	case "copy", "link":
		g.Staging = append(g.Staging, StagingSpec{
			Src: kv.pos(0), Dst: kv.pos(1), Rename: kv.get("rename"),
			When: kv.get("when"), Link: name == "link",
		})
	case "timeout":
		g.Timeout = kv.pos(0)
	case "depends_on":
		g.Deps = append(g.Deps, DependencySpec{
			Predicate: kv.pos(0), Expect: orDefault(kv.get("expect"), "*"),
			Result: orDefault(kv.get("result"), "pass"), TestName: kv.get("testname"),
		})
	case "analyze", "generate_composite_base_case":
		g.Multi = true
	case "stages":
		g.Stages = append(g.Stages, StageSpec{Names: kv.positional, When: kv.get("when")})
	case "skipif":
		g.SkipIf = kv.pos(0)
		g.SkipReason = kv.pos(1)
	case "enable":
		g.Enable = kv.pos(0)
	case "xfail":
		g.XFail = true
		if c := kv.get("code"); c != "" {
			n, err := strconv.Atoi(c)
			if err != nil {
				return fmt.Errorf("xfail code: %w", err)
			}
			g.XFailCode = n
		}
	case "xdiff":
		g.XDiff = true
	default:
		return fmt.Errorf("unknown directive %q", name)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type args struct {
	positional []string
	named      map[string]string
}

func (a args) pos(i int) string {
	if i < len(a.positional) {
		return a.positional[i]
	}
	return ""
}

func (a args) get(name string) string { return a.named[name] }

// namedKeys enumerates every kwarg name the directive grammar recognizes.
// parseArgs consults this instead of splitting any "key=value"-shaped token,
// since a positional argument can itself be a when-expression containing
// "=" (e.g. skipif's "parameters.gpu_count=0"), which must stay positional.
var namedKeys = map[string]bool{
	"when": true, "expect": true, "result": true, "testname": true,
	"rename": true, "type": true, "samples": true, "seed": true,
	"code": true, "autotype": true,
}

func parseArgs(s string) args {
	a := args{named: make(map[string]string)}
	for _, part := range splitTopLevel(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 && !strings.HasPrefix(part, "[") && namedKeys[strings.TrimSpace(part[:i])] {
			a.named[strings.TrimSpace(part[:i])] = strings.Trim(strings.TrimSpace(part[i+1:]), `"`)
		} else {
			a.positional = append(a.positional, strings.Trim(part, `"`))
		}
	}
	return a
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside [].
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// parseAxis builds a paramexpand.Axis from a `parameterize` directive's
// arguments (spec §6 `parameterize(names, values, type?, samples?,
// autotype?, when?)`).
func parseAxis(a args) (paramexpand.Axis, error) {
	names := parseList(a.pos(0))
	kindName := orDefault(a.get("type"), "product")
	axis := paramexpand.Axis{Names: names, AutoType: a.get("autotype") == "true"}

	switch kindName {
	case "product":
		axis.Kind = paramexpand.Product
		axis.Values = parseRows(a.pos(1))
	case "zipped":
		axis.Kind = paramexpand.Zipped
		axis.Values = parseRows(a.pos(1))
	case "centered":
		axis.Kind = paramexpand.Centered
		axis.Centers, axis.Deltas, axis.Steps = map[string]float64{}, map[string]float64{}, map[string]int{}
		rows := parseRows(a.pos(1))
		for i, row := range rows {
			if i >= len(names) || len(row) != 3 {
				continue
			}
			center, _ := strconv.ParseFloat(row[0], 64)
			delta, _ := strconv.ParseFloat(row[1], 64)
			steps, _ := strconv.Atoi(row[2])
			axis.Centers[names[i]] = center
			axis.Deltas[names[i]] = delta
			axis.Steps[names[i]] = steps
		}
	case "random":
		axis.Kind = paramexpand.Random
		axis.Los, axis.His = map[string]float64{}, map[string]float64{}
		rows := parseRows(a.pos(1))
		for i, row := range rows {
			if i >= len(names) || len(row) != 2 {
				continue
			}
			lo, _ := strconv.ParseFloat(row[0], 64)
			hi, _ := strconv.ParseFloat(row[1], 64)
			axis.Los[names[i]] = lo
			axis.His[names[i]] = hi
		}
		if n, err := strconv.Atoi(a.get("samples")); err == nil {
			axis.Samples = n
		}
		if seed, err := strconv.ParseInt(a.get("seed"), 10, 64); err == nil {
			axis.Seed = seed
		}
	default:
		return axis, fmt.Errorf("parameterize: unknown axis type %q", kindName)
	}
	return axis, nil
}

func parseList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var out []string
	for _, part := range splitTopLevel(s, ',') {
		part = strings.Trim(strings.TrimSpace(part), `"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseRows parses a `[[...],[...]]` or `[...]` literal into rows of
// scalar strings.
func parseRows(s string) [][]string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if !strings.Contains(s, "[") {
		var rows [][]string
		for _, v := range splitTopLevel(s, ',') {
			v = strings.Trim(strings.TrimSpace(v), `"`)
			if v != "" {
				rows = append(rows, []string{v})
			}
		}
		return rows
	}
	var rows [][]string
	depth := 0
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ']':
			depth--
			if depth == 0 {
				rows = append(rows, parseList("["+s[start:i]+"]"))
			}
		}
	}
	return rows
}
