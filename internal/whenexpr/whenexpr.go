// Package whenexpr implements the small boolean expression grammar used by
// `when` guards (staging, keywords, enable/skipif) and by the `-k` keyword
// filter (spec §6, §3's dropped-feature supplement): operators `=`, `!=`,
// `and`, `or`, `not`, glob `*`, over three namespaces — `parameters`,
// `platforms`, `options` — plus bare keyword literals for `-k`.
//
// No library in the retrieval pack implements this bespoke grammar, so it
// is a hand-written recursive-descent parser; see DESIGN.md.
package whenexpr

import (
	"fmt"
	"path"
	"strings"
)

// Env is the evaluation context an expression is checked against.
type Env struct {
	Parameters map[string]string
	Platforms  map[string]bool
	Options    map[string]bool
	Keywords   map[string]bool
}

// Expr is a parsed boolean expression; call Eval to test it against an Env.
type Expr interface {
	Eval(env *Env) bool
}

type andExpr struct{ l, r Expr }
type orExpr struct{ l, r Expr }
type notExpr struct{ x Expr }

// literalExpr matches a bare name against parameters (truthy if the
// parameter is set to a non-empty value), platforms, options or keywords,
// whichever namespace the prefix (if any) names.
type literalExpr struct {
	namespace string // "parameters", "platforms", "options", "keywords", or "" for bare
	name      string
	value     string // only meaningful for comparisons
	op        string // "", "=", "!="
}

func (e *andExpr) Eval(env *Env) bool { return e.l.Eval(env) && e.r.Eval(env) }
func (e *orExpr) Eval(env *Env) bool  { return e.l.Eval(env) || e.r.Eval(env) }
func (e *notExpr) Eval(env *Env) bool { return !e.x.Eval(env) }

func globMatch(pattern, value string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func (e *literalExpr) Eval(env *Env) bool {
	switch e.namespace {
	case "platforms":
		if e.op == "" {
			return env.Platforms[e.name]
		}
		match := globMatch(e.value, fmt.Sprint(env.Platforms[e.name]))
		if e.op == "!=" {
			return !match
		}
		return match
	case "options":
		v := env.Options[e.name]
		if e.op == "" {
			return v
		}
		match := globMatch(e.value, fmt.Sprint(v))
		if e.op == "!=" {
			return !match
		}
		return match
	case "keywords":
		return env.Keywords[e.name]
	default: // parameters, or bare name defaulting to parameters then keywords
		if v, ok := env.Parameters[e.name]; ok {
			if e.op == "" {
				return v != ""
			}
			matched := globMatch(e.value, v)
			if e.op == "!=" {
				return !matched
			}
			return matched
		}
		if e.namespace == "" {
			return env.Keywords[e.name]
		}
		return false
	}
}

// Parse parses a when/keyword expression. Grammar:
//
//	expr   := term (("and" | "or") term)*
//	term   := "not" term | "(" expr ")" | atom
//	atom   := [namespace "."] name [("=" | "!=") value]
func Parse(s string) (Expr, error) {
	p := &parser{toks: tokenize(s)}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("whenexpr: unexpected trailing tokens near %q", p.toks[p.pos:])
	}
	return e, nil
}

func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t':
			flush()
		case c == '(' || c == ')':
			flush()
			toks = append(toks, string(c))
		case c == '!' && i+1 < len(runes) && runes[i+1] == '=':
			flush()
			toks = append(toks, "!=")
			i++
		case c == '=':
			flush()
			toks = append(toks, "=")
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return toks
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseExpr() (Expr, error) {
	l, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek() {
		case "and":
			p.next()
			r, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			l = &andExpr{l: l, r: r}
		case "or":
			p.next()
			r, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			l = &orExpr{l: l, r: r}
		default:
			return l, nil
		}
	}
}

func (p *parser) parseTerm() (Expr, error) {
	switch p.peek() {
	case "not":
		p.next()
		x, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &notExpr{x: x}, nil
	case "(":
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("whenexpr: expected closing paren")
		}
		return e, nil
	default:
		return p.parseAtom()
	}
}

func (p *parser) parseAtom() (Expr, error) {
	name := p.next()
	if name == "" {
		return nil, fmt.Errorf("whenexpr: expected atom, got end of input")
	}
	namespace := ""
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		switch name[:idx] {
		case "parameters", "platforms", "options", "keywords":
			namespace = name[:idx]
			name = name[idx+1:]
		}
	}
	e := &literalExpr{namespace: namespace, name: name}
	switch p.peek() {
	case "=", "!=":
		e.op = p.next()
		e.value = p.next()
	}
	return e, nil
}

// EvalKeywordExpr evaluates a `-k` keyword expression: bare names resolve
// against the case's keyword set only (no parameter/platform namespaces
// apply outside `when` guards).
func EvalKeywordExpr(s string, keywords map[string]bool) (bool, error) {
	e, err := Parse(s)
	if err != nil {
		return false, err
	}
	return e.Eval(&Env{Keywords: keywords}), nil
}
