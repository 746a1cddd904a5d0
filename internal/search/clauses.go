package search

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// clauseFunc compiles one clause into a SQL condition plus bind args.
type clauseFunc func(name string, payload any) (string, []any, error)

// compiler holds the clause registry for one entity kind. The registry is
// built per compilation; clause implementations close over "now" so that
// time-relative clauses are reproducible.
type compiler struct {
	clauses map[string]clauseFunc
	now     time.Time
}

func newCompiler(now time.Time) *compiler {
	cp := &compiler{clauses: make(map[string]clauseFunc), now: now}
	cp.clauses["and"] = cp.doAnd
	cp.clauses["or"] = cp.doOr
	cp.clauses["none-of"] = cp.doNoneOf
	cp.clauses["always-true"] = cp.doAlwaysTrue
	cp.clauses["always-false"] = cp.doAlwaysFalse
	return cp
}

func (cp *compiler) compileClause(name string, payload any) (string, []any, error) {
	impl, ok := cp.clauses[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: unrecognized clause %q", ErrBadSearch, name)
	}
	return impl(name, payload)
}

// Boolean combinators. Payloads are JSON objects whose entries are compiled
// in sorted key order so that output SQL is deterministic.

func (cp *compiler) combine(name string, payload any, op string) (string, []any, error) {
	m, ok := payload.(map[string]any)
	if !ok || len(m) == 0 {
		return "", nil, fmt.Errorf("%w: %q clause contents must be a non-empty object, but got %T",
			ErrBadSearch, name, payload)
	}

	parts := make([]string, 0, len(m))
	var args []any
	for _, key := range sortedKeys(m) {
		cond, condArgs, err := cp.compileClause(key, m[key])
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, cond)
		args = append(args, condArgs...)
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", args, nil
}

func (cp *compiler) doAnd(name string, payload any) (string, []any, error) {
	return cp.combine(name, payload, "AND")
}

func (cp *compiler) doOr(name string, payload any) (string, []any, error) {
	return cp.combine(name, payload, "OR")
}

func (cp *compiler) doNoneOf(name string, payload any) (string, []any, error) {
	cond, args, err := cp.combine(name, payload, "OR")
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + cond + ")", args, nil
}

// The payloads of always-true and always-false are ignored.

func (cp *compiler) doAlwaysTrue(string, any) (string, []any, error)  { return "1", nil, nil }
func (cp *compiler) doAlwaysFalse(string, any) (string, []any, error) { return "0", nil, nil }

// Typed attribute clauses. Each searchable attribute of an entity expands
// into a family of clauses keyed by the attribute's type.

type attrType int

const (
	attrString attrType = iota
	attrInt
	attrFloat
)

type attribute struct {
	name string // dashed clause prefix
	typ  attrType
	expr string // SQL expression the clauses compare against
}

func (cp *compiler) addAttributes(attrs []attribute) {
	for _, a := range attrs {
		expr := a.expr
		switch a.typ {
		case attrString:
			cp.clauses[a.name+"-is-exactly"] = strCmpClause(expr, "=")
			cp.clauses[a.name+"-is-not"] = strCmpClause(expr, "<>")
			cp.clauses[a.name+"-matches"] = strCmpClause(expr, "LIKE")
		case attrInt:
			cp.clauses[a.name+"-is-exactly"] = intCmpClause(expr, "=")
			cp.clauses[a.name+"-is-not"] = intCmpClause(expr, "<>")
			cp.clauses[a.name+"-greater-than"] = numCmpClause(expr, ">")
			cp.clauses[a.name+"-less-than"] = numCmpClause(expr, "<")
			cp.clauses[a.name+"-in-range"] = numRangeClause(expr, false)
			cp.clauses[a.name+"-not-in-range"] = numRangeClause(expr, true)
		case attrFloat:
			cp.clauses[a.name+"-greater-than"] = numCmpClause(expr, ">")
			cp.clauses[a.name+"-less-than"] = numCmpClause(expr, "<")
			cp.clauses[a.name+"-in-range"] = numRangeClause(expr, false)
			cp.clauses[a.name+"-not-in-range"] = numRangeClause(expr, true)
		}
	}
}

func strCmpClause(expr, op string) clauseFunc {
	return func(name string, payload any) (string, []any, error) {
		s, ok := payload.(string)
		if !ok {
			return "", nil, fmt.Errorf("%w: %q clause contents must be text, but got %T",
				ErrBadSearch, name, payload)
		}
		return expr + " " + op + " ?", []any{s}, nil
	}
}

func intCmpClause(expr, op string) clauseFunc {
	return func(name string, payload any) (string, []any, error) {
		v, err := intPayload(name, payload)
		if err != nil {
			return "", nil, err
		}
		return expr + " " + op + " ?", []any{v}, nil
	}
}

func numCmpClause(expr, op string) clauseFunc {
	return func(name string, payload any) (string, []any, error) {
		v, err := numPayload(name, payload)
		if err != nil {
			return "", nil, err
		}
		return expr + " " + op + " ?", []any{v}, nil
	}
}

// numRangeClause expects a two-element list; the bounds are swapped into
// ascending order before use.
func numRangeClause(expr string, negate bool) clauseFunc {
	return func(name string, payload any) (string, []any, error) {
		list, ok := payload.([]any)
		if !ok || len(list) != 2 {
			return "", nil, fmt.Errorf("%w: %q clause contents must be a list of two numbers, but got %T",
				ErrBadSearch, name, payload)
		}
		lo, err := numPayload(name, list[0])
		if err != nil {
			return "", nil, err
		}
		hi, err := numPayload(name, list[1])
		if err != nil {
			return "", nil, err
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if negate {
			return "(" + expr + " < ? OR " + expr + " > ?)", []any{lo, hi}, nil
		}
		return "(" + expr + " >= ? AND " + expr + " <= ?)", []any{lo, hi}, nil
	}
}

// JSON numbers decode as float64; integer-typed clauses insist on an
// integral value.
func intPayload(name string, payload any) (int64, error) {
	f, ok := payload.(float64)
	if !ok || math.Trunc(f) != f {
		return 0, fmt.Errorf("%w: %q clause contents must be an integer, but got %v",
			ErrBadSearch, name, payload)
	}
	return int64(f), nil
}

func numPayload(name string, payload any) (float64, error) {
	f, ok := payload.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %q clause contents must be numeric, but got %T",
			ErrBadSearch, name, payload)
	}
	return f, nil
}

// julianDate converts a wall-clock time to a Julian date, for the session
// "age" attribute.
func julianDate(t time.Time) float64 {
	return 2440587.5 + float64(t.UnixNano())/float64(24*time.Hour)
}
