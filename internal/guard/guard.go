// Package guard evaluates edge guard expressions. A guard is a recursive
// JSON tree: either a leaf comparison {field, op, value} over a context
// mapping (dotted paths permitted), or {logic: and|or, conditions: [...]}.
// Guards compile to expr programs once and are cached by their JSON form;
// a malformed guard is a hard evaluation error, never a silent non-match.
package guard

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Expression is one node of a guard tree. Exactly one of (Field, Op) or
// (Logic, Conditions) must be populated.
type Expression struct {
	Field string `json:"field,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`

	Logic      Logic        `json:"logic,omitempty"`
	Conditions []Expression `json:"conditions,omitempty"`
}

// Error reports a malformed or unevaluable guard.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "guard: " + e.Reason }

func errf(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a guard expression from its stored JSON form.
func Parse(raw json.RawMessage) (*Expression, error) {
	if len(raw) == 0 {
		return nil, errf("empty expression")
	}
	var e Expression
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, errf("decode: %v", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Expression) validate() error {
	leaf := e.Field != "" || e.Op != ""
	branch := e.Logic != "" || len(e.Conditions) > 0
	switch {
	case leaf && branch:
		return errf("expression mixes leaf and logic fields")
	case leaf:
		if e.Field == "" {
			return errf("leaf missing field")
		}
		switch e.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		default:
			return errf("unknown op %q", e.Op)
		}
		return nil
	case branch:
		if e.Logic != LogicAnd && e.Logic != LogicOr {
			return errf("unknown logic %q", e.Logic)
		}
		if len(e.Conditions) == 0 {
			return errf("logic %q has no conditions", e.Logic)
		}
		for i := range e.Conditions {
			if err := e.Conditions[i].validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return errf("expression is empty")
	}
}

// source renders the expression as expr-lang source. Context fields are
// resolved through the lookup(path) function bound at run time.
func (e *Expression) source() (string, error) {
	if e.Field != "" {
		lit, err := literal(e.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("lookup(%s) %s %s", strconv.Quote(e.Field), e.Op, lit), nil
	}
	join := " and "
	if e.Logic == LogicOr {
		join = " or "
	}
	parts := make([]string, 0, len(e.Conditions))
	for i := range e.Conditions {
		src, err := e.Conditions[i].source()
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+src+")")
	}
	return strings.Join(parts, join), nil
}

func literal(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "nil", nil
	case string:
		return strconv.Quote(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", errf("unsupported literal type %T", v)
	}
}

// Evaluator compiles guards and caches compiled programs keyed by the
// guard's JSON form.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: map[string]*vm.Program{}}
}

// Evaluate parses (or reuses) the guard in raw and evaluates it against
// context. The result must be a boolean.
func (ev *Evaluator) Evaluate(raw json.RawMessage, context map[string]any) (bool, error) {
	key := string(raw)

	ev.mu.RLock()
	prog, ok := ev.cache[key]
	ev.mu.RUnlock()

	if !ok {
		e, err := Parse(raw)
		if err != nil {
			return false, err
		}
		src, err := e.source()
		if err != nil {
			return false, err
		}
		prog, err = expr.Compile(src)
		if err != nil {
			return false, errf("compile: %v", err)
		}
		ev.mu.Lock()
		ev.cache[key] = prog
		ev.mu.Unlock()
	}

	env := map[string]any{
		"lookup": func(path string) any { return Lookup(context, path) },
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, errf("run: %v", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, errf("expression yielded %T, want bool", out)
	}
	return b, nil
}

// Lookup resolves a dotted path against nested string-keyed maps.
// Missing segments resolve to nil.
func Lookup(context map[string]any, path string) any {
	segs := strings.Split(path, ".")
	var cur any = context
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
