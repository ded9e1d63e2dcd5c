package rules

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
)

// The predicate language is a small JSON-Logic subset: comparison,
// boolean composition, membership and dotted-path variable access.
// Evaluation is total: a type mismatch, a missing variable or an
// unknown operator yields false, never a panic or an error. Rules are
// data and never execute code.

type evaluator struct {
	log *slog.Logger
}

// eval resolves one node. Maps with a single key apply that operator;
// everything else is a literal.
func (ev evaluator) eval(node any, data map[string]any) any {
	m, ok := node.(map[string]any)
	if !ok || len(m) != 1 {
		return node
	}

	var op string
	var raw any
	for k, v := range m {
		op, raw = k, v
	}
	args, ok := raw.([]any)
	if !ok {
		args = []any{raw}
	}

	switch op {
	case "var":
		return ev.evalVar(args, data)
	case "==":
		return len(args) == 2 && looseEq(ev.eval(args[0], data), ev.eval(args[1], data))
	case "!=":
		return len(args) == 2 && !looseEq(ev.eval(args[0], data), ev.eval(args[1], data))
	case "<", "<=", ">", ">=":
		return ev.compare(op, args, data)
	case "!":
		return len(args) == 1 && !truthy(ev.eval(args[0], data))
	case "and":
		var last any
		for _, a := range args {
			last = ev.eval(a, data)
			if !truthy(last) {
				return last
			}
		}
		return last
	case "or":
		var last any
		for _, a := range args {
			last = ev.eval(a, data)
			if truthy(last) {
				return last
			}
		}
		return last
	case "in":
		if len(args) != 2 {
			return false
		}
		return contains(ev.eval(args[0], data), ev.eval(args[1], data))
	default:
		ev.log.Warn("unknown rule operator", "op", op)
		return false
	}
}

// evalVar dereferences a dotted path into the context. The optional
// second argument is the default; without one a miss yields nil.
func (ev evaluator) evalVar(args []any, data map[string]any) any {
	if len(args) == 0 {
		return nil
	}
	path, _ := ev.eval(args[0], data).(string)
	var def any
	if len(args) > 1 {
		def = ev.eval(args[1], data)
	}

	if path == "" {
		return data
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		cur, ok = m[seg]
		if !ok {
			return def
		}
	}
	return cur
}

// compare handles the relational operators, including the three-arg
// chained form {"<": [a, b, c]}.
func (ev evaluator) compare(op string, args []any, data map[string]any) bool {
	if len(args) < 2 {
		return false
	}
	vals := make([]float64, 0, len(args))
	for _, a := range args {
		f, ok := toFloat(ev.eval(a, data))
		if !ok {
			return false
		}
		vals = append(vals, f)
	}
	for i := 0; i+1 < len(vals); i++ {
		a, b := vals[i], vals[i+1]
		var ok bool
		switch op {
		case "<":
			ok = a < b
		case "<=":
			ok = a <= b
		case ">":
			ok = a > b
		case ">=":
			ok = a >= b
		}
		if !ok {
			return false
		}
	}
	return true
}

// looseEq compares numerically when both sides parse as numbers,
// structurally otherwise. nil equals only nil.
func looseEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			s = fmt.Sprint(needle)
		}
		return strings.Contains(h, s)
	case []any:
		for _, v := range h {
			if looseEq(needle, v) {
				return true
			}
		}
	case []string:
		for _, v := range h {
			if looseEq(needle, v) {
				return true
			}
		}
	}
	return false
}

// truthy follows JSON-Logic truthiness: empty and zero values are
// false, everything else true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// Validate checks a predicate tree structurally: every operator node
// must hold exactly one known operator. Used before accepting rules
// from outside.
func Validate(logic any) error {
	switch t := logic.(type) {
	case nil, bool, string, float64, float32, int, int32, int64:
		return nil
	case []any:
		for _, v := range t {
			if err := Validate(v); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if len(t) != 1 {
			return fmt.Errorf("operator node must have exactly one key, has %d", len(t))
		}
		for op, raw := range t {
			switch op {
			case "var", "==", "!=", "<", "<=", ">", ">=", "and", "or", "!", "in":
			default:
				return fmt.Errorf("unknown operator %q", op)
			}
			return Validate(raw)
		}
		return nil
	default:
		return fmt.Errorf("unsupported node type %T", logic)
	}
}
