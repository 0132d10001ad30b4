package service

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
)

// DefaultEvaluator returns the built-in predicate evaluator used for
// condition, loop and wait expressions when the caller does not plug
// in their own. It understands:
//
//	true / false                literals
//	path                        truthiness of a dotted context lookup
//	!path                       negated truthiness
//	path OP literal             OP in == != > >= < <=
//
// where path is a dotted key into the evaluation context, e.g.
// "steps.extract.rows > 0". Anything richer belongs in a caller-
// supplied engine.PredicateEvaluator.
func DefaultEvaluator() engine.PredicateEvaluator {
	return engine.PredicateFunc(evaluate)
}

var comparators = []string{"==", "!=", ">=", "<=", ">", "<"}

func evaluate(expression string, context models.Payload) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false, errors.New("empty expression")
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	for _, op := range comparators {
		if idx := strings.Index(expr, op); idx > 0 {
			left := strings.TrimSpace(expr[:idx])
			right := strings.TrimSpace(expr[idx+len(op):])
			return compare(left, right, op, context)
		}
	}
	if negated := strings.HasPrefix(expr, "!"); negated {
		v, ok := lookup(strings.TrimSpace(expr[1:]), context)
		return !(ok && truthy(v)), nil
	}
	v, ok := lookup(expr, context)
	return ok && truthy(v), nil
}

func compare(leftPath, rightLit, op string, context models.Payload) (bool, error) {
	left, ok := lookup(leftPath, context)
	if !ok {
		// Missing operand: equality against anything is false,
		// inequality true, ordering undecidable.
		switch op {
		case "==":
			return false, nil
		case "!=":
			return true, nil
		}
		return false, errors.Errorf("expression references unknown context key %q", leftPath)
	}

	if ln, lok := asFloat(left); lok {
		if rn, err := strconv.ParseFloat(strings.Trim(rightLit, `"'`), 64); err == nil {
			switch op {
			case "==":
				return ln == rn, nil
			case "!=":
				return ln != rn, nil
			case ">":
				return ln > rn, nil
			case ">=":
				return ln >= rn, nil
			case "<":
				return ln < rn, nil
			case "<=":
				return ln <= rn, nil
			}
		}
	}

	ls := asString(left)
	rs := strings.Trim(rightLit, `"'`)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	}
	return false, errors.Errorf("operator %s needs numeric operands, got %q", op, leftPath)
}

// lookup walks a dotted path through nested maps.
func lookup(path string, context models.Payload) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(context)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if p, isPayload := cur.(models.Payload); isPayload {
				m = map[string]interface{}(p)
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	}
	if n, ok := asFloat(v); ok {
		return n != 0
	}
	return true
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	}
	return 0, false
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	if n, ok := asFloat(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}
