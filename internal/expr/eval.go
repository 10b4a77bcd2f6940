package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// evalBool evaluates a predicate or a &&/|| chain. Chains short-circuit: the
// right side of a decided operator is never evaluated.
func evalBool(n node, answers Answers) (bool, error) {
	switch v := n.(type) {
	case *binaryNode:
		left, err := evalBool(v.left, answers)
		if err != nil {
			return false, err
		}
		if v.op == opAnd && !left {
			return false, nil
		}
		if v.op == opOr && left {
			return true, nil
		}
		return evalBool(v.right, answers)
	case *callNode:
		return evalPredicate(v, answers)
	default:
		return false, errSyntax(n.pos(), "expected a predicate")
	}
}

func evalPredicate(call *callNode, answers Answers) (bool, error) {
	// Every predicate takes the answer operand first and a literal second;
	// the parser has already checked arity.
	answer, present, err := evalOperand(call.args[0], answers)
	if err != nil {
		return false, err
	}
	operand, _, err := evalOperand(call.args[1], answers)
	if err != nil {
		return false, err
	}
	if !present {
		// Missing answer data never matches; this is the only silent default
		// in the language.
		return false, nil
	}

	switch call.name {
	case "equals":
		return looseEquals(answer, operand), nil
	case "notEquals":
		return !looseEquals(answer, operand), nil
	case "contains":
		return containsSubstring(answer, stringify(operand)), nil
	case "startsWith":
		return strings.HasPrefix(stringify(answer), stringify(operand)), nil
	case "greaterThan":
		a, b, err := numericPair(call, answer, operand)
		if err != nil {
			return false, err
		}
		return a > b, nil
	case "lessThan":
		a, b, err := numericPair(call, answer, operand)
		if err != nil {
			return false, err
		}
		return a < b, nil
	case "anySelected":
		selected := asSet(answer)
		for _, want := range asList(operand) {
			if _, ok := selected[want]; ok {
				return true, nil
			}
		}
		return false, nil
	case "allSelected":
		selected := asSet(answer)
		wanted := asList(operand)
		if len(wanted) == 0 {
			return false, nil
		}
		for _, want := range wanted {
			if _, ok := selected[want]; !ok {
				return false, nil
			}
		}
		return true, nil
	case "noneSelected":
		selected := asSet(answer)
		for _, want := range asList(operand) {
			if _, ok := selected[want]; ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, errUnknown(call.at, call.name)
	}
}

// evalOperand resolves an argument node to a value. Only answer lookups can
// be absent; literals are always present.
func evalOperand(n node, answers Answers) (any, bool, error) {
	switch v := n.(type) {
	case *stringNode:
		return v.val, true, nil
	case *numberNode:
		return v.val, true, nil
	case *listNode:
		items := make([]any, 0, len(v.items))
		for _, item := range v.items {
			val, _, err := evalOperand(item, answers)
			if err != nil {
				return nil, false, err
			}
			items = append(items, val)
		}
		return items, true, nil
	case *callNode:
		if v.name != answerFunc {
			return nil, false, errUnknown(v.at, v.name)
		}
		variable := v.args[0].(*stringNode).val
		val, ok := answers[variable]
		if !ok || val == nil {
			return nil, false, nil
		}
		return val, true, nil
	default:
		return nil, false, errSyntax(n.pos(), "invalid operand")
	}
}

// looseEquals compares numerically when both sides parse as numbers,
// otherwise by string form. Respondent answers frequently arrive as strings
// even for numeric questions.
func looseEquals(a, b any) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
	}
	return stringify(a) == stringify(b)
}

func containsSubstring(answer any, substr string) bool {
	switch v := answer.(type) {
	case []any:
		for _, item := range v {
			if strings.Contains(stringify(item), substr) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if strings.Contains(item, substr) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(stringify(answer), substr)
	}
}

func numericPair(call *callNode, answer, operand any) (float64, float64, error) {
	a, ok := asNumber(answer)
	if !ok {
		return 0, 0, errType(call.at, "%s requires a numeric answer, got %v", call.name, answer)
	}
	b, ok := asNumber(operand)
	if !ok {
		return 0, 0, errType(call.at, "%s requires a numeric comparison value, got %v", call.name, operand)
	}
	return a, b, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Selected reports whether the recorded answer for variable includes option,
// treating scalar answers as one-element sets. It mirrors the anySelected
// operator for callers that match on a plain question/option pair.
func Selected(answers Answers, variable, option string) bool {
	val, ok := answers[variable]
	if !ok || val == nil {
		return false
	}
	_, found := asSet(val)[option]
	return found
}

// asSet treats a scalar answer as a one-element set so single-choice answers
// work with the multi-select operators.
func asSet(v any) map[string]struct{} {
	out := make(map[string]struct{})
	for _, item := range asList(v) {
		out[item] = struct{}{}
	}
	return out
}

func asList(v any) []string {
	switch items := v.(type) {
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, stringify(item))
		}
		return out
	case []string:
		return items
	default:
		return []string{stringify(v)}
	}
}
