package worker

import (
	"fmt"
	"strings"

	"stepflow/pkg/template"
)

// EvaluateCondition decides whether a step runs. The condition grammar is
// deliberately small:
//
//	""               run (no condition)
//	true / false     literals
//	defined(ref)     true when the reference resolves
//	lhs == rhs       string equality after reference resolution
//	lhs != rhs       string inequality after reference resolution
//
// Operands may be {{...}} references or quoted/bare literals. An undefined
// reference inside a comparison is an evaluation error, not a skip: the step
// fails rather than silently running or not.
func EvaluateCondition(cond string, r *template.Resolver) (bool, error) {
	cond = strings.TrimSpace(cond)
	switch cond {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}

	if inner, ok := strings.CutPrefix(cond, "defined("); ok {
		ref, ok := strings.CutSuffix(inner, ")")
		if !ok {
			return false, fmt.Errorf("malformed condition %q", cond)
		}
		ref = strings.TrimSpace(ref)
		ref = strings.TrimPrefix(ref, "{{")
		ref = strings.TrimSuffix(ref, "}}")
		_, defined := r.Lookup(strings.TrimSpace(ref))
		return defined, nil
	}

	if lhs, rhs, ok := splitComparison(cond, "!="); ok {
		eq, err := compareOperands(lhs, rhs, r)
		if err != nil {
			return false, err
		}
		return !eq, nil
	}
	if lhs, rhs, ok := splitComparison(cond, "=="); ok {
		return compareOperands(lhs, rhs, r)
	}

	return false, fmt.Errorf("unsupported condition %q", cond)
}

func splitComparison(cond, op string) (string, string, bool) {
	idx := strings.Index(cond, op)
	if idx < 0 {
		return "", "", false
	}
	return cond[:idx], cond[idx+len(op):], true
}

func compareOperands(lhs, rhs string, r *template.Resolver) (bool, error) {
	l, err := resolveOperand(lhs, r)
	if err != nil {
		return false, err
	}
	rv, err := resolveOperand(rhs, r)
	if err != nil {
		return false, err
	}
	return l == rv, nil
}

func resolveOperand(s string, r *template.Resolver) (string, error) {
	s = strings.TrimSpace(s)
	resolved, err := r.Resolve(s)
	if err != nil {
		return "", err
	}
	return unquote(resolved), nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
