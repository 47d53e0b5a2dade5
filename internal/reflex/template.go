package reflex

import (
	"fmt"
	"regexp"
	"strings"
)

var exprPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// SubstituteArgs resolves {{expr}} segments in action arguments. Expressions
// are dot paths over the bound roots (event, state, trigger); nothing else is
// evaluable. A string that is exactly one expression keeps the resolved
// value's type; mixed strings interpolate. Maps and slices recurse.
func SubstituteArgs(args map[string]any, scope map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = substituteValue(v, scope)
	}
	return out
}

func substituteValue(v any, scope map[string]any) any {
	switch val := v.(type) {
	case string:
		return substituteString(val, scope)
	case map[string]any:
		return SubstituteArgs(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, scope)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, scope map[string]any) any {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole string is a single expression: preserve the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		if resolved, ok := lookupPath(expr, scope); ok {
			return resolved
		}
		return s
	}

	return exprPattern.ReplaceAllStringFunc(s, func(segment string) string {
		expr := strings.TrimSpace(segment[2 : len(segment)-2])
		if resolved, ok := lookupPath(expr, scope); ok {
			return fmt.Sprintf("%v", resolved)
		}
		return segment
	})
}

// lookupPath walks a dot path through nested string-keyed maps. The first
// segment must be one of the scope roots.
func lookupPath(expr string, scope map[string]any) (any, bool) {
	parts := strings.Split(strings.TrimSpace(expr), ".")
	var current any = scope
	for _, part := range parts {
		if part == "" {
			return nil, false
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
