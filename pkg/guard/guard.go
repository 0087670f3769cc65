// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard evaluates step guard conditions against the shared
// execution context. Guards are evaluated at wave-planning time, never as
// event-driven callbacks, so execution order stays deterministic.
//
// Supported forms:
//
//	key                   truthy: present and not false/empty/zero
//	key == literal        string or numeric equality
//	key != literal
//	key > n, key < n      numeric comparison
//	key >= n, key <= n
//	key.contains:substr   substring test on the string form
//
// The key may be a dotted path into nested map payloads
// ("scan.security_score"). A missing key always evaluates false; guard
// evaluation never fails a step.
package guard

import (
	"fmt"
	"strconv"
	"strings"
)

// Evaluate returns the guard verdict for expr over ctx. An empty expression
// is true. A malformed expression or missing key is false.
func Evaluate(expr string, ctx map[string]any) bool {
	verdict, _ := evaluate(expr, ctx)
	return verdict
}

// evaluate reports the verdict and a diagnostic error for logging.
func evaluate(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		left, right, ok := splitOperator(expr, op)
		if !ok {
			continue
		}
		value, found := lookup(ctx, left)
		if !found {
			return false, nil
		}
		return compare(value, right, op)
	}

	if key, needle, ok := splitContains(expr); ok {
		value, found := lookup(ctx, key)
		if !found {
			return false, nil
		}
		return strings.Contains(stringify(value), needle), nil
	}

	// Bare key: truthiness.
	value, found := lookup(ctx, expr)
	if !found {
		return false, nil
	}
	return truthy(value), nil
}

// ReferencedKey returns the root context key the expression reads, or ""
// for an empty guard. Workflow validation uses it to enforce that guards
// only reference ancestor outputs.
func ReferencedKey(expr string) string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return ""
	}
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if left, _, ok := splitOperator(expr, op); ok {
			return rootOf(left)
		}
	}
	if key, _, ok := splitContains(expr); ok {
		return rootOf(key)
	}
	return rootOf(expr)
}

func rootOf(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}

func splitOperator(expr, op string) (string, string, bool) {
	i := strings.Index(expr, op)
	if i < 0 {
		return "", "", false
	}
	left := strings.TrimSpace(expr[:i])
	right := strings.TrimSpace(expr[i+len(op):])
	if left == "" || right == "" {
		return "", "", false
	}
	// Avoid mistaking ">=" for ">".
	if (op == ">" || op == "<") && strings.HasPrefix(expr[i+1:], "=") {
		return "", "", false
	}
	return left, right, true
}

func splitContains(expr string) (string, string, bool) {
	const marker = ".contains:"
	i := strings.Index(expr, marker)
	if i <= 0 {
		return "", "", false
	}
	return expr[:i], expr[i+len(marker):], true
}

// lookup resolves a dotted path into the context, descending through
// map[string]any payloads.
func lookup(ctx map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var current any = ctx
	for _, part := range parts {
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

func compare(value any, literal, op string) (bool, error) {
	leftNum, leftIsNum := toFloat(value)
	rightNum, rightErr := strconv.ParseFloat(strings.Trim(literal, `"'`), 64)

	if leftIsNum && rightErr == nil {
		switch op {
		case "==":
			return leftNum == rightNum, nil
		case "!=":
			return leftNum != rightNum, nil
		case ">":
			return leftNum > rightNum, nil
		case "<":
			return leftNum < rightNum, nil
		case ">=":
			return leftNum >= rightNum, nil
		case "<=":
			return leftNum <= rightNum, nil
		}
	}

	left := stringify(value)
	right := strings.Trim(literal, `"'`)
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	default:
		return false, fmt.Errorf("ordering comparison on non-numeric values")
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}
