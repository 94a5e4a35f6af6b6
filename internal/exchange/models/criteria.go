package models

import "strings"

// CompareValues evaluates one criterion operator against a record field value.
// Equality is case-insensitive for strings; ordering comparisons are numeric.
// Criterion values arrive from JSON, so their numbers are float64.
func CompareValues(fieldValue any, op Operator, criterionValue any) bool {
	switch op {
	case OpEqual:
		if fs, ok := fieldValue.(string); ok {
			if cs, ok := criterionValue.(string); ok {
				return strings.EqualFold(fs, cs)
			}
			return false
		}
		fn, fok := asNumber(fieldValue)
		cn, cok := asNumber(criterionValue)
		return fok && cok && fn == cn
	case OpGreaterThan:
		fn, fok := asNumber(fieldValue)
		cn, cok := asNumber(criterionValue)
		return fok && cok && fn > cn
	case OpLessThan:
		fn, fok := asNumber(fieldValue)
		cn, cok := asNumber(criterionValue)
		return fok && cok && fn < cn
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
