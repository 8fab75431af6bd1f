// Package convert coerces loosely typed property values to concrete
// numeric types.
//
// Graph properties are `any` valued: the same logical number may arrive
// as an int from Go code, a float64 from JSON, or a string from YAML.
// Declarative rule predicates compare across those representations, so
// every comparison goes through these helpers instead of ad hoc type
// switches.
//
// All functions return a success boolean; they never panic on unexpected
// types.
package convert

import (
	"strconv"
)

// ToFloat64 converts numeric types and numeric strings to float64.
// Returns (value, true) on success, (0, false) on failure.
//
// String parsing accepts decimal and scientific notation plus the
// special values "NaN", "Inf" and "-Inf".
//
// Example:
//
//	f, ok := convert.ToFloat64(node.Properties["total"])
//	if !ok {
//		return false // not a number, predicate cannot hold
//	}
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToInt64 converts numeric types and numeric strings to int64.
// Returns (value, true) on success, (0, false) on failure.
// Floating point input is truncated toward zero.
func ToInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i, true
		}
		// Accept float syntax too, truncating.
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}
