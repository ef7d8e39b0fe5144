package core

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ToFloat coerces a scalar to float64. Numeric strings are parsed; booleans,
// lists and maps are not numbers.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// IsNumber reports whether v is a numeric Go value (not a numeric string).
func IsNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// IsScalar reports whether v is a string, number or boolean.
func IsScalar(v interface{}) bool {
	if IsNumber(v) {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}

// ScalarString renders a scalar the way it is compared and templated.
// Non-scalars return ok=false.
func ScalarString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		return s.String(), true
	}
	if IsNumber(v) {
		f, _ := ToFloat(v)
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// NormalizeValue converts decoded numbers to float64 and []string to
// []interface{} so condition values have one representation regardless of
// whether they came from JSON, YAML or msgpack.
func NormalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = NormalizeValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	if IsNumber(v) {
		f, _ := ToFloat(v)
		return f
	}
	return v
}
