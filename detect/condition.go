package detect

import (
	"strings"
	"unicode"

	"vigil/core"

	"github.com/dlclark/regexp2"
)

// CompiledCondition is a validated condition with its regex, if any,
// compiled ahead of evaluation.
type CompiledCondition struct {
	core.Condition
	re *regexp2.Regexp
}

// CompileCondition prepares c for evaluation. Only regex conditions can
// fail, and only if they were not validated first.
func CompileCondition(c core.Condition, cache *RegexCache) (CompiledCondition, error) {
	cc := CompiledCondition{Condition: c}
	cc.Value = core.NormalizeValue(c.Value)
	if c.Operator == core.OpRegex {
		pattern, _ := cc.Value.(string)
		re, err := cache.Compile(pattern, c.RegexOptions())
		if err != nil {
			return cc, err
		}
		cc.re = re
	}
	return cc, nil
}

// EvaluateCondition compiles c through the shared default cache and
// evaluates it. Invalid conditions never match.
func EvaluateCondition(c core.Condition, event *core.Event) bool {
	cc, err := CompileCondition(c, defaultRegexCache())
	if err != nil {
		return false
	}
	return cc.Evaluate(event)
}

// Evaluate applies the condition to event. It is total: a missing field or
// a type mismatch is a non-match, except that ne and not_in treat an absent
// field as satisfying the condition.
func (c *CompiledCondition) Evaluate(event *core.Event) bool {
	fieldValue, found := event.Lookup(c.Field)
	if !found {
		return c.Operator == core.OpNotEquals || c.Operator == core.OpNotIn
	}

	switch c.Operator {
	case core.OpEquals:
		return valuesEqual(fieldValue, c.Value, c.CaseSensitive)
	case core.OpNotEquals:
		return !valuesEqual(fieldValue, c.Value, c.CaseSensitive)
	case core.OpIn:
		return inList(fieldValue, c.Value, c.CaseSensitive)
	case core.OpNotIn:
		return !inList(fieldValue, c.Value, c.CaseSensitive)
	case core.OpGreaterThan:
		return compareOrdered(fieldValue, c.Value, c.CaseSensitive, func(r int) bool { return r > 0 })
	case core.OpLessThan:
		return compareOrdered(fieldValue, c.Value, c.CaseSensitive, func(r int) bool { return r < 0 })
	case core.OpGreaterEqual:
		return compareOrdered(fieldValue, c.Value, c.CaseSensitive, func(r int) bool { return r >= 0 })
	case core.OpLessEqual:
		return compareOrdered(fieldValue, c.Value, c.CaseSensitive, func(r int) bool { return r <= 0 })
	case core.OpContains:
		str, ok := fieldValue.(string)
		if !ok {
			return false
		}
		sub, ok := c.Value.(string)
		if !ok {
			return false
		}
		if !c.CaseSensitive {
			return strings.Contains(foldCase(str), foldCase(sub))
		}
		return strings.Contains(str, sub)
	case core.OpRegex:
		if c.re == nil {
			return false
		}
		str, ok := core.ScalarString(fieldValue)
		if !ok {
			return false
		}
		return matchRegex(c.re, str)
	}
	return false
}

// valuesEqual compares a field value with a condition value. A numeric
// condition value compares numerically (numeric strings in the event are
// accepted); otherwise both sides compare as strings.
func valuesEqual(fieldValue, condValue interface{}, caseSensitive bool) bool {
	if core.IsNumber(condValue) {
		want, _ := core.ToFloat(condValue)
		got, ok := core.ToFloat(fieldValue)
		return ok && got == want
	}
	if b, ok := condValue.(bool); ok {
		if fb, ok := fieldValue.(bool); ok {
			return fb == b
		}
	}
	want, ok := core.ScalarString(condValue)
	if !ok {
		return false
	}
	got, ok := core.ScalarString(fieldValue)
	if !ok {
		return false
	}
	if !caseSensitive {
		return foldCase(got) == foldCase(want)
	}
	return got == want
}

func inList(fieldValue, list interface{}, caseSensitive bool) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(fieldValue, item, caseSensitive) {
			return true
		}
	}
	return false
}

// compareOrdered compares numerically when both sides coerce to numbers.
// When the condition value is a non-numeric string and the field is a
// string, the comparison is lexicographic. Anything else is a non-match.
func compareOrdered(fieldValue, condValue interface{}, caseSensitive bool, cmp func(int) bool) bool {
	if want, ok := core.ToFloat(condValue); ok {
		got, ok := core.ToFloat(fieldValue)
		if !ok {
			return false
		}
		switch {
		case got > want:
			return cmp(1)
		case got < want:
			return cmp(-1)
		default:
			return cmp(0)
		}
	}
	want, ok := condValue.(string)
	if !ok {
		return false
	}
	got, ok := fieldValue.(string)
	if !ok {
		return false
	}
	if !caseSensitive {
		got, want = foldCase(got), foldCase(want)
	}
	return cmp(strings.Compare(got, want))
}

// foldCase maps every rune to one representative of its Unicode case
// folding orbit, so strings equal under strings.EqualFold fold to the same
// string. ASCII folds to lower case.
func foldCase(s string) string {
	return strings.Map(func(r rune) rune {
		lowest := r
		for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
			if f < lowest {
				lowest = f
			}
		}
		return unicode.ToLower(lowest)
	}, s)
}
