package core

import (
	"encoding/json"
	"fmt"

	"github.com/dlclark/regexp2"
)

// Operator is the comparison applied by a condition.
type Operator string

const (
	OpEquals       Operator = "eq"
	OpNotEquals    Operator = "ne"
	OpGreaterThan  Operator = "gt"
	OpLessThan     Operator = "lt"
	OpGreaterEqual Operator = "gte"
	OpLessEqual    Operator = "lte"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpContains     Operator = "contains"
	OpRegex        Operator = "regex"
)

// IsValid reports whether o is a known operator.
func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterEqual,
		OpLessEqual, OpIn, OpNotIn, OpContains, OpRegex:
		return true
	}
	return false
}

// IsOrdering reports whether o is one of gt, lt, gte, lte.
func (o Operator) IsOrdering() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// MaxConditionListSize bounds in/not_in lists.
const MaxConditionListSize = 1000

// Condition is one atomic comparison of an event field against a value.
type Condition struct {
	Field         string      `json:"field" validate:"required,max=256"`
	Operator      Operator    `json:"operator" validate:"required,oneof=eq ne gt lt gte lte in not_in contains regex"`
	Value         interface{} `json:"value"`
	CaseSensitive bool        `json:"case_sensitive"`
}

type conditionWire struct {
	Field         string      `json:"field"`
	Operator      Operator    `json:"operator"`
	Value         interface{} `json:"value"`
	CaseSensitive *bool       `json:"case_sensitive,omitempty"`
}

// UnmarshalJSON defaults case_sensitive to true when omitted.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Field = w.Field
	c.Operator = w.Operator
	c.Value = NormalizeValue(w.Value)
	c.CaseSensitive = w.CaseSensitive == nil || *w.CaseSensitive
	return nil
}

// NewCondition builds a case-sensitive condition.
func NewCondition(field string, op Operator, value interface{}) Condition {
	return Condition{Field: field, Operator: op, Value: NormalizeValue(value), CaseSensitive: true}
}

// RegexOptions returns the regexp2 options used to compile the pattern of
// a regex condition.
func (c Condition) RegexOptions() regexp2.RegexOptions {
	if c.CaseSensitive {
		return regexp2.None
	}
	return regexp2.IgnoreCase
}

// Validate checks the operator/value contract. Regex patterns are compiled
// here so an invalid pattern is a configuration error, never a match error.
func (c Condition) Validate() error {
	ve := NewValidationError("condition", "")
	c.collect(ve, "")
	return ve.ErrOrNil()
}

func (c Condition) collect(ve *ValidationError, prefix string) {
	name := func(f string) string {
		if prefix == "" {
			return f
		}
		return prefix + "." + f
	}

	before := len(ve.Fields)
	checkStruct(ve, prefix, c)
	if len(ve.Fields) > before {
		return
	}

	value := NormalizeValue(c.Value)
	switch c.Operator {
	case OpIn, OpNotIn:
		list, ok := value.([]interface{})
		if !ok {
			ve.Addf(name("value"), "operator %s requires a list value", c.Operator)
			return
		}
		if len(list) == 0 {
			ve.Addf(name("value"), "operator %s requires a non-empty list", c.Operator)
		}
		if len(list) > MaxConditionListSize {
			ve.Addf(name("value"), "list exceeds %d items", MaxConditionListSize)
		}
		for i, item := range list {
			if !IsScalar(item) {
				ve.Addf(fmt.Sprintf("%s[%d]", name("value"), i), "list items must be strings, numbers or booleans")
			}
		}
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		if _, isStr := value.(string); !isStr && !IsNumber(value) {
			ve.Addf(name("value"), "operator %s requires a number or string value", c.Operator)
		}
	case OpContains:
		if _, ok := value.(string); !ok {
			ve.Add(name("value"), "operator contains requires a string value")
		}
	case OpRegex:
		pattern, ok := value.(string)
		if !ok || pattern == "" {
			ve.Add(name("value"), "operator regex requires a non-empty pattern")
			return
		}
		if _, err := regexp2.Compile(pattern, c.RegexOptions()); err != nil {
			ve.Addf(name("value"), "invalid regex pattern: %v", err)
		}
	default:
		if !IsScalar(value) {
			ve.Addf(name("value"), "operator %s requires a string, number or boolean value", c.Operator)
		}
	}
}
