package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// RuleKind discriminates the two rule shapes.
type RuleKind string

const (
	RuleKindSimple   RuleKind = "simple"
	RuleKindCompound RuleKind = "compound"
)

// GroupOperator combines the conditions of a compound rule.
type GroupOperator string

const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
)

// RuleDefinition is the matching logic of a rule. It is a closed sum type:
// the only implementations are SimpleRule and CompoundRule.
type RuleDefinition interface {
	Kind() RuleKind
	isRuleDefinition()
}

// SimpleRule matches with a single condition.
type SimpleRule struct {
	Condition
}

// Kind implements RuleDefinition.
func (SimpleRule) Kind() RuleKind { return RuleKindSimple }
func (SimpleRule) isRuleDefinition() {}

// CompoundRule matches when its conditions combine to true under
// GroupOperator.
type CompoundRule struct {
	Conditions    []Condition   `json:"conditions"`
	GroupOperator GroupOperator `json:"group_operator"`
}

// Kind implements RuleDefinition.
func (CompoundRule) Kind() RuleKind { return RuleKindCompound }
func (CompoundRule) isRuleDefinition() {}

// MaxCompoundConditions bounds the size of a compound rule.
const MaxCompoundConditions = 64

// Rule is an operator-authored matching rule. The definition is immutable
// once created; only Enabled and the metadata fields may change.
type Rule struct {
	ID          string         `json:"id" validate:"required,max=128"`
	Name        string         `json:"name" validate:"required,max=256"`
	Description string         `json:"description,omitempty" validate:"max=4096"`
	Tags        []string       `json:"tags,omitempty"`
	Enabled     bool           `json:"enabled"`
	Definition  RuleDefinition `json:"-" validate:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ruleWire is the flat JSON shape of a rule: a simple rule carries
// field/operator/value inline, a compound rule carries conditions.
type ruleWire struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	Enabled       *bool         `json:"enabled,omitempty"`
	Type          RuleKind      `json:"type"`
	Field         string        `json:"field,omitempty"`
	Operator      Operator      `json:"operator,omitempty"`
	Value         interface{}   `json:"value,omitempty"`
	CaseSensitive *bool         `json:"case_sensitive,omitempty"`
	Conditions    []Condition   `json:"conditions,omitempty"`
	GroupOperator GroupOperator `json:"group_operator,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (r Rule) MarshalJSON() ([]byte, error) {
	enabled := r.Enabled
	w := ruleWire{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Tags:        r.Tags,
		Enabled:     &enabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	switch def := r.Definition.(type) {
	case SimpleRule:
		cs := def.CaseSensitive
		w.Type = RuleKindSimple
		w.Field = def.Field
		w.Operator = def.Operator
		w.Value = def.Value
		w.CaseSensitive = &cs
	case CompoundRule:
		w.Type = RuleKindCompound
		w.Conditions = def.Conditions
		w.GroupOperator = def.GroupOperator
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. The rule type is inferred from
// the presence of conditions when "type" is omitted. Enabled defaults to
// true.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.Name = w.Name
	r.Description = w.Description
	r.Tags = w.Tags
	r.Enabled = w.Enabled == nil || *w.Enabled
	r.CreatedAt = w.CreatedAt
	r.UpdatedAt = w.UpdatedAt

	kind := w.Type
	if kind == "" {
		if len(w.Conditions) > 0 || w.GroupOperator != "" {
			kind = RuleKindCompound
		} else {
			kind = RuleKindSimple
		}
	}
	switch kind {
	case RuleKindSimple:
		r.Definition = SimpleRule{Condition{
			Field:         w.Field,
			Operator:      w.Operator,
			Value:         NormalizeValue(w.Value),
			CaseSensitive: w.CaseSensitive == nil || *w.CaseSensitive,
		}}
	case RuleKindCompound:
		r.Definition = CompoundRule{Conditions: w.Conditions, GroupOperator: w.GroupOperator}
	default:
		return fmt.Errorf("unknown rule type %q", w.Type)
	}
	return nil
}

// Validate checks the rule record and its definition.
func (r *Rule) Validate() error {
	ve := NewValidationError("rule", r.ID)
	checkStruct(ve, "", r)

	switch def := r.Definition.(type) {
	case SimpleRule:
		def.Condition.collect(ve, "")
	case CompoundRule:
		if def.GroupOperator != GroupAnd && def.GroupOperator != GroupOr {
			ve.Add("group_operator", "must be one of [AND OR]")
		}
		if len(def.Conditions) == 0 {
			ve.Add("conditions", "a compound rule requires at least one condition")
		}
		if len(def.Conditions) > MaxCompoundConditions {
			ve.Addf("conditions", "at most %d conditions are allowed", MaxCompoundConditions)
		}
		for i, c := range def.Conditions {
			c.collect(ve, fmt.Sprintf("conditions[%d]", i))
		}
	case nil:
		ve.Add("type", "rule definition is required")
	}
	return ve.ErrOrNil()
}

// Conditions returns every condition of the rule in evaluation order.
func (r *Rule) Conditions() []Condition {
	switch def := r.Definition.(type) {
	case SimpleRule:
		return []Condition{def.Condition}
	case CompoundRule:
		return def.Conditions
	}
	return nil
}

// SameDefinition reports whether two rules carry identical matching logic.
func (r *Rule) SameDefinition(other *Rule) bool {
	return reflect.DeepEqual(r.Definition, other.Definition)
}
