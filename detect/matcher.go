package detect

import (
	"fmt"

	"vigil/core"
)

// MatchResult is the verdict of a rule against one event.
type MatchResult struct {
	Matched bool
	RuleID  string
}

// CompiledRule is a rule whose conditions are ready for evaluation.
// conds is aligned with Rule.Conditions().
type CompiledRule struct {
	Rule  core.Rule
	conds []CompiledCondition
}

// CompileRule compiles every condition of rule.
func CompileRule(rule core.Rule, cache *RegexCache) (*CompiledRule, error) {
	conditions := rule.Conditions()
	if len(conditions) == 0 {
		return nil, fmt.Errorf("rule %s has no conditions", rule.ID)
	}
	cr := &CompiledRule{Rule: rule, conds: make([]CompiledCondition, len(conditions))}
	for i, c := range conditions {
		cc, err := CompileCondition(c, cache)
		if err != nil {
			return nil, fmt.Errorf("rule %s condition %d: %w", rule.ID, i, err)
		}
		cr.conds[i] = cc
	}
	return cr, nil
}

// Match evaluates rule against event. AND stops at the first false
// condition and OR at the first true one; an unknown definition never
// matches.
func Match(rule *CompiledRule, event *core.Event) MatchResult {
	result := MatchResult{RuleID: rule.Rule.ID}

	switch def := rule.Rule.Definition.(type) {
	case core.SimpleRule:
		result.Matched = rule.conds[0].Evaluate(event)
	case core.CompoundRule:
		switch def.GroupOperator {
		case core.GroupAnd:
			result.Matched = true
			for i := range rule.conds {
				if !rule.conds[i].Evaluate(event) {
					result.Matched = false
					break
				}
			}
		case core.GroupOr:
			for i := range rule.conds {
				if rule.conds[i].Evaluate(event) {
					result.Matched = true
					break
				}
			}
		}
	}
	return result
}

// MatchRule compiles rule through the shared default cache and matches it.
// Rules that fail to compile never match.
func MatchRule(rule core.Rule, event *core.Event) MatchResult {
	cr, err := CompileRule(rule, defaultRegexCache())
	if err != nil {
		return MatchResult{RuleID: rule.ID}
	}
	return Match(cr, event)
}
