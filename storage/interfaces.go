package storage

import (
	"context"

	"vigil/core"
)

// RuleStorage persists rule definitions.
type RuleStorage interface {
	GetRules(ctx context.Context) ([]core.Rule, error)
	GetRule(ctx context.Context, id string) (*core.Rule, error)
	CreateRule(ctx context.Context, rule *core.Rule) error
	UpdateRule(ctx context.Context, rule *core.Rule) error
	DeleteRule(ctx context.Context, id string) error
	// DeleteRuleCascade deletes a rule and rewrites the policies that
	// referenced it in one transaction.
	DeleteRuleCascade(ctx context.Context, id string, policies []core.Policy) error
}

// PolicyStorage persists policies.
type PolicyStorage interface {
	GetPolicies(ctx context.Context) ([]core.Policy, error)
	GetPolicy(ctx context.Context, id string) (*core.Policy, error)
	CreatePolicy(ctx context.Context, policy *core.Policy) error
	UpdatePolicy(ctx context.Context, policy *core.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// ProviderStorage persists notification providers.
type ProviderStorage interface {
	GetProviders(ctx context.Context) ([]core.Provider, error)
	GetProvider(ctx context.Context, id string) (*core.Provider, error)
	CreateProvider(ctx context.Context, provider *core.Provider) error
	UpdateProvider(ctx context.Context, provider *core.Provider) error
	DeleteProvider(ctx context.Context, id string) error
}

// ConfigStorage bundles the configuration record stores.
type ConfigStorage interface {
	RuleStorage
	PolicyStorage
	ProviderStorage
}

// AlertStorage persists alerts. Alerts are never deleted.
type AlertStorage interface {
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	// GetAlerts returns one page of alerts matching filter, newest first,
	// and the total number of matches.
	GetAlerts(ctx context.Context, filter core.AlertFilter) ([]core.Alert, int64, error)
	// GetLatestOpenAlert returns the most recently triggered active or
	// acknowledged alert of a policy.
	GetLatestOpenAlert(ctx context.Context, policyID string) (*core.Alert, error)
	CreateAlert(ctx context.Context, alert *core.Alert) error
	UpdateAlert(ctx context.Context, alert *core.Alert) error
}
