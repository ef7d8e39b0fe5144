package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vigil/core"
)

// MemoryConfigStorage keeps configuration records in process memory. It
// backs dry runs and tests.
type MemoryConfigStorage struct {
	mu        sync.RWMutex
	rules     map[string]core.Rule
	policies  map[string]core.Policy
	providers map[string]core.Provider
}

// NewMemoryConfigStorage creates an empty in-memory configuration store.
func NewMemoryConfigStorage() *MemoryConfigStorage {
	return &MemoryConfigStorage{
		rules:     make(map[string]core.Rule),
		policies:  make(map[string]core.Policy),
		providers: make(map[string]core.Provider),
	}
}

func copyPolicy(p core.Policy) core.Policy {
	p.RuleIDs = append([]string(nil), p.RuleIDs...)
	p.ProviderIDs = append([]string(nil), p.ProviderIDs...)
	if p.TimeWindow != nil {
		tw := *p.TimeWindow
		tw.DaysOfWeek = append([]int(nil), p.TimeWindow.DaysOfWeek...)
		p.TimeWindow = &tw
	}
	return p
}

func copyRule(r core.Rule) core.Rule {
	r.Tags = append([]string(nil), r.Tags...)
	return r
}

func (m *MemoryConfigStorage) GetRules(_ context.Context) ([]core.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, copyRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryConfigStorage) GetRule(_ context.Context, id string) (*core.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	cp := copyRule(r)
	return &cp, nil
}

func (m *MemoryConfigStorage) CreateRule(_ context.Context, rule *core.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; ok {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrAlreadyExists)
	}
	m.rules[rule.ID] = copyRule(*rule)
	return nil
}

func (m *MemoryConfigStorage) UpdateRule(_ context.Context, rule *core.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	m.rules[rule.ID] = copyRule(*rule)
	return nil
}

func (m *MemoryConfigStorage) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryConfigStorage) DeleteRuleCascade(_ context.Context, id string, policies []core.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	for _, p := range policies {
		if _, ok := m.policies[p.ID]; !ok {
			return fmt.Errorf("%w: %s", ErrPolicyNotFound, p.ID)
		}
	}
	for _, p := range policies {
		m.policies[p.ID] = copyPolicy(p)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryConfigStorage) GetPolicies(_ context.Context) ([]core.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, copyPolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryConfigStorage) GetPolicy(_ context.Context, id string) (*core.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	cp := copyPolicy(p)
	return &cp, nil
}

func (m *MemoryConfigStorage) CreatePolicy(_ context.Context, policy *core.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[policy.ID]; ok {
		return fmt.Errorf("policy %s: %w", policy.ID, ErrAlreadyExists)
	}
	m.policies[policy.ID] = copyPolicy(*policy)
	return nil
}

func (m *MemoryConfigStorage) UpdatePolicy(_ context.Context, policy *core.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[policy.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, policy.ID)
	}
	m.policies[policy.ID] = copyPolicy(*policy)
	return nil
}

func (m *MemoryConfigStorage) DeletePolicy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryConfigStorage) GetProviders(_ context.Context) ([]core.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryConfigStorage) GetProvider(_ context.Context, id string) (*core.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return &p, nil
}

func (m *MemoryConfigStorage) CreateProvider(_ context.Context, provider *core.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[provider.ID]; ok {
		return fmt.Errorf("provider %s: %w", provider.ID, ErrAlreadyExists)
	}
	m.providers[provider.ID] = *provider
	return nil
}

func (m *MemoryConfigStorage) UpdateProvider(_ context.Context, provider *core.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[provider.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, provider.ID)
	}
	m.providers[provider.ID] = *provider
	return nil
}

func (m *MemoryConfigStorage) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	delete(m.providers, id)
	return nil
}

// MemoryAlertStorage keeps alerts in process memory.
type MemoryAlertStorage struct {
	mu     sync.RWMutex
	alerts map[string]*core.Alert
}

// NewMemoryAlertStorage creates an empty in-memory alert store.
func NewMemoryAlertStorage() *MemoryAlertStorage {
	return &MemoryAlertStorage{alerts: make(map[string]*core.Alert)}
}

func (m *MemoryAlertStorage) GetAlert(_ context.Context, id string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return a.Clone(), nil
}

// sortedLocked returns alerts newest first. Callers hold mu.
func (m *MemoryAlertStorage) sortedLocked() []*core.Alert {
	out := make([]*core.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].AlertID < out[j].AlertID
	})
	return out
}

func (m *MemoryAlertStorage) GetAlerts(_ context.Context, filter core.AlertFilter) ([]core.Alert, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*core.Alert
	for _, a := range m.sortedLocked() {
		if filter.Matches(a) {
			matched = append(matched, a)
		}
	}
	limit, offset := pageBounds(filter)
	out := make([]core.Alert, 0, limit)
	for i := offset; i < len(matched) && len(out) < limit; i++ {
		out = append(out, *matched[i].Clone())
	}
	return out, int64(len(matched)), nil
}

func (m *MemoryAlertStorage) GetLatestOpenAlert(_ context.Context, policyID string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.sortedLocked() {
		if a.PolicyID == policyID && a.Status.IsOpen() {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no open alert for policy %s", ErrAlertNotFound, policyID)
}

func (m *MemoryAlertStorage) CreateAlert(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.AlertID]; ok {
		return fmt.Errorf("alert %s: %w", alert.AlertID, ErrAlreadyExists)
	}
	m.alerts[alert.AlertID] = alert.Clone()
	return nil
}

func (m *MemoryAlertStorage) UpdateAlert(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.AlertID]; !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alert.AlertID)
	}
	m.alerts[alert.AlertID] = alert.Clone()
	return nil
}
