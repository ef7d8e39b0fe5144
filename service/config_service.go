package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/core"
	"vigil/detect"
	"vigil/metrics"
	"vigil/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRuleInUse is returned when deleting a rule still referenced by a
	// policy without cascade.
	ErrRuleInUse = errors.New("rule is referenced by a policy")

	// ErrProviderInUse is returned when deleting a provider still
	// referenced by a policy.
	ErrProviderInUse = errors.New("provider is referenced by a policy")
)

// ConfigService owns rules, policies and providers. Every successful write
// rebuilds the evaluation snapshot and publishes it atomically.
type ConfigService struct {
	store    storage.ConfigStorage
	holder   *detect.SnapshotHolder
	cache    *detect.RegexCache
	throttle detect.ThrottleStore
	logger   *zap.SugaredLogger
	now      func() time.Time

	// mu serialises writes so that referential checks, the store write and
	// the snapshot rebuild happen as one step.
	mu      sync.Mutex
	version uint64
}

// NewConfigService creates a configuration service. throttle may be nil.
func NewConfigService(store storage.ConfigStorage, holder *detect.SnapshotHolder, cache *detect.RegexCache, throttle detect.ThrottleStore, logger *zap.SugaredLogger) *ConfigService {
	return &ConfigService{
		store:    store,
		holder:   holder,
		cache:    cache,
		throttle: throttle,
		logger:   logger,
		now:      time.Now,
	}
}

// Reload rebuilds the snapshot from storage.
func (s *ConfigService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *ConfigService) reloadLocked(ctx context.Context) error {
	rules, err := s.store.GetRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	policies, err := s.store.GetPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	providers, err := s.store.GetProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	s.version++
	snap := detect.BuildSnapshot(s.version, rules, policies, providers, s.cache)
	s.holder.Swap(snap)
	metrics.ConfigReloads.Inc()

	for id, reason := range snap.Skipped {
		s.logger.Warnw("Configuration record skipped", "record", id, "reason", reason)
	}
	s.logger.Infow("Configuration snapshot published",
		"version", snap.Version,
		"rules", len(snap.Rules),
		"policies", len(snap.Policies),
		"providers", len(snap.Providers))
	return nil
}

// write runs fn under the write lock and republishes the snapshot when fn
// succeeds.
func (s *ConfigService) write(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return s.reloadLocked(ctx)
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

// ListRules returns every rule.
func (s *ConfigService) ListRules(ctx context.Context) ([]core.Rule, error) {
	return s.store.GetRules(ctx)
}

// GetRule returns one rule.
func (s *ConfigService) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// CreateRule validates and stores a new rule. An empty id is generated.
func (s *ConfigService) CreateRule(ctx context.Context, rule *core.Rule) (*core.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := s.now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	err := s.write(ctx, func() error {
		return s.store.CreateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Rule created", "rule_id", rule.ID, "name", rule.Name)
	return rule, nil
}

// UpdateRule changes a rule's metadata and enabled flag. The matching
// definition cannot change.
func (s *ConfigService) UpdateRule(ctx context.Context, rule *core.Rule) (*core.Rule, error) {
	var stored *core.Rule
	err := s.write(ctx, func() error {
		existing, err := s.store.GetRule(ctx, rule.ID)
		if err != nil {
			return err
		}
		if rule.Definition != nil && !existing.SameDefinition(rule) {
			ve := core.NewValidationError("rule", rule.ID)
			ve.Add("definition", "is immutable; create a new rule instead")
			return ve
		}
		existing.Name = rule.Name
		existing.Description = rule.Description
		existing.Tags = rule.Tags
		existing.Enabled = rule.Enabled
		existing.UpdatedAt = s.now().UTC()
		if err := existing.Validate(); err != nil {
			return err
		}
		stored = existing
		return s.store.UpdateRule(ctx, existing)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Rule updated", "rule_id", stored.ID, "enabled", stored.Enabled)
	return stored, nil
}

// DeleteRule removes a rule. A rule referenced by policies is only removed
// with cascade, which strips it from those policies and disables any
// policy left without rules.
func (s *ConfigService) DeleteRule(ctx context.Context, id string, cascade bool) error {
	return s.write(ctx, func() error {
		if _, err := s.store.GetRule(ctx, id); err != nil {
			return err
		}
		policies, err := s.store.GetPolicies(ctx)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		var referencing []core.Policy
		for _, p := range policies {
			if p.ReferencesRule(id) {
				referencing = append(referencing, p)
			}
		}
		if len(referencing) == 0 {
			return s.store.DeleteRule(ctx, id)
		}
		if !cascade {
			return fmt.Errorf("%w: %s is used by %d policies", ErrRuleInUse, id, len(referencing))
		}

		now := s.now().UTC()
		for i := range referencing {
			p := &referencing[i]
			kept := make([]string, 0, len(p.RuleIDs))
			for _, rid := range p.RuleIDs {
				if rid != id {
					kept = append(kept, rid)
				}
			}
			p.RuleIDs = kept
			p.UpdatedAt = now
			if len(kept) == 0 {
				p.Enabled = false
			}
			s.logger.Warnw("Rule removed from policy by cascading delete",
				"rule_id", id,
				"policy_id", p.ID,
				"remaining_rules", len(kept),
				"policy_enabled", p.Enabled)
		}
		return s.store.DeleteRuleCascade(ctx, id, referencing)
	})
}

// ---------------------------------------------------------------------------
// Policies
// ---------------------------------------------------------------------------

// ListPolicies returns every policy.
func (s *ConfigService) ListPolicies(ctx context.Context) ([]core.Policy, error) {
	return s.store.GetPolicies(ctx)
}

// GetPolicy returns one policy.
func (s *ConfigService) GetPolicy(ctx context.Context, id string) (*core.Policy, error) {
	return s.store.GetPolicy(ctx, id)
}

// CreatePolicy validates and stores a new policy.
func (s *ConfigService) CreatePolicy(ctx context.Context, policy *core.Policy) (*core.Policy, error) {
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	now := s.now().UTC()
	policy.CreatedAt, policy.UpdatedAt = now, now
	err := s.write(ctx, func() error {
		if err := s.checkPolicy(ctx, policy); err != nil {
			return err
		}
		return s.store.CreatePolicy(ctx, policy)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Policy created", "policy_id", policy.ID, "name", policy.Name, "severity", policy.Severity)
	return policy, nil
}

// UpdatePolicy replaces a policy. Throttle state is kept.
func (s *ConfigService) UpdatePolicy(ctx context.Context, policy *core.Policy) (*core.Policy, error) {
	err := s.write(ctx, func() error {
		existing, err := s.store.GetPolicy(ctx, policy.ID)
		if err != nil {
			return err
		}
		policy.CreatedAt = existing.CreatedAt
		policy.UpdatedAt = s.now().UTC()
		if err := s.checkPolicy(ctx, policy); err != nil {
			return err
		}
		return s.store.UpdatePolicy(ctx, policy)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Policy updated", "policy_id", policy.ID, "enabled", policy.Enabled)
	return policy, nil
}

// DeletePolicy removes a policy and its throttle state.
func (s *ConfigService) DeletePolicy(ctx context.Context, id string) error {
	err := s.write(ctx, func() error {
		return s.store.DeletePolicy(ctx, id)
	})
	if err != nil {
		return err
	}
	if s.throttle != nil {
		if err := s.throttle.Forget(ctx, id); err != nil {
			s.logger.Warnw("Failed to clear throttle state", "policy_id", id, "error", err)
		}
	}
	s.logger.Infow("Policy deleted", "policy_id", id)
	return nil
}

// checkPolicy validates the record and that every referenced rule and
// provider exists.
func (s *ConfigService) checkPolicy(ctx context.Context, policy *core.Policy) error {
	ve := core.NewValidationError("policy", policy.ID)
	ve.Merge("", policy.Validate())
	for _, id := range policy.RuleIDs {
		if _, err := s.store.GetRule(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				ve.Addf("rule_ids", "unknown rule %q", id)
				continue
			}
			return err
		}
	}
	for _, id := range policy.ProviderIDs {
		if _, err := s.store.GetProvider(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				ve.Addf("provider_ids", "unknown provider %q", id)
				continue
			}
			return err
		}
	}
	return ve.ErrOrNil()
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ListProviders returns every provider with secrets redacted.
func (s *ConfigService) ListProviders(ctx context.Context) ([]core.Provider, error) {
	providers, err := s.store.GetProviders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		providers[i] = providers[i].Redacted()
	}
	return providers, nil
}

// GetProvider returns one provider with secrets redacted.
func (s *ConfigService) GetProvider(ctx context.Context, id string) (*core.Provider, error) {
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	redacted := p.Redacted()
	return &redacted, nil
}

// CreateProvider validates and stores a new provider.
func (s *ConfigService) CreateProvider(ctx context.Context, provider *core.Provider) (*core.Provider, error) {
	if provider.ID == "" {
		provider.ID = uuid.New().String()
	}
	now := s.now().UTC()
	provider.CreatedAt, provider.UpdatedAt = now, now
	if err := provider.Validate(); err != nil {
		return nil, err
	}
	err := s.write(ctx, func() error {
		return s.store.CreateProvider(ctx, provider)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Provider created", "provider_id", provider.ID, "type", provider.Type)
	redacted := provider.Redacted()
	return &redacted, nil
}

// UpdateProvider replaces a provider. Secrets sent back as the redaction
// mask keep their stored value.
func (s *ConfigService) UpdateProvider(ctx context.Context, provider *core.Provider) (*core.Provider, error) {
	err := s.write(ctx, func() error {
		existing, err := s.store.GetProvider(ctx, provider.ID)
		if err != nil {
			return err
		}
		// A record read back from the API carries masked secrets.
		provider.KeepSecretsFrom(existing)
		provider.CreatedAt = existing.CreatedAt
		provider.UpdatedAt = s.now().UTC()
		if err := provider.Validate(); err != nil {
			return err
		}
		return s.store.UpdateProvider(ctx, provider)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Provider updated", "provider_id", provider.ID, "enabled", provider.Enabled)
	redacted := provider.Redacted()
	return &redacted, nil
}

// DeleteProvider removes a provider that no policy references.
func (s *ConfigService) DeleteProvider(ctx context.Context, id string) error {
	err := s.write(ctx, func() error {
		if _, err := s.store.GetProvider(ctx, id); err != nil {
			return err
		}
		policies, err := s.store.GetPolicies(ctx)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		for _, p := range policies {
			if p.ReferencesProvider(id) {
				return fmt.Errorf("%w: %s is used by policy %s", ErrProviderInUse, id, p.ID)
			}
		}
		return s.store.DeleteProvider(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Infow("Provider deleted", "provider_id", id)
	return nil
}

// ---------------------------------------------------------------------------
// Seed import
// ---------------------------------------------------------------------------

// Import upserts every record of a validated seed and publishes one
// snapshot. Existing rules keep their definition; a changed definition is
// reported as a validation error. Every check runs before the first write,
// so a rejected seed leaves the store untouched.
func (s *ConfigService) Import(ctx context.Context, seed *detect.Seed) error {
	if err := seed.Validate(); err != nil {
		return err
	}
	err := s.write(ctx, func() error {
		plan, err := s.planImport(ctx, seed)
		if err != nil {
			return err
		}
		return plan.apply(ctx, s.store, s.now().UTC())
	})
	if err != nil {
		return err
	}
	s.logger.Infow("Seed imported",
		"rules", len(seed.Rules),
		"policies", len(seed.Policies),
		"providers", len(seed.Providers))
	return nil
}

// importPlan holds the seed records to write and the creation time of each
// one that already exists.
type importPlan struct {
	rules     []core.Rule
	providers []core.Provider
	policies  []core.Policy
	created   map[string]time.Time // kind:id of existing records
}

func (s *ConfigService) planImport(ctx context.Context, seed *detect.Seed) (*importPlan, error) {
	plan := &importPlan{
		rules:     append([]core.Rule(nil), seed.Rules...),
		providers: append([]core.Provider(nil), seed.Providers...),
		policies:  append([]core.Policy(nil), seed.Policies...),
		created:   make(map[string]time.Time),
	}
	ve := core.NewValidationError("seed", "")
	for i := range plan.rules {
		r := &plan.rules[i]
		existing, err := s.store.GetRule(ctx, r.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		case !existing.SameDefinition(r):
			ve.Addf(fmt.Sprintf("rules[%d].definition", i), "rule %q is immutable; create a new rule instead", r.ID)
		default:
			plan.created["rule:"+r.ID] = existing.CreatedAt
		}
	}
	for i := range plan.providers {
		p := &plan.providers[i]
		existing, err := s.store.GetProvider(ctx, p.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			plan.created["provider:"+p.ID] = existing.CreatedAt
		}
	}
	for i := range plan.policies {
		p := &plan.policies[i]
		existing, err := s.store.GetPolicy(ctx, p.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			plan.created["policy:"+p.ID] = existing.CreatedAt
		}
	}
	if err := ve.ErrOrNil(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *importPlan) apply(ctx context.Context, store storage.ConfigStorage, now time.Time) error {
	for i := range p.rules {
		r := &p.rules[i]
		if created, ok := p.created["rule:"+r.ID]; ok {
			r.CreatedAt, r.UpdatedAt = created, now
			if err := store.UpdateRule(ctx, r); err != nil {
				return err
			}
			continue
		}
		r.CreatedAt, r.UpdatedAt = now, now
		if err := store.CreateRule(ctx, r); err != nil {
			return err
		}
	}
	for i := range p.providers {
		pr := &p.providers[i]
		if created, ok := p.created["provider:"+pr.ID]; ok {
			pr.CreatedAt, pr.UpdatedAt = created, now
			if err := store.UpdateProvider(ctx, pr); err != nil {
				return err
			}
			continue
		}
		pr.CreatedAt, pr.UpdatedAt = now, now
		if err := store.CreateProvider(ctx, pr); err != nil {
			return err
		}
	}
	for i := range p.policies {
		pol := &p.policies[i]
		if created, ok := p.created["policy:"+pol.ID]; ok {
			pol.CreatedAt, pol.UpdatedAt = created, now
			if err := store.UpdatePolicy(ctx, pol); err != nil {
				return err
			}
			continue
		}
		pol.CreatedAt, pol.UpdatedAt = now, now
		if err := store.CreatePolicy(ctx, pol); err != nil {
			return err
		}
	}
	return nil
}
