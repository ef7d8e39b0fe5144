package detect

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"vigil/core"
)

// CompiledPolicy is a policy with its rules and time window resolved.
type CompiledPolicy struct {
	Policy core.Policy
	Rules  []*CompiledRule
	window *compiledWindow
}

// Admits reports whether the policy's time window admits t.
func (p *CompiledPolicy) Admits(t time.Time) bool {
	return p.window.Admits(t)
}

// Snapshot is an immutable, consistent view of the configuration. The
// evaluator loads one snapshot per event and never sees a half-applied
// write.
type Snapshot struct {
	Version   uint64
	LoadedAt  time.Time
	Policies  []*CompiledPolicy
	Rules     map[string]*CompiledRule
	Providers map[string]core.Provider
	// Skipped lists records that could not be compiled, keyed by id.
	Skipped map[string]string
}

// BuildSnapshot compiles rules and policies. A rule that fails to compile
// is skipped, and so is every policy referencing it or failing to compile. Policies are kept in id order so evaluation is deterministic.
func BuildSnapshot(version uint64, rules []core.Rule, policies []core.Policy, providers []core.Provider, cache *RegexCache) *Snapshot {
	snap := &Snapshot{
		Version:   version,
		LoadedAt:  time.Now().UTC(),
		Rules:     make(map[string]*CompiledRule, len(rules)),
		Providers: make(map[string]core.Provider, len(providers)),
		Skipped:   make(map[string]string),
	}
	for _, r := range rules {
		cr, err := CompileRule(r, cache)
		if err != nil {
			snap.Skipped["rule:"+r.ID] = err.Error()
			continue
		}
		snap.Rules[r.ID] = cr
	}
	for _, p := range providers {
		snap.Providers[p.ID] = p
	}
	for _, p := range policies {
		w, err := compileWindow(p.TimeWindow)
		if err != nil {
			snap.Skipped["policy:"+p.ID] = err.Error()
			continue
		}
		cp := &CompiledPolicy{Policy: p, window: w}
		missing := ""
		for _, id := range p.RuleIDs {
			cr, ok := snap.Rules[id]
			if !ok {
				missing = id
				break
			}
			cp.Rules = append(cp.Rules, cr)
		}
		if missing != "" {
			// Evaluating the remaining rules would weaken a match_all policy.
			snap.Skipped["policy:"+p.ID] = fmt.Sprintf("rule %s is not loaded", missing)
			continue
		}
		snap.Policies = append(snap.Policies, cp)
	}
	sort.Slice(snap.Policies, func(i, j int) bool {
		return snap.Policies[i].Policy.ID < snap.Policies[j].Policy.ID
	})
	return snap
}

// EnabledProviders returns the enabled providers referenced by policy, in
// the policy's order. Unknown ids are skipped.
func (s *Snapshot) EnabledProviders(policy *core.Policy) []core.Provider {
	out := make([]core.Provider, 0, len(policy.ProviderIDs))
	for _, id := range policy.ProviderIDs {
		if p, ok := s.Providers[id]; ok && p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// SnapshotHolder publishes snapshots to concurrent evaluators.
type SnapshotHolder struct {
	current atomic.Pointer[Snapshot]
}

// NewSnapshotHolder creates a holder with an empty snapshot.
func NewSnapshotHolder() *SnapshotHolder {
	h := &SnapshotHolder{}
	h.current.Store(&Snapshot{
		Rules:     map[string]*CompiledRule{},
		Providers: map[string]core.Provider{},
		Skipped:   map[string]string{},
	})
	return h
}

// Load returns the current snapshot.
func (h *SnapshotHolder) Load() *Snapshot {
	return h.current.Load()
}

// Swap publishes snap and returns the previous snapshot.
func (h *SnapshotHolder) Swap(snap *Snapshot) *Snapshot {
	return h.current.Swap(snap)
}
