package detect

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"vigil/core"
	"vigil/metrics"
	"vigil/util/goroutine"

	"go.uber.org/zap"
)

// DefaultParallelThreshold is the policy count above which a snapshot's
// policies are evaluated concurrently.
const DefaultParallelThreshold = 32

// PolicyMatch is a policy match that passed the throttle gate and should
// become a new alert.
type PolicyMatch struct {
	Policy          core.Policy
	Event           *core.Event
	RuleIDs         []string
	Title           string
	Message         string
	Summary         string
	TriggeredAt     time.Time
	Providers       []core.Provider
	SnapshotVersion uint64
	// Admission is the throttle decision that let the match through.
	Admission Decision
}

// Suppression is a policy match refused by the throttle gate.
type Suppression struct {
	PolicyID string            `json:"policy_id"`
	TenantID string            `json:"tenant_id,omitempty"`
	EventID  string            `json:"event_id"`
	Reason   SuppressionReason `json:"reason"`
	At       time.Time         `json:"at"`
}

// Result collects everything one event produced.
type Result struct {
	Matches    []PolicyMatch
	Suppressed []Suppression
}

// PolicyEngine evaluates events against the policies of a snapshot.
type PolicyEngine struct {
	throttle          ThrottleStore
	logger            *zap.SugaredLogger
	parallelThreshold int
	now               func() time.Time
}

// PolicyEngineOption customises a PolicyEngine.
type PolicyEngineOption func(*PolicyEngine)

// WithParallelThreshold sets the policy count above which evaluation fans
// out across goroutines. Zero or less disables fan-out.
func WithParallelThreshold(n int) PolicyEngineOption {
	return func(pe *PolicyEngine) { pe.parallelThreshold = n }
}

// WithClock replaces the fallback clock used for events without a
// timestamp.
func WithClock(now func() time.Time) PolicyEngineOption {
	return func(pe *PolicyEngine) { pe.now = now }
}

// NewPolicyEngine creates a policy engine backed by the given throttle store.
func NewPolicyEngine(throttle ThrottleStore, logger *zap.SugaredLogger, opts ...PolicyEngineOption) *PolicyEngine {
	pe := &PolicyEngine{
		throttle:          throttle,
		logger:            logger,
		parallelThreshold: DefaultParallelThreshold,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(pe)
	}
	return pe
}

type policyOutcome struct {
	match      *PolicyMatch
	suppressed *Suppression
}

// Evaluate runs event through every policy of snap. Per-policy outcomes are
// independent; results are returned in policy id order.
func (pe *PolicyEngine) Evaluate(ctx context.Context, snap *Snapshot, event *core.Event) Result {
	outcomes := make([]policyOutcome, len(snap.Policies))

	if pe.parallelThreshold > 0 && len(snap.Policies) > pe.parallelThreshold {
		workers := runtime.GOMAXPROCS(0)
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for i, cp := range snap.Policies {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, cp *CompiledPolicy) {
				defer wg.Done()
				defer func() { <-sem }()
				defer goroutine.Recover("policy-evaluation", pe.logger)
				outcomes[i] = pe.evaluatePolicy(ctx, snap, cp, event)
			}(i, cp)
		}
		wg.Wait()
	} else {
		for i, cp := range snap.Policies {
			outcomes[i] = pe.evaluatePolicy(ctx, snap, cp, event)
		}
	}

	var res Result
	for _, o := range outcomes {
		if o.match != nil {
			res.Matches = append(res.Matches, *o.match)
		}
		if o.suppressed != nil {
			res.Suppressed = append(res.Suppressed, *o.suppressed)
		}
	}
	return res
}

func (pe *PolicyEngine) evaluatePolicy(ctx context.Context, snap *Snapshot, cp *CompiledPolicy, event *core.Event) policyOutcome {
	policy := &cp.Policy
	if !policy.Enabled {
		return policyOutcome{}
	}
	if policy.TenantID != "" && event.TenantID != policy.TenantID {
		return policyOutcome{}
	}

	at := event.EventTime(pe.now()).UTC()
	if !cp.Admits(at) {
		pe.logger.Debugw("Policy outside time window",
			"policy_id", policy.ID,
			"event_id", event.EventID,
			"event_time", at)
		return policyOutcome{}
	}

	ruleIDs, matched := matchPolicyRules(cp, event)
	if !matched {
		return policyOutcome{}
	}
	metrics.PolicyMatches.WithLabelValues(policy.ID).Inc()

	limits := ThrottleLimits{Throttle: policy.Throttle(), MaxPerHour: policy.MaxAlertsPerHour}
	decision, err := pe.throttle.Acquire(ctx, policy.ID, at, limits)
	if err != nil {
		// Fail open: a broken throttle store must not hide alerts.
		metrics.ThrottleStoreErrors.Inc()
		pe.logger.Warnw("Throttle store unavailable, admitting match",
			"policy_id", policy.ID,
			"event_id", event.EventID,
			"error", err)
		decision = Decision{Allowed: true, At: at}
	}
	tenantID := policy.TenantID
	if tenantID == "" {
		tenantID = event.TenantID
	}
	if !decision.Allowed {
		metrics.AlertsSuppressed.WithLabelValues(policy.ID, string(decision.Reason)).Inc()
		pe.logger.Infow("Policy match suppressed",
			"policy_id", policy.ID,
			"event_id", event.EventID,
			"reason", decision.Reason)
		return policyOutcome{suppressed: &Suppression{
			PolicyID: policy.ID,
			TenantID: tenantID,
			EventID:  event.EventID,
			Reason:   decision.Reason,
			At:       decision.At,
		}}
	}

	match := &PolicyMatch{
		Policy:          *policy,
		Event:           event,
		RuleIDs:         ruleIDs,
		Title:           policy.Name,
		TriggeredAt:     decision.At,
		Providers:       snap.EnabledProviders(policy),
		SnapshotVersion: snap.Version,
		Admission:       decision,
	}
	match.Policy.TenantID = tenantID
	match.Message = pe.render(policy.ID, "message_template", policy.MessageTemplate, event)
	if match.Message == "" {
		match.Message = fmt.Sprintf("%s matched %s event %s", policy.Name, event.EventType, event.EventID)
	}
	match.Summary = pe.render(policy.ID, "summary_template", policy.SummaryTemplate, event)
	if match.Summary == "" {
		match.Summary = fmt.Sprintf("[%s] %s", policy.Severity, policy.Name)
	}
	return policyOutcome{match: match}
}

// Release gives back the throttle admission of a match whose alert was
// never stored, so the next match of the policy is not suppressed by it.
func (pe *PolicyEngine) Release(ctx context.Context, match PolicyMatch) error {
	if !match.Admission.Allowed {
		return nil
	}
	if err := pe.throttle.Release(ctx, match.Policy.ID, match.Admission); err != nil {
		metrics.ThrottleStoreErrors.Inc()
		return fmt.Errorf("failed to release throttle admission for policy %s: %w", match.Policy.ID, err)
	}
	return nil
}

func (pe *PolicyEngine) render(policyID, name, tmpl string, event *core.Event) string {
	out, errs := RenderTemplate(tmpl, event)
	for _, e := range errs {
		metrics.TemplateErrors.Inc()
		pe.logger.Warnw("Malformed template placeholder rendered literally",
			"policy_id", policyID,
			"template", name,
			"token", e.Token,
			"offset", e.Offset)
	}
	return out
}

// matchPolicyRules combines the policy's enabled rules with AND when
// match_all is set, otherwise OR. Disabled rules take no part; a policy
// with no enabled rules never matches.
func matchPolicyRules(cp *CompiledPolicy, event *core.Event) ([]string, bool) {
	var matched []string
	enabled := 0
	for _, rule := range cp.Rules {
		if !rule.Rule.Enabled {
			continue
		}
		enabled++
		res := Match(rule, event)
		if res.Matched {
			matched = append(matched, res.RuleID)
		} else if cp.Policy.MatchAll {
			return nil, false
		}
	}
	if enabled == 0 || len(matched) == 0 {
		return nil, false
	}
	return matched, true
}
