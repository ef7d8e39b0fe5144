package detect

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vigil/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func failedLoginRule() core.Rule {
	return simpleRule("failed-login", core.NewCondition("status", core.OpEquals, "failure"))
}

func basePolicy(id string, ruleIDs ...string) core.Policy {
	return core.Policy{
		ID:               id,
		Name:             "Policy " + id,
		RuleIDs:          ruleIDs,
		MatchAll:         true,
		Severity:         core.SeverityHigh,
		MaxAlertsPerHour: 100,
		Enabled:          true,
	}
}

func newSnapshot(t *testing.T, rules []core.Rule, policies []core.Policy, providers ...core.Provider) *Snapshot {
	t.Helper()
	cache, err := NewRegexCache(16, time.Second)
	require.NoError(t, err)
	return BuildSnapshot(1, rules, policies, providers, cache)
}

func TestPolicyEngine_FailedLoginScenario(t *testing.T) {
	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zaptest.NewLogger(t).Sugar())
	policy := basePolicy("p1", "failed-login")
	policy.MessageTemplate = "Failed login from {ip_address}"
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{policy})

	event := &core.Event{EventID: "e1", EventType: "user_login", Status: "failure", IPAddress: "10.0.0.5",
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	res := pe.Evaluate(context.Background(), snap, event)

	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, core.SeverityHigh, m.Policy.Severity)
	assert.Equal(t, []string{"failed-login"}, m.RuleIDs)
	assert.Equal(t, "Failed login from 10.0.0.5", m.Message)
	assert.Equal(t, "Policy p1", m.Title)
	assert.Equal(t, event.Timestamp, m.TriggeredAt)
	assert.Empty(t, res.Suppressed)
}

func TestPolicyEngine_ThrottleScenario(t *testing.T) {
	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar())
	policy := basePolicy("p1", "failed-login")
	policy.ThrottleMinutes = 5
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{policy})

	first := &core.Event{EventID: "e1", Status: "failure", Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	second := &core.Event{EventID: "e2", Status: "failure", Timestamp: first.Timestamp.Add(2 * time.Minute)}

	r1 := pe.Evaluate(context.Background(), snap, first)
	r2 := pe.Evaluate(context.Background(), snap, second)

	assert.Len(t, r1.Matches, 1)
	assert.Empty(t, r2.Matches)
	require.Len(t, r2.Suppressed, 1)
	assert.Equal(t, ReasonThrottle, r2.Suppressed[0].Reason)
	assert.Equal(t, "e2", r2.Suppressed[0].EventID)
}

func TestPolicyEngine_MatchModes(t *testing.T) {
	rules := []core.Rule{
		failedLoginRule(),
		simpleRule("from-nl", core.NewCondition("country", core.OpEquals, "NL")),
	}
	event := &core.Event{Status: "failure", Fields: map[string]interface{}{"country": "DE"}}

	all := basePolicy("all", "failed-login", "from-nl")
	anyPolicy := basePolicy("any", "failed-login", "from-nl")
	anyPolicy.MatchAll = false

	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar())
	res := pe.Evaluate(context.Background(), newSnapshot(t, rules, []core.Policy{all, anyPolicy}), event)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "any", res.Matches[0].Policy.ID)
	assert.Equal(t, []string{"failed-login"}, res.Matches[0].RuleIDs)
}

func TestPolicyEngine_DisabledRulesAndPolicies(t *testing.T) {
	disabledRule := simpleRule("from-nl", core.NewCondition("country", core.OpEquals, "NL"))
	disabledRule.Enabled = false

	onlyDisabled := basePolicy("only-disabled", "from-nl")
	mixed := basePolicy("mixed", "failed-login", "from-nl")
	off := basePolicy("off", "failed-login")
	off.Enabled = false

	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar())
	snap := newSnapshot(t, []core.Rule{failedLoginRule(), disabledRule}, []core.Policy{onlyDisabled, mixed, off})
	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure"})

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "mixed", res.Matches[0].Policy.ID, "disabled rules take no part in match_all")
}

func TestPolicyEngine_TimeWindowGate(t *testing.T) {
	policy := basePolicy("p", "failed-login")
	policy.TimeWindow = &core.TimeWindow{StartTime: "09:00", EndTime: "17:00", Timezone: "UTC"}
	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar())
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{policy})

	night := &core.Event{Status: "failure", Timestamp: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)}
	day := &core.Event{Status: "failure", Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}

	assert.Empty(t, pe.Evaluate(context.Background(), snap, night).Matches)
	assert.Len(t, pe.Evaluate(context.Background(), snap, day).Matches, 1)
}

func TestPolicyEngine_TenantScoping(t *testing.T) {
	scoped := basePolicy("scoped", "failed-login")
	scoped.TenantID = "acme"
	global := basePolicy("global", "failed-login")

	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar())
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{scoped, global})

	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure", TenantID: "globex"})
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "global", res.Matches[0].Policy.ID)
	assert.Equal(t, "globex", res.Matches[0].Policy.TenantID, "event tenant carried to the alert")

	res = pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure", TenantID: "acme"})
	assert.Len(t, res.Matches, 2)
}

func TestPolicyEngine_MalformedTemplateIsLogged(t *testing.T) {
	obsCore, logs := observer.New(zap.WarnLevel)
	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.New(obsCore).Sugar())
	policy := basePolicy("p", "failed-login")
	policy.MessageTemplate = "user {user id} failed"
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{policy})

	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure", UserID: "bob"})
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "user {user id} failed", res.Matches[0].Message)
	assert.Equal(t, 1, logs.FilterMessage("Malformed template placeholder rendered literally").Len())
}

type failingThrottle struct{}

func (failingThrottle) Acquire(context.Context, string, time.Time, ThrottleLimits) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}
func (failingThrottle) Release(context.Context, string, Decision) error { return nil }
func (failingThrottle) Forget(context.Context, string) error            { return nil }
func (failingThrottle) Close() error                                    { return nil }

func TestPolicyEngine_ThrottleStoreFailureFailsOpen(t *testing.T) {
	pe := NewPolicyEngine(failingThrottle{}, zap.NewNop().Sugar())
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{basePolicy("p", "failed-login")})
	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure"})
	assert.Len(t, res.Matches, 1)
}

func TestPolicyEngine_ParallelEvaluationKeepsOrder(t *testing.T) {
	var policies []core.Policy
	for i := 0; i < 50; i++ {
		policies = append(policies, basePolicy(fmt.Sprintf("p%02d", i), "failed-login"))
	}
	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar(), WithParallelThreshold(4))
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, policies)

	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure"})
	require.Len(t, res.Matches, 50)
	for i, m := range res.Matches {
		assert.Equal(t, fmt.Sprintf("p%02d", i), m.Policy.ID)
	}
}

func TestPolicyEngine_ProvidersFromSnapshot(t *testing.T) {
	policy := basePolicy("p", "failed-login")
	policy.ProviderIDs = []string{"hook", "off", "missing"}
	hook := core.Provider{ID: "hook", Name: "hook", Type: core.ProviderWebhook, Enabled: true, Config: &core.WebhookConfig{URL: "https://example.com"}}
	off := core.Provider{ID: "off", Name: "off", Type: core.ProviderWebhook, Enabled: false, Config: &core.WebhookConfig{URL: "https://example.com"}}

	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar())
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{policy}, hook, off)
	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure"})

	require.Len(t, res.Matches, 1)
	require.Len(t, res.Matches[0].Providers, 1)
	assert.Equal(t, "hook", res.Matches[0].Providers[0].ID)
}

func TestPolicyEngine_FallbackClockForEventsWithoutTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	pe := NewPolicyEngine(NewMemoryThrottleStore(0), zap.NewNop().Sugar(), WithClock(func() time.Time { return fixed }))
	snap := newSnapshot(t, []core.Rule{failedLoginRule()}, []core.Policy{basePolicy("p", "failed-login")})

	res := pe.Evaluate(context.Background(), snap, &core.Event{Status: "failure"})
	require.Len(t, res.Matches, 1)
	assert.Equal(t, fixed, res.Matches[0].TriggeredAt)
}
