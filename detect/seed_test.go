package detect

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vigil/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSeedYAML = `
rules:
  - id: failed-login
    name: Failed login
    field: status
    operator: eq
    value: failure
  - id: admin-from-outside
    name: Admin access from outside
    type: compound
    group_operator: AND
    conditions:
      - field: user_id
        operator: eq
        value: admin
        case_sensitive: false
      - field: ip_address
        operator: regex
        value: '^(?!10\.)'
providers:
  - id: ops-slack
    name: Ops Slack
    type: slack
    config:
      webhook_url: https://hooks.slack.com/services/T000/B000/XXXX
policies:
  - id: brute-force
    name: Brute force
    rule_ids: [failed-login]
    match_all: true
    severity: high
    throttle_minutes: 5
    max_alerts_per_hour: 10
    provider_ids: [ops-slack]
    message_template: "Failed login for {user_id} from {ip_address}"
    time_window:
      start_time: "08:00"
      end_time: "18:00"
      days_of_week: [1, 2, 3, 4, 5]
      timezone: Europe/Amsterdam
`

func validationFields(t *testing.T, err error) string {
	t.Helper()
	var ve *core.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	var names []string
	for _, f := range ve.Fields {
		names = append(names, f.Field+": "+f.Reason)
	}
	return strings.Join(names, "\n")
}

func TestParseSeed_YAML(t *testing.T) {
	seed, err := ParseSeed([]byte(testSeedYAML), true)
	require.NoError(t, err)

	require.Len(t, seed.Rules, 2)
	assert.True(t, seed.Rules[0].Enabled, "enabled defaults to true")
	assert.IsType(t, core.SimpleRule{}, seed.Rules[0].Definition)
	compound, ok := seed.Rules[1].Definition.(core.CompoundRule)
	require.True(t, ok)
	assert.Equal(t, core.GroupAnd, compound.GroupOperator)
	assert.False(t, compound.Conditions[0].CaseSensitive)

	require.Len(t, seed.Policies, 1)
	p := seed.Policies[0]
	assert.Equal(t, core.SeverityHigh, p.Severity)
	assert.True(t, p.Enabled)
	require.NotNil(t, p.TimeWindow)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, p.TimeWindow.DaysOfWeek)

	require.Len(t, seed.Providers, 1)
	slack, ok := seed.Providers[0].Config.(*core.SlackConfig)
	require.True(t, ok)
	assert.Contains(t, slack.WebhookURL, "hooks.slack.com")
}

func TestParseSeed_JSON(t *testing.T) {
	doc := `{
	  "rules": [{"id": "r1", "name": "r1", "field": "attempts", "operator": "gte", "value": 5}],
	  "policies": [{"id": "p1", "name": "p1", "rule_ids": ["r1"], "severity": "low", "max_alerts_per_hour": 1}]
	}`
	seed, err := ParseSeed([]byte(doc), false)
	require.NoError(t, err)
	require.Len(t, seed.Rules, 1)
	def := seed.Rules[0].Definition.(core.SimpleRule)
	assert.Equal(t, float64(5), def.Value)
}

func TestParseSeed_SchemaErrors(t *testing.T) {
	testCases := []struct {
		name  string
		doc   string
		field string
	}{
		{"unknown top-level key", `{"alerts": []}`, "alerts"},
		{"bad operator", `{"rules": [{"id": "r", "name": "r", "field": "f", "operator": "like", "value": 1}]}`, "operator"},
		{"rule with both shapes", `{"rules": [{"id": "r", "name": "r", "field": "f", "operator": "eq", "conditions": [{"field": "f", "operator": "eq"}], "group_operator": "AND"}]}`, "rules.0"},
		{"bad severity", `{"policies": [{"id": "p", "name": "p", "rule_ids": ["r"], "severity": "urgent", "max_alerts_per_hour": 1}]}`, "severity"},
		{"zero rate", `{"policies": [{"id": "p", "name": "p", "rule_ids": ["r"], "severity": "low", "max_alerts_per_hour": 0}]}`, "max_alerts_per_hour"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tc.doc), false)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.Contains(t, validationFields(t, err), tc.field)
		})
	}
}

func TestParseSeed_ReferenceErrors(t *testing.T) {
	doc := `
rules:
  - {id: r1, name: r1, field: status, operator: eq, value: failure}
  - {id: r1, name: dup, field: status, operator: eq, value: success}
policies:
  - {id: p1, name: p1, rule_ids: [r1, r9], severity: low, max_alerts_per_hour: 1, provider_ids: [nope]}
`
	_, err := ParseSeed([]byte(doc), true)
	require.Error(t, err)
	fields := validationFields(t, err)
	assert.Contains(t, fields, `rules[1].id: duplicate rule id "r1"`)
	assert.Contains(t, fields, `policies[0].rule_ids: unknown rule "r9"`)
	assert.Contains(t, fields, `policies[0].provider_ids: unknown provider "nope"`)
}

func TestParseSeed_RecordValidation(t *testing.T) {
	doc := `
rules:
  - {id: r1, name: r1, field: attempts, operator: gt, value: [1, 2]}
`
	_, err := ParseSeed([]byte(doc), true)
	require.Error(t, err)
	assert.Contains(t, validationFields(t, err), "rules[0]")
}

func TestLoadSeed_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeedYAML), 0o600))

	seed, err := LoadSeed(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Len(t, seed.Policies, 1)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestSeed_BuildsSnapshot(t *testing.T) {
	seed, err := ParseSeed([]byte(testSeedYAML), true)
	require.NoError(t, err)

	cache, err := NewRegexCache(8, 0)
	require.NoError(t, err)
	snap := BuildSnapshot(3, seed.Rules, seed.Policies, seed.Providers, cache)
	assert.Empty(t, snap.Skipped)
	assert.Len(t, snap.Rules, 2)
	require.Len(t, snap.Policies, 1)
	assert.Len(t, snap.EnabledProviders(&snap.Policies[0].Policy), 1)
}
