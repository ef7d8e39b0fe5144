package detect

import (
	"strings"
	"testing"
	"time"

	"vigil/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loginEvent() *core.Event {
	return &core.Event{
		EventID:   "evt-1",
		EventType: "user_login",
		UserID:    "alice",
		Status:    "failure",
		IPAddress: "10.0.0.5",
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Fields: map[string]interface{}{
			"attempts": 7.0,
			"amount":   "1500.50",
			"country":  "NL",
			"geo":      map[string]interface{}{"city": "Utrecht"},
			"tags":     []interface{}{"vpn", "mobile"},
			"mfa":      true,
		},
	}
}

func caseInsensitive(field string, op core.Operator, value interface{}) core.Condition {
	c := core.NewCondition(field, op, value)
	c.CaseSensitive = false
	return c
}

func TestEvaluateCondition(t *testing.T) {
	event := loginEvent()

	testCases := []struct {
		name string
		cond core.Condition
		want bool
	}{
		{"eq string", core.NewCondition("status", core.OpEquals, "failure"), true},
		{"eq string case mismatch", core.NewCondition("status", core.OpEquals, "FAILURE"), false},
		{"eq string case insensitive", caseInsensitive("status", core.OpEquals, "FAILURE"), true},
		{"eq number", core.NewCondition("attempts", core.OpEquals, 7), true},
		{"eq numeric string field", core.NewCondition("amount", core.OpEquals, 1500.5), true},
		{"eq bool", core.NewCondition("mfa", core.OpEquals, true), true},
		{"eq nested path", core.NewCondition("geo.city", core.OpEquals, "Utrecht"), true},
		{"eq missing", core.NewCondition("device", core.OpEquals, "ios"), false},
		{"eq list field", core.NewCondition("tags", core.OpEquals, "vpn"), false},

		{"ne present", core.NewCondition("status", core.OpNotEquals, "success"), true},
		{"ne equal", core.NewCondition("status", core.OpNotEquals, "failure"), false},
		{"ne missing", core.NewCondition("device", core.OpNotEquals, "ios"), true},

		{"gt number", core.NewCondition("attempts", core.OpGreaterThan, 5), true},
		{"gt numeric string field", core.NewCondition("amount", core.OpGreaterThan, 1000), true},
		{"lt number", core.NewCondition("attempts", core.OpLessThan, 5), false},
		{"gte equal", core.NewCondition("attempts", core.OpGreaterEqual, 7), true},
		{"lte equal", core.NewCondition("attempts", core.OpLessEqual, 7), true},
		{"gt non numeric field", core.NewCondition("status", core.OpGreaterThan, 3), false},
		{"gt lexicographic", core.NewCondition("user_id", core.OpGreaterThan, "aaron"), true},
		{"lt lexicographic case insensitive", caseInsensitive("user_id", core.OpLessThan, "BOB"), true},
		{"gt missing", core.NewCondition("device", core.OpGreaterThan, 1), false},

		{"in", core.NewCondition("country", core.OpIn, []string{"NL", "BE"}), true},
		{"in case insensitive", caseInsensitive("country", core.OpIn, []string{"nl"}), true},
		{"in miss", core.NewCondition("country", core.OpIn, []string{"DE"}), false},
		{"in numbers", core.NewCondition("attempts", core.OpIn, []interface{}{3, 7}), true},
		{"in missing", core.NewCondition("device", core.OpIn, []string{"ios"}), false},
		{"not_in", core.NewCondition("country", core.OpNotIn, []string{"DE"}), true},
		{"not_in member", core.NewCondition("country", core.OpNotIn, []string{"NL"}), false},
		{"not_in missing", core.NewCondition("device", core.OpNotIn, []string{"ios"}), true},

		{"contains", core.NewCondition("ip_address", core.OpContains, "10.0."), true},
		{"contains case insensitive", caseInsensitive("event_type", core.OpContains, "LOGIN"), true},
		{"contains non string field", core.NewCondition("attempts", core.OpContains, "7"), false},
		{"contains missing", core.NewCondition("device", core.OpContains, "x"), false},

		{"regex", core.NewCondition("ip_address", core.OpRegex, `^10\.0\.0\.\d+$`), true},
		{"regex miss", core.NewCondition("ip_address", core.OpRegex, `^192\.`), false},
		{"regex case insensitive", caseInsensitive("event_type", core.OpRegex, `^USER_`), true},
		{"regex number field", core.NewCondition("attempts", core.OpRegex, `^7$`), true},
		{"regex invalid pattern", core.NewCondition("status", core.OpRegex, `(`), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCondition(tc.cond, event))
		})
	}
}

func TestEvaluateCondition_CaseInsensitiveInvariance(t *testing.T) {
	transforms := map[string]func(string) string{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": func(s string) string {
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
		},
	}
	conditions := []core.Condition{
		caseInsensitive("status", core.OpEquals, "Failure"),
		caseInsensitive("status", core.OpNotEquals, "success"),
		caseInsensitive("status", core.OpIn, []string{"ERROR", "failure"}),
		caseInsensitive("status", core.OpNotIn, []string{"ok"}),
		caseInsensitive("status", core.OpContains, "AIL"),
		caseInsensitive("status", core.OpRegex, "^fail"),
		caseInsensitive("status", core.OpGreaterThan, "error"),
		caseInsensitive("status", core.OpLessEqual, "Success"),
	}
	values := []string{"failure", "Failure", "success", "ERROR", "ok", "pending"}

	for _, cond := range conditions {
		for _, value := range values {
			base := loginEvent()
			base.Status = value
			want := EvaluateCondition(cond, base)
			for name, transform := range transforms {
				e := loginEvent()
				e.Status = transform(value)
				assert.Equal(t, want, EvaluateCondition(cond, e),
					"operator=%s value=%q transform=%s", cond.Operator, value, name)
			}
		}
	}
}

func TestEvaluateCondition_SpecialFoldingRunes(t *testing.T) {
	// U+017F LATIN SMALL LETTER LONG S folds with S and s; U+212A KELVIN
	// SIGN folds with K and k.
	e := loginEvent()
	e.Status = "ſession kept"

	for _, cond := range []core.Condition{
		caseInsensitive("status", core.OpEquals, "SESSION KEPT"),
		caseInsensitive("status", core.OpIn, []string{"Session Kept"}),
		caseInsensitive("status", core.OpContains, "SESS"),
		caseInsensitive("status", core.OpContains, "\u212Aept"),
		caseInsensitive("status", core.OpGreaterEqual, "session kept"),
		caseInsensitive("status", core.OpLessEqual, "SESSION KEPT"),
	} {
		assert.True(t, EvaluateCondition(cond, e), "operator=%s value=%v", cond.Operator, cond.Value)
	}
}

func TestFoldCase(t *testing.T) {
	assert.Equal(t, "session", foldCase("ſESSION"))
	assert.Equal(t, "kelvin", foldCase("\u212Aelvin"))
	assert.Equal(t, "straße", foldCase("STRAßE"))
	assert.Equal(t, strings.EqualFold("ſ", "S"), foldCase("ſ") == foldCase("S"))
}

func TestCompileCondition_UsesCache(t *testing.T) {
	cache, err := NewRegexCache(8, time.Second)
	require.NoError(t, err)

	c := core.NewCondition("status", core.OpRegex, "^fail")
	_, err = CompileCondition(c, cache)
	require.NoError(t, err)
	_, err = CompileCondition(c, cache)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	c.CaseSensitive = false
	_, err = CompileCondition(c, cache)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len(), "options are part of the cache key")
}

func TestRegexTimeoutIsNonMatch(t *testing.T) {
	cache, err := NewRegexCache(8, time.Millisecond)
	require.NoError(t, err)

	cc, err := CompileCondition(core.NewCondition("payload", core.OpRegex, `^(a+)+$`), cache)
	require.NoError(t, err)

	e := &core.Event{Fields: map[string]interface{}{"payload": strings.Repeat("a", 5000) + "!"}}
	assert.False(t, cc.Evaluate(e))
}
