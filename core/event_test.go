package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_UnmarshalFlat(t *testing.T) {
	data := `{
		"event_id": "e1",
		"event_type": "user_login",
		"status": "failure",
		"ip_address": "10.0.0.5",
		"timestamp": "2026-03-01T12:00:00Z",
		"attempts": 3,
		"geo": {"country": "NL"},
		"fields": {"device": "ios"}
	}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "user_login", e.EventType)
	assert.Equal(t, "failure", e.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), e.Timestamp)
	assert.Equal(t, 3.0, e.Fields["attempts"])
	assert.Equal(t, "ios", e.Fields["device"], "nested fields object merged")
}

func TestEvent_Lookup(t *testing.T) {
	e := &Event{
		EventType: "user_login",
		Status:    "failure",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Fields: map[string]interface{}{
			"geo":        map[string]interface{}{"country": "NL", "city": map[string]interface{}{"name": "Utrecht"}},
			"http.agent": "curl",
			"amount":     42.0,
			"nothing":    nil,
		},
	}

	testCases := []struct {
		field string
		want  interface{}
		found bool
	}{
		{"status", "failure", true},
		{"user_id", "", false},
		{"timestamp", "2026-03-01T12:00:00Z", true},
		{"amount", 42.0, true},
		{"geo.country", "NL", true},
		{"fields.geo.country", "NL", true},
		{"geo.city.name", "Utrecht", true},
		{"http.agent", "curl", true},
		{"geo.region", nil, false},
		{"amount.value", nil, false},
		{"nothing", nil, false},
		{"missing", nil, false},
	}

	for _, tc := range testCases {
		t.Run(tc.field, func(t *testing.T) {
			got, found := e.Lookup(tc.field)
			assert.Equal(t, tc.found, found)
			if tc.found {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestEvent_TimestampFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, v := range map[string]interface{}{
		"rfc3339":  "2026-03-01T12:00:00Z",
		"naive":    "2026-03-01 12:00:00",
		"epoch s":  float64(want.Unix()),
		"epoch ms": float64(want.UnixMilli()),
	} {
		t.Run(name, func(t *testing.T) {
			e, err := EventFromMap(map[string]interface{}{"event_type": "x", "timestamp": v})
			require.NoError(t, err)
			assert.True(t, want.Equal(e.Timestamp), "got %v", e.Timestamp)
		})
	}

	_, err := EventFromMap(map[string]interface{}{"timestamp": "yesterday"})
	assert.Error(t, err)
}

func TestEvent_WellKnownMustBeScalar(t *testing.T) {
	_, err := EventFromMap(map[string]interface{}{"status": []interface{}{"a"}})
	assert.Error(t, err)

	e, err := EventFromMap(map[string]interface{}{"status": 500.0})
	require.NoError(t, err)
	assert.Equal(t, "500", e.Status)
}

func TestEvent_MarshalFlattensFields(t *testing.T) {
	e := &Event{EventID: "e1", EventType: "x", Fields: map[string]interface{}{"k": "v"}}
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "v", m["k"])
	assert.Equal(t, "e1", m["event_id"])
	assert.NotContains(t, m, "user_id", "empty well-known attributes are omitted")
}

func TestEvent_EventTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now, (&Event{}).EventTime(now))
	ts := now.Add(-time.Hour)
	assert.Equal(t, ts, (&Event{Timestamp: ts}).EventTime(now))
}
