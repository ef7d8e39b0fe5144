package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one audit record from the ingestion collaborator. Well-known
// attributes are struct fields; every other attribute is kept in Fields and
// is addressable by name or dotted path.
type Event struct {
	EventID    string                 `json:"event_id"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	EventType  string                 `json:"event_type"`
	UserID     string                 `json:"user_id,omitempty"`
	Status     string                 `json:"status,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   string                 `json:"severity,omitempty"`
	Category   string                 `json:"category,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Fields     map[string]interface{} `json:"-"`
}

// NewEvent creates an event with a generated id and the current time.
func NewEvent(eventType string) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]interface{}),
	}
}

var wellKnownFields = map[string]func(e *Event) *string{
	"event_id":    func(e *Event) *string { return &e.EventID },
	"tenant_id":   func(e *Event) *string { return &e.TenantID },
	"event_type":  func(e *Event) *string { return &e.EventType },
	"user_id":     func(e *Event) *string { return &e.UserID },
	"status":      func(e *Event) *string { return &e.Status },
	"ip_address":  func(e *Event) *string { return &e.IPAddress },
	"resource_id": func(e *Event) *string { return &e.ResourceID },
	"action":      func(e *Event) *string { return &e.Action },
	"severity":    func(e *Event) *string { return &e.Severity },
	"category":    func(e *Event) *string { return &e.Category },
	"source":      func(e *Event) *string { return &e.Source },
}

// EventFromMap builds an event from a decoded record. Unknown keys become
// free-form fields; a nested "fields" object is merged into them.
func EventFromMap(m map[string]interface{}) (*Event, error) {
	e := &Event{Fields: make(map[string]interface{})}
	for k, v := range m {
		if ptr, ok := wellKnownFields[k]; ok {
			if v == nil {
				continue
			}
			s, ok := ScalarString(v)
			if !ok {
				return nil, fmt.Errorf("field %q must be a scalar", k)
			}
			*ptr(e) = s
			continue
		}
		switch k {
		case "timestamp":
			ts, err := parseTimestamp(v)
			if err != nil {
				return nil, err
			}
			e.Timestamp = ts
		case "fields":
			nested, ok := normalizeMap(v)
			if !ok {
				e.Fields[k] = normalizeAny(v)
				continue
			}
			for nk, nv := range nested {
				if _, exists := e.Fields[nk]; !exists {
					e.Fields[nk] = nv
				}
			}
		default:
			e.Fields[k] = normalizeAny(v)
		}
	}
	return e, nil
}

// UnmarshalJSON accepts the flat record shape.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := EventFromMap(m)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// MarshalJSON flattens free-form fields next to the well-known ones.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

// ToMap returns the flat representation used for matching and templating.
// Empty well-known attributes are omitted, so they count as absent.
func (e *Event) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Fields)+len(wellKnownFields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	for k, ptr := range wellKnownFields {
		if s := *ptr(e); s != "" {
			out[k] = s
		}
	}
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Lookup resolves a field name or dotted path. Well-known attributes win
// over free-form fields of the same name; a free-form key containing dots is
// tried before walking nested maps.
func (e *Event) Lookup(field string) (interface{}, bool) {
	if ptr, ok := wellKnownFields[field]; ok {
		s := *ptr(e)
		return s, s != ""
	}
	if field == "timestamp" {
		if e.Timestamp.IsZero() {
			return nil, false
		}
		return e.Timestamp.UTC().Format(time.RFC3339Nano), true
	}
	if v, ok := e.Fields[field]; ok {
		return v, v != nil
	}
	path := strings.Split(field, ".")
	if len(path) < 2 {
		return nil, false
	}
	// "fields.x" addresses the free-form map explicitly.
	var current interface{} = e.Fields
	if path[0] == "fields" {
		path = path[1:]
	}
	for _, part := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// EventTime returns the timestamp used for time windows and throttling,
// falling back to now for events that carry none.
func (e *Event) EventTime(now time.Time) time.Time {
	if e.Timestamp.IsZero() {
		return now
	}
	return e.Timestamp
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", t)
	}
	if f, ok := ToFloat(v); ok && IsNumber(v) {
		// Epoch seconds; values above 1e12 are epoch milliseconds.
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp type %T", v)
}

func normalizeMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = normalizeAny(val)
		}
		return out, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = normalizeAny(val)
		}
		return out, true
	}
	return nil, false
}

// normalizeAny converts nested maps to map[string]interface{} (msgpack and
// YAML may decode interface-keyed maps) and numbers to float64.
func normalizeAny(v interface{}) interface{} {
	if m, ok := normalizeMap(v); ok {
		return m
	}
	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = normalizeAny(item)
		}
		return out
	}
	return NormalizeValue(v)
}
