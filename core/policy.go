package core

import (
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata" // time windows name IANA zones; embed the database so they resolve everywhere
)

// Severity of an alert produced by a policy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from low (1) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// TimeWindow restricts a policy to a daily clock range on selected days.
// Times are "HH:MM" in Timezone. An end before the start spans midnight and
// belongs to the day on which it starts. Equal start and end cover the whole
// day. An empty DaysOfWeek means every day; 0 is Sunday.
type TimeWindow struct {
	StartTime  string `json:"start_time" validate:"required"`
	EndTime    string `json:"end_time" validate:"required"`
	DaysOfWeek []int  `json:"days_of_week,omitempty" validate:"max=7,dive,min=0,max=6"`
	Timezone   string `json:"timezone" validate:"required"`
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks the window fields and resolves the timezone.
func (tw *TimeWindow) Validate() error {
	ve := NewValidationError("time_window", "")
	tw.collect(ve, "")
	return ve.ErrOrNil()
}

func (tw *TimeWindow) collect(ve *ValidationError, prefix string) {
	checkStruct(ve, prefix, tw)
	name := func(f string) string {
		if prefix == "" {
			return f
		}
		return prefix + "." + f
	}
	if tw.StartTime != "" {
		if _, err := ParseClock(tw.StartTime); err != nil {
			ve.Add(name("start_time"), err.Error())
		}
	}
	if tw.EndTime != "" {
		if _, err := ParseClock(tw.EndTime); err != nil {
			ve.Add(name("end_time"), err.Error())
		}
	}
	if tw.Timezone != "" {
		if _, err := time.LoadLocation(tw.Timezone); err != nil {
			ve.Addf(name("timezone"), "unknown timezone %q", tw.Timezone)
		}
	}
}

// Policy owns rules, severity, templates, an optional time window, throttle
// limits and the providers notified for its alerts. Policies are read-only
// to the evaluator.
type Policy struct {
	ID               string      `json:"id" validate:"required,max=128"`
	Name             string      `json:"name" validate:"required,max=256"`
	Description      string      `json:"description,omitempty" validate:"max=4096"`
	TenantID         string      `json:"tenant_id,omitempty" validate:"max=128"`
	RuleIDs          []string    `json:"rule_ids" validate:"required,min=1,dive,required"`
	MatchAll         bool        `json:"match_all"`
	Severity         Severity    `json:"severity" validate:"required,oneof=low medium high critical"`
	MessageTemplate  string      `json:"message_template,omitempty" validate:"max=8192"`
	SummaryTemplate  string      `json:"summary_template,omitempty" validate:"max=2048"`
	TimeWindow       *TimeWindow `json:"time_window,omitempty" validate:"-"`
	ThrottleMinutes  int         `json:"throttle_minutes" validate:"min=0,max=525600"`
	MaxAlertsPerHour int         `json:"max_alerts_per_hour" validate:"min=1"`
	ProviderIDs      []string    `json:"provider_ids,omitempty" validate:"dive,required"`
	Enabled          bool        `json:"enabled"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// UnmarshalJSON defaults enabled to true when omitted.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type plain Policy
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Validate checks the policy record. Referential checks (rule and provider
// ids exist) are done by the configuration service.
func (p *Policy) Validate() error {
	ve := NewValidationError("policy", p.ID)
	checkStruct(ve, "", p)
	if p.TimeWindow != nil {
		p.TimeWindow.collect(ve, "time_window")
	}
	seen := make(map[string]bool, len(p.RuleIDs))
	for _, id := range p.RuleIDs {
		if seen[id] {
			ve.Addf("rule_ids", "duplicate rule id %q", id)
		}
		seen[id] = true
	}
	seen = make(map[string]bool, len(p.ProviderIDs))
	for _, id := range p.ProviderIDs {
		if seen[id] {
			ve.Addf("provider_ids", "duplicate provider id %q", id)
		}
		seen[id] = true
	}
	return ve.ErrOrNil()
}

// MaxThrottleMinutes is the longest accepted throttle, one year.
const MaxThrottleMinutes = 525600

// Throttle returns throttle_minutes as a duration, clamped to
// MaxThrottleMinutes.
func (p *Policy) Throttle() time.Duration {
	m := p.ThrottleMinutes
	switch {
	case m <= 0:
		return 0
	case m > MaxThrottleMinutes:
		m = MaxThrottleMinutes
	}
	return time.Duration(m) * time.Minute
}

// ReferencesRule reports whether the policy lists ruleID.
func (p *Policy) ReferencesRule(ruleID string) bool {
	for _, id := range p.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// ReferencesProvider reports whether the policy lists providerID.
func (p *Policy) ReferencesProvider(providerID string) bool {
	for _, id := range p.ProviderIDs {
		if id == providerID {
			return true
		}
	}
	return false
}
