package core

import (
	"time"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	// AlertStatusActive is the initial state of every alert
	AlertStatusActive AlertStatus = "active"
	// AlertStatusAcknowledged means an operator has taken ownership
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusResolved is terminal
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusSuppressed is terminal
	AlertStatusSuppressed AlertStatus = "suppressed"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusActive, AlertStatusAcknowledged, AlertStatusResolved, AlertStatusSuppressed:
		return true
	}
	return false
}

// IsOpen reports whether the alert may still change status.
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusActive || s == AlertStatusAcknowledged
}

// DeliveryStatus is the state of one provider's delivery of an alert.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	// DeliveryCancelled means the alert closed before an attempt started.
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// IsTerminal reports whether no further attempts will be made.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryCancelled
}

// DeliveryState records what happened when notifying one provider.
type DeliveryState struct {
	Status       DeliveryStatus `json:"status"`
	ProviderType ProviderType   `json:"provider_type,omitempty"`
	Attempts     int            `json:"attempts"`
	Permanent    bool           `json:"permanent,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Transition is one entry of an alert's audit trail.
type Transition struct {
	From   AlertStatus `json:"from,omitempty"`
	To     AlertStatus `json:"to"`
	Actor  string      `json:"actor,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// Alert is created once per (policy, throttle epoch) and is never deleted.
type Alert struct {
	AlertID         string                   `json:"alert_id"`
	PolicyID        string                   `json:"policy_id"`
	PolicyName      string                   `json:"policy_name,omitempty"`
	TenantID        string                   `json:"tenant_id,omitempty"`
	EventID         string                   `json:"event_id,omitempty"`
	RuleIDs         []string                 `json:"rule_ids,omitempty"`
	Severity        Severity                 `json:"severity"`
	Status          AlertStatus              `json:"status"`
	Title           string                   `json:"title"`
	Message         string                   `json:"message"`
	Summary         string                   `json:"summary"`
	TriggeredAt     time.Time                `json:"triggered_at"`
	AcknowledgedAt  *time.Time               `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string                   `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time               `json:"resolved_at,omitempty"`
	ResolvedBy      string                   `json:"resolved_by,omitempty"`
	SuppressedAt    *time.Time               `json:"suppressed_at,omitempty"`
	SuppressedBy    string                   `json:"suppressed_by,omitempty"`
	SuppressedCount int                      `json:"suppressed_count"`
	DeliveryStatus  map[string]DeliveryState `json:"delivery_status"`
	History         []Transition             `json:"history,omitempty"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand alerts across goroutines.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.RuleIDs = append([]string(nil), a.RuleIDs...)
	cp.History = append([]Transition(nil), a.History...)
	cp.DeliveryStatus = make(map[string]DeliveryState, len(a.DeliveryStatus))
	for k, v := range a.DeliveryStatus {
		cp.DeliveryStatus[k] = v
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.SuppressedAt != nil {
		t := *a.SuppressedAt
		cp.SuppressedAt = &t
	}
	return &cp
}

// Delivered reports whether every provider reached a terminal status.
func (a *Alert) Delivered() bool {
	for _, st := range a.DeliveryStatus {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AlertFilter selects alerts for listing. Zero values match everything.
type AlertFilter struct {
	Severity Severity    `json:"severity,omitempty"`
	Status   AlertStatus `json:"status,omitempty"`
	PolicyID string      `json:"policy_id,omitempty"`
	TenantID string      `json:"tenant_id,omitempty"`
	Limit    int         `json:"limit,omitempty"`
	Offset   int         `json:"offset,omitempty"`
}

// Matches reports whether a satisfies the filter (ignoring paging).
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.PolicyID != "" && a.PolicyID != f.PolicyID {
		return false
	}
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	return true
}
