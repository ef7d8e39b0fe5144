package core

import (
	"time"
)

// validTransitions defines allowed status changes. Resolved and suppressed
// are final. acknowledged -> acknowledged is allowed so a later operator can
// take over an alert.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusActive:       {AlertStatusAcknowledged, AlertStatusResolved, AlertStatusSuppressed},
	AlertStatusAcknowledged: {AlertStatusAcknowledged, AlertStatusResolved, AlertStatusSuppressed},
	AlertStatusResolved:     {},
	AlertStatusSuppressed:   {},
}

// CanTransitionTo checks if a transition is allowed without executing it.
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	for _, status := range validTransitions[a.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns all valid transitions from the current state.
func (a *Alert) GetAllowedTransitions() []AlertStatus {
	allowed := validTransitions[a.Status]
	result := make([]AlertStatus, len(allowed))
	copy(result, allowed)
	return result
}

// IsFinalState reports whether the alert can no longer change status.
func (a *Alert) IsFinalState() bool {
	allowed, exists := validTransitions[a.Status]
	return exists && len(allowed) == 0
}

func (a *Alert) record(to AlertStatus, actor, reason string, at time.Time) {
	a.History = append(a.History, Transition{From: a.Status, To: to, Actor: actor, Reason: reason, At: at})
	a.Status = to
	a.UpdatedAt = at
}

// Acknowledge moves an active alert to acknowledged. Re-acknowledging by the
// same actor is a no-op; by a different actor it overwrites acknowledged_by
// and acknowledged_at. The returned bool reports whether the alert changed.
func (a *Alert) Acknowledge(by string, at time.Time) (bool, error) {
	if a.Status == AlertStatusAcknowledged && a.AcknowledgedBy == by {
		return false, nil
	}
	if !a.CanTransitionTo(AlertStatusAcknowledged) {
		return false, &TransitionError{AlertID: a.AlertID, From: a.Status, To: AlertStatusAcknowledged}
	}
	a.record(AlertStatusAcknowledged, by, "", at)
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = by
	return true, nil
}

// Resolve closes an active or acknowledged alert. Resolving a resolved
// alert is a no-op.
func (a *Alert) Resolve(by string, at time.Time) (bool, error) {
	if a.Status == AlertStatusResolved {
		return false, nil
	}
	if !a.CanTransitionTo(AlertStatusResolved) {
		return false, &TransitionError{AlertID: a.AlertID, From: a.Status, To: AlertStatusResolved}
	}
	a.record(AlertStatusResolved, by, "", at)
	a.ResolvedAt = &at
	a.ResolvedBy = by
	return true, nil
}

// Suppress closes an active or acknowledged alert without resolving it.
// Suppressing a suppressed alert is a no-op.
func (a *Alert) Suppress(by, reason string, at time.Time) (bool, error) {
	if a.Status == AlertStatusSuppressed {
		return false, nil
	}
	if !a.CanTransitionTo(AlertStatusSuppressed) {
		return false, &TransitionError{AlertID: a.AlertID, From: a.Status, To: AlertStatusSuppressed}
	}
	a.record(AlertStatusSuppressed, by, reason, at)
	a.SuppressedAt = &at
	a.SuppressedBy = by
	return true, nil
}
