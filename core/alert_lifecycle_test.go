package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAlert(status AlertStatus) *Alert {
	return &Alert{
		AlertID:        "alert-1",
		PolicyID:       "policy-1",
		Severity:       SeverityHigh,
		Status:         status,
		TriggeredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DeliveryStatus: map[string]DeliveryState{},
	}
}

func TestAlert_CanTransitionTo(t *testing.T) {
	testCases := []struct {
		name    string
		from    AlertStatus
		to      AlertStatus
		allowed bool
	}{
		{"Active to Acknowledged", AlertStatusActive, AlertStatusAcknowledged, true},
		{"Active to Resolved", AlertStatusActive, AlertStatusResolved, true},
		{"Active to Suppressed", AlertStatusActive, AlertStatusSuppressed, true},
		{"Acknowledged to Acknowledged", AlertStatusAcknowledged, AlertStatusAcknowledged, true},
		{"Acknowledged to Resolved", AlertStatusAcknowledged, AlertStatusResolved, true},
		{"Acknowledged to Suppressed", AlertStatusAcknowledged, AlertStatusSuppressed, true},
		{"Acknowledged to Active", AlertStatusAcknowledged, AlertStatusActive, false},
		{"Resolved to Acknowledged", AlertStatusResolved, AlertStatusAcknowledged, false},
		{"Resolved to Suppressed", AlertStatusResolved, AlertStatusSuppressed, false},
		{"Suppressed to Resolved", AlertStatusSuppressed, AlertStatusResolved, false},
		{"Suppressed to Active", AlertStatusSuppressed, AlertStatusActive, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			alert := newTestAlert(tc.from)
			assert.Equal(t, tc.allowed, alert.CanTransitionTo(tc.to))
		})
	}
}

func TestAlert_IsFinalState(t *testing.T) {
	assert.False(t, newTestAlert(AlertStatusActive).IsFinalState())
	assert.False(t, newTestAlert(AlertStatusAcknowledged).IsFinalState())
	assert.True(t, newTestAlert(AlertStatusResolved).IsFinalState())
	assert.True(t, newTestAlert(AlertStatusSuppressed).IsFinalState())
}

func TestAlert_GetAllowedTransitions_ReturnsCopy(t *testing.T) {
	alert := newTestAlert(AlertStatusActive)
	allowed := alert.GetAllowedTransitions()
	require.Len(t, allowed, 3)
	allowed[0] = AlertStatusResolved
	assert.Equal(t, AlertStatusAcknowledged, alert.GetAllowedTransitions()[0])
}

func TestAlert_Acknowledge(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	alert := newTestAlert(AlertStatusActive)

	changed, err := alert.Acknowledge("alice", at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, AlertStatusAcknowledged, alert.Status)
	assert.Equal(t, "alice", alert.AcknowledgedBy)
	require.NotNil(t, alert.AcknowledgedAt)
	assert.Equal(t, at, *alert.AcknowledgedAt)
	require.Len(t, alert.History, 1)
	assert.Equal(t, AlertStatusActive, alert.History[0].From)
	assert.Equal(t, AlertStatusAcknowledged, alert.History[0].To)
	assert.Equal(t, "alice", alert.History[0].Actor)
}

func TestAlert_Acknowledge_SameActorIsNoop(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	alert := newTestAlert(AlertStatusActive)
	_, err := alert.Acknowledge("alice", first)
	require.NoError(t, err)

	changed, err := alert.Acknowledge("alice", first.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, AlertStatusAcknowledged, alert.Status)
	assert.Equal(t, first, *alert.AcknowledgedAt)
	assert.Len(t, alert.History, 1)
}

func TestAlert_Acknowledge_DifferentActorOverwrites(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	second := first.Add(10 * time.Minute)
	alert := newTestAlert(AlertStatusActive)
	_, err := alert.Acknowledge("alice", first)
	require.NoError(t, err)

	changed, err := alert.Acknowledge("bob", second)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, AlertStatusAcknowledged, alert.Status)
	assert.Equal(t, "bob", alert.AcknowledgedBy)
	assert.Equal(t, second, *alert.AcknowledgedAt)
	assert.Len(t, alert.History, 2)
}

func TestAlert_Resolve_FromEveryOpenState(t *testing.T) {
	for _, status := range []AlertStatus{AlertStatusActive, AlertStatusAcknowledged} {
		t.Run(string(status), func(t *testing.T) {
			at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
			alert := newTestAlert(status)
			changed, err := alert.Resolve("carol", at)
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, AlertStatusResolved, alert.Status)
			assert.Equal(t, at, *alert.ResolvedAt)
			assert.Equal(t, "carol", alert.ResolvedBy)
		})
	}
}

func TestAlert_TerminalStatesRejectChanges(t *testing.T) {
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	resolved := newTestAlert(AlertStatusResolved)
	changed, err := resolved.Resolve("x", at)
	require.NoError(t, err, "resolving a resolved alert is a no-op")
	assert.False(t, changed)

	_, err = resolved.Acknowledge("x", at)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, AlertStatusResolved, te.From)
	assert.Equal(t, AlertStatusAcknowledged, te.To)

	_, err = resolved.Suppress("x", "noise", at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, AlertStatusResolved, resolved.Status)

	suppressed := newTestAlert(AlertStatusSuppressed)
	changed, err = suppressed.Suppress("x", "noise", at)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = suppressed.Resolve("x", at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = suppressed.Acknowledge("x", at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, AlertStatusSuppressed, suppressed.Status)
}

func TestAlert_Suppress_RecordsReason(t *testing.T) {
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	alert := newTestAlert(AlertStatusAcknowledged)
	changed, err := alert.Suppress("dave", "maintenance", at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, AlertStatusSuppressed, alert.Status)
	assert.Equal(t, "dave", alert.SuppressedBy)
	require.Len(t, alert.History, 1)
	assert.Equal(t, "maintenance", alert.History[0].Reason)
}

func TestAlert_CloneIsDeep(t *testing.T) {
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	alert := newTestAlert(AlertStatusActive)
	alert.DeliveryStatus["p1"] = DeliveryState{Status: DeliveryPending}
	_, err := alert.Acknowledge("alice", at)
	require.NoError(t, err)

	clone := alert.Clone()
	clone.DeliveryStatus["p1"] = DeliveryState{Status: DeliverySent}
	clone.History[0].Actor = "mallory"
	*clone.AcknowledgedAt = at.Add(time.Hour)

	assert.Equal(t, DeliveryPending, alert.DeliveryStatus["p1"].Status)
	assert.Equal(t, "alice", alert.History[0].Actor)
	assert.Equal(t, at, *alert.AcknowledgedAt)
}

func TestAlert_Delivered(t *testing.T) {
	alert := newTestAlert(AlertStatusActive)
	assert.True(t, alert.Delivered(), "no providers means nothing outstanding")

	alert.DeliveryStatus["p1"] = DeliveryState{Status: DeliverySent}
	alert.DeliveryStatus["p2"] = DeliveryState{Status: DeliveryPending}
	assert.False(t, alert.Delivered())

	alert.DeliveryStatus["p2"] = DeliveryState{Status: DeliveryFailed}
	assert.True(t, alert.Delivered())
}

func TestAlertFilter_Matches(t *testing.T) {
	alert := newTestAlert(AlertStatusActive)
	alert.TenantID = "acme"

	assert.True(t, AlertFilter{}.Matches(alert))
	assert.True(t, AlertFilter{Severity: SeverityHigh, Status: AlertStatusActive}.Matches(alert))
	assert.True(t, AlertFilter{PolicyID: "policy-1", TenantID: "acme"}.Matches(alert))
	assert.False(t, AlertFilter{Severity: SeverityLow}.Matches(alert))
	assert.False(t, AlertFilter{Status: AlertStatusResolved}.Matches(alert))
	assert.False(t, AlertFilter{TenantID: "globex"}.Matches(alert))
}
