package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/core"
	"vigil/detect"
	"vigil/metrics"
	"vigil/storage"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// alertLockStripes is the number of mutexes serialising alert mutations.
const alertLockStripes = 64

// Stream event names published for alert changes.
const (
	AlertCreated = "alert.created"
	AlertUpdated = "alert.updated"
)

// DispatchQueue hands alerts to the notification dispatcher.
// Defined here (consumer package) so the service does not depend on notify.
type DispatchQueue interface {
	// Enqueue schedules delivery to providers without blocking.
	Enqueue(alert *core.Alert, providers []core.Provider) bool
	// NotifyResolved tells providers that support it that the alert is
	// resolved. Best effort; never blocks.
	NotifyResolved(alert *core.Alert, providers []core.Provider)
}

// AlertPublisher pushes alert changes to live subscribers.
type AlertPublisher interface {
	PublishAlert(event string, alert *core.Alert)
}

// AlertService is the alert lifecycle manager. It creates alerts from
// policy matches, applies status transitions and records delivery
// progress. Every mutation of one alert is serialised.
type AlertService struct {
	alerts    storage.AlertStorage
	holder    *detect.SnapshotHolder
	dispatch  DispatchQueue
	publisher AlertPublisher
	logger    *zap.SugaredLogger
	now       func() time.Time
	locks     [alertLockStripes]sync.Mutex
}

// AlertServiceOption customises an AlertService.
type AlertServiceOption func(*AlertService)

// WithDispatchQueue sets where new alerts are sent for delivery.
func WithDispatchQueue(q DispatchQueue) AlertServiceOption {
	return func(s *AlertService) { s.dispatch = q }
}

// WithPublisher sets the live change publisher.
func WithPublisher(p AlertPublisher) AlertServiceOption {
	return func(s *AlertService) { s.publisher = p }
}

// WithAlertClock replaces the clock used for transition timestamps.
func WithAlertClock(now func() time.Time) AlertServiceOption {
	return func(s *AlertService) { s.now = now }
}

// NewAlertService creates an alert service. holder resolves provider ids
// when an alert is resolved.
func NewAlertService(alerts storage.AlertStorage, holder *detect.SnapshotHolder, logger *zap.SugaredLogger, opts ...AlertServiceOption) *AlertService {
	if alerts == nil {
		panic("alert storage is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &AlertService{
		alerts: alerts,
		holder: holder,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AlertService) lock(alertID string) func() {
	m := &s.locks[xxhash.Sum64String(alertID)%alertLockStripes]
	m.Lock()
	return m.Unlock
}

// HandleMatch implements detect.AlertSink.
func (s *AlertService) HandleMatch(ctx context.Context, match detect.PolicyMatch) (*core.Alert, error) {
	return s.Create(ctx, match)
}

// HandleSuppressed implements detect.AlertSink.
func (s *AlertService) HandleSuppressed(ctx context.Context, sup detect.Suppression) {
	if err := s.RecordSuppressed(ctx, sup.PolicyID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warnw("Failed to record suppressed match",
			"policy_id", sup.PolicyID,
			"event_id", sup.EventID,
			"error", err)
	}
}

// Create stores a new active alert for match and schedules its delivery.
func (s *AlertService) Create(ctx context.Context, match detect.PolicyMatch) (*core.Alert, error) {
	now := s.now().UTC()
	alert := &core.Alert{
		AlertID:        uuid.New().String(),
		PolicyID:       match.Policy.ID,
		PolicyName:     match.Policy.Name,
		TenantID:       match.Policy.TenantID,
		RuleIDs:        append([]string(nil), match.RuleIDs...),
		Severity:       match.Policy.Severity,
		Status:         core.AlertStatusActive,
		Title:          match.Title,
		Message:        match.Message,
		Summary:        match.Summary,
		TriggeredAt:    match.TriggeredAt,
		DeliveryStatus: make(map[string]core.DeliveryState, len(match.Providers)),
		History:        []core.Transition{{To: core.AlertStatusActive, Actor: "system", At: now}},
		UpdatedAt:      now,
	}
	if match.Event != nil {
		alert.EventID = match.Event.EventID
	}
	for _, p := range match.Providers {
		alert.DeliveryStatus[p.ID] = core.DeliveryState{
			Status:       core.DeliveryPending,
			ProviderType: p.Type,
			UpdatedAt:    now,
		}
	}

	if err := s.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to store alert for policy %s: %w", match.Policy.ID, err)
	}
	metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	s.logger.Infow("Alert created",
		"alert_id", alert.AlertID,
		"policy_id", alert.PolicyID,
		"severity", alert.Severity,
		"event_id", alert.EventID,
		"providers", len(match.Providers))

	s.publish(AlertCreated, alert)
	if s.dispatch != nil && len(match.Providers) > 0 {
		s.dispatch.Enqueue(alert.Clone(), match.Providers)
	}
	return alert, nil
}

// RecordSuppressed counts a throttled match against the policy's most
// recent open alert.
func (s *AlertService) RecordSuppressed(ctx context.Context, policyID string) error {
	latest, err := s.alerts.GetLatestOpenAlert(ctx, policyID)
	if err != nil {
		return err
	}
	return s.mutate(ctx, latest.AlertID, func(a *core.Alert) (bool, error) {
		if !a.Status.IsOpen() {
			return false, nil
		}
		a.SuppressedCount++
		return true, nil
	}, false)
}

// Get returns one alert.
func (s *AlertService) Get(ctx context.Context, alertID string) (*core.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required: %w", storage.ErrAlertNotFound)
	}
	alert, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve alert %s: %w", alertID, err)
	}
	return alert, nil
}

// List returns a page of alerts and the total match count.
func (s *AlertService) List(ctx context.Context, filter core.AlertFilter) ([]core.Alert, int64, error) {
	if filter.Severity != "" && !filter.Severity.IsValid() {
		ve := core.NewValidationError("alert filter", "")
		ve.Addf("severity", "unknown severity %q", filter.Severity)
		return nil, 0, ve
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		ve := core.NewValidationError("alert filter", "")
		ve.Addf("status", "unknown status %q", filter.Status)
		return nil, 0, ve
	}
	alerts, total, err := s.alerts.GetAlerts(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, total, nil
}

// Acknowledge moves an alert to acknowledged. Acknowledging again with a
// different actor overwrites the actor and time.
func (s *AlertService) Acknowledge(ctx context.Context, alertID, by string) (*core.Alert, error) {
	return s.transition(ctx, alertID, func(a *core.Alert, at time.Time) (bool, error) {
		return a.Acknowledge(by, at)
	})
}

// Resolve closes an alert. PagerDuty providers that were notified receive
// a resolve event.
func (s *AlertService) Resolve(ctx context.Context, alertID, by string) (*core.Alert, error) {
	var changed bool
	alert, err := s.transition(ctx, alertID, func(a *core.Alert, at time.Time) (bool, error) {
		ok, err := a.Resolve(by, at)
		changed = ok
		return ok, err
	})
	if err != nil || !changed {
		return alert, err
	}
	if s.dispatch != nil {
		if providers := s.notifiedProviders(alert); len(providers) > 0 {
			s.dispatch.NotifyResolved(alert.Clone(), providers)
		}
	}
	return alert, nil
}

// Suppress closes an alert as suppressed.
func (s *AlertService) Suppress(ctx context.Context, alertID, by, reason string) (*core.Alert, error) {
	return s.transition(ctx, alertID, func(a *core.Alert, at time.Time) (bool, error) {
		return a.Suppress(by, reason, at)
	})
}

// RecordDelivery stores the delivery state of one provider. It never
// changes the alert status and is accepted for closed alerts.
func (s *AlertService) RecordDelivery(ctx context.Context, alertID, providerID string, state core.DeliveryState) error {
	return s.mutate(ctx, alertID, func(a *core.Alert) (bool, error) {
		if prev, ok := a.DeliveryStatus[providerID]; ok && prev.Status.IsTerminal() && !state.Status.IsTerminal() {
			return false, nil
		}
		if state.UpdatedAt.IsZero() {
			state.UpdatedAt = s.now().UTC()
		}
		if a.DeliveryStatus == nil {
			a.DeliveryStatus = make(map[string]core.DeliveryState)
		}
		a.DeliveryStatus[providerID] = state
		return true, nil
	}, true)
}

// IsOpen reports whether the alert is active or acknowledged. Unknown
// alerts are reported closed.
func (s *AlertService) IsOpen(ctx context.Context, alertID string) bool {
	alert, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return false
	}
	return alert.Status.IsOpen()
}

func (s *AlertService) transition(ctx context.Context, alertID string, apply func(*core.Alert, time.Time) (bool, error)) (*core.Alert, error) {
	var result *core.Alert
	err := s.mutate(ctx, alertID, func(a *core.Alert) (bool, error) {
		from := a.Status
		changed, err := apply(a, s.now().UTC())
		if err != nil {
			return false, err
		}
		if changed {
			metrics.AlertTransitions.WithLabelValues(string(a.Status)).Inc()
			s.logger.Infow("Alert transitioned",
				"alert_id", a.AlertID,
				"from", from,
				"to", a.Status)
		}
		result = a
		return changed, nil
	}, true)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mutate loads, changes and stores an alert under its stripe lock. fn
// reports whether anything changed; unchanged alerts are not written.
func (s *AlertService) mutate(ctx context.Context, alertID string, fn func(*core.Alert) (bool, error), publish bool) error {
	unlock := s.lock(alertID)
	defer unlock()

	alert, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to retrieve alert %s: %w", alertID, err)
	}
	changed, err := fn(alert)
	if err != nil || !changed {
		return err
	}
	alert.UpdatedAt = s.now().UTC()
	if err := s.alerts.UpdateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	if publish {
		s.publish(AlertUpdated, alert)
	}
	return nil
}

// notifiedProviders returns the PagerDuty providers whose trigger was sent.
func (s *AlertService) notifiedProviders(alert *core.Alert) []core.Provider {
	if s.holder == nil {
		return nil
	}
	snap := s.holder.Load()
	var out []core.Provider
	for id, st := range alert.DeliveryStatus {
		if st.Status != core.DeliverySent || st.ProviderType != core.ProviderPagerDuty {
			continue
		}
		if p, ok := snap.Providers[id]; ok && p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (s *AlertService) publish(event string, alert *core.Alert) {
	if s.publisher != nil {
		s.publisher.PublishAlert(event, alert.Clone())
	}
}
