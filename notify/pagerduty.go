package notify

import (
	"context"
	"net/http"
	"time"

	"vigil/core"
)

// DefaultPagerDutyEventsURL is the Events API v2 enqueue endpoint.
const DefaultPagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// pagerDutySummaryLimit is the Events API limit on payload.summary.
const pagerDutySummaryLimit = 1024

var pagerDutySeverities = map[core.Severity]string{
	core.SeverityCritical: "critical",
	core.SeverityHigh:     "error",
	core.SeverityMedium:   "warning",
	core.SeverityLow:      "info",
}

// PagerDutySender sends Events API v2 trigger and resolve events. The alert
// id is the dedup key, so a resolve closes the incident its trigger opened.
type PagerDutySender struct {
	client *http.Client
	url    string
}

// NewPagerDutySender creates a PagerDuty adapter. An empty url selects the
// public Events API.
func NewPagerDutySender(client *http.Client, url string) *PagerDutySender {
	if url == "" {
		url = DefaultPagerDutyEventsURL
	}
	return &PagerDutySender{client: client, url: url}
}

type pagerDutyPayload struct {
	Summary       string                 `json:"summary"`
	Source        string                 `json:"source"`
	Severity      string                 `json:"severity"`
	Timestamp     string                 `json:"timestamp,omitempty"`
	Component     string                 `json:"component,omitempty"`
	Group         string                 `json:"group,omitempty"`
	CustomDetails map[string]interface{} `json:"custom_details,omitempty"`
}

type pagerDutyEvent struct {
	RoutingKey  string            `json:"routing_key"`
	EventAction string            `json:"event_action"`
	DedupKey    string            `json:"dedup_key"`
	Payload     *pagerDutyPayload `json:"payload,omitempty"`
}

// Send implements Sender with a trigger event.
func (s *PagerDutySender) Send(ctx context.Context, alert *core.Alert, provider core.Provider) error {
	cfg, err := configAs[*core.PagerDutyConfig](provider)
	if err != nil {
		return err
	}
	severity, ok := pagerDutySeverities[alert.Severity]
	if !ok {
		severity = "error"
	}
	summary := alert.Title
	if alert.Message != "" {
		summary = alert.Title + ": " + alert.Message
	}
	if len(summary) > pagerDutySummaryLimit {
		summary = summary[:pagerDutySummaryLimit]
	}

	event := pagerDutyEvent{
		RoutingKey:  cfg.APIKey,
		EventAction: "trigger",
		DedupKey:    alert.AlertID,
		Payload: &pagerDutyPayload{
			Summary:   summary,
			Source:    cfg.ServiceID,
			Severity:  severity,
			Timestamp: alert.TriggeredAt.UTC().Format(time.RFC3339),
			Component: alert.PolicyName,
			Group:     alert.TenantID,
			CustomDetails: map[string]interface{}{
				"alert_id":  alert.AlertID,
				"policy_id": alert.PolicyID,
				"event_id":  alert.EventID,
				"rule_ids":  alert.RuleIDs,
				"summary":   alert.Summary,
			},
		},
	}
	return sendJSON(ctx, s.client, http.MethodPost, s.url, provider.ID, nil, event, http.StatusAccepted)
}

// Resolve implements Resolver.
func (s *PagerDutySender) Resolve(ctx context.Context, alert *core.Alert, provider core.Provider) error {
	cfg, err := configAs[*core.PagerDutyConfig](provider)
	if err != nil {
		return err
	}
	event := pagerDutyEvent{
		RoutingKey:  cfg.APIKey,
		EventAction: "resolve",
		DedupKey:    alert.AlertID,
	}
	return sendJSON(ctx, s.client, http.MethodPost, s.url, provider.ID, nil, event, http.StatusAccepted)
}
