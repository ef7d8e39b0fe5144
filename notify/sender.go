package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vigil/core"
)

// Sender delivers one alert to one provider. Implementations return a
// *DeliveryError so the dispatcher can tell transient from permanent
// failures.
type Sender interface {
	Send(ctx context.Context, alert *core.Alert, provider core.Provider) error
}

// Resolver is implemented by senders whose destination tracks incidents
// and accepts a resolve notification.
type Resolver interface {
	Resolve(ctx context.Context, alert *core.Alert, provider core.Provider) error
}

const userAgent = "Vigil-Alerting/1.0"

// maxErrorBody bounds how much of a failed response is kept in last_error.
const maxErrorBody = 512

// NewHTTPClient returns the client shared by the HTTP adapters. Certificate
// verification stays enabled.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// sendJSON posts payload and classifies the response. Any status in ok
// counts as success; an empty ok accepts every 2xx.
func sendJSON(ctx context.Context, client *http.Client, method, url, providerID string, headers map[string]string, payload interface{}, ok ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanentError(providerID, fmt.Errorf("failed to marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return permanentError(providerID, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{ProviderID: providerID, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if len(ok) == 0 {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
	} else {
		for _, code := range ok {
			if resp.StatusCode == code {
				return nil
			}
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// Unexpected success code; the destination accepted the request.
			return nil
		}
	}
	return statusError(providerID, resp.StatusCode, string(bytes.TrimSpace(snippet)))
}

// configAs extracts the typed config of a provider.
func configAs[T core.ProviderConfig](provider core.Provider) (T, error) {
	cfg, ok := provider.Config.(T)
	if !ok {
		var zero T
		return zero, permanentError(provider.ID, fmt.Errorf("provider %s has no %T config", provider.ID, zero))
	}
	return cfg, nil
}

// alertPayload is the provider-neutral JSON form of an alert.
type alertPayload struct {
	AlertID     string        `json:"alert_id"`
	PolicyID    string        `json:"policy_id"`
	PolicyName  string        `json:"policy_name,omitempty"`
	TenantID    string        `json:"tenant_id,omitempty"`
	EventID     string        `json:"event_id,omitempty"`
	RuleIDs     []string      `json:"rule_ids,omitempty"`
	Severity    core.Severity `json:"severity"`
	Status      string        `json:"status"`
	Title       string        `json:"title"`
	Message     string        `json:"message"`
	Summary     string        `json:"summary,omitempty"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

func newAlertPayload(alert *core.Alert) alertPayload {
	return alertPayload{
		AlertID:     alert.AlertID,
		PolicyID:    alert.PolicyID,
		PolicyName:  alert.PolicyName,
		TenantID:    alert.TenantID,
		EventID:     alert.EventID,
		RuleIDs:     alert.RuleIDs,
		Severity:    alert.Severity,
		Status:      string(alert.Status),
		Title:       alert.Title,
		Message:     alert.Message,
		Summary:     alert.Summary,
		TriggeredAt: alert.TriggeredAt,
	}
}
