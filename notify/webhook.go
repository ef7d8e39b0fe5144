package notify

import (
	"context"
	"net/http"

	"vigil/core"
)

// WebhookSender delivers the alert as JSON to an arbitrary endpoint.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a generic webhook adapter.
func NewWebhookSender(client *http.Client) *WebhookSender {
	return &WebhookSender{client: client}
}

// Send implements Sender. Any 2xx response counts as delivered.
func (s *WebhookSender) Send(ctx context.Context, alert *core.Alert, provider core.Provider) error {
	cfg, err := configAs[*core.WebhookConfig](provider)
	if err != nil {
		return err
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	return sendJSON(ctx, s.client, method, cfg.URL, provider.ID, cfg.Headers, newAlertPayload(alert))
}
