package notify

import (
	"context"
	"fmt"
	"net/http"

	"vigil/core"
)

var slackColors = map[core.Severity]string{
	core.SeverityCritical: "#d32f2f",
	core.SeverityHigh:     "#f44336",
	core.SeverityMedium:   "#ff9800",
	core.SeverityLow:      "#2196f3",
}

// SlackSender posts alerts to Slack incoming webhooks.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender creates a Slack adapter.
func NewSlackSender(client *http.Client) *SlackSender {
	return &SlackSender{client: client}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, alert *core.Alert, provider core.Provider) error {
	cfg, err := configAs[*core.SlackConfig](provider)
	if err != nil {
		return err
	}
	color, ok := slackColors[alert.Severity]
	if !ok {
		color = "#757575"
	}
	fields := []slackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Policy", Value: alert.PolicyName, Short: true},
		{Title: "Alert ID", Value: fmt.Sprintf("`%s`", alert.AlertID), Short: true},
	}
	if alert.EventID != "" {
		fields = append(fields, slackField{Title: "Event ID", Value: fmt.Sprintf("`%s`", alert.EventID), Short: true})
	}
	if alert.TenantID != "" {
		fields = append(fields, slackField{Title: "Tenant", Value: alert.TenantID, Short: true})
	}

	msg := slackMessage{
		Text:     fmt.Sprintf("*%s severity alert*: %s", alert.Severity, alert.Title),
		Channel:  cfg.Channel,
		Username: cfg.Username,
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  alert.Title,
			Text:   alert.Message,
			Fields: fields,
			Footer: "Vigil",
			Ts:     alert.TriggeredAt.Unix(),
		}},
	}
	return sendJSON(ctx, s.client, http.MethodPost, cfg.WebhookURL, provider.ID, nil, msg, http.StatusOK)
}
