package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderType names a notification channel.
type ProviderType string

const (
	ProviderSlack     ProviderType = "slack"
	ProviderPagerDuty ProviderType = "pagerduty"
	ProviderWebhook   ProviderType = "webhook"
	ProviderEmail     ProviderType = "email"
)

// IsValid reports whether t is a supported provider type.
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderSlack, ProviderPagerDuty, ProviderWebhook, ProviderEmail:
		return true
	}
	return false
}

// ProviderConfig is the typed, per-type configuration of a provider.
// Implementations: *SlackConfig, *PagerDutyConfig, *WebhookConfig,
// *EmailConfig.
type ProviderConfig interface {
	ProviderType() ProviderType
	// Redacted returns a copy with secrets masked, for API output.
	Redacted() ProviderConfig
	// KeepSecrets puts back the secrets of prev wherever this config still
	// holds the mask produced by Redacted. prev has the same concrete type.
	KeepSecrets(prev ProviderConfig)
	// masked lists the fields that still hold the mask.
	masked() []string
}

// RedactedSecret is the placeholder Redacted writes over secrets.
const RedactedSecret = "********"

// SlackConfig posts to a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url" validate:"required,http_url"`
	Channel    string `json:"channel,omitempty" validate:"max=80"`
	Username   string `json:"username,omitempty" validate:"max=80"`
}

// ProviderType implements ProviderConfig.
func (*SlackConfig) ProviderType() ProviderType { return ProviderSlack }

// Redacted implements ProviderConfig. The webhook URL embeds its token.
func (c *SlackConfig) Redacted() ProviderConfig {
	cp := *c
	cp.WebhookURL = RedactedSecret
	return &cp
}

// KeepSecrets implements ProviderConfig.
func (c *SlackConfig) KeepSecrets(prev ProviderConfig) {
	if old, ok := prev.(*SlackConfig); ok && c.WebhookURL == RedactedSecret {
		c.WebhookURL = old.WebhookURL
	}
}

func (c *SlackConfig) masked() []string {
	if c.WebhookURL == RedactedSecret {
		return []string{"webhook_url"}
	}
	return nil
}

// PagerDutyConfig sends Events API v2 trigger and resolve events. APIKey is
// the integration routing key; ServiceID is reported as the event source.
type PagerDutyConfig struct {
	APIKey    string `json:"api_key" validate:"required,min=8"`
	ServiceID string `json:"service_id" validate:"required"`
}

// ProviderType implements ProviderConfig.
func (*PagerDutyConfig) ProviderType() ProviderType { return ProviderPagerDuty }

// Redacted implements ProviderConfig.
func (c *PagerDutyConfig) Redacted() ProviderConfig {
	cp := *c
	cp.APIKey = RedactedSecret
	return &cp
}

// KeepSecrets implements ProviderConfig.
func (c *PagerDutyConfig) KeepSecrets(prev ProviderConfig) {
	if old, ok := prev.(*PagerDutyConfig); ok && c.APIKey == RedactedSecret {
		c.APIKey = old.APIKey
	}
}

func (c *PagerDutyConfig) masked() []string {
	if c.APIKey == RedactedSecret {
		return []string{"api_key"}
	}
	return nil
}

// WebhookConfig delivers the alert as JSON to an arbitrary endpoint.
type WebhookConfig struct {
	URL     string            `json:"url" validate:"required,http_url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ProviderType implements ProviderConfig.
func (*WebhookConfig) ProviderType() ProviderType { return ProviderWebhook }

// Redacted implements ProviderConfig. Header values often carry tokens.
func (c *WebhookConfig) Redacted() ProviderConfig {
	cp := *c
	if len(c.Headers) > 0 {
		cp.Headers = make(map[string]string, len(c.Headers))
		for k := range c.Headers {
			cp.Headers[k] = RedactedSecret
		}
	}
	return &cp
}

// KeepSecrets implements ProviderConfig. Only headers that existed before
// can be restored.
func (c *WebhookConfig) KeepSecrets(prev ProviderConfig) {
	old, ok := prev.(*WebhookConfig)
	if !ok {
		return
	}
	for k, v := range c.Headers {
		if prevValue, found := old.Headers[k]; found && v == RedactedSecret {
			c.Headers[k] = prevValue
		}
	}
}

func (c *WebhookConfig) masked() []string {
	var fields []string
	for k, v := range c.Headers {
		if v == RedactedSecret {
			fields = append(fields, "headers."+k)
		}
	}
	return fields
}

// EmailConfig sends mail through an SMTP relay.
type EmailConfig struct {
	SMTPHost   string   `json:"smtp_host" validate:"required,hostname_rfc1123|ip"`
	SMTPPort   int      `json:"smtp_port" validate:"required,min=1,max=65535"`
	From       string   `json:"from" validate:"required,email"`
	Recipients []string `json:"recipients" validate:"required,min=1,dive,email"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	RequireTLS bool     `json:"require_tls"`
}

// ProviderType implements ProviderConfig.
func (*EmailConfig) ProviderType() ProviderType { return ProviderEmail }

// Redacted implements ProviderConfig.
func (c *EmailConfig) Redacted() ProviderConfig {
	cp := *c
	cp.Recipients = append([]string(nil), c.Recipients...)
	if cp.Password != "" {
		cp.Password = RedactedSecret
	}
	return &cp
}

// KeepSecrets implements ProviderConfig.
func (c *EmailConfig) KeepSecrets(prev ProviderConfig) {
	if old, ok := prev.(*EmailConfig); ok && c.Password == RedactedSecret {
		c.Password = old.Password
	}
}

func (c *EmailConfig) masked() []string {
	if c.Password == RedactedSecret {
		return []string{"password"}
	}
	return nil
}

// NewProviderConfig returns an empty config for t.
func NewProviderConfig(t ProviderType) (ProviderConfig, error) {
	switch t {
	case ProviderSlack:
		return &SlackConfig{}, nil
	case ProviderPagerDuty:
		return &PagerDutyConfig{}, nil
	case ProviderWebhook:
		return &WebhookConfig{}, nil
	case ProviderEmail:
		return &EmailConfig{}, nil
	}
	return nil, fmt.Errorf("unknown provider type %q", t)
}

// Provider is a configured notification destination.
type Provider struct {
	ID        string         `json:"id" validate:"required,max=128"`
	Name      string         `json:"name" validate:"required,max=256"`
	Type      ProviderType   `json:"type" validate:"required,oneof=slack pagerduty webhook email"`
	Enabled   bool           `json:"enabled"`
	Config    ProviderConfig `json:"config" validate:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type providerWire struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      ProviderType    `json:"type"`
	Enabled   *bool           `json:"enabled,omitempty"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UnmarshalJSON decodes config into the variant selected by type.
// Enabled defaults to true.
func (p *Provider) UnmarshalJSON(data []byte) error {
	var w providerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.ID = w.ID
	p.Name = w.Name
	p.Type = w.Type
	p.Enabled = w.Enabled == nil || *w.Enabled
	p.CreatedAt = w.CreatedAt
	p.UpdatedAt = w.UpdatedAt
	p.Config = nil

	cfg, err := NewProviderConfig(w.Type)
	if err != nil {
		// Left for Validate to report alongside other field errors.
		return nil
	}
	if len(w.Config) > 0 && string(w.Config) != "null" {
		dec := json.NewDecoder(bytes.NewReader(w.Config))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("invalid %s provider config: %w", w.Type, err)
		}
	}
	p.Config = cfg
	return nil
}

// Validate checks the record and its typed config.
func (p *Provider) Validate() error {
	ve := NewValidationError("provider", p.ID)
	checkStruct(ve, "", p)
	switch {
	case p.Config == nil:
		ve.Add("config", "is required")
	case p.Type.IsValid() && p.Config.ProviderType() != p.Type:
		ve.Addf("config", "config for %s does not match provider type %s", p.Config.ProviderType(), p.Type)
	default:
		checkStruct(ve, "config", p.Config)
		for _, f := range p.Config.masked() {
			ve.Add("config."+f, "holds the redaction mask instead of a secret")
		}
	}
	return ve.ErrOrNil()
}

// KeepSecretsFrom restores secrets that came back masked from a read of
// existing. Nothing is restored when the provider type changed.
func (p *Provider) KeepSecretsFrom(existing *Provider) {
	if p.Config == nil || existing == nil || existing.Config == nil {
		return
	}
	if p.Config.ProviderType() != existing.Config.ProviderType() {
		return
	}
	p.Config.KeepSecrets(existing.Config)
}

// Redacted returns a copy of the provider safe to show to operators.
func (p Provider) Redacted() Provider {
	if p.Config != nil {
		p.Config = p.Config.Redacted()
	}
	return p
}
