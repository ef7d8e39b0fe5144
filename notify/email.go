package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"vigil/core"
)

var emailTemplate = template.Must(template.New("email").Parse(`<html>
<body style="font-family: Arial, sans-serif; margin: 20px;">
  <div style="border-left: 4px solid {{.Color}}; padding: 15px; background: #f9f9f9;">
    <h2>{{.Title}}</h2>
    <p>{{.Message}}</p>
    <table>
      <tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>
      <tr><td><b>Policy</b></td><td>{{.Policy}}</td></tr>
      <tr><td><b>Alert ID</b></td><td><code>{{.AlertID}}</code></td></tr>
      {{if .EventID}}<tr><td><b>Event ID</b></td><td><code>{{.EventID}}</code></td></tr>{{end}}
      {{if .Tenant}}<tr><td><b>Tenant</b></td><td>{{.Tenant}}</td></tr>{{end}}
      <tr><td><b>Triggered</b></td><td>{{.Triggered}}</td></tr>
    </table>
    {{if .Summary}}<p>{{.Summary}}</p>{{end}}
  </div>
</body>
</html>
`))

// EmailSender delivers alerts through an SMTP relay.
type EmailSender struct {
	dialer *net.Dialer
}

// NewEmailSender creates an SMTP adapter.
func NewEmailSender() *EmailSender {
	return &EmailSender{dialer: &net.Dialer{}}
}

func (s *EmailSender) render(alert *core.Alert) ([]byte, error) {
	color, ok := slackColors[alert.Severity]
	if !ok {
		color = "#757575"
	}
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, map[string]string{
		"Color":     color,
		"Title":     alert.Title,
		"Message":   alert.Message,
		"Summary":   alert.Summary,
		"Severity":  string(alert.Severity),
		"Policy":    alert.PolicyName,
		"AlertID":   alert.AlertID,
		"EventID":   alert.EventID,
		"Tenant":    alert.TenantID,
		"Triggered": alert.TriggeredAt.UTC().Format(time.RFC3339),
	})
	return buf.Bytes(), err
}

// headerSafe strips CR and LF so alert text cannot inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func (s *EmailSender) message(cfg *core.EmailConfig, alert *core.Alert) ([]byte, error) {
	body, err := s.render(alert)
	if err != nil {
		return nil, err
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.Recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerSafe(fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "X-Vigil-Alert-ID: %s\r\n", alert.AlertID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.Write(body)
	return msg.Bytes(), nil
}

// Send implements Sender. The connection honours ctx's deadline. STARTTLS
// is used whenever the server offers it and is mandatory with require_tls.
func (s *EmailSender) Send(ctx context.Context, alert *core.Alert, provider core.Provider) error {
	cfg, err := configAs[*core.EmailConfig](provider)
	if err != nil {
		return err
	}
	msg, err := s.message(cfg, alert)
	if err != nil {
		return permanentError(provider.ID, fmt.Errorf("failed to render email: %w", err))
	}
	if err := s.deliver(ctx, cfg, msg); err != nil {
		if IsPermanent(err) {
			return permanentError(provider.ID, err)
		}
		return &DeliveryError{ProviderID: provider.ID, Err: err}
	}
	return nil
}

var errTLSUnavailable = errors.New("smtp server does not offer STARTTLS")

func (s *EmailSender) deliver(ctx context.Context, cfg *core.EmailConfig, msg []byte) error {
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	} else if cfg.RequireTLS {
		return &DeliveryError{Permanent: true, Err: errTLSUnavailable}
	}

	if cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range cfg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	return client.Quit()
}
