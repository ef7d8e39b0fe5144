package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() *core.Alert {
	return &core.Alert{
		AlertID:     "alert-1",
		PolicyID:    "brute-force",
		PolicyName:  "Brute force",
		EventID:     "evt-1",
		RuleIDs:     []string{"failed-login"},
		Severity:    core.SeverityHigh,
		Status:      core.AlertStatusActive,
		Title:       "Brute force",
		Message:     "Failed login from 10.0.0.5",
		TriggeredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

// recordingServer captures request bodies and answers with the queued
// status codes, repeating the last one.
type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	bodies   []map[string]interface{}
	headers  []http.Header
	methods  []string
	statuses []int
}

func newRecordingServer(t *testing.T, statuses ...int) *recordingServer {
	t.Helper()
	rs := &recordingServer{statuses: statuses}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)

		rs.mu.Lock()
		rs.bodies = append(rs.bodies, body)
		rs.headers = append(rs.headers, r.Header.Clone())
		rs.methods = append(rs.methods, r.Method)
		status := http.StatusOK
		if n := len(rs.bodies); len(rs.statuses) > 0 {
			if n <= len(rs.statuses) {
				status = rs.statuses[n-1]
			} else {
				status = rs.statuses[len(rs.statuses)-1]
			}
		}
		rs.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) Requests() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.bodies)
}

func (rs *recordingServer) Body(i int) map[string]interface{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.bodies[i]
}

func TestSlackSender_Payload(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)
	p := core.Provider{ID: "slack-1", Type: core.ProviderSlack, Enabled: true,
		Config: &core.SlackConfig{WebhookURL: srv.URL, Channel: "#sec"}}

	err := NewSlackSender(srv.Client()).Send(context.Background(), testAlert(), p)
	require.NoError(t, err)

	body := srv.Body(0)
	assert.Equal(t, "#sec", body["channel"])
	assert.Contains(t, body["text"], "Brute force")
	attachments := body["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#f44336", att["color"])
	assert.Equal(t, "Failed login from 10.0.0.5", att["text"])
}

func TestSlackSender_WrongConfigIsPermanent(t *testing.T) {
	p := core.Provider{ID: "slack-1", Type: core.ProviderSlack, Config: &core.WebhookConfig{URL: "http://x"}}
	err := NewSlackSender(http.DefaultClient).Send(context.Background(), testAlert(), p)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestPagerDutySender_TriggerAndResolve(t *testing.T) {
	srv := newRecordingServer(t, http.StatusAccepted)
	p := core.Provider{ID: "pd-1", Type: core.ProviderPagerDuty, Enabled: true,
		Config: &core.PagerDutyConfig{APIKey: "routing-key-0001", ServiceID: "PSVC01"}}
	sender := NewPagerDutySender(srv.Client(), srv.URL)

	require.NoError(t, sender.Send(context.Background(), testAlert(), p))
	trigger := srv.Body(0)
	assert.Equal(t, "routing-key-0001", trigger["routing_key"])
	assert.Equal(t, "trigger", trigger["event_action"])
	assert.Equal(t, "alert-1", trigger["dedup_key"])
	payload := trigger["payload"].(map[string]interface{})
	assert.Equal(t, "PSVC01", payload["source"])
	assert.Equal(t, "error", payload["severity"])
	assert.Equal(t, "Brute force: Failed login from 10.0.0.5", payload["summary"])

	require.NoError(t, sender.Resolve(context.Background(), testAlert(), p))
	resolve := srv.Body(1)
	assert.Equal(t, "resolve", resolve["event_action"])
	assert.Equal(t, "alert-1", resolve["dedup_key"])
	assert.Nil(t, resolve["payload"])
}

func TestPagerDutySender_SummaryTruncated(t *testing.T) {
	srv := newRecordingServer(t, http.StatusAccepted)
	p := core.Provider{ID: "pd-1", Type: core.ProviderPagerDuty,
		Config: &core.PagerDutyConfig{APIKey: "routing-key-0001", ServiceID: "PSVC01"}}
	alert := testAlert()
	alert.Message = strings.Repeat("x", 5000)

	require.NoError(t, NewPagerDutySender(srv.Client(), srv.URL).Send(context.Background(), alert, p))
	payload := srv.Body(0)["payload"].(map[string]interface{})
	assert.Len(t, payload["summary"], pagerDutySummaryLimit)
}

func TestWebhookSender_MethodAndHeaders(t *testing.T) {
	srv := newRecordingServer(t, http.StatusNoContent)
	p := core.Provider{ID: "hook-1", Type: core.ProviderWebhook, Enabled: true,
		Config: &core.WebhookConfig{URL: srv.URL, Method: http.MethodPut, Headers: map[string]string{"X-Token": "secret"}}}

	require.NoError(t, NewWebhookSender(srv.Client()).Send(context.Background(), testAlert(), p))
	srv.mu.Lock()
	method, header := srv.methods[0], srv.headers[0]
	srv.mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "secret", header.Get("X-Token"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	body := srv.Body(0)
	assert.Equal(t, "alert-1", body["alert_id"])
	assert.Equal(t, "high", body["severity"])
	assert.Equal(t, "active", body["status"])
}

func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		class     ErrorType
	}{
		{http.StatusBadRequest, true, ErrorTypePermanent},
		{http.StatusUnauthorized, true, ErrorTypePermanent},
		{http.StatusNotFound, true, ErrorTypePermanent},
		{http.StatusRequestTimeout, false, ErrorTypeTimeout},
		{http.StatusTooManyRequests, false, ErrorTypeRateLimit},
		{http.StatusInternalServerError, false, ErrorTypeServer},
		{http.StatusServiceUnavailable, false, ErrorTypeServer},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newRecordingServer(t, tt.status)
			p := core.Provider{ID: "hook-1", Type: core.ProviderWebhook, Config: &core.WebhookConfig{URL: srv.URL}}
			err := NewWebhookSender(srv.Client()).Send(context.Background(), testAlert(), p)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Equal(t, tt.class, ErrorClass(err))

			var de *DeliveryError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.status, de.StatusCode)
		})
	}
}

func TestWebhookSender_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := core.Provider{ID: "hook-1", Type: core.ProviderWebhook, Config: &core.WebhookConfig{URL: url}}
	err := NewWebhookSender(NewHTTPClient(time.Second)).Send(context.Background(), testAlert(), p)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, ErrorTypeNetwork, ErrorClass(err))
}

func TestEmailSender_Delivers(t *testing.T) {
	smtpSrv := newMockSMTPServer(t)
	p := core.Provider{ID: "mail-1", Type: core.ProviderEmail, Enabled: true, Config: &core.EmailConfig{
		SMTPHost:   "127.0.0.1",
		SMTPPort:   smtpSrv.Port(),
		From:       "vigil@example.com",
		Recipients: []string{"oncall@example.com", "sec@example.com"},
	}}
	alert := testAlert()
	alert.Title = "Brute <b>force</b>\r\nBcc: evil@example.com"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, NewEmailSender().Send(ctx, alert, p))

	msgs := smtpSrv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "vigil@example.com", msgs[0].From)
	assert.Equal(t, []string{"oncall@example.com", "sec@example.com"}, msgs[0].To)
	assert.Contains(t, msgs[0].Data, "Subject: [HIGH] Brute <b>force</b>  Bcc: evil@example.com")
	assert.NotContains(t, msgs[0].Data, "\nBcc:")
	assert.Contains(t, msgs[0].Data, "Brute &lt;b&gt;force&lt;/b&gt;")
	assert.Contains(t, msgs[0].Data, "X-Vigil-Alert-ID: alert-1")
}

func TestEmailSender_RejectedRecipientIsPermanent(t *testing.T) {
	smtpSrv := newMockSMTPServer(t)
	smtpSrv.rejectRcpt = true
	p := core.Provider{ID: "mail-1", Type: core.ProviderEmail, Config: &core.EmailConfig{
		SMTPHost:   "127.0.0.1",
		SMTPPort:   smtpSrv.Port(),
		From:       "vigil@example.com",
		Recipients: []string{"gone@example.com"},
	}}
	err := NewEmailSender().Send(context.Background(), testAlert(), p)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestEmailSender_RequireTLSWithoutStartTLS(t *testing.T) {
	smtpSrv := newMockSMTPServer(t)
	p := core.Provider{ID: "mail-1", Type: core.ProviderEmail, Config: &core.EmailConfig{
		SMTPHost:   "127.0.0.1",
		SMTPPort:   smtpSrv.Port(),
		From:       "vigil@example.com",
		Recipients: []string{"oncall@example.com"},
		RequireTLS: true,
	}}
	err := NewEmailSender().Send(context.Background(), testAlert(), p)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Empty(t, smtpSrv.Messages())
}
