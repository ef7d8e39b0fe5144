// Package util holds small helpers shared by the delivery and API layers.
package util

import (
	"regexp"
)

// MaxRedactLength bounds the input inspected by RedactString. Longer input
// is truncated first.
const MaxRedactLength = 64 * 1024

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Slack incoming webhooks carry their secret in the path
	{regexp.MustCompile(`(https?://hooks\.slack\.com/services)/[A-Za-z0-9/_\-]+`), "$1/REDACTED"},
	// Credentials embedded in URLs
	{regexp.MustCompile(`(https?://)[^/\s:@"]+:[^/\s@"]+@`), "${1}REDACTED@"},
	// Secrets passed as query parameters
	{regexp.MustCompile(`(?i)([?&](?:token|key|api_key|apikey|secret|sig|signature|password)=)[^&\s"]+`), "${1}REDACTED"},
	// key=value and key: value pairs
	{regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|routing[_-]?key)(["']?\s*[:=]\s*["']?)[^"'\s,}]+`), "$1${2}REDACTED"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.=]+`), "Bearer REDACTED"},
	// SMTP AUTH exchanges echo the encoded credentials
	{regexp.MustCompile(`(?i)(AUTH\s+(?:PLAIN|LOGIN)\s+)\S+`), "${1}REDACTED"},
}

// RedactError returns err's message with provider credentials removed, for
// logging and for the last_error recorded on an alert.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactString removes webhook secrets, URL credentials, API keys and
// passwords from s.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxRedactLength {
		s = s[:MaxRedactLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}
