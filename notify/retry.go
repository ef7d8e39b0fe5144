package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"syscall"
	"time"

	"vigil/core"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoSender is returned when no adapter is registered for a provider type.
var ErrNoSender = errors.New("no sender for provider type")

// errCancelled stops the retry loop when the alert closed before an attempt.
var errCancelled = errors.New("alert closed before delivery attempt")

// DeliveryError is returned by provider adapters. Permanent failures
// (rejected request, bad credentials, invalid config) are never retried.
type DeliveryError struct {
	ProviderID string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failure to %s (HTTP %d): %v", kind, e.ProviderID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure to %s: %v", kind, e.ProviderID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// permanentError marks err as not worth retrying.
func permanentError(providerID string, err error) error {
	return &DeliveryError{ProviderID: providerID, Permanent: true, Err: err}
}

// statusError classifies a non-2xx HTTP response. 408, 429 and 5xx are
// transient; every other status is permanent.
func statusError(providerID string, code int, body string) error {
	permanent := true
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		permanent = false
	}
	return &DeliveryError{
		ProviderID: providerID,
		StatusCode: code,
		Permanent:  permanent,
		Err:        fmt.Errorf("%s: %s", http.StatusText(code), body),
	}
}

// IsPermanent reports whether err should stop the retry loop.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	// SMTP replies: 5xx rejects the message, 4xx asks the client to retry.
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code >= 500
	}
	return ErrorClass(err) == ErrorTypePermanent
}

// ErrorType is the category of a delivery error, used as a metric label.
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeCircuit   ErrorType = "circuit_open"
	ErrorTypeServer    ErrorType = "server"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// ErrorClass determines the error type of a failed attempt.
func ErrorClass(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrTooManyRequests) {
		return ErrorTypeCircuit
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		switch {
		case de.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case de.StatusCode == http.StatusRequestTimeout:
			return ErrorTypeTimeout
		case de.StatusCode >= 500:
			return ErrorTypeServer
		case de.Permanent:
			return ErrorTypePermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// RetryPolicy is the backoff schedule for transient failures. With the
// defaults a failing provider is tried at 0s, 1s, 5s and 21s.
type RetryPolicy struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// DefaultRetryPolicy returns three retries with delays 1s, 4s and 16s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 4,
		MaxDelay:      time.Minute,
	}
}

// Delays returns the wait before each retry.
func (r RetryPolicy) Delays() []time.Duration {
	b := r.exponential()
	out := make([]time.Duration, 0, r.MaxRetries)
	for i := 0; i < r.MaxRetries; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (r RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseDelay
	b.Multiplier = r.BackoffFactor
	b.MaxInterval = r.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// backOff builds the retry schedule bound to ctx.
func (r RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(r.exponential(), uint64(r.MaxRetries)), ctx)
}
