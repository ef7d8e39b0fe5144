package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/core"
	"vigil/metrics"
	"vigil/util"
	"vigil/util/goroutine"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ReasonQueueFull is recorded as last_error when an alert could not be
// queued for delivery.
const ReasonQueueFull = "queue_full"

// DeliveryRecorder persists per-provider delivery progress. The alert
// service implements it.
type DeliveryRecorder interface {
	IsOpen(ctx context.Context, alertID string) bool
	RecordDelivery(ctx context.Context, alertID, providerID string, state core.DeliveryState) error
}

// Config sizes the dispatcher.
type Config struct {
	WorkerCount    int
	QueueSize      int
	Retry          RetryPolicy
	AttemptTimeout time.Duration
	CircuitBreaker core.CircuitBreakerConfig
	PagerDutyURL   string
	StopTimeout    time.Duration
}

type dispatchJob struct {
	alert     *core.Alert
	providers []core.Provider
}

// Dispatcher fans an alert out to its providers. Each provider is tried
// immediately and retried with exponential backoff on transient failures,
// behind a per-provider circuit breaker.
type Dispatcher struct {
	senders  map[core.ProviderType]Sender
	recorder DeliveryRecorder
	retry    RetryPolicy
	timeout  time.Duration
	cbConfig core.CircuitBreakerConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	breakersMu sync.Mutex
	breakers   map[string]*core.CircuitBreaker

	queue       chan dispatchJob
	workers     int
	stopTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	bg          sync.WaitGroup
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithSender registers or replaces the adapter for a provider type.
func WithSender(t core.ProviderType, s Sender) Option {
	return func(d *Dispatcher) { d.senders[t] = s }
}

// WithRecorder sets where delivery progress is stored.
func WithRecorder(r DeliveryRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// NewDispatcher creates a dispatcher with the built-in adapters.
func NewDispatcher(cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Dispatcher, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.BackoffFactor < 1 {
		cfg.Retry.BackoffFactor = 1
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.CircuitBreaker == (core.CircuitBreakerConfig{}) {
		cfg.CircuitBreaker = core.DefaultCircuitBreakerConfig()
	}
	if err := cfg.CircuitBreaker.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidCircuitBreakerConfig, err)
	}

	client := NewHTTPClient(cfg.AttemptTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		senders: map[core.ProviderType]Sender{
			core.ProviderSlack:     NewSlackSender(client),
			core.ProviderPagerDuty: NewPagerDutySender(client, cfg.PagerDutyURL),
			core.ProviderWebhook:   NewWebhookSender(client),
			core.ProviderEmail:     NewEmailSender(),
		},
		retry:       cfg.Retry,
		timeout:     cfg.AttemptTimeout,
		cbConfig:    cfg.CircuitBreaker,
		logger:      logger,
		now:         time.Now,
		breakers:    make(map[string]*core.CircuitBreaker),
		queue:       make(chan dispatchJob, cfg.QueueSize),
		workers:     cfg.WorkerCount,
		stopTimeout: cfg.StopTimeout,
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// SetRecorder sets the recorder after construction. The alert service and
// the dispatcher reference each other, so one side is wired late.
func (d *Dispatcher) SetRecorder(r DeliveryRecorder) {
	d.recorder = r
}

// Start launches the dispatch workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	d.logger.Infow("Dispatcher started", "workers", d.workers, "queue", cap(d.queue))
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case job := <-d.queue:
			metrics.DispatchQueueDepth.Dec()
			d.safeDispatch(job)
		}
	}
}

func (d *Dispatcher) safeDispatch(job dispatchJob) {
	defer goroutine.Recover("dispatch-worker", d.logger)
	d.Dispatch(d.ctx, job.alert, job.providers)
}

// Enqueue schedules delivery without blocking. When the queue is full every
// enabled provider is recorded as failed with reason queue_full.
func (d *Dispatcher) Enqueue(alert *core.Alert, providers []core.Provider) bool {
	select {
	case <-d.stopCh:
		d.recordAll(alert, providers, "dispatcher stopped")
		return false
	default:
	}
	select {
	case d.queue <- dispatchJob{alert: alert, providers: providers}:
		metrics.DispatchQueueDepth.Inc()
		return true
	default:
		d.logger.Warnw("Dispatch queue full, alert not delivered",
			"alert_id", alert.AlertID,
			"policy_id", alert.PolicyID,
			"providers", len(providers))
		d.recordAll(alert, providers, ReasonQueueFull)
		return false
	}
}

func (d *Dispatcher) recordAll(alert *core.Alert, providers []core.Provider, reason string) {
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		metrics.DeliveryResults.WithLabelValues(string(p.Type), string(core.DeliveryFailed)).Inc()
		d.record(context.Background(), alert.AlertID, p.ID, core.DeliveryState{
			Status:       core.DeliveryFailed,
			ProviderType: p.Type,
			LastError:    reason,
			UpdatedAt:    d.now().UTC(),
		})
	}
}

// Dispatch delivers alert to every enabled provider concurrently and waits
// for all of them. Disabled providers are skipped without a status.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *core.Alert, providers []core.Provider) map[string]core.DeliveryState {
	results := make(map[string]core.DeliveryState, len(providers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		wg.Add(1)
		go func(p core.Provider) {
			defer wg.Done()
			defer goroutine.Recover("delivery", d.logger)
			st := d.deliver(ctx, alert, p)
			mu.Lock()
			results[p.ID] = st
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, alert *core.Alert, p core.Provider) core.DeliveryState {
	start := d.now()
	attempts := 0
	var err error

	sender, ok := d.senders[p.Type]
	if !ok {
		err = permanentError(p.ID, fmt.Errorf("%w %q", ErrNoSender, p.Type))
	} else {
		breaker := d.breaker(p.ID)
		op := func() error {
			if !d.isOpen(ctx, alert.AlertID) {
				return backoff.Permanent(errCancelled)
			}
			attempts++
			aerr := d.attempt(ctx, sender, breaker, alert, p)
			if aerr == nil {
				metrics.DeliveryAttempts.WithLabelValues(string(p.Type), "success").Inc()
				return nil
			}
			metrics.DeliveryAttempts.WithLabelValues(string(p.Type), string(ErrorClass(aerr))).Inc()
			if IsPermanent(aerr) {
				return backoff.Permanent(aerr)
			}
			d.record(ctx, alert.AlertID, p.ID, core.DeliveryState{
				Status:       core.DeliveryPending,
				ProviderType: p.Type,
				Attempts:     attempts,
				LastError:    util.RedactError(aerr),
				UpdatedAt:    d.now().UTC(),
			})
			return aerr
		}
		notify := func(err error, next time.Duration) {
			d.logger.Infow("Delivery retry scheduled",
				"alert_id", alert.AlertID,
				"provider_id", p.ID,
				"attempt", attempts,
				"error_type", ErrorClass(err),
				"delay", next,
				"error", util.RedactError(err))
		}
		err = backoff.RetryNotify(op, d.retry.backOff(ctx), notify)
	}

	state := core.DeliveryState{
		ProviderType: p.Type,
		Attempts:     attempts,
		UpdatedAt:    d.now().UTC(),
	}
	switch {
	case err == nil:
		state.Status = core.DeliverySent
		d.logger.Infow("Alert delivered",
			"alert_id", alert.AlertID,
			"provider_id", p.ID,
			"provider_type", p.Type,
			"attempts", attempts)
	case errors.Is(err, errCancelled):
		state.Status = core.DeliveryCancelled
		d.logger.Infow("Alert delivery cancelled, alert already closed",
			"alert_id", alert.AlertID,
			"provider_id", p.ID,
			"attempts", attempts)
	default:
		state.Status = core.DeliveryFailed
		state.Permanent = IsPermanent(err)
		state.LastError = util.RedactError(err)
		d.logger.Warnw("Alert delivery failed",
			"alert_id", alert.AlertID,
			"provider_id", p.ID,
			"provider_type", p.Type,
			"attempts", attempts,
			"permanent", state.Permanent,
			"error", state.LastError)
	}

	metrics.DeliveryResults.WithLabelValues(string(p.Type), string(state.Status)).Inc()
	metrics.DeliveryDuration.WithLabelValues(string(p.Type)).Observe(d.now().Sub(start).Seconds())
	d.record(context.Background(), alert.AlertID, p.ID, state)
	return state
}

// attempt performs one send through the provider's circuit breaker.
// Permanent failures are not counted against the breaker.
func (d *Dispatcher) attempt(ctx context.Context, sender Sender, breaker *core.CircuitBreaker, alert *core.Alert, p core.Provider) error {
	if err := breaker.Allow(); err != nil {
		return &DeliveryError{ProviderID: p.ID, Err: err}
	}
	actx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := sender.Send(actx, alert, p)
	switch {
	case err == nil:
		d.observeBreaker(p.ID, breaker.RecordSuccess)
	case !IsPermanent(err):
		d.observeBreaker(p.ID, breaker.RecordFailure)
	}
	return err
}

func (d *Dispatcher) observeBreaker(providerID string, record func() (core.CircuitBreakerState, core.CircuitBreakerState)) {
	oldState, newState := record()
	metrics.CircuitBreakerState.WithLabelValues(providerID).Set(breakerGauge(newState))
	if oldState != newState {
		d.logger.Warnw("Provider circuit breaker changed state",
			"provider_id", providerID,
			"from", oldState,
			"to", newState)
	}
}

func breakerGauge(s core.CircuitBreakerState) float64 {
	switch s {
	case core.CircuitBreakerStateHalfOpen:
		return 1
	case core.CircuitBreakerStateOpen:
		return 2
	}
	return 0
}

func (d *Dispatcher) breaker(providerID string) *core.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if cb, ok := d.breakers[providerID]; ok {
		return cb
	}
	// Config was validated in NewDispatcher.
	cb, _ := core.NewCircuitBreaker(d.cbConfig)
	d.breakers[providerID] = cb
	return cb
}

// BreakerState returns the circuit state of a provider.
func (d *Dispatcher) BreakerState(providerID string) core.CircuitBreakerState {
	return d.breaker(providerID).State()
}

func (d *Dispatcher) isOpen(ctx context.Context, alertID string) bool {
	if d.recorder == nil {
		return true
	}
	return d.recorder.IsOpen(ctx, alertID)
}

func (d *Dispatcher) record(ctx context.Context, alertID, providerID string, state core.DeliveryState) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordDelivery(ctx, alertID, providerID, state); err != nil {
		d.logger.Warnw("Failed to record delivery status",
			"alert_id", alertID,
			"provider_id", providerID,
			"status", state.Status,
			"error", err)
	}
}

// NotifyResolved sends a single best-effort resolve to each provider whose
// adapter supports it. It returns immediately; results are only logged.
func (d *Dispatcher) NotifyResolved(alert *core.Alert, providers []core.Provider) {
	select {
	case <-d.stopCh:
		return
	default:
	}
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		defer goroutine.Recover("notify-resolved", d.logger)
		d.ResolveNow(d.ctx, alert, providers)
	}()
}

// ResolveNow sends resolve notifications synchronously.
func (d *Dispatcher) ResolveNow(ctx context.Context, alert *core.Alert, providers []core.Provider) {
	for _, p := range providers {
		resolver, ok := d.senders[p.Type].(Resolver)
		if !ok || !p.Enabled {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, d.timeout)
		err := resolver.Resolve(actx, alert, p)
		cancel()
		if err != nil {
			d.logger.Warnw("Failed to send resolve notification",
				"alert_id", alert.AlertID,
				"provider_id", p.ID,
				"error", util.RedactError(err))
			continue
		}
		d.logger.Infow("Resolve notification sent",
			"alert_id", alert.AlertID,
			"provider_id", p.ID)
	}
}

// Stop stops the workers and aborts in-flight retries. Alerts still queued
// are left pending.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.cancel()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped", "undelivered", len(d.queue))
	case <-time.After(d.stopTimeout):
		d.logger.Warnw("Dispatcher shutdown timed out", "timeout", d.stopTimeout)
	}
}
