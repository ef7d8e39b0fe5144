package detect

import (
	"context"
	"sync"
	"time"

	"vigil/core"
	"vigil/metrics"
	"vigil/util/goroutine"

	"go.uber.org/zap"
)

// AlertSink receives the outcome of evaluation. The alert service
// implements it; match handling must not block on notification delivery.
type AlertSink interface {
	HandleMatch(ctx context.Context, match PolicyMatch) (*core.Alert, error)
	HandleSuppressed(ctx context.Context, s Suppression)
}

// DetectorConfig sizes the detector.
type DetectorConfig struct {
	BufferSize  int
	WorkerCount int
	StopTimeout time.Duration
}

// Detector reads events from a channel and runs them through the policy
// engine against the current snapshot.
type Detector struct {
	engine   *PolicyEngine
	holder   *SnapshotHolder
	sink     AlertSink
	input    chan *core.Event
	workers  int
	timeout  time.Duration
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDetector creates a detector with its own bounded input queue.
func NewDetector(engine *PolicyEngine, holder *SnapshotHolder, sink AlertSink, cfg DetectorConfig, logger *zap.SugaredLogger) *Detector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Detector{
		engine:  engine,
		holder:  holder,
		sink:    sink,
		input:   make(chan *core.Event, cfg.BufferSize),
		workers: cfg.WorkerCount,
		timeout: cfg.StopTimeout,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Input exposes the event channel for producers that prefer to send
// directly. Sends block when the queue is full.
func (d *Detector) Input() chan<- *core.Event {
	return d.input
}

// Start launches the worker pool.
func (d *Detector) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	d.logger.Infow("Detector started", "workers", d.workers, "buffer", cap(d.input))
}

// Submit enqueues event without blocking. It returns false when the queue
// is full or the detector is stopping.
func (d *Detector) Submit(event *core.Event) bool {
	select {
	case <-d.stopCh:
		return false
	default:
	}
	select {
	case d.input <- event:
		metrics.EventsReceived.WithLabelValues("queue").Inc()
		return true
	default:
		metrics.EventsDropped.Inc()
		d.logger.Warnw("Detector queue full, dropping event", "event_id", event.EventID)
		return false
	}
}

func (d *Detector) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case event, ok := <-d.input:
			if !ok {
				return
			}
			d.safeProcess(event)
		}
	}
}

func (d *Detector) safeProcess(event *core.Event) {
	defer goroutine.Recover("detector-worker", d.logger)
	d.ProcessEvent(context.Background(), event)
}

// ProcessEvent evaluates one event synchronously and hands matches and
// suppressions to the sink. The returned alerts are those the sink created.
func (d *Detector) ProcessEvent(ctx context.Context, event *core.Event) ([]*core.Alert, Result) {
	start := time.Now()
	snap := d.holder.Load()
	res := d.engine.Evaluate(ctx, snap, event)
	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())

	d.logger.Debugw("Event evaluated",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"snapshot", snap.Version,
		"matches", len(res.Matches),
		"suppressed", len(res.Suppressed))

	var alerts []*core.Alert
	for _, m := range res.Matches {
		alert, err := d.sink.HandleMatch(ctx, m)
		if err != nil {
			released := true
			if relErr := d.engine.Release(ctx, m); relErr != nil {
				released = false
				d.logger.Warnw("Throttle admission kept after failed alert",
					"policy_id", m.Policy.ID,
					"event_id", event.EventID,
					"error", relErr)
			}
			d.logger.Errorw("Failed to create alert",
				"policy_id", m.Policy.ID,
				"event_id", event.EventID,
				"throttle_released", released,
				"error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	for _, s := range res.Suppressed {
		d.sink.HandleSuppressed(ctx, s)
	}
	return alerts, res
}

// Stop signals workers to exit and waits for them. Events still queued
// are discarded.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Detector stopped")
	case <-time.After(d.timeout):
		d.logger.Warnw("Detector shutdown timed out", "timeout", d.timeout)
	}
}
