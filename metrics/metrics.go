package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_received_total",
			Help: "Total number of events received by the evaluator",
		},
		[]string{"source"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_events_dropped_total",
			Help: "Total number of events dropped because the input queue was full",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_event_processing_duration_seconds",
			Help:    "Time taken to evaluate one event against all policies",
			Buckets: prometheus.DefBuckets,
		},
	)

	PolicyMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_policy_matches_total",
			Help: "Total number of events that matched a policy, before the throttle gate",
		},
		[]string{"policy_id"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_suppressed_total",
			Help: "Total number of policy matches suppressed by the throttle gate",
		},
		[]string{"policy_id", "reason"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alert_transitions_total",
			Help: "Total number of alert status transitions",
		},
		[]string{"to"},
	)

	TemplateErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_template_errors_total",
			Help: "Total number of malformed template placeholders rendered literally",
		},
	)

	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_regex_timeouts_total",
			Help: "Total number of regex conditions that hit the match timeout",
		},
	)

	ThrottleStoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_throttle_store_errors_total",
			Help: "Total number of throttle store failures (gate fails open)",
		},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_delivery_attempts_total",
			Help: "Total number of provider send attempts",
		},
		[]string{"provider_type", "outcome"},
	)

	DeliveryResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_delivery_results_total",
			Help: "Final delivery status per provider",
		},
		[]string{"provider_type", "status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_delivery_duration_seconds",
			Help:    "Time from first attempt to terminal status per provider",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"provider_type"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_dispatch_queue_depth",
			Help: "Number of alerts waiting for dispatch",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider_id"},
	)

	ConfigReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_config_reloads_total",
			Help: "Total number of evaluator snapshot swaps",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	GoroutinePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_goroutine_panics_total",
			Help: "Total number of panics recovered in worker goroutines",
		},
		[]string{"goroutine"},
	)
)
