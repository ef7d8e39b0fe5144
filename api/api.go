// Package api exposes the Vigil HTTP interface: event ingestion,
// configuration records, alert lifecycle actions and a websocket stream of
// alert changes. Every response uses the same envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"vigil/config"
	"vigil/core"
	"vigil/detect"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// EventProcessor accepts events for evaluation. The detector implements it.
type EventProcessor interface {
	Submit(event *core.Event) bool
	ProcessEvent(ctx context.Context, event *core.Event) ([]*core.Alert, detect.Result)
}

// ConfigManager is the configuration surface. The configuration service
// implements it.
type ConfigManager interface {
	ListRules(ctx context.Context) ([]core.Rule, error)
	GetRule(ctx context.Context, id string) (*core.Rule, error)
	CreateRule(ctx context.Context, rule *core.Rule) (*core.Rule, error)
	UpdateRule(ctx context.Context, rule *core.Rule) (*core.Rule, error)
	DeleteRule(ctx context.Context, id string, cascade bool) error

	ListPolicies(ctx context.Context) ([]core.Policy, error)
	GetPolicy(ctx context.Context, id string) (*core.Policy, error)
	CreatePolicy(ctx context.Context, policy *core.Policy) (*core.Policy, error)
	UpdatePolicy(ctx context.Context, policy *core.Policy) (*core.Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	ListProviders(ctx context.Context) ([]core.Provider, error)
	GetProvider(ctx context.Context, id string) (*core.Provider, error)
	CreateProvider(ctx context.Context, provider *core.Provider) (*core.Provider, error)
	UpdateProvider(ctx context.Context, provider *core.Provider) (*core.Provider, error)
	DeleteProvider(ctx context.Context, id string) error

	Import(ctx context.Context, seed *detect.Seed) error
}

// AlertManager is the alert lifecycle surface. The alert service
// implements it.
type AlertManager interface {
	Get(ctx context.Context, alertID string) (*core.Alert, error)
	List(ctx context.Context, filter core.AlertFilter) ([]core.Alert, int64, error)
	Acknowledge(ctx context.Context, alertID, by string) (*core.Alert, error)
	Resolve(ctx context.Context, alertID, by string) (*core.Alert, error)
	Suppress(ctx context.Context, alertID, by, reason string) (*core.Alert, error)
}

// API holds the API server
type API struct {
	router         *mux.Router
	server         *http.Server
	events         EventProcessor
	configs        ConfigManager
	alerts         AlertManager
	hub            *Hub
	config         *config.Config
	logger         *zap.SugaredLogger
	now            func() time.Time
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopOnce       sync.Once
	stopCh         chan struct{}
}

// NewAPI creates a new API server. hub may be nil, in which case the
// alert stream endpoint is not registered.
func NewAPI(events EventProcessor, configs ConfigManager, alerts AlertManager, hub *Hub, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		events:       events,
		configs:      configs,
		alerts:       alerts,
		hub:          hub,
		config:       cfg,
		logger:       logger,
		now:          time.Now,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.metricsMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, http.StatusMethodNotAllowed, CodeValidation, "method not allowed", nil)
	})

	v1 := a.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/events", a.postEvents).Methods("POST", "OPTIONS")

	v1.HandleFunc("/rules", a.listRules).Methods("GET")
	v1.HandleFunc("/rules", a.createRule).Methods("POST", "OPTIONS")
	v1.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", a.updateRule).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/rules/{id}", a.deleteRule).Methods("DELETE")

	v1.HandleFunc("/policies", a.listPolicies).Methods("GET")
	v1.HandleFunc("/policies", a.createPolicy).Methods("POST", "OPTIONS")
	v1.HandleFunc("/policies/{id}", a.getPolicy).Methods("GET")
	v1.HandleFunc("/policies/{id}", a.updatePolicy).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/policies/{id}", a.deletePolicy).Methods("DELETE")

	v1.HandleFunc("/providers", a.listProviders).Methods("GET")
	v1.HandleFunc("/providers", a.createProvider).Methods("POST", "OPTIONS")
	v1.HandleFunc("/providers/{id}", a.getProvider).Methods("GET")
	v1.HandleFunc("/providers/{id}", a.updateProvider).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/providers/{id}", a.deleteProvider).Methods("DELETE")

	v1.HandleFunc("/config/import", a.importSeed).Methods("POST", "OPTIONS")

	v1.HandleFunc("/alerts", a.listAlerts).Methods("GET")
	if a.hub != nil {
		v1.HandleFunc("/alerts/stream", a.streamAlerts).Methods("GET")
	}
	v1.HandleFunc("/alerts/{id}", a.getAlert).Methods("GET")
	v1.HandleFunc("/alerts/{id}/acknowledge", a.acknowledgeAlert).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/alerts/{id}/resolve", a.resolveAlert).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/alerts/{id}/suppress", a.suppressAlert).Methods("PUT", "OPTIONS")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the router, for tests and for embedding in another server.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server and blocks until it stops.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
		IdleTimeout:  a.config.API.IdleTimeout,
	}
	a.logger.Infow("API server listening", "addr", addr, "tls", a.config.API.TLS)

	var err error
	if a.config.API.TLS {
		err = a.server.ListenAndServeTLS(a.config.API.CertFile, a.config.API.KeyFile)
	} else {
		err = a.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.respondOK(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   a.now().UTC(),
	})
}
