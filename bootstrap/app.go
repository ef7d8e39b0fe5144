package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vigil/api"
	"vigil/config"
	"vigil/detect"
	"vigil/notify"
	"vigil/service"

	"go.uber.org/zap"
)

// App represents the Vigil application with all its components.
type App struct {
	Config *config.Config
	Sugar  *zap.SugaredLogger

	Storage       *StorageComponents
	ThrottleStore detect.ThrottleStore
	Snapshots     *detect.SnapshotHolder

	ConfigService *service.ConfigService
	AlertService  *service.AlertService
	Detector      *detect.Detector
	Dispatcher    *notify.Dispatcher
	Hub           *api.Hub
	APIServer     *api.API

	started      bool
	serviceWg    sync.WaitGroup
	shutdownOnce sync.Once
	serverErr    chan error
}

// NewApp builds every component from cfg. Nothing is started.
func NewApp(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (app *App, err error) {
	app = &App{
		Config:    cfg,
		Sugar:     sugar,
		serverErr: make(chan error, 1),
	}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			app.closeStores()
		}
	}()

	logConfig(cfg, sugar)

	app.Storage, err = InitSQLite(cfg, sugar)
	if err != nil {
		return nil, err
	}

	app.ThrottleStore, err = InitThrottleStore(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}

	app.ConfigService, app.Snapshots, err = InitConfigService(ctx, cfg, app.Storage, app.ThrottleStore, sugar)
	if err != nil {
		return nil, err
	}

	app.Dispatcher, err = notify.NewDispatcher(notify.Config{
		WorkerCount: cfg.Dispatch.WorkerCount,
		QueueSize:   cfg.Dispatch.QueueSize,
		Retry: notify.RetryPolicy{
			MaxRetries:    cfg.Dispatch.MaxRetries,
			BaseDelay:     cfg.Dispatch.BaseDelay,
			BackoffFactor: cfg.Dispatch.BackoffFactor,
			MaxDelay:      cfg.Dispatch.MaxDelay,
		},
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		CircuitBreaker: cfg.Dispatch.CircuitBreaker,
		PagerDutyURL:   cfg.Dispatch.PagerDutyEventsURL,
		StopTimeout:    cfg.Dispatch.StopTimeout,
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	app.Hub = api.NewHub(sugar, ctx, cfg.API.AllowedOrigins)

	app.AlertService = service.NewAlertService(app.Storage.AlertStore, app.Snapshots, sugar,
		service.WithDispatchQueue(app.Dispatcher),
		service.WithPublisher(app.Hub))
	app.Dispatcher.SetRecorder(app.AlertService)

	app.Detector = InitDetector(cfg, app.Snapshots, app.ThrottleStore, app.AlertService, sugar)
	app.APIServer = api.NewAPI(app.Detector, app.ConfigService, app.AlertService, app.Hub, cfg, sugar)
	return app, nil
}

// Start launches the workers and the HTTP server. The server runs in the
// background; a listen failure is reported by WaitForShutdown.
func (a *App) Start(ctx context.Context) error {
	a.started = true
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Hub.Start()
	}()

	a.Dispatcher.Start()
	a.Detector.Start()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.APIServer.Start(a.Config.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
			a.serverErr <- err
		}
	}()

	a.Sugar.Infow("Vigil started", "addr", a.Config.Addr())
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or the API
// server fails.
func (a *App) WaitForShutdown() error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
		return nil
	case err := <-a.serverErr:
		return err
	}
}

// Shutdown stops components in dependency order: intake first, then
// evaluation, then delivery, then storage.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		a.Sugar.Info("Phase 1: Stopping API server...")
		if a.APIServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.APIServer.Stop(ctx); err != nil {
				a.Sugar.Errorw("Failed to stop API server", "error", err)
			}
			cancel()
		}

		a.Sugar.Info("Phase 2: Stopping detector...")
		if a.Detector != nil {
			a.Detector.Stop()
		}

		a.Sugar.Info("Phase 3: Stopping dispatcher...")
		if a.Dispatcher != nil {
			a.Dispatcher.Stop()
		}

		a.Sugar.Info("Phase 4: Stopping alert stream...")
		if a.Hub != nil && a.started {
			a.Hub.Stop()
		}

		a.Sugar.Info("Phase 5: Waiting for service goroutines to complete...")
		done := make(chan struct{})
		go func() {
			a.serviceWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.Sugar.Info("All service goroutines stopped successfully")
		case <-time.After(15 * time.Second):
			a.Sugar.Warn("Service goroutine shutdown timed out")
		}

		a.Sugar.Info("Phase 6: Closing stores...")
		a.closeStores()

		a.Sugar.Info("Shutdown complete")
		_ = a.Sugar.Sync()
	})
}

func (a *App) closeStores() {
	if a.ThrottleStore != nil {
		if err := a.ThrottleStore.Close(); err != nil {
			a.Sugar.Errorw("Failed to close throttle store", "error", err)
		}
		a.ThrottleStore = nil
	}
	if a.Storage != nil && a.Storage.SQLite != nil {
		if err := a.Storage.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
		a.Storage.SQLite = nil
	}
}
