package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"vigil/config"
	"vigil/detect"
	"vigil/storage"

	"go.uber.org/zap"
)

// StorageComponents holds the database and the stores built on it.
type StorageComponents struct {
	SQLite      *storage.SQLite
	ConfigStore storage.ConfigStorage
	AlertStore  storage.AlertStorage
}

// InitSQLite opens the SQLite database and builds the config and alert
// stores on it.
func InitSQLite(cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	path := cfg.Storage.SQLitePath
	if err := EnsureDataDirectory(path, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	sugar.Infow("SQLite database ready", "path", path)

	return &StorageComponents{
		SQLite:      sqlite,
		ConfigStore: storage.NewSQLiteConfigStorage(sqlite, sugar),
		AlertStore:  storage.NewSQLiteAlertStorage(sqlite, sugar),
	}, nil
}

// InitThrottleStore creates the per-policy throttle store. The Redis
// backend is tried a few times before giving up so the service can start
// alongside its Redis container.
func InitThrottleStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (detect.ThrottleStore, error) {
	if cfg.Throttle.Backend != config.ThrottleBackendRedis {
		sugar.Infow("Using in-memory throttle store", "max_lateness", cfg.Throttle.MaxLateness)
		return detect.NewMemoryThrottleStore(cfg.Throttle.MaxLateness), nil
	}

	const maxRetries = 3
	retryDelays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	opts := detect.RedisOptions{
		Addr:        cfg.Throttle.Redis.Addr,
		Password:    cfg.Throttle.Redis.Password,
		DB:          cfg.Throttle.Redis.DB,
		PoolSize:    cfg.Throttle.Redis.PoolSize,
		KeyPrefix:   cfg.Throttle.Redis.KeyPrefix,
		MaxLateness: cfg.Throttle.MaxLateness,
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying Redis connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		store, err := detect.NewRedisThrottleStore(ctx, opts)
		if err == nil {
			sugar.Infow("Connected to Redis throttle store", "addr", opts.Addr, "db", opts.DB)
			return store, nil
		}
		lastErr = err
		sugar.Warnw("Redis connection attempt failed",
			"attempt", attempt+1,
			"error", err)
	}

	printFatal("Redis Connection Failed", ClassifyConnectionError(lastErr, opts.Addr))
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries+1, lastErr)
}

func printFatal(title, msg string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
