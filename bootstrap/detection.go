package bootstrap

import (
	"context"
	"fmt"

	"vigil/config"
	"vigil/detect"
	"vigil/service"

	"go.uber.org/zap"
)

// InitConfigService builds the configuration service, loads the stored
// records into the first snapshot and imports the seed file when one is
// configured.
func InitConfigService(ctx context.Context, cfg *config.Config, store *StorageComponents, throttle detect.ThrottleStore, sugar *zap.SugaredLogger) (*service.ConfigService, *detect.SnapshotHolder, error) {
	cache, err := detect.NewRegexCache(cfg.Engine.RegexCacheSize, cfg.GetRegexTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create regex cache: %w", err)
	}

	holder := detect.NewSnapshotHolder()
	svc := service.NewConfigService(store.ConfigStore, holder, cache, throttle, sugar)
	if err := svc.Reload(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration records: %w", err)
	}

	if cfg.Seed.Path != "" {
		seed, err := detect.LoadSeed(cfg.Seed.Path, sugar)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load seed file: %w", err)
		}
		if err := svc.Import(ctx, seed); err != nil {
			return nil, nil, fmt.Errorf("failed to import seed file: %w", err)
		}
	}

	snap := holder.Load()
	sugar.Infow("Configuration snapshot ready",
		"version", snap.Version,
		"policies", len(snap.Policies),
		"rules", len(snap.Rules),
		"providers", len(snap.Providers),
		"skipped", len(snap.Skipped))
	for id, reason := range snap.Skipped {
		sugar.Warnw("Record skipped in snapshot", "id", id, "reason", reason)
	}
	return svc, holder, nil
}

// InitDetector creates the policy engine and the detector worker pool. The
// detector is not started.
func InitDetector(cfg *config.Config, holder *detect.SnapshotHolder, throttle detect.ThrottleStore, sink detect.AlertSink, sugar *zap.SugaredLogger) *detect.Detector {
	engine := detect.NewPolicyEngine(throttle, sugar,
		detect.WithParallelThreshold(cfg.Engine.PolicyParallelismThreshold))
	return detect.NewDetector(engine, holder, sink, detect.DetectorConfig{
		BufferSize:  cfg.Engine.ChannelBufferSize,
		WorkerCount: cfg.Engine.WorkerCount,
		StopTimeout: cfg.Dispatch.StopTimeout,
	}, sugar)
}
