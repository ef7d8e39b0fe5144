package bootstrap

import (
	"fmt"
	"os"

	"vigil/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output at the
// given level. An empty level means info.
func InitLogger(level string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration from path, or from the default search
// locations when path is empty.
func InitConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadConfigFile(path)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfig records the settings that shape runtime behaviour.
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	sugar.Infow("Config loaded",
		"api_port", cfg.API.Port,
		"sqlite_path", cfg.Storage.SQLitePath,
		"throttle_backend", cfg.Throttle.Backend,
		"engine_workers", cfg.Engine.WorkerCount,
		"dispatch_workers", cfg.Dispatch.WorkerCount,
		"seed_path", cfg.Seed.Path)
}
