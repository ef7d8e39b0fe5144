package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"vigil/core"

	"github.com/spf13/viper"
)

// Throttle store backends.
const (
	ThrottleBackendMemory = "memory"
	ThrottleBackendRedis  = "redis"
)

// APIConfig configures the HTTP server.
type APIConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	TrustProxy     bool          `mapstructure:"trust_proxy"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TLS            bool          `mapstructure:"tls"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
	RateLimit      struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// EngineConfig sizes the evaluator.
type EngineConfig struct {
	ChannelBufferSize          int `mapstructure:"channel_buffer_size"`
	WorkerCount                int `mapstructure:"worker_count"`
	PolicyParallelismThreshold int `mapstructure:"policy_parallelism_threshold"`
	RegexTimeoutMS             int `mapstructure:"regex_timeout_ms"`
	RegexCacheSize             int `mapstructure:"regex_cache_size"`
}

// RedisConfig is the shared throttle store connection.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ThrottleConfig selects where per-policy throttle state lives.
type ThrottleConfig struct {
	Backend     string        `mapstructure:"backend"`
	MaxLateness time.Duration `mapstructure:"max_lateness"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

// DispatchConfig sizes the notification dispatcher.
type DispatchConfig struct {
	WorkerCount        int                       `mapstructure:"worker_count"`
	QueueSize          int                       `mapstructure:"queue_size"`
	MaxRetries         int                       `mapstructure:"max_retries"`
	BaseDelay          time.Duration             `mapstructure:"base_delay"`
	BackoffFactor      float64                   `mapstructure:"backoff_factor"`
	MaxDelay           time.Duration             `mapstructure:"max_delay"`
	AttemptTimeout     time.Duration             `mapstructure:"attempt_timeout"`
	StopTimeout        time.Duration             `mapstructure:"stop_timeout"`
	CircuitBreaker     core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	PagerDutyEventsURL string                    `mapstructure:"pagerduty_events_url"`
}

// SeedConfig points at a rules/policies/providers file imported at startup.
type SeedConfig struct {
	Path string `mapstructure:"path"`
}

// Config holds all configuration for the Vigil service
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	API      APIConfig      `mapstructure:"api"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("api.port", 8081)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 15*time.Second)
	v.SetDefault("api.idle_timeout", 60*time.Second)
	v.SetDefault("api.max_body_bytes", 1<<20)
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.trusted_proxies", []string{})
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.tls", false)
	v.SetDefault("api.cert_file", "")
	v.SetDefault("api.key_file", "")
	v.SetDefault("api.rate_limit.requests_per_second", 100.0)
	v.SetDefault("api.rate_limit.burst", 200)

	v.SetDefault("storage.sqlite_path", "./data/vigil.db")

	v.SetDefault("engine.channel_buffer_size", 1000)
	v.SetDefault("engine.worker_count", 4)
	v.SetDefault("engine.policy_parallelism_threshold", 32)
	v.SetDefault("engine.regex_timeout_ms", 100)
	v.SetDefault("engine.regex_cache_size", 1024)

	v.SetDefault("throttle.backend", ThrottleBackendMemory)
	v.SetDefault("throttle.max_lateness", 5*time.Minute)
	v.SetDefault("throttle.redis.addr", "localhost:6379")
	v.SetDefault("throttle.redis.password", "")
	v.SetDefault("throttle.redis.db", 0)
	v.SetDefault("throttle.redis.pool_size", 10)
	v.SetDefault("throttle.redis.key_prefix", "vigil:throttle:")

	v.SetDefault("dispatch.worker_count", 4)
	v.SetDefault("dispatch.queue_size", 1000)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.base_delay", time.Second)
	v.SetDefault("dispatch.backoff_factor", 4.0)
	v.SetDefault("dispatch.max_delay", time.Minute)
	v.SetDefault("dispatch.attempt_timeout", 10*time.Second)
	v.SetDefault("dispatch.stop_timeout", 30*time.Second)
	v.SetDefault("dispatch.circuit_breaker.max_failures", 5)
	v.SetDefault("dispatch.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("dispatch.circuit_breaker.max_half_open_requests", 1)
	v.SetDefault("dispatch.pagerduty_events_url", "https://events.pagerduty.com/v2/enqueue")

	v.SetDefault("seed.path", "")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings most often overridden in containers
	_ = v.BindEnv("storage.sqlite_path", "VIGIL_SQLITE_PATH")
	_ = v.BindEnv("throttle.redis.addr", "VIGIL_REDIS_ADDR")
	_ = v.BindEnv("throttle.redis.password", "VIGIL_REDIS_PASSWORD")
	_ = v.BindEnv("seed.path", "VIGIL_SEED_PATH")
}

// LoadConfig reads config.yaml from . or ./config, then environment
// variables prefixed with VIGIL_. A missing file is not an error.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v, true)
}

// LoadConfigFile reads configuration from an explicit path.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, false)
}

func load(v *viper.Viper, optional bool) (*Config, error) {
	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !optional || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateConfig(config *Config) error {
	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_second must be positive")
	}
	if config.API.RateLimit.Burst < 1 {
		return fmt.Errorf("api.rate_limit.burst must be at least 1")
	}
	if config.API.MaxBodyBytes <= 0 {
		return fmt.Errorf("api.max_body_bytes must be positive")
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when TLS is enabled")
	}

	if config.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path cannot be empty")
	}

	if config.Engine.ChannelBufferSize < 1 {
		return fmt.Errorf("engine.channel_buffer_size must be at least 1")
	}
	if config.Engine.WorkerCount < 1 {
		return fmt.Errorf("engine.worker_count must be at least 1")
	}
	if config.Engine.PolicyParallelismThreshold < 0 {
		return fmt.Errorf("engine.policy_parallelism_threshold cannot be negative")
	}
	if config.Engine.RegexTimeoutMS < 1 || config.Engine.RegexTimeoutMS > 10000 {
		return fmt.Errorf("engine.regex_timeout_ms must be between 1 and 10000")
	}
	if config.Engine.RegexCacheSize < 1 {
		return fmt.Errorf("engine.regex_cache_size must be at least 1")
	}

	switch config.Throttle.Backend {
	case ThrottleBackendMemory:
	case ThrottleBackendRedis:
		if config.Throttle.Redis.Addr == "" {
			return fmt.Errorf("throttle.redis.addr is required for the redis backend")
		}
		if config.Throttle.Redis.DB < 0 {
			return fmt.Errorf("throttle.redis.db cannot be negative")
		}
	default:
		return fmt.Errorf("invalid throttle.backend %q (must be %s or %s)",
			config.Throttle.Backend, ThrottleBackendMemory, ThrottleBackendRedis)
	}

	d := config.Dispatch
	if d.WorkerCount < 1 {
		return fmt.Errorf("dispatch.worker_count must be at least 1")
	}
	if d.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1")
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries cannot be negative")
	}
	if d.BaseDelay <= 0 {
		return fmt.Errorf("dispatch.base_delay must be positive")
	}
	if d.BackoffFactor < 1 {
		return fmt.Errorf("dispatch.backoff_factor must be at least 1")
	}
	if d.MaxDelay < d.BaseDelay {
		return fmt.Errorf("dispatch.max_delay must not be shorter than dispatch.base_delay")
	}
	if d.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be positive")
	}
	if err := d.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("invalid dispatch.circuit_breaker: %w", err)
	}
	if d.PagerDutyEventsURL != "" {
		u, err := url.Parse(d.PagerDutyEventsURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid dispatch.pagerduty_events_url %q", d.PagerDutyEventsURL)
		}
	}
	return nil
}

// GetRegexTimeout returns the per-match regex deadline.
func (c *Config) GetRegexTimeout() time.Duration {
	return time.Duration(c.Engine.RegexTimeoutMS) * time.Millisecond
}

// Addr returns the listen address of the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.API.Port)
}
