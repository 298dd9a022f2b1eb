// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	DB          DBConfig          `mapstructure:"db"`
	Queue       QueueConfig       `mapstructure:"queue"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Gate        GateConfig        `mapstructure:"gate"`
	Throttle    ThrottleConfig    `mapstructure:"throttle"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	HTTPEngine  HTTPEngineConfig  `mapstructure:"http_engine"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Feedback    FeedbackConfig    `mapstructure:"feedback"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects the shared learned-state store.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls the relational job store. When disabled, jobs are kept in
// process memory.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// QueueConfig tunes the in-process job queue and the optional Pub/Sub intake.
type QueueConfig struct {
	Capacity        int    `mapstructure:"capacity"`
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"`
	MaxStalls       int    `mapstructure:"max_stalls"`
	Subscription    string `mapstructure:"subscription"`
}

// PubSubConfig holds publish-subscribe metadata for outcome notifications and
// the job intake.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StorageConfig selects where fetched content is persisted.
type StorageConfig struct {
	// Backend is "gcs", "local", "memory" or "none".
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// WorkersConfig governs the worker pool and its retry budget.
type WorkersConfig struct {
	Count            int `mapstructure:"count"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// PipelineConfig tunes attempt execution.
type PipelineConfig struct {
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	RateWaitSeconds     int    `mapstructure:"rate_wait_seconds"`
	ProxyStrategy       string `mapstructure:"proxy_strategy"`
}

// GateConfig tunes the per-domain circuit.
type GateConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	WindowSeconds    int `mapstructure:"window_seconds"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

// ThrottleConfig tunes the coarse per-domain request budget.
type ThrottleConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// ProxyConfig tunes the egress pool.
type ProxyConfig struct {
	FailureThreshold  int     `mapstructure:"failure_threshold"`
	DisableSeconds    int     `mapstructure:"disable_seconds"`
	AdaptiveThreshold float64 `mapstructure:"adaptive_threshold"`
}

// FingerprintConfig tunes the fingerprint ranker.
type FingerprintConfig struct {
	MinScore      float64 `mapstructure:"min_score"`
	MaxRanked     int     `mapstructure:"max_ranked"`
	BestThreshold float64 `mapstructure:"best_threshold"`
}

// HTTPEngineConfig tunes the colly-based fetch engine.
type HTTPEngineConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Concurrency    int    `mapstructure:"concurrency"`
}

// BrowserConfig tunes the headless rendering engine.
type BrowserConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	MaxTabs              int     `mapstructure:"max_tabs"`
	RenderTimeoutSeconds int     `mapstructure:"render_timeout_seconds"`
	DomainQPS            float64 `mapstructure:"domain_qps"`
}

// FeedbackConfig tunes the outcome feedback hub.
type FeedbackConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	BatchSize int `mapstructure:"batch_size"`
	FlushMs   int `mapstructure:"flush_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AEGIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.db", 0)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.lease_ttl_seconds", 120)
	v.SetDefault("queue.max_stalls", 3)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.backoff_initial_ms", 250)
	v.SetDefault("workers.backoff_max_ms", 5000)
	v.SetDefault("pipeline.fetch_timeout_seconds", 30)
	v.SetDefault("pipeline.rate_wait_seconds", 10)
	v.SetDefault("pipeline.proxy_strategy", "round_robin")
	v.SetDefault("gate.failure_threshold", 10)
	v.SetDefault("gate.window_seconds", 60)
	v.SetDefault("gate.cooldown_seconds", 300)
	v.SetDefault("throttle.max_requests", 20)
	v.SetDefault("throttle.window_seconds", 60)
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.disable_seconds", 300)
	v.SetDefault("proxy.adaptive_threshold", 0.7)
	v.SetDefault("fingerprint.min_score", 0.1)
	v.SetDefault("fingerprint.max_ranked", 50)
	v.SetDefault("fingerprint.best_threshold", 0.5)
	v.SetDefault("http_engine.timeout_seconds", 30)
	v.SetDefault("http_engine.concurrency", 8)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_tabs", 2)
	v.SetDefault("browser.render_timeout_seconds", 45)
	v.SetDefault("feedback.queue_size", 2048)
	v.SetDefault("feedback.batch_size", 256)
	v.SetDefault("feedback.flush_ms", 250)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Addr == "" {
			return fmt.Errorf("store.addr must be set when store.backend is redis")
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs, local, memory or none, got %q", c.Storage.Backend)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Pipeline.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.fetch_timeout_seconds must be > 0")
	}
	if c.Gate.FailureThreshold <= 0 {
		return fmt.Errorf("gate.failure_threshold must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxTabs <= 0 {
		return fmt.Errorf("browser.max_tabs must be > 0 when browser is enabled")
	}
	return nil
}

// FetchTimeout converts the pipeline fetch timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Pipeline.FetchTimeoutSeconds) * time.Second
}

// RateWaitMax converts the rate slot wait budget to a duration.
func (c Config) RateWaitMax() time.Duration {
	return time.Duration(c.Pipeline.RateWaitSeconds) * time.Second
}
