// Package config loads and validates prerender configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/prerender/internal/ratelimit"
	"github.com/JakeFAU/prerender/internal/render"
)

// Backend names accepted by the *.backend keys.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendLevelDB  = "leveldb"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	GCS       GCSConfig       `mapstructure:"gcs"`
	S3        S3Config        `mapstructure:"s3"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Events    EventsConfig    `mapstructure:"events"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Security  SecurityConfig  `mapstructure:"security"`
	Admission AdmissionConfig `mapstructure:"admission"`
	AccessLog AccessLogConfig `mapstructure:"access_log"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int           `mapstructure:"port"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	EstimatedRenderSeconds int           `mapstructure:"estimated_render_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AuthConfig configures the authenticator chain.
type AuthConfig struct {
	// SessionSecret enables dashboard session tokens when set.
	SessionSecret string `mapstructure:"session_secret"`
	SessionIssuer string `mapstructure:"session_issuer"`
	// StaticKeys are API keys served from memory, intended for local development.
	StaticKeys []StaticKey `mapstructure:"static_keys"`
}

// StaticKey is one API key configured in the file.
type StaticKey struct {
	Key         string `mapstructure:"key"`
	PrincipalID string `mapstructure:"principal_id"`
	Tier        string `mapstructure:"tier"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	Backend         string         `mapstructure:"backend"`
	Tiers           map[string]int `mapstructure:"tiers"`
	DefaultTier     string         `mapstructure:"default_tier"`
	APIWindow       time.Duration  `mapstructure:"api_window"`
	DashboardLimit  int            `mapstructure:"dashboard_limit"`
	DashboardWindow time.Duration  `mapstructure:"dashboard_window"`
}

// CacheConfig selects and tunes both cache tiers.
type CacheConfig struct {
	HotBackend       string        `mapstructure:"hot_backend"`
	HotCapacity      int           `mapstructure:"hot_capacity"`
	HotTTL           time.Duration `mapstructure:"hot_ttl"`
	ColdBackend      string        `mapstructure:"cold_backend"`
	ColdPrefix       string        `mapstructure:"cold_prefix"`
	ColdWriteTimeout time.Duration `mapstructure:"cold_write_timeout"`
	LocalDir         string        `mapstructure:"local_dir"`
	LevelDBPath      string        `mapstructure:"leveldb_path"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GCSConfig names the snapshot bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// S3Config configures an S3-compatible snapshot bucket.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// DatabaseConfig controls job and artifact persistence.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// QueueConfig selects the dispatch queue.
type QueueConfig struct {
	Backend      string `mapstructure:"backend"`
	Capacity     int    `mapstructure:"capacity"`
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// EventsConfig selects where completion events go.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// WorkerConfig tunes the dispatcher, retry policy, and reaper.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	StartsPerSecond float64       `mapstructure:"starts_per_second"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	ReaperInterval  time.Duration `mapstructure:"reaper_interval"`
	ReaperBatch     int           `mapstructure:"reaper_batch"`
}

// RendererConfig tunes the headless browser.
type RendererConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	UserAgent      string        `mapstructure:"user_agent"`
	ExecPath       string        `mapstructure:"exec_path"`
	NoSandbox      bool          `mapstructure:"no_sandbox"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	IdleWindow     time.Duration `mapstructure:"idle_window"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AutoScroll     bool          `mapstructure:"auto_scroll"`
}

// SecurityConfig extends the built-in URL and tracker rules.
type SecurityConfig struct {
	BlockedHosts   []string `mapstructure:"blocked_hosts"`
	TrackerDomains []string `mapstructure:"tracker_domains"`
}

// AdmissionConfig tunes the admission controller.
type AdmissionConfig struct {
	BackendTimeout time.Duration `mapstructure:"backend_timeout"`
}

// AccessLogConfig tunes the cache access log hub.
type AccessLogConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	LogEnabled   bool          `mapstructure:"log_enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRERENDER")
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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.estimated_render_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.service_name", "prerender")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("auth.session_secret", "")
	v.SetDefault("auth.session_issuer", "")

	policy := ratelimit.DefaultPolicy()
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.tiers", policy.Tiers)
	v.SetDefault("ratelimit.default_tier", policy.DefaultTier)
	v.SetDefault("ratelimit.api_window", policy.APIWindow)
	v.SetDefault("ratelimit.dashboard_limit", policy.DashboardLimit)
	v.SetDefault("ratelimit.dashboard_window", policy.DashboardWindow)

	v.SetDefault("cache.hot_backend", BackendMemory)
	v.SetDefault("cache.hot_capacity", 1024)
	v.SetDefault("cache.hot_ttl", "24h")
	v.SetDefault("cache.cold_backend", BackendMemory)
	v.SetDefault("cache.cold_prefix", "snapshots")
	v.SetDefault("cache.cold_write_timeout", "30s")
	v.SetDefault("cache.local_dir", "data/snapshots")
	v.SetDefault("cache.leveldb_path", "data/snapshots.ldb")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_ssl", true)

	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.project_id", "")
	v.SetDefault("queue.topic", "render-tasks")
	v.SetDefault("queue.subscription", "render-tasks-worker")
	v.SetDefault("events.backend", BackendNone)
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "render-completed")

	retry := render.DefaultRetryPolicy()
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.starts_per_second", 10.0)
	v.SetDefault("worker.max_attempts", retry.MaxAttempts)
	v.SetDefault("worker.base_delay", retry.BaseDelay)
	v.SetDefault("worker.backoff_factor", retry.Factor)
	v.SetDefault("worker.max_delay", retry.MaxDelay)
	v.SetDefault("worker.jitter", retry.Jitter)
	v.SetDefault("worker.stale_after", "15m")
	v.SetDefault("worker.reaper_interval", "1m")
	v.SetDefault("worker.reaper_batch", 100)

	v.SetDefault("renderer.pool_size", 2)
	v.SetDefault("renderer.user_agent", "prerender/1.0 (+https://github.com/JakeFAU/prerender)")
	v.SetDefault("renderer.exec_path", "")
	v.SetDefault("renderer.no_sandbox", false)
	v.SetDefault("renderer.default_timeout", "30s")
	v.SetDefault("renderer.max_timeout", "60s")
	v.SetDefault("renderer.idle_window", "500ms")
	v.SetDefault("renderer.idle_timeout", "10s")
	v.SetDefault("renderer.auto_scroll", false)

	v.SetDefault("security.blocked_hosts", []string{})
	v.SetDefault("security.tracker_domains", render.DefaultTrackerDomains)
	v.SetDefault("admission.backend_timeout", "2s")

	v.SetDefault("access_log.buffer_size", 4096)
	v.SetDefault("access_log.max_batch", 500)
	v.SetDefault("access_log.max_batch_wait", "1s")
	v.SetDefault("access_log.sink_timeout", "10s")
	v.SetDefault("access_log.log_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")

	check(oneOf(c.RateLimit.Backend, BackendMemory, BackendRedis), "ratelimit.backend %q is not supported", c.RateLimit.Backend)
	_, ok := c.RateLimitPolicy().Tiers[strings.ToLower(c.RateLimit.DefaultTier)]
	check(ok, "ratelimit.default_tier %q is not defined in ratelimit.tiers", c.RateLimit.DefaultTier)
	check(c.RateLimit.APIWindow > 0, "ratelimit.api_window must be > 0")
	check(c.RateLimit.DashboardLimit > 0, "ratelimit.dashboard_limit must be > 0")
	check(c.RateLimit.DashboardWindow > 0, "ratelimit.dashboard_window must be > 0")

	check(oneOf(c.Cache.HotBackend, BackendMemory, BackendRedis), "cache.hot_backend %q is not supported", c.Cache.HotBackend)
	check(c.Cache.HotBackend != BackendMemory || c.Cache.HotCapacity > 0, "cache.hot_capacity must be > 0")
	check(oneOf(c.Cache.ColdBackend, BackendMemory, BackendLocal, BackendGCS, BackendS3, BackendLevelDB),
		"cache.cold_backend %q is not supported", c.Cache.ColdBackend)
	check(c.Cache.ColdBackend != BackendLocal || c.Cache.LocalDir != "", "cache.local_dir is required for the local backend")
	check(c.Cache.ColdBackend != BackendLevelDB || c.Cache.LevelDBPath != "", "cache.leveldb_path is required for the leveldb backend")
	check(c.Cache.ColdBackend != BackendGCS || c.GCS.Bucket != "", "gcs.bucket is required for the gcs backend")
	check(c.Cache.ColdBackend != BackendS3 || (c.S3.Endpoint != "" && c.S3.Bucket != ""),
		"s3.endpoint and s3.bucket are required for the s3 backend")
	check(!c.UsesRedis() || c.Redis.Addr != "", "redis.addr is required when a redis backend is selected")

	check(oneOf(c.Database.Backend, BackendMemory, BackendPostgres), "database.backend %q is not supported", c.Database.Backend)
	check(c.Database.Backend != BackendPostgres || c.Database.DSN != "", "database.dsn is required for the postgres backend")

	check(oneOf(c.Queue.Backend, BackendMemory, BackendPubSub), "queue.backend %q is not supported", c.Queue.Backend)
	check(c.Queue.Backend != BackendMemory || c.Queue.Capacity > 0, "queue.capacity must be > 0")
	check(c.Queue.Backend != BackendPubSub || (c.Queue.ProjectID != "" && c.Queue.Topic != "" && c.Queue.Subscription != ""),
		"queue.project_id, queue.topic and queue.subscription are required for the pubsub backend")
	check(oneOf(c.Events.Backend, BackendNone, BackendMemory, BackendPubSub), "events.backend %q is not supported", c.Events.Backend)
	check(c.Events.Backend != BackendPubSub || (c.Events.ProjectID != "" && c.Events.Topic != ""),
		"events.project_id and events.topic are required for the pubsub backend")

	check(c.Worker.Concurrency > 0, "worker.concurrency must be > 0")
	check(c.Worker.StartsPerSecond > 0, "worker.starts_per_second must be > 0")
	check(c.Worker.MaxAttempts >= 1, "worker.max_attempts must be >= 1")
	check(c.Worker.BackoffFactor >= 1, "worker.backoff_factor must be >= 1")
	check(c.Worker.Jitter >= 0 && c.Worker.Jitter < 1, "worker.jitter must be within [0, 1)")

	check(c.Renderer.PoolSize > 0, "renderer.pool_size must be > 0")
	check(c.Renderer.MaxTimeout <= 60*time.Second, "renderer.max_timeout must be <= 60s")
	check(c.Admission.BackendTimeout > 0, "admission.backend_timeout must be > 0")

	return errors.Join(errs...)
}

// RetryPolicy converts the worker retry knobs.
func (c Config) RetryPolicy() render.RetryPolicy {
	return render.RetryPolicy{
		MaxAttempts: c.Worker.MaxAttempts,
		BaseDelay:   c.Worker.BaseDelay,
		Factor:      c.Worker.BackoffFactor,
		MaxDelay:    c.Worker.MaxDelay,
		Jitter:      c.Worker.Jitter,
	}
}

// RateLimitPolicy converts the limiter knobs.
func (c Config) RateLimitPolicy() ratelimit.Policy {
	tiers := make(map[string]int, len(c.RateLimit.Tiers))
	for name, limit := range c.RateLimit.Tiers {
		tiers[strings.ToLower(name)] = limit
	}
	return ratelimit.Policy{
		Tiers:           tiers,
		DefaultTier:     strings.ToLower(c.RateLimit.DefaultTier),
		APIWindow:       c.RateLimit.APIWindow,
		DashboardLimit:  c.RateLimit.DashboardLimit,
		DashboardWindow: c.RateLimit.DashboardWindow,
	}
}

// SharedState reports whether every backend that must be shared between the
// API and worker processes is external. Memory backends only work when both
// run in one process.
func (c Config) SharedState() bool {
	return c.Database.Backend != BackendMemory && c.Queue.Backend != BackendMemory &&
		c.Cache.HotBackend != BackendMemory && c.Cache.ColdBackend != BackendMemory
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.RateLimit.Backend == BackendRedis || c.Cache.HotBackend == BackendRedis
}

func oneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}
