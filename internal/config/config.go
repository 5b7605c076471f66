// Package config loads and validates scrapecache configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapecache/internal/fetcher/extract"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPECACHE_SERVER_PORT.
const EnvPrefix = "SCRAPECACHE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Lock        LockConfig        `mapstructure:"lock"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Store       StoreConfig       `mapstructure:"store"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	DB          DBConfig          `mapstructure:"db"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	GCS         GCSConfig         `mapstructure:"gcs"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
}

// AuthConfig lists accepted API keys. Empty accepts any key.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CacheConfig sizes the tiers.
type CacheConfig struct {
	FastTTL     time.Duration `mapstructure:"fast_ttl"`
	FastSize    int           `mapstructure:"fast_size"`
	SlowTTL     time.Duration `mapstructure:"slow_ttl"`
	SlowBackend string        `mapstructure:"slow_backend"`
	// PurgeInterval controls the expired-entry sweep on SQL slow tiers.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// LockConfig controls the per-key lock.
type LockConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	WaitMax       time.Duration `mapstructure:"wait_max"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// AdmissionConfig holds rate, concurrency and validation limits.
type AdmissionConfig struct {
	Window                time.Duration `mapstructure:"window"`
	RequestsPerWindowIP   int           `mapstructure:"requests_per_window_ip"`
	RequestsPerWindowKey  int           `mapstructure:"requests_per_window_key"`
	MaxConcurrentPerIP    int           `mapstructure:"max_concurrent_per_ip"`
	MaxConcurrentPerKey   int           `mapstructure:"max_concurrent_per_key"`
	ConcurrencyRetryAfter time.Duration `mapstructure:"concurrency_retry_after"`
	MaxPageSync           int           `mapstructure:"max_page_sync"`
	MaxPageAsync          int           `mapstructure:"max_page_async"`
	MaxLimit              int           `mapstructure:"max_limit"`
	MaxQueryLength        int           `mapstructure:"max_query_length"`
	// Privileged lists API keys whose jobs run at high priority.
	Privileged           []string `mapstructure:"privileged"`
	NormalLimitThreshold int      `mapstructure:"normal_limit_threshold"`
}

// CoordinatorConfig tunes the resolve algorithm.
type CoordinatorConfig struct {
	Prefetch          bool          `mapstructure:"prefetch"`
	PrefetchMaxPage   int           `mapstructure:"prefetch_max_page"`
	BusyRetryAfter    time.Duration `mapstructure:"busy_retry_after"`
	BlockedRetryAfter time.Duration `mapstructure:"blocked_retry_after"`
}

// RetryConfig is the in-process fetch retry policy.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Multiplier    float64       `mapstructure:"multiplier"`
	BlockedFactor float64       `mapstructure:"blocked_factor"`
}

// QueueConfig selects the broker and its retry budget.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend"`
	Depth          int           `mapstructure:"depth"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// StoreConfig selects the job and record store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// FetchConfig describes the upstream and how to reach it.
type FetchConfig struct {
	SearchURL      string            `mapstructure:"search_url"`
	UserAgent      string            `mapstructure:"user_agent"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	RPS            float64           `mapstructure:"rps"`
	Burst          int               `mapstructure:"burst"`
	ShellThreshold int               `mapstructure:"shell_threshold"`
	Selectors      extract.Selectors `mapstructure:"selectors"`
	Headless       HeadlessConfig    `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering strategy.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	Settle      time.Duration `mapstructure:"settle"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
	CacheTable string `mapstructure:"cache_table"`
}

// SQLiteConfig points at the local slow tier database.
type SQLiteConfig struct {
	DSN string `mapstructure:"dsn"`
}

// GCSConfig names the bucket backing the object-store slow tier.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig names the broker topics.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	Subscription    string `mapstructure:"subscription"`
	CreateIfMissing bool   `mapstructure:"create_if_missing"`
}

// EventsConfig sizes the event hub.
type EventsConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "scrapecache")
	v.SetDefault("telemetry.sample_ratio", 0.1)

	v.SetDefault("cache.fast_ttl", time.Hour)
	v.SetDefault("cache.fast_size", 10_000)
	v.SetDefault("cache.slow_ttl", 7*24*time.Hour)
	v.SetDefault("cache.slow_backend", "memory")
	v.SetDefault("cache.purge_interval", time.Hour)

	v.SetDefault("lock.ttl", 15*time.Minute)
	v.SetDefault("lock.sweep_interval", 5*time.Minute)
	v.SetDefault("lock.wait_max", 15*time.Minute)
	v.SetDefault("lock.poll_interval", 2*time.Second)

	v.SetDefault("admission.window", time.Minute)
	v.SetDefault("admission.requests_per_window_ip", 30)
	v.SetDefault("admission.requests_per_window_key", 300)
	v.SetDefault("admission.max_concurrent_per_ip", 2)
	v.SetDefault("admission.max_concurrent_per_key", 10)
	v.SetDefault("admission.concurrency_retry_after", 5*time.Second)
	v.SetDefault("admission.max_page_sync", 50)
	v.SetDefault("admission.max_page_async", 1000)
	v.SetDefault("admission.max_limit", 100)
	v.SetDefault("admission.max_query_length", 200)
	v.SetDefault("admission.privileged", []string{})
	v.SetDefault("admission.normal_limit_threshold", 25)

	v.SetDefault("coordinator.prefetch", true)
	v.SetDefault("coordinator.prefetch_max_page", 0)
	v.SetDefault("coordinator.busy_retry_after", 30*time.Second)
	v.SetDefault("coordinator.blocked_retry_after", time.Minute)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.blocked_factor", 2.0)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 1024)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial", 10*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("store.backend", "memory")

	sel := extract.DefaultSelectors()
	v.SetDefault("fetch.search_url", "")
	v.SetDefault("fetch.user_agent", "scrapecache/0.1")
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.rps", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.shell_threshold", 2048)
	v.SetDefault("fetch.selectors.item", sel.Item)
	v.SetDefault("fetch.selectors.title", sel.Title)
	v.SetDefault("fetch.selectors.link", sel.Link)
	v.SetDefault("fetch.selectors.price", sel.Price)
	v.SetDefault("fetch.selectors.year", sel.Year)
	v.SetDefault("fetch.selectors.mileage", sel.Mileage)
	v.SetDefault("fetch.selectors.location", sel.Location)
	v.SetDefault("fetch.selectors.image", sel.Image)
	v.SetDefault("fetch.selectors.posted", sel.Posted)
	v.SetDefault("fetch.selectors.no_results", sel.NoResults)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.nav_timeout", 45*time.Second)
	v.SetDefault("fetch.headless.settle", 500*time.Millisecond)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.cache_table", "search_cache")
	v.SetDefault("sqlite.dsn", "file:scrapecache.db?_pragma=journal_mode(WAL)")
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.prefix", "cache")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "scrapecache-jobs")
	v.SetDefault("pubsub.subscription", "scrapecache-workers")
	v.SetDefault("pubsub.create_if_missing", false)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.heartbeat", 15*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Cache.FastTTL <= 0 || c.Cache.FastTTL > time.Hour {
		errs = append(errs, errors.New("cache.fast_ttl must be between 0 and 1h"))
	}
	if c.Cache.SlowTTL <= 0 {
		errs = append(errs, errors.New("cache.slow_ttl must be > 0"))
	}
	switch c.Cache.SlowBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres slow tier"))
		}
	case "gcs":
		if c.GCS.Bucket == "" {
			errs = append(errs, errors.New("gcs.bucket is required for the gcs slow tier"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.slow_backend %q is not one of memory, sqlite, postgres, gcs", c.Cache.SlowBackend))
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres job store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, postgres", c.Store.Backend))
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			errs = append(errs, errors.New("pubsub.project_id and pubsub.topic are required for the pubsub queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be > 0"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Lock.TTL <= 0 || c.Lock.WaitMax <= 0 || c.Lock.PollInterval <= 0 {
		errs = append(errs, errors.New("lock.ttl, lock.wait_max and lock.poll_interval must be > 0"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be > 0"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be >= 1"))
	}
	if c.Admission.MaxLimit <= 0 || c.Admission.MaxLimit > 100 {
		errs = append(errs, errors.New("admission.max_limit must be between 1 and 100"))
	}
	if !strings.Contains(c.Fetch.SearchURL, "{query}") {
		errs = append(errs, errors.New("fetch.search_url must contain {query}"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be between 0 and 1"))
	}
	return errors.Join(errs...)
}
