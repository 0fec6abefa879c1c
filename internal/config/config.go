// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/extract"
	"github.com/JakeFAU/catalog-refresher/internal/staleness"
)

const envPrefix = "CATALOG"

// DefaultUserAgent identifies the scraper to the source site.
const DefaultUserAgent = "WorldOfBooksScraper/1.0 (+https://github.com/your-repo)"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Scrape    ScrapeConfig      `mapstructure:"scrape"`
	RateLimit RateLimitConfig   `mapstructure:"rate_limit"`
	TTL       TTLConfig         `mapstructure:"ttl"`
	Browser   BrowserConfig     `mapstructure:"browser"`
	Storage   StorageConfig     `mapstructure:"storage"`
	DB        DBConfig          `mapstructure:"db"`
	SQLite    SQLiteConfig      `mapstructure:"sqlite"`
	Redis     RedisConfig       `mapstructure:"redis"`
	PubSub    PubSubConfig      `mapstructure:"pubsub"`
	Refresh   RefreshConfig     `mapstructure:"refresh"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Extract   extract.Selectors `mapstructure:"extract"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScrapeConfig governs workers and the retry policy. JobTimeoutMs of zero
// derives the per-job timeout from RequestTimeoutMs and DelayBetweenRequestMs.
type ScrapeConfig struct {
	MaxConcurrency        int      `mapstructure:"max_concurrency"`
	DelayBetweenRequestMs int      `mapstructure:"delay_between_requests_ms"`
	RequestTimeoutMs      int      `mapstructure:"request_timeout_ms"`
	JobTimeoutMs          int      `mapstructure:"job_timeout_ms"`
	RetryAttempts         int      `mapstructure:"retry_attempts"`
	RetryDelayBaseMs      int      `mapstructure:"retry_delay_base_ms"`
	RetryDelayMaxMs       int      `mapstructure:"retry_delay_max_ms"`
	RateLimitedMultiplier int      `mapstructure:"rate_limited_multiplier"`
	PollIntervalMs        int      `mapstructure:"poll_interval_ms"`
	UserAgent             string   `mapstructure:"user_agent"`
	Fetcher               string   `mapstructure:"fetcher"`
	SnapshotPrefix        string   `mapstructure:"snapshot_prefix"`
	BlockMarkers          []string `mapstructure:"block_markers"`
}

// RateLimitConfig bounds the rolling request rate.
type RateLimitConfig struct {
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`
	BurstLimit           int `mapstructure:"burst_limit"`
	BurstWindowMs        int `mapstructure:"burst_window_ms"`
}

// TTLConfig holds per-kind freshness windows in hours.
type TTLConfig struct {
	NavigationHours    int `mapstructure:"navigation_hours"`
	CategoriesHours    int `mapstructure:"categories_hours"`
	ProductsHours      int `mapstructure:"products_hours"`
	ProductDetailHours int `mapstructure:"product_detail_hours"`
	ReviewsHours       int `mapstructure:"reviews_hours"`
	CacheCheckHours    int `mapstructure:"cache_check_hours"`
}

// BrowserConfig configures the headless session factory.
type BrowserConfig struct {
	SettleDelayMs int    `mapstructure:"settle_delay_ms"`
	WaitSelector  string `mapstructure:"wait_selector"`
}

// StorageConfig selects the job/entity backend and the snapshot store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Blob      string `mapstructure:"blob"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	JobsTable     string `mapstructure:"jobs_table"`
	EntitiesTable string `mapstructure:"entities_table"`
	MaxConns      int    `mapstructure:"max_conns"`
	MinConns      int    `mapstructure:"min_conns"`
}

// SQLiteConfig points at the single-node job database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables the shared freshness-check throttle when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds the job outcome topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// RefreshConfig drives the periodic staleness sweeper.
type RefreshConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	SeedURL         string `mapstructure:"seed_url"`
	BatchSize       int    `mapstructure:"batch_size"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps keys to the bare variable names older deployments set.
var legacyEnv = map[string]string{
	"scrape.max_concurrency":             "MAX_CONCURRENCY",
	"scrape.delay_between_requests_ms":   "DELAY_BETWEEN_REQUESTS_MS",
	"scrape.request_timeout_ms":          "REQUEST_TIMEOUT_MS",
	"scrape.retry_attempts":              "RETRY_ATTEMPTS",
	"scrape.retry_delay_base_ms":         "RETRY_DELAY_BASE_MS",
	"scrape.user_agent":                  "USER_AGENT",
	"rate_limit.max_requests_per_minute": "MAX_REQUESTS_PER_MINUTE",
	"rate_limit.burst_limit":             "BURST_LIMIT",
	"rate_limit.burst_window_ms":         "BURST_WINDOW_MS",
	"ttl.navigation_hours":               "NAVIGATION_TTL_HOURS",
	"ttl.categories_hours":               "CATEGORIES_TTL_HOURS",
	"ttl.products_hours":                 "PRODUCTS_TTL_HOURS",
	"ttl.product_detail_hours":           "PRODUCT_DETAIL_TTL_HOURS",
	"ttl.reviews_hours":                  "REVIEWS_TTL_HOURS",
	"ttl.cache_check_hours":              "CACHE_CHECK_TTL_HOURS",
	"logging.level":                      "LOG_LEVEL",
}

// LoadEnvFile loads variables from a dotenv file without overriding ones
// already set. A missing file is ignored when path is empty.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{Extract: extract.DefaultSelectors()}
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
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("scrape.max_concurrency", 2)
	v.SetDefault("scrape.delay_between_requests_ms", 1000)
	v.SetDefault("scrape.request_timeout_ms", 10000)
	v.SetDefault("scrape.job_timeout_ms", 0)
	v.SetDefault("scrape.retry_attempts", 3)
	v.SetDefault("scrape.retry_delay_base_ms", 2000)
	v.SetDefault("scrape.retry_delay_max_ms", 300000)
	v.SetDefault("scrape.rate_limited_multiplier", 4)
	v.SetDefault("scrape.poll_interval_ms", 200)
	v.SetDefault("scrape.user_agent", DefaultUserAgent)
	v.SetDefault("scrape.fetcher", "headless")
	v.SetDefault("scrape.snapshot_prefix", "snapshots")
	v.SetDefault("rate_limit.max_requests_per_minute", 30)
	v.SetDefault("rate_limit.burst_limit", 5)
	v.SetDefault("rate_limit.burst_window_ms", 60000)
	v.SetDefault("ttl.navigation_hours", 24)
	v.SetDefault("ttl.categories_hours", 24)
	v.SetDefault("ttl.products_hours", 12)
	v.SetDefault("ttl.product_detail_hours", 6)
	v.SetDefault("ttl.reviews_hours", 6)
	v.SetDefault("ttl.cache_check_hours", 1)
	v.SetDefault("browser.settle_delay_ms", 500)
	v.SetDefault("browser.wait_selector", "body")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.blob", "none")
	v.SetDefault("storage.prefix", "catalog")
	v.SetDefault("db.jobs_table", "scrape_jobs")
	v.SetDefault("db.entities_table", "catalog_records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("sqlite.path", "catalog.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval_minutes", 15)
	v.SetDefault("refresh.seed_url", "https://www.worldofbooks.com/en-gb")
	v.SetDefault("refresh.batch_size", 100)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.MaxConcurrency <= 0 {
		return fmt.Errorf("scrape.max_concurrency must be > 0")
	}
	if c.Scrape.RequestTimeoutMs <= 0 {
		return fmt.Errorf("scrape.request_timeout_ms must be > 0")
	}
	if c.Scrape.DelayBetweenRequestMs < 0 {
		return fmt.Errorf("scrape.delay_between_requests_ms must be >= 0")
	}
	if c.Scrape.JobTimeoutMs < 0 {
		return fmt.Errorf("scrape.job_timeout_ms must be >= 0")
	}
	if c.Scrape.RetryAttempts < 0 {
		return fmt.Errorf("scrape.retry_attempts must be >= 0")
	}
	switch c.Scrape.Fetcher {
	case "headless", "colly":
	default:
		return fmt.Errorf("scrape.fetcher must be headless or colly, got %q", c.Scrape.Fetcher)
	}
	if c.RateLimit.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.max_requests_per_minute must be >= 0")
	}
	if c.RateLimit.BurstLimit <= 0 {
		return fmt.Errorf("rate_limit.burst_limit must be > 0")
	}
	for kind, ttl := range c.TTLs() {
		if ttl <= 0 {
			return fmt.Errorf("ttl for %s must be > 0", kind)
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set when storage.backend is sqlite")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, postgres or sqlite, got %q", c.Storage.Backend)
	}
	switch c.Storage.Blob {
	case "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.blob is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob is gcs")
		}
	default:
		return fmt.Errorf("storage.blob must be none, memory, local or gcs, got %q", c.Storage.Blob)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	if c.Refresh.Enabled && c.Refresh.IntervalMinutes <= 0 {
		return fmt.Errorf("refresh.interval_minutes must be > 0 when refresh is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// TTLs converts the hour settings into an oracle table.
func (c Config) TTLs() staleness.TTLs {
	return staleness.TTLs{
		catalog.KindNavigation:    hours(c.TTL.NavigationHours),
		catalog.KindCategories:    hours(c.TTL.CategoriesHours),
		catalog.KindProducts:      hours(c.TTL.ProductsHours),
		catalog.KindProductDetail: hours(c.TTL.ProductDetailHours),
		catalog.KindReviews:       hours(c.TTL.ReviewsHours),
	}
}

// CheckHorizon is how long a freshness check suppresses repeats.
func (c Config) CheckHorizon() time.Duration {
	return hours(c.TTL.CacheCheckHours)
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
