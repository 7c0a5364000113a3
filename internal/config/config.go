// Package config loads and validates auditor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	API          APIConfig          `mapstructure:"api"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Assets       AssetsConfig       `mapstructure:"assets"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Downloader   DownloaderConfig   `mapstructure:"downloader"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Analyzer     AnalyzerConfig     `mapstructure:"analyzer"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key" validate:"required_if=Enabled true"`
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	DefaultTenant  string        `mapstructure:"default_tenant" validate:"required,excludesall=/\\"`
	BlockedHosts   []string      `mapstructure:"blocked_hosts"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// TelemetryConfig names the service for traces. An empty ProjectID keeps
// traces in-process.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=memory postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// AssetsConfig selects the blob backend for captured artifacts.
type AssetsConfig struct {
	Backend   string      `mapstructure:"backend" validate:"oneof=memory local gcs minio"`
	LocalDir  string      `mapstructure:"local_dir" validate:"required_if=Backend local"`
	GCSBucket string      `mapstructure:"gcs_bucket" validate:"required_if=Backend gcs"`
	Minio     MinioConfig `mapstructure:"minio"`
}

// MinioConfig addresses an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// QueueConfig tunes the in-process broker.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity" validate:"gte=0"`
	// JournalDir enables the Badger journal; jobs survive restarts.
	JournalDir string `mapstructure:"journal_dir"`
}

// RetryConfig is the per-queue retry and timeout policy.
type RetryConfig struct {
	Retries    int           `mapstructure:"retries" validate:"gte=0"`
	Backoff    time.Duration `mapstructure:"backoff" validate:"gte=0"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// WorstCase is the longest a job can run: every attempt hits Timeout and
// every retry waits the full, unjittered backoff.
func (r RetryConfig) WorstCase() time.Duration {
	maxBackoff := r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	total := time.Duration(r.Retries+1) * r.Timeout
	delay := r.Backoff
	for range r.Retries {
		total += min(delay, maxBackoff)
		delay *= 2
	}
	return total
}

// FetchConfig controls the fetch stage.
type FetchConfig struct {
	RetryConfig        `mapstructure:",squash"`
	Concurrency        int           `mapstructure:"concurrency" validate:"gt=0"`
	Wait               time.Duration `mapstructure:"wait" validate:"gt=0"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" validate:"gt=0"`
	ArtifactTimeout    time.Duration `mapstructure:"artifact_timeout" validate:"gt=0"`
	Screenshot         bool          `mapstructure:"screenshot"`
	MaxLinkedResources int           `mapstructure:"max_linked_resources" validate:"gte=0"`
	DownloadParallel   int           `mapstructure:"download_parallel" validate:"gt=0"`
}

// BrowserConfig configures headless Chrome.
type BrowserConfig struct {
	MaxParallel    int               `mapstructure:"max_parallel" validate:"gt=0"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	ViewportWidth  int               `mapstructure:"viewport_width" validate:"gte=0"`
	ViewportHeight int               `mapstructure:"viewport_height" validate:"gte=0"`
	SettleDelay    time.Duration     `mapstructure:"settle_delay"`
	ExecPath       string            `mapstructure:"exec_path"`
}

// DownloaderConfig configures auxiliary HTTP downloads.
type DownloaderConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxBodySize int           `mapstructure:"max_body_size" validate:"gt=0"`
}

// RateLimitConfig limits navigations per host.
type RateLimitConfig struct {
	RPS       float64            `mapstructure:"rps" validate:"gte=0"`
	Burst     int                `mapstructure:"burst" validate:"gte=0"`
	Overrides map[string]float64 `mapstructure:"overrides"`
}

// AnalyzerConfig controls analyzer queues. An empty Modules list enables
// every built-in module.
type AnalyzerConfig struct {
	RetryConfig `mapstructure:",squash"`
	Concurrency int      `mapstructure:"concurrency" validate:"gt=0"`
	Modules     []string `mapstructure:"modules"`
}

// OrchestratorConfig bounds fan-out.
type OrchestratorConfig struct {
	FanoutParallel int `mapstructure:"fanout_parallel" validate:"gte=0"`
}

// CacheConfig sets result cache expiry.
type CacheConfig struct {
	ResultTTL     time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
	RenderedTTL   time.Duration `mapstructure:"rendered_ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// WatchdogConfig controls the stale record sweeper. StaleAfter has no
// default and must be set when the watchdog is enabled.
type WatchdogConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Schedule   string        `mapstructure:"schedule"`
	BatchSize  int           `mapstructure:"batch_size" validate:"gte=0"`
}

// ProgressConfig tunes lifecycle event batching.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size" validate:"gte=0"`
	MaxBatchEvents int           `mapstructure:"max_batch_events" validate:"gte=0"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// PubSubConfig holds terminal-status notification settings. An empty
// ProjectID keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic" validate:"required"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITOR")
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
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("api.request_timeout", 60*time.Second)
	v.SetDefault("api.default_tenant", "default")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "site-auditor")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.migrate", true)
	v.SetDefault("assets.backend", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("fetch.concurrency", 2)
	v.SetDefault("fetch.wait", 180*time.Second)
	v.SetDefault("fetch.retries", 1)
	v.SetDefault("fetch.backoff", 2*time.Second)
	v.SetDefault("fetch.max_backoff", 30*time.Second)
	v.SetDefault("fetch.timeout", 60*time.Second)
	v.SetDefault("fetch.navigation_timeout", 45*time.Second)
	v.SetDefault("fetch.artifact_timeout", 20*time.Second)
	v.SetDefault("fetch.screenshot", true)
	v.SetDefault("fetch.max_linked_resources", 40)
	v.SetDefault("fetch.download_parallel", 4)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.user_agent", "site-auditor/0.1")
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("downloader.timeout", 15*time.Second)
	v.SetDefault("downloader.max_body_size", 5<<20)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("analyzer.concurrency", 4)
	v.SetDefault("analyzer.retries", 2)
	v.SetDefault("analyzer.backoff", time.Second)
	v.SetDefault("analyzer.max_backoff", 20*time.Second)
	v.SetDefault("analyzer.timeout", 2*time.Minute)
	v.SetDefault("orchestrator.fanout_parallel", 0)
	v.SetDefault("cache.result_ttl", time.Hour)
	v.SetDefault("cache.rendered_ttl", 10*time.Minute)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)
	v.SetDefault("watchdog.enabled", false)
	v.SetDefault("watchdog.schedule", "@every 1m")
	v.SetDefault("watchdog.batch_size", 500)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 2*time.Second)
	v.SetDefault("pubsub.topic", "analysis-status")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Assets.Backend == "minio" && (c.Assets.Minio.Endpoint == "" || c.Assets.Minio.Bucket == "") {
		return errors.New("assets.minio.endpoint and assets.minio.bucket are required for the minio backend")
	}
	if c.Watchdog.Enabled && c.Watchdog.StaleAfter <= 0 {
		return errors.New("watchdog.stale_after must be set when the watchdog is enabled")
	}
	if budget := c.Fetch.WorstCase(); c.Fetch.Wait < budget {
		return fmt.Errorf("fetch.wait (%s) must cover %d attempts of fetch.timeout (%s) plus backoff: need at least %s",
			c.Fetch.Wait, c.Fetch.Retries+1, c.Fetch.Timeout, budget)
	}
	return nil
}
