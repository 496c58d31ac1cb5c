// Package config loads the mapsync configuration from an optional YAML file,
// .env files and MAPSYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/mapsync/internal/logger"
)

type Config struct {
	Logger       logger.Config      `yaml:"logger"`
	Remote       RemoteConfig       `yaml:"remote"`
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	Drain        DrainConfig        `yaml:"drain"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Geometry     GeometryConfig     `yaml:"geometry"`
	Export       ExportConfig       `yaml:"export"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Server       ServerConfig       `yaml:"server"`
}

// RemoteConfig selects the document store: memory://, postgres://... or an
// http(s) base URL of a mapsync document server.
type RemoteConfig struct {
	DSN        string        `yaml:"dsn" env:"MAPSYNC_REMOTE_DSN"`
	Token      string        `yaml:"token" env:"MAPSYNC_REMOTE_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"MAPSYNC_REMOTE_TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAPSYNC_REMOTE_MAX_RETRIES"`
	// UserID and UserEmail sign in a fixed user for memory:// and postgres://.
	UserID    string `yaml:"user_id" env:"MAPSYNC_USER_ID"`
	UserEmail string `yaml:"user_email" env:"MAPSYNC_USER_EMAIL"`
}

type CacheConfig struct {
	// Tiers is the fallback chain, primary first.
	Tiers        []string      `yaml:"tiers" env:"MAPSYNC_CACHE_TIERS"`
	WorkspaceTTL time.Duration `yaml:"workspace_ttl" env:"MAPSYNC_CACHE_WORKSPACE_TTL"`
}

type QueueConfig struct {
	// DSN is empty for the cache-backed store, or file://, postgres://, memory://.
	DSN      string `yaml:"dsn" env:"MAPSYNC_QUEUE_DSN"`
	MaxTasks int    `yaml:"max_tasks" env:"MAPSYNC_QUEUE_MAX_TASKS"`
}

type DrainConfig struct {
	Schedule string        `yaml:"schedule" env:"MAPSYNC_DRAIN_SCHEDULE"`
	Interval time.Duration `yaml:"interval" env:"MAPSYNC_DRAIN_INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"MAPSYNC_DRAIN_TIMEOUT"`
}

type JobsConfig struct {
	Enabled      bool          `yaml:"enabled" env:"MAPSYNC_JOBS_ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"MAPSYNC_JOBS_POLL_INTERVAL"`
	Jitter       float64       `yaml:"jitter" env:"MAPSYNC_JOBS_JITTER"`
	BatchSize    int           `yaml:"batch_size" env:"MAPSYNC_JOBS_BATCH_SIZE"`
	MaxRetries   int           `yaml:"max_retries" env:"MAPSYNC_JOBS_MAX_RETRIES"`
}

type ConnectivityConfig struct {
	HeartbeatURL string        `yaml:"heartbeat_url" env:"MAPSYNC_HEARTBEAT_URL"`
	PingInterval time.Duration `yaml:"ping_interval" env:"MAPSYNC_HEARTBEAT_PING_INTERVAL"`
	FlagFile     string        `yaml:"flag_file" env:"MAPSYNC_OFFLINE_FLAG_FILE"`
}

type GeometryConfig struct {
	SourceURL string        `yaml:"source_url" env:"MAPSYNC_GEOMETRY_SOURCE_URL"`
	TTL       time.Duration `yaml:"ttl" env:"MAPSYNC_GEOMETRY_TTL"`
}

type ExportConfig struct {
	// Sink is "memory" or "minio".
	Sink      string        `yaml:"sink" env:"MAPSYNC_EXPORT_SINK"`
	Endpoint  string        `yaml:"endpoint" env:"MAPSYNC_EXPORT_ENDPOINT"`
	AccessKey string        `yaml:"access_key" env:"MAPSYNC_EXPORT_ACCESS_KEY"`
	SecretKey string        `yaml:"secret_key" env:"MAPSYNC_EXPORT_SECRET_KEY"`
	Bucket    string        `yaml:"bucket" env:"MAPSYNC_EXPORT_BUCKET"`
	Region    string        `yaml:"region" env:"MAPSYNC_EXPORT_REGION"`
	UseSSL    bool          `yaml:"use_ssl" env:"MAPSYNC_EXPORT_USE_SSL"`
	URLExpiry time.Duration `yaml:"url_expiry" env:"MAPSYNC_EXPORT_URL_EXPIRY"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"MAPSYNC_METRICS_ADDR"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"MAPSYNC_SERVER_ADDR"`
	StoreDSN        string        `yaml:"store_dsn" env:"MAPSYNC_SERVER_STORE_DSN"`
	JWTSecret       string        `yaml:"jwt_secret" env:"MAPSYNC_SERVER_JWT_SECRET"`
	Audience        string        `yaml:"audience" env:"MAPSYNC_SERVER_AUDIENCE"`
	RateLimitMax    int           `yaml:"rate_limit_max" env:"MAPSYNC_SERVER_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"MAPSYNC_SERVER_RATE_LIMIT_WINDOW"`
}

// SetDefaults fills every zero field that has a default.
func (c *Config) SetDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Remote.DSN == "" {
		c.Remote.DSN = "memory://"
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 15 * time.Second
	}
	if c.Remote.MaxRetries <= 0 {
		c.Remote.MaxRetries = 3
	}
	if c.Remote.UserID == "" {
		c.Remote.UserID = "local"
	}
	if len(c.Cache.Tiers) == 0 {
		c.Cache.Tiers = []string{"memory://"}
	}
	if c.Drain.Interval <= 0 {
		c.Drain.Interval = 15 * time.Second
	}
	if c.Drain.Timeout <= 0 {
		c.Drain.Timeout = time.Minute
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = 5 * time.Second
	}
	if c.Jobs.Jitter == 0 {
		c.Jobs.Jitter = 0.2
	}
	if c.Jobs.BatchSize <= 0 {
		c.Jobs.BatchSize = 5
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Connectivity.PingInterval <= 0 {
		c.Connectivity.PingInterval = 10 * time.Second
	}
	if c.Geometry.TTL <= 0 {
		c.Geometry.TTL = 2 * time.Minute
	}
	if c.Export.Sink == "" {
		c.Export.Sink = "memory"
	}
	if c.Export.URLExpiry <= 0 {
		c.Export.URLExpiry = 24 * time.Hour
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.StoreDSN == "" {
		c.Server.StoreDSN = "memory://"
	}
	if c.Server.RateLimitMax <= 0 {
		c.Server.RateLimitMax = 300
	}
	if c.Server.RateLimitWindow <= 0 {
		c.Server.RateLimitWindow = time.Minute
	}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &ValidationError{Field: "logger.level", Message: "must be one of: debug, info, warn, error"})
	}
	if _, err := url.Parse(c.Remote.DSN); err != nil {
		errs = append(errs, &ValidationError{Field: "remote.dsn", Message: err.Error()})
	}
	if c.Jobs.Jitter < 0 || c.Jobs.Jitter > 1 {
		errs = append(errs, &ValidationError{Field: "jobs.jitter", Message: "must be between 0 and 1"})
	}
	if c.Queue.MaxTasks < 0 {
		errs = append(errs, &ValidationError{Field: "queue.max_tasks", Message: "must not be negative"})
	}
	switch c.Export.Sink {
	case "memory":
	case "minio":
		if c.Export.Endpoint == "" || c.Export.Bucket == "" {
			errs = append(errs, &ValidationError{Field: "export", Message: "minio sink requires endpoint and bucket"})
		}
	default:
		errs = append(errs, &ValidationError{Field: "export.sink", Message: "must be memory or minio"})
	}
	return errors.Join(errs...)
}
