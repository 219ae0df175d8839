package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

const (
	StorageBackendSupabase = "supabase"
	StorageBackendS3       = "s3"

	UsageBackendPostgres = "postgres"
	UsageBackendRedis    = "redis"
)

type Config struct {
	// Separation engine
	EngineBaseURL       string        `env:"DEMUCS_SERVICE_URL" envDefault:"http://localhost:8000"`
	EngineSubmitTimeout time.Duration `env:"ENGINE_SUBMIT_TIMEOUT" envDefault:"60s"`
	EnginePollTimeout   time.Duration `env:"ENGINE_POLL_TIMEOUT" envDefault:"30s"`
	EngineFetchTimeout  time.Duration `env:"ENGINE_FETCH_TIMEOUT" envDefault:"600s"`

	// Orchestration
	PollInterval            time.Duration `env:"POLL_INTERVAL" envDefault:"20s"`
	MaxPollAttempts         int           `env:"MAX_POLL_ATTEMPTS" envDefault:"180"`
	MaxConsecutiveTransient int           `env:"MAX_CONSECUTIVE_TRANSIENT" envDefault:"5"`
	ResultMimeType          string        `env:"RESULT_MIME_TYPE" envDefault:"audio/mpeg"`
	BatchConcurrency        int           `env:"BATCH_CONCURRENCY" envDefault:"3"`
	ReconcileOnStartup      bool          `env:"RECONCILE_ON_STARTUP" envDefault:"true"`
	ReconcileInterval       time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	StaleAfter              time.Duration `env:"STALE_AFTER" envDefault:"15m"`

	// Usage limits
	UsageBackend         string `env:"USAGE_BACKEND" envDefault:"postgres"`
	RegisteredDailyLimit int    `env:"REGISTERED_DAILY_LIMIT" envDefault:"3"`
	AnonymousDailyLimit  int    `env:"ANONYMOUS_DAILY_LIMIT" envDefault:"1"`

	// Object storage
	StorageBackend        string `env:"STORAGE_BACKEND" envDefault:"supabase"`
	StoragePublicURL      string `env:"STORAGE_PUBLIC_URL"`
	SupabaseURL           string `env:"SUPABASE_URL"`
	SupabaseServiceKey    string `env:"SUPABASE_SERVICE_KEY"`
	SupabaseStorageBucket string `env:"SUPABASE_STORAGE_BUCKET" envDefault:"audio"`
	S3Endpoint            string `env:"S3_ENDPOINT"`
	S3AccessKey           string `env:"S3_ACCESS_KEY"`
	S3SecretKey           string `env:"S3_SECRET_KEY"`
	S3Bucket              string `env:"S3_BUCKET" envDefault:"audio"`
	S3UseSSL              bool   `env:"S3_USE_SSL" envDefault:"true"`

	// Redis (events, optional usage backend)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"stemsplit"`

	// Auth
	JWTSecret string `env:"JWT_SECRET"`

	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`

	// Server
	Port            string        `env:"PORT" envDefault:"8080"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.EngineBaseURL == "" {
		return fmt.Errorf("DEMUCS_SERVICE_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("MAX_POLL_ATTEMPTS must be positive")
	}
	// a live job touches its file at least once per poll and once per output fetch
	if c.StaleAfter > 0 && (c.StaleAfter <= c.EngineFetchTimeout || c.StaleAfter <= c.PollInterval+c.EnginePollTimeout) {
		return fmt.Errorf("STALE_AFTER must exceed ENGINE_FETCH_TIMEOUT and POLL_INTERVAL plus ENGINE_POLL_TIMEOUT")
	}
	if c.RegisteredDailyLimit < 0 || c.AnonymousDailyLimit < 0 {
		return fmt.Errorf("daily limits must not be negative")
	}

	switch strings.ToLower(c.StorageBackend) {
	case StorageBackendSupabase:
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the supabase storage backend")
		}
		if c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_SERVICE_KEY is required for the supabase storage backend")
		}
	case StorageBackendS3:
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch strings.ToLower(c.UsageBackend) {
	case UsageBackendPostgres:
	case UsageBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis usage backend")
		}
	default:
		return fmt.Errorf("unknown USAGE_BACKEND %q", c.UsageBackend)
	}

	return nil
}
