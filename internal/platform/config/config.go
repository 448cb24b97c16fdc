package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx".
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type RedisConfig struct {
	// URL empty means the process-local rate limiter is used.
	URL string `mapstructure:"url"`
}

type SecurityConfig struct {
	EncryptionKey string        `mapstructure:"encryption_key"`
	CronSecret    string        `mapstructure:"cron_secret"`
	SessionSecret string        `mapstructure:"session_secret"`
	SessionCookie string        `mapstructure:"session_cookie"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
}

type WebhooksConfig struct {
	RequestTimeout       time.Duration   `mapstructure:"request_timeout"`
	BatchSize            int             `mapstructure:"batch_size"`
	MaxParallel          int             `mapstructure:"max_parallel"`
	PerUserConcurrency   int             `mapstructure:"per_user_concurrency"`
	MaxResponseBody      int             `mapstructure:"max_response_body"`
	PassTimeout          time.Duration   `mapstructure:"pass_timeout"`
	Retention            time.Duration   `mapstructure:"retention"`
	RetrySchedule        []time.Duration `mapstructure:"retry_schedule"`
	DisabledRequeueDelay time.Duration   `mapstructure:"disabled_requeue_delay"`
	StaleClaimAfter      time.Duration   `mapstructure:"stale_claim_after"`
	RevalidateOnDelivery bool            `mapstructure:"revalidate_on_delivery"`
	MaxPerUser           TierLimits      `mapstructure:"max_per_user"`
	DeliveryLogLimit     TierLimits      `mapstructure:"delivery_log_limit"`
}

// TierLimits holds a per-subscription-tier cap.
type TierLimits struct {
	Free int `mapstructure:"free"`
	Pro  int `mapstructure:"pro"`
}

// For returns the limit for tier, treating anything but "pro" as free.
func (l TierLimits) For(tier string) int {
	if tier == "pro" {
		return l.Pro
	}
	return l.Free
}

type SchedulerConfig struct {
	ProcessURL string        `mapstructure:"process_url"`
	Interval   time.Duration `mapstructure:"interval"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "file:data/tripmail.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("redis.url", "")

	// Registered so AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.cron_secret", "")
	v.SetDefault("security.session_secret", "")
	v.SetDefault("security.session_cookie", "tripmail_session")
	v.SetDefault("security.session_ttl", 7*24*time.Hour)

	v.SetDefault("rate_limit.requests_per_minute", 100)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("webhooks.request_timeout", 10*time.Second)
	v.SetDefault("webhooks.batch_size", 100)
	v.SetDefault("webhooks.max_parallel", 16)
	v.SetDefault("webhooks.per_user_concurrency", 10)
	v.SetDefault("webhooks.max_response_body", 500)
	v.SetDefault("webhooks.pass_timeout", 50*time.Second)
	v.SetDefault("webhooks.retention", 90*24*time.Hour)
	v.SetDefault("webhooks.retry_schedule", []string{"1m", "5m", "30m", "2h"})
	v.SetDefault("webhooks.disabled_requeue_delay", 30*time.Second)
	v.SetDefault("webhooks.stale_claim_after", 5*time.Minute)
	v.SetDefault("webhooks.revalidate_on_delivery", false)
	v.SetDefault("webhooks.max_per_user.free", 0)
	v.SetDefault("webhooks.max_per_user.pro", 10)
	v.SetDefault("webhooks.delivery_log_limit.free", 10)
	v.SetDefault("webhooks.delivery_log_limit.pro", 100)

	v.SetDefault("scheduler.process_url", "http://127.0.0.1:8080/api/internal/webhooks/process")
	v.SetDefault("scheduler.interval", 10*time.Second)
	v.SetDefault("scheduler.timeout", 55*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "logs/tripmail.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// Load reads the YAML file at path (optional when empty) and overlays
// environment variables, e.g. SECURITY_ENCRYPTION_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &config, nil
}

// Validate checks settings whose absence makes the process unusable.
func (c *Config) Validate() error {
	key := strings.TrimSpace(c.Security.EncryptionKey)
	if key == "" {
		return errors.New("security.encryption_key is required")
	}
	if len(key) != 64 {
		return errors.New("security.encryption_key must be exactly 64 hex characters (32 bytes)")
	}
	if _, err := hex.DecodeString(key); err != nil {
		return errors.New("security.encryption_key must be exactly 64 hex characters (32 bytes)")
	}

	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("rate_limit.requests_per_minute must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}

	if c.Webhooks.BatchSize <= 0 {
		return errors.New("webhooks.batch_size must be positive")
	}
	if c.Webhooks.MaxParallel <= 0 || c.Webhooks.PerUserConcurrency <= 0 {
		return errors.New("webhooks.max_parallel and webhooks.per_user_concurrency must be positive")
	}
	if c.Webhooks.RequestTimeout <= 0 {
		return errors.New("webhooks.request_timeout must be positive")
	}
	if c.Webhooks.PassTimeout <= 0 {
		return errors.New("webhooks.pass_timeout must be positive")
	}
	if len(c.Webhooks.RetrySchedule) == 0 {
		return errors.New("webhooks.retry_schedule must not be empty")
	}
	return nil
}
