package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the application.
type Config struct {
	App       AppConfig       `koanf:"app"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	WhatsApp  WhatsAppConfig  `koanf:"whatsapp"`
	Queue     QueueConfig     `koanf:"queue"`
	Lock      LockConfig      `koanf:"lock"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	JWT       JWTConfig       `koanf:"jwt"`
}

type AppConfig struct {
	Name        string `koanf:"name"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`
	WriteTimeout int    `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	User            string `koanf:"user"`
	Password        string `koanf:"password"`
	Name            string `koanf:"name"`
	SSLMode         string `koanf:"ssl_mode"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	MaxIdleConns    int    `koanf:"max_idle_conns"`
	ConnMaxLifetime int    `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// WhatsAppConfig holds the default Meta Graph API settings; per-tenant
// overrides (access token, phone number id) live on models.TenantPhone.
type WhatsAppConfig struct {
	WebhookVerifyToken string `koanf:"webhook_verify_token"`
	APIVersion         string `koanf:"api_version"`
	BaseURL            string `koanf:"base_url"`
}

// QueueConfig tunes the campaign job queue's worker pool (spec §4.5).
type QueueConfig struct {
	WorkerConcurrency int     `koanf:"worker_concurrency"`
	GlobalJobsPerSec  float64 `koanf:"global_jobs_per_sec"`
}

// LockConfig holds the execution lock TTL setting (spec §4.1), defaulted to
// 24h; the lock service does not read it and uses lock.DefaultTTL.
type LockConfig struct {
	TTLHours int `koanf:"ttl_hours"`
}

// RateLimitConfig tunes the default auto-pause thresholds (spec §4.2); a
// tenant's actual send caps come from its plan/tier, not this config.
type RateLimitConfig struct {
	AutoPauseConsecutiveFailures int     `koanf:"auto_pause_consecutive_failures"`
	AutoPauseFailureRateThreshold float64 `koanf:"auto_pause_failure_rate_threshold"`
	AutoPauseMinProcessed        int     `koanf:"auto_pause_min_processed"`
}

// SchedulerConfig tunes the periodic scheduled-campaign promotion tick.
type SchedulerConfig struct {
	TickSeconds int `koanf:"tick_seconds"`
}

// JWTConfig signs the bearer tokens issued to dashboard/API callers, each
// carrying a tenant_id claim that scopes every request to one tenant.
type JWTConfig struct {
	Secret     string `koanf:"secret"`
	ExpiryHours int   `koanf:"expiry_hours"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// MSGCORE_DATABASE_HOST -> database.host
	if err := k.Load(env.Provider("MSGCORE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "MSGCORE_")), "_", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "msgcore"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.WhatsApp.APIVersion == "" {
		cfg.WhatsApp.APIVersion = "v18.0"
	}
	if cfg.WhatsApp.BaseURL == "" {
		cfg.WhatsApp.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Queue.WorkerConcurrency == 0 {
		cfg.Queue.WorkerConcurrency = 5
	}
	if cfg.Queue.GlobalJobsPerSec == 0 {
		cfg.Queue.GlobalJobsPerSec = 10
	}
	if cfg.Lock.TTLHours == 0 {
		cfg.Lock.TTLHours = 24
	}
	if cfg.RateLimit.AutoPauseConsecutiveFailures == 0 {
		cfg.RateLimit.AutoPauseConsecutiveFailures = 10
	}
	if cfg.RateLimit.AutoPauseFailureRateThreshold == 0 {
		cfg.RateLimit.AutoPauseFailureRateThreshold = 0.30
	}
	if cfg.RateLimit.AutoPauseMinProcessed == 0 {
		cfg.RateLimit.AutoPauseMinProcessed = 50
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	if cfg.JWT.ExpiryHours == 0 {
		cfg.JWT.ExpiryHours = 24
	}
}
