// Package config loads the dispatch backend configuration from environment
// variables, with an optional .env file for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `env:"SERVER_PORT,default=8080"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	URL             string `env:"DATABASE_URL"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME,default=300"`
	MigrateOnStart  bool   `env:"DATABASE_MIGRATE_ON_START,default=true"`
}

// AuthConfig controls token issuance. Both secrets must be at least 32
// characters; access and refresh tokens are signed independently.
type AuthConfig struct {
	AccessSecret      string        `env:"AUTH_ACCESS_SECRET"`
	RefreshSecret     string        `env:"AUTH_REFRESH_SECRET"`
	AccessTTL         time.Duration `env:"AUTH_ACCESS_TTL,default=1h"`
	RefreshTTL        time.Duration `env:"AUTH_REFRESH_TTL,default=168h"`
	AdminDeletePassword string      `env:"AUTH_ADMIN_DELETE_PASSWORD"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=text"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX,default=dispatch"`
}

// MapsConfig controls the remote travel-time provider. Leaving the key empty
// disables it; the haversine provider covers everything.
type MapsConfig struct {
	BaseURL string `env:"MAPS_BASE_URL,default=https://maps.googleapis.com/maps/api"`
	APIKey  string `env:"MAPS_API_KEY"`
}

// PushConfig controls the push-notification provider.
type PushConfig struct {
	Endpoint string `env:"PUSH_ENDPOINT,default=https://exp.host/--/api/v2/push/send"`
	APIKey   string `env:"PUSH_API_KEY"`
}

// RedisConfig controls the optional travel-time leg cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// PaymentsConfig controls inbound payment webhooks.
type PaymentsConfig struct {
	WebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET"`
}

// RateLimitConfig controls the per-client HTTP rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int `env:"RATE_LIMIT_RPM,default=300"`
	Burst             int `env:"RATE_LIMIT_BURST,default=50"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Maps      MapsConfig
	Push      PushConfig
	Redis     RedisConfig
	Payments  PaymentsConfig
	RateLimit RateLimitConfig
}

// Load reads .env when present, decodes the environment, and validates the
// required settings.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the settings the core cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.Auth.AccessSecret) < 32 {
		return fmt.Errorf("AUTH_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.Auth.RefreshSecret) < 32 {
		return fmt.Errorf("AUTH_REFRESH_SECRET must be at least 32 characters")
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("AUTH_ACCESS_SECRET and AUTH_REFRESH_SECRET must differ")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
