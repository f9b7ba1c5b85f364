// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	Server        ServerConfig
	GRPC          GRPCConfig
	Database      DatabaseConfig
	NATS          NATSConfig
	Redis         RedisConfig
	Auth          AuthConfig
	EmailApproval EmailApprovalConfig
	Escalation    EscalationConfig
	Comments      CommentsConfig
	Telemetry     TelemetryConfig
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-wf-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

type ServerConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8086"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"20s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

type GRPCConfig struct {
	Port int `env:"GRPC_PORT" envDefault:"9086"`
}

type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD"`
	Database    string        `env:"DB_NAME" envDefault:"wf_approvals"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	MaxRetries  int           `env:"DB_TX_MAX_RETRIES" envDefault:"3"`
	AutoMigrate bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

type NATSConfig struct {
	URL           string        `env:"NATS_URL"`
	Name          string        `env:"NATS_CLIENT_NAME" envDefault:"be-wf-approvals"`
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"60"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	Issuer    string        `env:"JWT_ISSUER" envDefault:"pesio"`
	TokenTTL  time.Duration `env:"JWT_TTL" envDefault:"12h"`
}

type EmailApprovalConfig struct {
	Enabled     bool          `env:"EMAIL_APPROVAL_ENABLED" envDefault:"true"`
	BaseURL     string        `env:"EMAIL_APPROVAL_BASE_URL" envDefault:"http://localhost:3000"`
	TokenTTL    time.Duration `env:"EMAIL_APPROVAL_TOKEN_TTL" envDefault:"48h"`
	CleanupCron string        `env:"EMAIL_APPROVAL_CLEANUP_CRON" envDefault:"0 0 */6 * * *"`
}

type EscalationConfig struct {
	SweepCron string        `env:"ESCALATION_SWEEP_CRON" envDefault:"0 * * * * *"`
	LockTTL   time.Duration `env:"ESCALATION_LOCK_TTL" envDefault:"55s"`
}

type CommentsConfig struct {
	Mandatory bool `env:"COMMENTS_MANDATORY" envDefault:"false"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	} else {
		// .env is optional outside development
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("HTTP_PORT must be positive")
	}
	if c.EmailApproval.TokenTTL <= 0 {
		return fmt.Errorf("EMAIL_APPROVAL_TOKEN_TTL must be positive")
	}
	if c.Environment() != "development" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	return nil
}

// Environment returns the deployment environment name.
func (c *Config) Environment() string { return c.Service.Environment }

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
