// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/sdkconnect/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Config holds sdkconnect configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"sdkconnect"`
	// Extra dial attempts at startup, spaced by INIT_POLL_INTERVAL.
	COMMSConnectRetries uint64 `envconfig:"COMMS_CONNECT_RETRIES" default:"5"`

	// Subject overrides (empty = package defaults)
	DeeplinkSubject        string `envconfig:"DEEPLINK_SUBJECT"`
	ConnectionEventSubject string `envconfig:"CONNECTION_EVENT_SUBJECT"`

	// Timeouts
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	InitWaitTimeout  time.Duration `envconfig:"INIT_WAIT_TIMEOUT" default:"10s"`
	InitPollInterval time.Duration `envconfig:"INIT_POLL_INTERVAL" default:"1s"`

	// Database (empty = in-memory channel store)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Wallet side of the channel
	WalletPrivateKey string        `envconfig:"WALLET_PRIVATE_KEY"`
	MinSDKAPIVersion string        `envconfig:"MIN_SDK_API_VERSION"`
	ChannelValidity  time.Duration `envconfig:"CHANNEL_VALIDITY" default:"720h"`

	// HTTP endpoint (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	// Comma-separated; empty allows any origin on /connect.
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Logging: LOG_FORMAT is "text" (slog) or "pretty" (charm console handler)
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UsesDatabase reports whether channels are persisted in Postgres.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// ValidateForServe checks required config when running the server.
func (c *Config) ValidateForServe() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.InitPollInterval <= 0 {
		return fmt.Errorf("%s - INIT_POLL_INTERVAL must be positive", logPrefix)
	}
	if c.InitWaitTimeout < c.InitPollInterval {
		return fmt.Errorf("%s - INIT_WAIT_TIMEOUT must be at least INIT_POLL_INTERVAL", logPrefix)
	}
	if c.ChannelValidity <= 0 {
		return fmt.Errorf("%s - CHANNEL_VALIDITY must be positive", logPrefix)
	}
	if err := semver.ValidateConstraint(c.MinSDKAPIVersion); err != nil {
		return fmt.Errorf("%s - MIN_SDK_API_VERSION: %w", logPrefix, err)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
