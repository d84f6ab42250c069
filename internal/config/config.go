// Package config provides centralized configuration management for the
// importer service. Settings are loaded from environment variables with
// sensible defaults and validated on startup to fail fast on
// misconfiguration.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining
	// in-flight imports (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// Addr returns the host:port address to listen on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required).
	// Supports both DATABASE_URL and DB_URL env vars for compatibility.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of pooled connections (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds CSV import pipeline settings.
type ImportConfig struct {
	// UploadDir is where accepted CSV files are spooled before processing
	// (default: uploads)
	UploadDir string `env:"IMPORT_UPLOAD_DIR" default:"uploads"`

	// MaxFileSize is the maximum accepted upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// BatchSize is the number of rows read and upserted per batch (default: 1000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"1000"`

	// MaxConcurrent is the maximum number of imports processed in parallel
	// (default: 5)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long an upload waits for an import slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
}

// WebhookConfig holds notification delivery settings.
type WebhookConfig struct {
	// Timeout bounds each outbound webhook call (default: 10s)
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" default:"10s"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log output format: text, json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Validate checks configuration values for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Import.BatchSize < 1 {
		return fmt.Errorf("import batch size must be positive, got %d", c.Import.BatchSize)
	}
	if c.Import.MaxFileSize < 1 {
		return fmt.Errorf("import max file size must be positive, got %d", c.Import.MaxFileSize)
	}
	if c.Import.MaxConcurrent < 1 {
		return fmt.Errorf("import max concurrent must be positive, got %d", c.Import.MaxConcurrent)
	}
	if c.Import.UploadDir == "" {
		return fmt.Errorf("import upload directory is required")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %s", c.Webhook.Timeout)
	}
	return nil
}
