// Package config provides configuration handling for flowstudio.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Bus configuration for status fan-out
	Bus BusConfig `json:"bus"`

	// Engine is the execution engine runs are started on
	Engine EngineConfig `json:"engine"`

	// Auth configuration
	Auth AuthConfig `json:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`

	// AllowedOrigins lists the browser origins allowed by CORS
	AllowedOrigins []string `json:"allowed_origins"`

	// TLS configuration
	TLS TLSConfig `json:"tls"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "dynamodb", "postgresql"

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
}

// BusConfig selects how status envelopes are fanned out
type BusConfig struct {
	// Type is "memory" or "redis"
	Type string `json:"type"`

	// Buffer is the per-subscriber queue length of the memory bus
	Buffer int `json:"buffer"`

	// Redis connection settings
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// EngineConfig points at the execution engine
type EngineConfig struct {
	// URL of the engine API. Empty runs the detached engine, which only allocates run ids.
	URL string `json:"url"`

	// Token sent to the engine as a bearer token
	Token string `json:"token"`

	// TimeoutSeconds bounds each run-start request
	TimeoutSeconds int `json:"timeout_seconds"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	// JWTSecret is the secret for signing JWT tokens
	JWTSecret string `json:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"

	// Output is the log output
	Output string `json:"output"` // "stdout", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path"`
}

// LoadConfig loads the configuration from a file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
			TLS: TLSConfig{
				Enabled: false,
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "flowstudio_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "flowstudio",
				User:     "flowstudio",
				SSLMode:  "disable",
			},
		},
		Bus: BusConfig{
			Type:      "memory",
			Buffer:    64,
			RedisAddr: "localhost:6379",
		},
		Engine: EngineConfig{
			TimeoutSeconds: 30,
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// ApplyEnv overrides settings from FLOWSTUDIO_* environment variables
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("FLOWSTUDIO_" + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv("FLOWSTUDIO_" + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWSTUDIO_%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("HOST", &c.Server.Host)
	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("FLOWSTUDIO_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}

	str("STORAGE_TYPE", &c.Storage.Type)
	str("DYNAMODB_REGION", &c.Storage.DynamoDB.Region)
	str("DYNAMODB_ENDPOINT", &c.Storage.DynamoDB.Endpoint)
	str("DYNAMODB_TABLE_PREFIX", &c.Storage.DynamoDB.TablePrefix)
	str("POSTGRES_HOST", &c.Storage.Postgres.Host)
	if err := num("POSTGRES_PORT", &c.Storage.Postgres.Port); err != nil {
		return err
	}
	str("POSTGRES_DB", &c.Storage.Postgres.Database)
	str("POSTGRES_USER", &c.Storage.Postgres.User)
	str("POSTGRES_PASSWORD", &c.Storage.Postgres.Password)
	str("POSTGRES_SSL_MODE", &c.Storage.Postgres.SSLMode)

	str("BUS_TYPE", &c.Bus.Type)
	str("REDIS_ADDR", &c.Bus.RedisAddr)
	str("REDIS_PASSWORD", &c.Bus.RedisPassword)
	if err := num("REDIS_DB", &c.Bus.RedisDB); err != nil {
		return err
	}

	str("ENGINE_URL", &c.Engine.URL)
	str("ENGINE_TOKEN", &c.Engine.Token)
	if err := num("ENGINE_TIMEOUT", &c.Engine.TimeoutSeconds); err != nil {
		return err
	}

	str("JWT_SECRET", &c.Auth.JWTSecret)
	if err := num("TOKEN_EXPIRATION", &c.Auth.TokenExpiration); err != nil {
		return err
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_FILE", &c.Logging.FilePath)
	return nil
}

// Validate checks settings the server cannot start without
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Storage.Type {
	case "memory", "dynamodb", "postgresql":
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}
	switch c.Bus.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown bus type: %s", c.Bus.Type)
	}
	return nil
}

// Address returns the host:port the server listens on
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
