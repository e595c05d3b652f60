package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the ASR streaming transport
type Config struct {
	// Server configuration (health, readiness and metrics endpoints)
	Port string `envconfig:"PORT" default:"8080"`

	// Recognition endpoint and handshake credentials
	ASRURL        string `envconfig:"ASR_URL" required:"true"`          // wss:// endpoint of the streaming service
	ASRAppKey     string `envconfig:"ASR_APP_KEY" required:"true"`      // Sent as X-Api-App-Key
	ASRAccessKey  string `envconfig:"ASR_ACCESS_KEY" required:"true"`   // Sent as X-Api-Access-Key
	ASRResourceID string `envconfig:"ASR_RESOURCE_ID" default:""`       // Optional X-Api-Resource-Id
	ASRModelName  string `envconfig:"ASR_MODEL_NAME" default:"bigmodel"` // Default model when params omit one

	// Connection lifecycle
	ConnectTimeout    time.Duration `envconfig:"ASR_CONNECT_TIMEOUT" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"ASR_HEARTBEAT_INTERVAL" default:"25s"`
	HeartbeatTimeout  time.Duration `envconfig:"ASR_HEARTBEAT_TIMEOUT" default:"10s"`
	PendingAudioLimit int           `envconfig:"PENDING_AUDIO_LIMIT" default:"100"` // Chunks held while the socket is down

	// Resilience configuration
	ReconnectMaxAttempts       int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`
	ReconnectInitialDelay      time.Duration `envconfig:"RECONNECT_INITIAL_DELAY" default:"1s"`
	ReconnectBackoffMultiplier float64       `envconfig:"RECONNECT_BACKOFF_MULTIPLIER" default:"2.0"`
	ReconnectMaxDelay          time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"10s"`
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`    // Failed dials before opening circuit
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"` // Wait before a probe dial

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Default returns a Config carrying every default without reading the environment.
// Endpoint and credentials are left empty.
func Default() *Config {
	return &Config{
		Port:                       "8080",
		ASRModelName:               "bigmodel",
		ConnectTimeout:             30 * time.Second,
		HeartbeatInterval:          25 * time.Second,
		HeartbeatTimeout:           10 * time.Second,
		PendingAudioLimit:          100,
		ReconnectMaxAttempts:       3,
		ReconnectInitialDelay:      1 * time.Second,
		ReconnectBackoffMultiplier: 2.0,
		ReconnectMaxDelay:          10 * time.Second,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30 * time.Second,
		LogLevel:                   "info",
		MetricsEnabled:             true,
	}
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot check on its own
func (c *Config) Validate() error {
	if c.ASRURL == "" {
		return fmt.Errorf("ASR_URL is required")
	}
	if c.ASRAppKey == "" {
		return fmt.Errorf("ASR_APP_KEY is required")
	}
	if c.ASRAccessKey == "" {
		return fmt.Errorf("ASR_ACCESS_KEY is required")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.ReconnectBackoffMultiplier < 1 {
		return fmt.Errorf("RECONNECT_BACKOFF_MULTIPLIER must be at least 1")
	}
	if c.PendingAudioLimit <= 0 {
		return fmt.Errorf("PENDING_AUDIO_LIMIT must be positive")
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("ASR_HEARTBEAT_TIMEOUT must be shorter than ASR_HEARTBEAT_INTERVAL")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
