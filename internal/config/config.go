package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all host configuration.
type Config struct {
	Server      ServerConfig
	Sandbox     SandboxConfig
	Bridge      BridgeConfig
	LLM         LLMConfig
	Data        DataConfig
	Connections ConnectionsConfig
	Logging     LogConfig
	RateLimit   RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// SandboxConfig holds extension runtime configuration.
type SandboxConfig struct {
	ReadyTimeout   time.Duration `envconfig:"SANDBOX_READY_TIMEOUT" default:"15s"`
	RequestTimeout time.Duration `envconfig:"SANDBOX_REQUEST_TIMEOUT" default:"15s"`
	ExecTimeout    time.Duration `envconfig:"SANDBOX_EXEC_TIMEOUT" default:"5s"`
}

// BridgeConfig holds outbound HTTP bridge configuration.
type BridgeConfig struct {
	Timeout           time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"30s"`
	RequestsPerSecond float64       `envconfig:"BRIDGE_RPS" default:"10"`
	Burst             int           `envconfig:"BRIDGE_BURST" default:"20"`
	Retries           int           `envconfig:"BRIDGE_RETRIES" default:"2"`
}

// LLMConfig holds the completion backend configuration.
type LLMConfig struct {
	BaseURL string `envconfig:"LLM_BASE_URL" default:"http://localhost:4000/v1"`
	Model   string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	APIKey  string `envconfig:"LLM_API_KEY" default:""`
}

// DataConfig holds on-disk store locations.
type DataConfig struct {
	StorageDir   string `envconfig:"STORAGE_DIR" default:"data/storage"`
	SkillsDir    string `envconfig:"SKILLS_DIR" default:"data/skills"`
	DownloadsDir string `envconfig:"DOWNLOADS_DIR" default:"data/downloads"`
}

// ConnectionsConfig holds connection registry configuration.
type ConnectionsConfig struct {
	// RegistryFile optionally seeds connection definitions at startup.
	RegistryFile string `envconfig:"CONNECTIONS_FILE" default:""`
	// SecretKey encrypts stored secrets at rest. Any non-empty passphrase.
	SecretKey string `envconfig:"CONNECTIONS_SECRET_KEY" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8090", Host: "0.0.0.0"},
		Sandbox: SandboxConfig{
			ReadyTimeout:   15 * time.Second,
			RequestTimeout: 15 * time.Second,
			ExecTimeout:    5 * time.Second,
		},
		Bridge: BridgeConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		LLM: LLMConfig{
			BaseURL: "http://localhost:4000/v1",
			Model:   "gpt-4o-mini",
		},
		Data: DataConfig{
			StorageDir:   "data/storage",
			SkillsDir:    "data/skills",
			DownloadsDir: "data/downloads",
		},
		Logging: LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
