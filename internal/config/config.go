package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Playback PlaybackConfig `yaml:"playback" envconfig:"PLAYBACK"`
	Catalog  CatalogConfig  `yaml:"catalog" envconfig:"CATALOG"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	// AuthSecret verifies bearer tokens minted by the identity service.
	AuthSecret     string          `yaml:"auth_secret" envconfig:"AUTH_SECRET"`
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"true"`
}

// PlaybackConfig contains the grant-issuance policy constants.
// DeviceLimit is the concurrent-device ceiling per learner; GrantTTL is the
// fixed lifetime of a playback grant and its device session.
type PlaybackConfig struct {
	DeviceLimit    int           `yaml:"device_limit" envconfig:"DEVICE_LIMIT" default:"2"`
	GrantTTL       time.Duration `yaml:"grant_ttl" envconfig:"GRANT_TTL" default:"45m"`
	SweepInterval  time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1m"`
	EvictionPolicy string        `yaml:"eviction_policy" envconfig:"EVICTION_POLICY" default:"deny"`
	// GrantSecret signs grant tokens and manifest locators; WatermarkSecret
	// feeds the HKDF that derives per-grant watermark seeds.
	GrantSecret     string `yaml:"grant_secret" envconfig:"GRANT_SECRET"`
	WatermarkSecret string `yaml:"watermark_secret" envconfig:"WATERMARK_SECRET"`
	ManifestBaseURL string `yaml:"manifest_base_url" envconfig:"MANIFEST_BASE_URL" default:"http://localhost:8080"`
	// MediaDir is the local root the media endpoint serves manifests from.
	MediaDir string `yaml:"media_dir" envconfig:"MEDIA_DIR" default:"media"`
	// AllowAnonymousDevice permits issuance with a placeholder fingerprint
	// when the client cannot compute one. Off by default.
	AllowAnonymousDevice bool `yaml:"allow_anonymous_device" envconfig:"ALLOW_ANONYMOUS_DEVICE" default:"false"`
}

// CatalogConfig points at the course/lesson seed data consumed on startup.
type CatalogConfig struct {
	SeedFile string `yaml:"seed_file" envconfig:"SEED_FILE" default:"catalog.yaml"`
}

// RedisConfig selects the device-session registry backend. When Addr is
// empty the in-memory registry is used.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB" default:"0"`
}

// EvictionDeny and EvictionLRU are the supported device-ceiling policies.
// Deny is the default: the learner must explicitly sign out another device.
const (
	EvictionDeny = "deny"
	EvictionLRU  = "lru"
)

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("LV", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if envConfig.Security.AuthSecret == "" {
		envConfig.Security.AuthSecret = fileConfig.Security.AuthSecret
	}
	if envConfig.Playback.GrantSecret == "" {
		envConfig.Playback.GrantSecret = fileConfig.Playback.GrantSecret
	}
	if envConfig.Playback.WatermarkSecret == "" {
		envConfig.Playback.WatermarkSecret = fileConfig.Playback.WatermarkSecret
	}
	if envConfig.Redis.Addr == "" {
		envConfig.Redis.Addr = fileConfig.Redis.Addr
	}

	return envConfig
}

// getConfigFilePath returns the config file path, honoring LV_CONFIG_FILE
func getConfigFilePath() string {
	if path := os.Getenv("LV_CONFIG_FILE"); path != "" {
		return path
	}
	return "lessonvault.yaml"
}

// validate checks configuration constraints
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Playback.DeviceLimit < 1 {
		return fmt.Errorf("device limit must be at least 1, got %d", c.Playback.DeviceLimit)
	}
	if c.Playback.GrantTTL < time.Minute {
		return fmt.Errorf("grant TTL must be at least 1m, got %s", c.Playback.GrantTTL)
	}
	if c.Playback.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Playback.SweepInterval)
	}

	switch c.Playback.EvictionPolicy {
	case EvictionDeny, EvictionLRU:
	default:
		return fmt.Errorf("invalid eviction policy: %q (want %q or %q)",
			c.Playback.EvictionPolicy, EvictionDeny, EvictionLRU)
	}

	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate limit RPS must be positive")
		}
		if c.Security.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
	}

	return nil
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
