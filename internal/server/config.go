// Package server provides configuration helpers that define runtime
// defaults, file/environment loading, and validation for the presence
// service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	StorePath      string
	FeedBuffer     int
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		StorePath:  "presence.json",
		FeedBuffer: 16,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.StorePath == "" {
		cfg.StorePath = "presence.json"
	}

	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = 16
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
		StorePath:  cfg.StorePath,
		FeedBuffer: cfg.FeedBuffer,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// fileConfig mirrors Config for the optional TOML configuration file. Zero
// values mean "not set" and leave the current value alone.
type fileConfig struct {
	Port           string   `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	MaxMessageSize int64    `toml:"max_message_size"`
	StorePath      string   `toml:"store_path"`
	FeedBuffer     int      `toml:"feed_buffer"`
	RateLimit      struct {
		Burst         int `toml:"burst"`
		RefillSeconds int `toml:"refill_seconds"`
	} `toml:"rate_limit"`
}

// ApplyConfigFile overlays settings from a TOML file onto cfg.
func ApplyConfigFile(cfg *Config, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = fc.MaxMessageSize
	}
	if fc.StorePath != "" {
		cfg.StorePath = fc.StorePath
	}
	if fc.FeedBuffer > 0 {
		cfg.FeedBuffer = fc.FeedBuffer
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	if fc.RateLimit.RefillSeconds > 0 {
		cfg.RateLimit.RefillInterval = time.Duration(fc.RateLimit.RefillSeconds) * time.Second
	}
	return nil
}

// NewConfigFromEnv creates a Config instance from the optional TOML file
// named by PRESENCE_CONFIG plus environment variables, with the environment
// taking precedence. Falls back to default values for anything unset.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("PRESENCE_CONFIG"); path != "" {
		if err := ApplyConfigFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if path := os.Getenv("STORE_PATH"); path != "" {
		cfg.StorePath = path
	}

	if buffer := os.Getenv("FEED_BUFFER"); buffer != "" {
		cfg.FeedBuffer = parseIntValue(buffer, cfg.FeedBuffer)
	}

	return &cfg, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
