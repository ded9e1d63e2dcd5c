// Package config loads gateway configuration: coded defaults, then an
// optional JSON file, then environment overrides. Environment variable
// names follow the original deployment (JWT_SECRET_KEY, POSTGRES_*,
// MCP_SERVERS_CONFIG_PATH, ...); settings that have no legacy name use
// a TOOLGATE_ prefix.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/toolgate/toolgate/pkg/registry"
)

// Config is the full gateway configuration tree.
type Config struct {
	Debug      bool   `json:"debug"       env:"TOOLGATE_DEBUG"`
	ListenAddr string `json:"listen_addr" env:"TOOLGATE_LISTEN_ADDR"`

	Store     registry.StoreConfig `json:"store"`
	Auth      Auth                 `json:"auth"`
	Intent    Intent               `json:"intent"`
	Discovery Discovery            `json:"discovery"`
	Client    Client               `json:"client"`
	Gateway   Gateway              `json:"gateway"`
	Audit     Audit                `json:"audit"`

	LogLevel string `json:"log_level" env:"LOG_LEVEL"`
}

// Auth configures token issuing and verification.
type Auth struct {
	Secret           string `json:"secret"             env:"JWT_SECRET_KEY"`
	AccessTTLMinutes int    `json:"access_ttl_minutes" env:"JWT_ACCESS_TOKEN_EXPIRE_MINUTES"`
	RefreshTTLDays   int    `json:"refresh_ttl_days"   env:"JWT_REFRESH_TOKEN_EXPIRE_DAYS"`
}

func (a Auth) AccessTTL() time.Duration {
	return time.Duration(a.AccessTTLMinutes) * time.Minute
}

func (a Auth) RefreshTTL() time.Duration {
	return time.Duration(a.RefreshTTLDays) * 24 * time.Hour
}

// Intent configures the classifier.
type Intent struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" env:"INTENT_CONFIDENCE_THRESHOLD"`
	ModelPath           string  `json:"model_path"           env:"TOOLGATE_MODEL_PATH"`
}

// Discovery configures server-catalog loading.
type Discovery struct {
	ManifestPath   string `json:"manifest_path"   env:"MCP_SERVERS_CONFIG_PATH"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"MCP_DISCOVERY_TIMEOUT"`
	// Cron is a standard five-field expression; empty disables the
	// periodic re-discovery loop.
	Cron string `json:"cron" env:"TOOLGATE_DISCOVERY_CRON"`
}

func (d Discovery) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Client configures the tool client.
type Client struct {
	ExecutionTimeoutSeconds int     `json:"execution_timeout_seconds" env:"MCP_EXECUTION_TIMEOUT"`
	RetryAttempts           int     `json:"retry_attempts"            env:"MCP_RETRY_ATTEMPTS"`
	RetryDelaySeconds       float64 `json:"retry_delay_seconds"       env:"MCP_RETRY_DELAY"`
}

func (c Client) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

func (c Client) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// Gateway configures the HTTP surface.
type Gateway struct {
	RateLimitPerMinute int      `json:"rate_limit_per_minute" env:"TOOLGATE_RATE_LIMIT"`
	AllowedOrigins     []string `json:"allowed_origins"       env:"TOOLGATE_ALLOWED_ORIGINS" envSeparator:","`
}

// Audit configures the JSONL audit trail.
type Audit struct {
	Dir string `json:"dir" env:"TOOLGATE_AUDIT_DIR"`
}

// Default returns the coded defaults rooted under ~/.toolgate.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		ListenAddr: "127.0.0.1:8080",
		Store: registry.StoreConfig{
			Backend: "sqlite",
			DataDir: dir,
		},
		Auth: Auth{
			Secret:           "change-me-in-production",
			AccessTTLMinutes: 30,
			RefreshTTLDays:   7,
		},
		Intent: Intent{
			ConfidenceThreshold: 0.7,
			ModelPath:           filepath.Join(dir, "intent_model.json"),
		},
		Discovery: Discovery{
			ManifestPath:   filepath.Join(dir, "servers.json"),
			TimeoutSeconds: 30,
		},
		Client: Client{
			ExecutionTimeoutSeconds: 60,
			RetryAttempts:           3,
			RetryDelaySeconds:       1,
		},
		Gateway: Gateway{
			RateLimitPerMinute: 120,
			AllowedOrigins:     []string{"*"},
		},
		Audit: Audit{
			Dir: filepath.Join(dir, "audit"),
		},
		LogLevel: "info",
	}
}

// DefaultDir is ~/.toolgate, or the working directory when the home
// directory cannot be resolved.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(home, ".toolgate")
}

// DefaultPath is the config file consulted when no --config is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.json")
}

// Load reads the file at path (DefaultPath when empty), overlays it on
// the defaults and applies environment overrides on top. A missing file
// is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults plus environment only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if t := c.Intent.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", t)
	}
	if c.Gateway.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive, got %d", c.Gateway.RateLimitPerMinute)
	}
	if c.Client.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative, got %d", c.Client.RetryAttempts)
	}
	return nil
}

// SlogLevel maps the configured level to slog; Debug wins over the
// level string. Unknown names fall back to info.
func (c *Config) SlogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
