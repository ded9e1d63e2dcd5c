package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.Intent.ConfidenceThreshold != 0.7 {
		t.Errorf("ConfidenceThreshold = %v, want 0.7", cfg.Intent.ConfidenceThreshold)
	}
	if cfg.Auth.AccessTTL() != 30*time.Minute {
		t.Errorf("AccessTTL = %v, want 30m", cfg.Auth.AccessTTL())
	}
	if cfg.Client.RetryDelay() != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.Client.RetryDelay())
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listen_addr": "0.0.0.0:9000",
		"auth": {"secret": "file-secret", "access_ttl_minutes": 5},
		"discovery": {"manifest_path": "/etc/toolgate/servers.yaml", "cron": "*/15 * * * *"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Auth.Secret != "file-secret" || cfg.Auth.AccessTTLMinutes != 5 {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	// Untouched keys keep their defaults.
	if cfg.Auth.RefreshTTLDays != 7 {
		t.Errorf("RefreshTTLDays = %d, want 7", cfg.Auth.RefreshTTLDays)
	}
	if cfg.Discovery.Cron != "*/15 * * * *" {
		t.Errorf("Cron = %q", cfg.Discovery.Cron)
	}
}

func TestLoad_EnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": "file:1", "log_level": "warn"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOLGATE_LISTEN_ADDR", "env:2")
	t.Setenv("JWT_SECRET_KEY", "env-secret")
	t.Setenv("INTENT_CONFIDENCE_THRESHOLD", "0.9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "env:2" {
		t.Errorf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
	if cfg.Auth.Secret != "env-secret" {
		t.Errorf("Secret = %q", cfg.Auth.Secret)
	}
	if cfg.Intent.ConfidenceThreshold != 0.9 {
		t.Errorf("ConfidenceThreshold = %v", cfg.Intent.ConfidenceThreshold)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, file value should survive", cfg.LogLevel)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted malformed JSON")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad backend", func(c *Config) { c.Store.Backend = "oracle" }, "store backend"},
		{"empty listen", func(c *Config) { c.ListenAddr = "" }, "listen_addr"},
		{"threshold too high", func(c *Config) { c.Intent.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"zero rate limit", func(c *Config) { c.Gateway.RateLimitPerMinute = 0 }, "rate_limit"},
		{"negative retries", func(c *Config) { c.Client.RetryAttempts = -1 }, "retry_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{"INFO", false, slog.LevelInfo},
		{"debug", false, slog.LevelDebug},
		{"Warning", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"bogus", false, slog.LevelInfo},
		{"error", true, slog.LevelDebug},
	}
	for _, tc := range cases {
		cfg := &Config{LogLevel: tc.level, Debug: tc.debug}
		if got := cfg.SlogLevel(); got != tc.want {
			t.Errorf("SlogLevel(%q, debug=%v) = %v, want %v", tc.level, tc.debug, got, tc.want)
		}
	}
}

func TestEnvListSeparator(t *testing.T) {
	t.Setenv("TOOLGATE_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Gateway.AllowedOrigins) != 2 ||
		cfg.Gateway.AllowedOrigins[0] != want[0] || cfg.Gateway.AllowedOrigins[1] != want[1] {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.Gateway.AllowedOrigins, want)
	}
}
