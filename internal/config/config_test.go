package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	return cfg
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Database.DatabasePath == "" {
		t.Error("Default database path should not be empty")
	}
	if config.HTTP.Port <= 0 {
		t.Error("Default HTTP port should be positive")
	}
	if config.Store.Backend != BackendMemory {
		t.Errorf("Expected memory backend by default, got %s", config.Store.Backend)
	}
	if config.Session.UnmarkedPolicy != "absent" {
		t.Errorf("Expected absent policy by default, got %s", config.Session.UnmarkedPolicy)
	}
	if config.Router.RateLimit != 100 || config.Router.RateWindow != time.Minute {
		t.Errorf("Unexpected router defaults %+v", config.Router)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Valid config should pass validation: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.Secret = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.DatabasePath = "" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis without address", func(c *Config) { c.Store.Backend = BackendRedis; c.Redis.Addr = "" }},
		{"pong before ping", func(c *Config) { c.WebSocket.PongWait = c.WebSocket.PingInterval }},
		{"unknown policy", func(c *Config) { c.Session.UnmarkedPolicy = "late" }},
		{"zero max age", func(c *Config) { c.Session.MaxAge = 0 }},
		{"negative rate limit", func(c *Config) { c.Router.RateLimit = -5 }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"missing section", func(c *Config) { c.Redis = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("ROLLCALL_AUTH_SECRET", "env-secret")
	t.Setenv("ROLLCALL_HTTP_PORT", "9090")
	t.Setenv("ROLLCALL_DATABASE_PATH", "/tmp/rollcall-test.db")
	t.Setenv("ROLLCALL_STORE_BACKEND", "redis")
	t.Setenv("ROLLCALL_SESSION_MAX_AGE", "3h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.DatabasePath != "/tmp/rollcall-test.db" {
		t.Errorf("Expected env database path, got %s", cfg.Database.DatabasePath)
	}
	if cfg.Store.Backend != BackendRedis {
		t.Errorf("Expected redis backend, got %s", cfg.Store.Backend)
	}
	if cfg.Session.MaxAge != 3*time.Hour {
		t.Errorf("Expected 3h max age, got %v", cfg.Session.MaxAge)
	}
	if cfg.Auth.Secret != "env-secret" {
		t.Errorf("Expected secret from env, got %q", cfg.Auth.Secret)
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollcall.yaml")
	content := `
http:
  port: 7070
auth:
  secret: file-secret
session:
  unmarked_policy: omit
router:
  rate_limit: 20
  rate_window: 30s
log:
  format: json
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 7070 {
		t.Errorf("Expected port 7070, got %d", cfg.HTTP.Port)
	}
	if cfg.Session.UnmarkedPolicy != "omit" {
		t.Errorf("Expected omit policy, got %s", cfg.Session.UnmarkedPolicy)
	}
	if cfg.Router.RateLimit != 20 || cfg.Router.RateWindow != 30*time.Second {
		t.Errorf("Unexpected router config %+v", cfg.Router)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected json log format, got %s", cfg.Log.Format)
	}
	// Keys absent from the file keep their defaults.
	if cfg.HTTP.Host != "0.0.0.0" {
		t.Errorf("Expected default host, got %s", cfg.HTTP.Host)
	}
}

func TestConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollcall.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 7070\nauth:\n  secret: s\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv("ROLLCALL_HTTP_PORT", "7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Port != 7777 {
		t.Errorf("Environment should override file, got port %d", cfg.HTTP.Port)
	}
}

func TestConfig_LoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("http: [port"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed config file")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestConfig_LoadRequiresSecret(t *testing.T) {
	t.Setenv("ROLLCALL_AUTH_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Error("Expected validation error without an auth secret")
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	l := &LogConfig{Format: "json", Level: "warn"}
	logger := l.NewLogger()
	if logger == nil {
		t.Fatal("Expected logger")
	}
	if logger.Enabled(t.Context(), -4) {
		t.Error("Debug should be disabled at warn level")
	}
}
