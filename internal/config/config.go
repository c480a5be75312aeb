package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	dbconfig "rollcall/pkg/database"
)

// EnvPrefix namespaces every environment override, e.g. ROLLCALL_HTTP_PORT.
const EnvPrefix = "ROLLCALL"

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Database  *dbconfig.Config `mapstructure:"database"`
	Store     *StoreConfig     `mapstructure:"store"`
	Redis     *RedisConfig     `mapstructure:"redis"`
	Auth      *AuthConfig      `mapstructure:"auth"`
	Session   *SessionConfig   `mapstructure:"session"`
	Router    *RouterConfig    `mapstructure:"router"`
	Log       *LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration optimized for classroom scenarios
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type StoreConfig struct {
	// Backend is "redis" for shared multi-instance state or "memory" for a
	// single instance.
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
}

type AuthConfig struct {
	Secret string        `mapstructure:"secret"`
	Leeway time.Duration `mapstructure:"leeway"`
	// PrincipalCacheTTL caches user lookups in Redis; zero disables the cache.
	PrincipalCacheTTL time.Duration `mapstructure:"principal_cache_ttl"`
}

type SessionConfig struct {
	MaxAge         time.Duration `mapstructure:"max_age"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	UnmarkedPolicy string        `mapstructure:"unmarked_policy"`
}

type RouterConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	EventTimeout time.Duration `mapstructure:"event_timeout"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// FUNCTIONAL DISCOVERY: Defaults run a single instance with in-process state
// and a local SQLite file; production flips store.backend to redis
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:  30 * time.Second,
			PongWait:      60 * time.Second,
			MaxFrameBytes: 128 * 1024,
		},
		Database: dbconfig.DefaultConfig(),
		Store:    &StoreConfig{Backend: BackendMemory},
		Redis: &RedisConfig{
			Addr:          "localhost:6379",
			KeyPrefix:     "attendance:session:",
			ChannelPrefix: "rollcall:class:",
			OpTimeout:     2 * time.Second,
		},
		Auth: &AuthConfig{
			Leeway:            30 * time.Second,
			PrincipalCacheTTL: 5 * time.Minute,
		},
		Session: &SessionConfig{
			MaxAge:         12 * time.Hour,
			ReapInterval:   5 * time.Minute,
			UnmarkedPolicy: "absent",
		},
		Router: &RouterConfig{
			RateLimit:    100,
			RateWindow:   time.Minute,
			EventTimeout: 30 * time.Second,
		},
		Log: &LogConfig{Format: "text", Level: "info"},
	}
}

// Load reads configuration from defaults, then path (if non-empty), then
// ROLLCALL_* environment variables. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// appear in no config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait)
	v.SetDefault("websocket.max_frame_bytes", d.WebSocket.MaxFrameBytes)
	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)

	v.SetDefault("database.path", d.Database.DatabasePath)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)
	v.SetDefault("database.retry_delay", d.Database.RetryDelay)
	v.SetDefault("database.migrations_path", d.Database.MigrationsPath)

	v.SetDefault("store.backend", d.Store.Backend)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.channel_prefix", d.Redis.ChannelPrefix)
	v.SetDefault("redis.op_timeout", d.Redis.OpTimeout)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.leeway", d.Auth.Leeway)
	v.SetDefault("auth.principal_cache_ttl", d.Auth.PrincipalCacheTTL)

	v.SetDefault("session.max_age", d.Session.MaxAge)
	v.SetDefault("session.reap_interval", d.Session.ReapInterval)
	v.SetDefault("session.unmarked_policy", d.Session.UnmarkedPolicy)

	v.SetDefault("router.rate_limit", d.Router.RateLimit)
	v.SetDefault("router.rate_window", d.Router.RateWindow)
	v.SetDefault("router.event_timeout", d.Router.EventTimeout)

	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.level", d.Log.Level)
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil || c.Store == nil ||
		c.Redis == nil || c.Auth == nil || c.Session == nil || c.Router == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	// Port 0 binds a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return fmt.Errorf("WebSocket max frame bytes must be positive")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis store backend")
		}
		if c.Redis.OpTimeout <= 0 {
			return fmt.Errorf("redis op timeout must be positive")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}
	if c.Auth.Leeway < 0 || c.Auth.PrincipalCacheTTL < 0 {
		return fmt.Errorf("auth durations cannot be negative")
	}

	if c.Session.MaxAge <= 0 || c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session max age and reap interval must be positive")
	}
	switch c.Session.UnmarkedPolicy {
	case "", "absent", "omit":
	default:
		return fmt.Errorf("unknown unmarked policy %q", c.Session.UnmarkedPolicy)
	}

	if c.Router.RateLimit < 0 {
		return fmt.Errorf("router rate limit cannot be negative")
	}
	if c.Router.RateWindow <= 0 || c.Router.EventTimeout <= 0 {
		return fmt.Errorf("router window and event timeout must be positive")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l *LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger writing to stderr.
func (l *LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
