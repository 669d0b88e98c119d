// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ephemeral.share/internal/logging"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Sweep     SweepConfig     `yaml:"sweep"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type StoreConfig struct {
	Type    string        `yaml:"type"`
	Redis   RedisConfig   `yaml:"redis"`
	Badger  BadgerConfig  `yaml:"badger"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	ExpiryGrace time.Duration `yaml:"expiry_grace"`
}

type BadgerConfig struct {
	Path string `yaml:"path"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

type SecretsConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	MaxTTL          time.Duration `yaml:"max_ttl"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	Tombstones      bool          `yaml:"tombstones"`
	EncryptionKey   string        `yaml:"encryption_key"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    64 << 10,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				Password:    "",
				DB:          0,
				ExpiryGrace: time.Minute,
			},
			Badger: BadgerConfig{Path: "data/badger"},
			SQLite: SQLiteConfig{Path: "data/secrets.db"},
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Secrets: SecretsConfig{
			DefaultTTL:      1 * time.Hour,
			MaxTTL:          7 * 24 * time.Hour,
			MaxMessageBytes: 4000,
			Tombstones:      true,
		},
		Sweep: SweepConfig{
			Interval: 30 * time.Second,
		},
		AccessLog: AccessLogConfig{
			Enabled: false,
			Path:    "data/access.db",
			Buffer:  256,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	envDuration("REQUEST_TIMEOUT", &c.Server.RequestTimeout)
	envDuration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	// Store
	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("BADGER_PATH"); v != "" {
		c.Store.Badger.Path = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	envBool("STORE_BREAKER_ENABLED", &c.Store.Breaker.Enabled)

	// Secrets
	envDuration("DEFAULT_TTL", &c.Secrets.DefaultTTL)
	envDuration("MAX_TTL", &c.Secrets.MaxTTL)
	if v := os.Getenv("MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Secrets.MaxMessageBytes = n
		}
	}
	envBool("TOMBSTONES", &c.Secrets.Tombstones)
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Secrets.EncryptionKey = v
	}

	envDuration("SWEEP_INTERVAL", &c.Sweep.Interval)

	envBool("ACCESS_LOG_ENABLED", &c.AccessLog.Enabled)
	if v := os.Getenv("ACCESS_LOG_PATH"); v != "" {
		c.AccessLog.Path = v
	}

	envBool("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerMin = n
		}
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	envBool("METRICS_ENABLED", &c.Metrics.Enabled)
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}

	switch c.Store.Type {
	case "memory", "redis", "badger", "sqlite":
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'redis', 'badger' or 'sqlite')", c.Store.Type)
	}

	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when store type is 'redis'")
	}

	if c.Store.Type == "badger" && c.Store.Badger.Path == "" {
		return fmt.Errorf("badger path is required when store type is 'badger'")
	}

	if c.Store.Type == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("sqlite path is required when store type is 'sqlite'")
	}

	if c.Secrets.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive")
	}

	if c.Secrets.MaxTTL < c.Secrets.DefaultTTL {
		return fmt.Errorf("max_ttl must be >= default_ttl")
	}

	if c.Secrets.MaxMessageBytes < 0 {
		return fmt.Errorf("max_message_bytes must not be negative")
	}

	if c.Secrets.EncryptionKey != "" && len(c.Secrets.EncryptionKey) < 16 {
		return fmt.Errorf("encryption_key must be at least 16 bytes")
	}

	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.AccessLog.Enabled && c.AccessLog.Path == "" && c.Store.Type != "sqlite" {
		return fmt.Errorf("access_log path is required unless the sqlite store is used")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.RevealPerMin < 1) {
		return fmt.Errorf("rate limits must be at least 1 request per minute")
	}

	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'console')", c.Log.Format)
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
