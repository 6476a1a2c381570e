package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	// DefaultListenAddr is the fallback HTTP listen address.
	DefaultListenAddr = ":3000"
	// DefaultCacheTTL bounds directory cache staleness.
	DefaultCacheTTL = 60 * time.Second
	// DefaultCacheSize bounds directory cache entry count.
	DefaultCacheSize = 500
	// DefaultHeartbeatInterval spaces SSE keep-alive comment frames.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultUpstreamTimeout bounds a single upstream call end to end.
	DefaultUpstreamTimeout = 10 * time.Minute
	// DefaultJWTExpiry bounds admin session tokens.
	DefaultJWTExpiry = 24 * time.Hour
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen-addr"` // Address the gateway listens on.
}

// DatabaseConfig holds durable store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // SQLite path or PostgreSQL DSN.
}

// AdminConfig holds admin console authentication settings.
type AdminConfig struct {
	Password     string        `yaml:"password"`      // Plaintext admin password; ignored when PasswordHash is set.
	PasswordHash string        `yaml:"password-hash"` // bcrypt hash of the admin password.
	JWTSecret    string        `yaml:"jwt-secret"`    // HMAC secret for admin tokens.
	JWTExpiry    time.Duration `yaml:"jwt-expiry"`    // Admin token lifetime.
}

// CacheConfig holds directory cache settings.
type CacheConfig struct {
	TTL       time.Duration `yaml:"ttl"`        // Entry lifetime.
	Size      int           `yaml:"size"`       // Maximum entry count before LRU eviction.
	RedisAddr string        `yaml:"redis-addr"` // Optional Redis address for a shared cache.
}

// ProxyConfig holds upstream relay settings.
type ProxyConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"` // SSE keep-alive spacing.
	UpstreamTimeout   time.Duration `yaml:"upstream-timeout"`   // Upstream call deadline.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`       // logrus level name.
	File       string `yaml:"file"`        // Optional rotated log file path.
	MaxSizeMB  int    `yaml:"max-size-mb"` // Rotation threshold.
	MaxBackups int    `yaml:"max-backups"` // Rotated files kept.
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Cache    CacheConfig    `yaml:"cache"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Log      LogConfig      `yaml:"log"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	cfg := &Config{}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}

	cfg.applyDefaults()
	if errValidate := cfg.validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// ResolveConfigPath returns the explicit path, the TOKENGATE_CONFIG
// environment override, or the default config file name, in that order.
func ResolveConfigPath(explicit string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("TOKENGATE_CONFIG")); env != "" {
		return env
	}
	return "config.yaml"
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = DefaultCacheSize
	}
	if c.Proxy.HeartbeatInterval <= 0 {
		c.Proxy.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		c.Proxy.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.Admin.JWTExpiry <= 0 {
		c.Admin.JWTExpiry = DefaultJWTExpiry
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if strings.TrimSpace(c.Admin.JWTSecret) == "" {
		return fmt.Errorf("config: admin.jwt-secret is required")
	}
	return nil
}
