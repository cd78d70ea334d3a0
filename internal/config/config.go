// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SENTINEL_ prefix (e.g.,
// SENTINEL_DATABASE_HOST overrides database.host in the YAML), so the same binary
// runs with a config.yaml in local development and with pure environment variables
// in containerized deployments.
//
// Rate limit policies can be changed at runtime: Watch re-reads the config file when
// it changes and hands the new configuration to a callback.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sentinel-security/sentinel/internal/ratelimit"
	"github.com/sentinel-security/sentinel/internal/session"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SENTINEL"

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Security     SecurityConfig     `mapstructure:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// DevMode relaxes startup checks, e.g. allows a generated JWT secret.
	DevMode bool `mapstructure:"dev_mode"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds Redis connection configuration. More than one address selects
// a cluster client.
type RedisConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
	PoolSize  int      `mapstructure:"pool_size"`
	KeyPrefix string   `mapstructure:"key_prefix"`
}

// StoreConfig selects the store of record for audit events and sessions.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuthConfig holds token verification configuration
type AuthConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig holds JWT signing configuration
type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// WriteTimeout bounds each store-of-record insert
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// LogReadOperations records successful GET requests as data.access
	LogReadOperations bool `mapstructure:"log_read_operations"`
	// Fallback is the local log used when the store of record rejects a write.
	// An empty path writes fallback records to stderr.
	Fallback AuditFileConfig `mapstructure:"fallback"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds rotating file configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SessionsConfig holds session registry configuration
type SessionsConfig struct {
	MaxActive           int           `mapstructure:"max_active"`
	LimitPolicy         string        `mapstructure:"limit_policy"`
	TouchInterval       time.Duration `mapstructure:"touch_interval"`
	StoreTimeout        time.Duration `mapstructure:"store_timeout"`
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
}

// RateLimitingConfig holds rate limiter configuration
type RateLimitingConfig struct {
	Enabled         bool                           `mapstructure:"enabled"`
	Store           string                         `mapstructure:"store"`
	StoreTimeout    time.Duration                  `mapstructure:"store_timeout"`
	Categories      map[string]CategoryLimitConfig `mapstructure:"categories"`
	AuthPaths       []string                       `mapstructure:"auth_paths"`
	SensitivePaths  []string                       `mapstructure:"sensitive_paths"`
	SkipAllowlist   []string                       `mapstructure:"skip_allowlist"`
	Retention       time.Duration                  `mapstructure:"retention"`
	CleanupInterval time.Duration                  `mapstructure:"cleanup_interval"`
	LimitRiskScore  int                            `mapstructure:"limit_risk_score"`
	Abuse           AbuseConfig                    `mapstructure:"abuse"`
}

// CategoryLimitConfig is the budget of one endpoint category
type CategoryLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// AbuseConfig holds abuse detection configuration
type AbuseConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Lookback  time.Duration `mapstructure:"lookback"`
	RiskScore int           `mapstructure:"risk_score"`
}

// SecurityConfig holds response hardening configuration
type SecurityConfig struct {
	Headers SecurityHeadersConfig `mapstructure:"headers"`
	CORS    CORSConfig            `mapstructure:"cors"`
	// TrustedProxies lists the peer IPs or CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the socket peer is always the client origin.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SecurityHeadersConfig holds security header configuration
type SecurityHeadersConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	HSTSMaxAge            int    `mapstructure:"hsts_max_age"`
	HSTSPreload           bool   `mapstructure:"hsts_preload"`
	FrameOptions          string `mapstructure:"frame_options"`
	ContentSecurityPolicy string `mapstructure:"content_security_policy"`
}

// bindEnvVars explicitly binds environment variables for nested keys. This is
// necessary because AutomaticEnv() doesn't work well with Unmarshal().
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",
		"server.dev_mode",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addresses",
		"redis.password",
		"redis.db",
		"redis.pool_size",
		"redis.key_prefix",

		// Store
		"store.backend",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Auth
		"auth.jwt.secret",
		"auth.jwt.issuer",
		"auth.jwt.token_ttl",

		// Audit
		"audit.write_timeout",
		"audit.log_read_operations",
		"audit.fallback.path",
		"audit.fallback.max_size_mb",
		"audit.fallback.max_backups",
		"audit.fallback.max_age_days",
		"audit.fallback.compress",

		// Sessions
		"sessions.max_active",
		"sessions.limit_policy",
		"sessions.touch_interval",
		"sessions.store_timeout",
		"sessions.expiry_sweep_interval",

		// Rate limiting
		"rate_limiting.enabled",
		"rate_limiting.store",
		"rate_limiting.store_timeout",
		"rate_limiting.auth_paths",
		"rate_limiting.sensitive_paths",
		"rate_limiting.skip_allowlist",
		"rate_limiting.retention",
		"rate_limiting.cleanup_interval",
		"rate_limiting.limit_risk_score",
		"rate_limiting.abuse.threshold",
		"rate_limiting.abuse.lookback",
		"rate_limiting.abuse.risk_score",

		// Security
		"security.headers.enabled",
		"security.headers.hsts_max_age",
		"security.headers.hsts_preload",
		"security.headers.frame_options",
		"security.headers.content_security_policy",
		"security.cors.allowed_origins",
		"security.trusted_proxies",
	}
	for _, c := range ratelimit.Categories {
		keys = append(keys,
			"rate_limiting.categories."+string(c)+".max_requests",
			"rate_limiting.categories."+string(c)+".window",
		)
	}

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var for %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.dev_mode", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sentinel")
	v.SetDefault("database.user", "sentinel")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.key_prefix", "sentinel:rl:")

	v.SetDefault("store.backend", BackendPostgres)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Auth defaults
	v.SetDefault("auth.jwt.issuer", "sentinel")
	v.SetDefault("auth.jwt.token_ttl", "1h")

	// Audit defaults
	v.SetDefault("audit.write_timeout", "2s")
	v.SetDefault("audit.log_read_operations", false)
	v.SetDefault("audit.fallback.path", "")
	v.SetDefault("audit.fallback.max_size_mb", 100)
	v.SetDefault("audit.fallback.max_backups", 10)
	v.SetDefault("audit.fallback.max_age_days", 30)
	v.SetDefault("audit.fallback.compress", true)

	// Session defaults
	v.SetDefault("sessions.max_active", session.DefaultMaxActive)
	v.SetDefault("sessions.limit_policy", string(session.PolicyReject))
	v.SetDefault("sessions.touch_interval", session.DefaultTouchInterval.String())
	v.SetDefault("sessions.store_timeout", session.DefaultStoreTimeout.String())
	v.SetDefault("sessions.expiry_sweep_interval", "5m")

	// Rate limiting defaults
	defaults := ratelimit.DefaultPolicies()
	v.SetDefault("rate_limiting.enabled", true)
	v.SetDefault("rate_limiting.store", BackendPostgres)
	v.SetDefault("rate_limiting.store_timeout", ratelimit.DefaultStoreTimeout.String())
	for _, c := range ratelimit.Categories {
		l := defaults.Limits[c]
		v.SetDefault("rate_limiting.categories."+string(c)+".max_requests", l.MaxRequests)
		v.SetDefault("rate_limiting.categories."+string(c)+".window", l.Window.String())
	}
	v.SetDefault("rate_limiting.auth_paths", defaults.AuthPaths)
	v.SetDefault("rate_limiting.sensitive_paths", defaults.SensitivePaths)
	v.SetDefault("rate_limiting.skip_allowlist", []string{})
	v.SetDefault("rate_limiting.retention", ratelimit.DefaultRetention.String())
	v.SetDefault("rate_limiting.cleanup_interval", "10m")
	v.SetDefault("rate_limiting.limit_risk_score", ratelimit.DefaultLimitRiskScore)
	v.SetDefault("rate_limiting.abuse.threshold", ratelimit.DefaultAbuseThreshold)
	v.SetDefault("rate_limiting.abuse.lookback", ratelimit.DefaultAbuseLookback.String())
	v.SetDefault("rate_limiting.abuse.risk_score", ratelimit.DefaultAbuseRiskScore)

	// Security defaults
	v.SetDefault("security.headers.enabled", true)
	v.SetDefault("security.headers.hsts_max_age", 31536000)
	v.SetDefault("security.headers.hsts_preload", false)
	v.SetDefault("security.headers.frame_options", "DENY")
	v.SetDefault("security.headers.content_security_policy", "default-src 'none'; frame-ancestors 'none'")
	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.trusted_proxies", []string{})
}

// newViper builds a Viper instance with defaults, the config file (if any) and the
// environment layered in.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sentinel")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// decode unmarshals and validates the current state of v.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	cfg.Auth.JWT.Secret = os.ExpandEnv(cfg.Auth.JWT.Secret)
	cfg.RateLimiting.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration from configPath (or the default search locations when
// empty) and the environment, and validates it.
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch re-reads configPath whenever it changes and passes each valid new
// configuration to onChange. Invalid edits are logged and ignored. Watch returns an
// error if there is no config file to watch.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("no config file to watch")
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("config file not readable: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// normalize lowercases category keys so YAML written as "Auth:" still binds.
func (c *RateLimitingConfig) normalize() {
	if len(c.Categories) == 0 {
		return
	}
	out := make(map[string]CategoryLimitConfig, len(c.Categories))
	for k, l := range c.Categories {
		out[strings.ToLower(k)] = l
	}
	c.Categories = out
}

// Policies converts the rate limiting section into limiter policies.
func (c *RateLimitingConfig) Policies() ratelimit.Policies {
	p := ratelimit.Policies{
		Limits:         make(map[ratelimit.Category]ratelimit.Limit, len(c.Categories)),
		AuthPaths:      append([]string(nil), c.AuthPaths...),
		SensitivePaths: append([]string(nil), c.SensitivePaths...),
	}
	for name, l := range c.Categories {
		p.Limits[ratelimit.Category(name)] = ratelimit.Limit{MaxRequests: l.MaxRequests, Window: l.Window}
	}
	return p
}

// NeedsPostgres reports whether any configured store uses PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Store.Backend == BackendPostgres ||
		(c.RateLimiting.Enabled && c.RateLimiting.Store == BackendPostgres)
}

// NeedsRedis reports whether any configured store uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.RateLimiting.Enabled && c.RateLimiting.Store == BackendRedis
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Telemetry.Metrics.Enabled {
		p := c.Telemetry.Metrics.PrometheusPort
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid metrics port: %d", p)
		}
		if p == c.Server.Port {
			return fmt.Errorf("telemetry.metrics.prometheus_port must differ from server.port (%d)", p)
		}
	}

	// Validate logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate stores
	if c.Store.Backend != BackendPostgres && c.Store.Backend != BackendMemory {
		return fmt.Errorf("invalid store backend: %s (must be postgres or memory)", c.Store.Backend)
	}
	if c.NeedsPostgres() {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}

	// Validate auth
	if c.Auth.JWT.Secret == "" && !c.Server.DevMode {
		return fmt.Errorf("auth.jwt.secret is required unless server.dev_mode is set")
	}

	// Validate trusted proxies
	for _, p := range c.Security.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err == nil {
			continue
		}
		if net.ParseIP(p) == nil {
			return fmt.Errorf("invalid security.trusted_proxies entry %q (must be an IP or CIDR)", p)
		}
	}

	// Validate audit shippers
	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: invalid type %q (must be webhook or file)", i, s.Type)
		}
	}

	// Validate sessions
	if c.Sessions.MaxActive < 1 {
		return fmt.Errorf("sessions.max_active must be at least 1")
	}
	if !session.LimitPolicy(c.Sessions.LimitPolicy).Valid() {
		return fmt.Errorf("invalid sessions.limit_policy: %s (must be reject or terminate_oldest)", c.Sessions.LimitPolicy)
	}
	if c.Sessions.TouchInterval < 0 {
		return fmt.Errorf("sessions.touch_interval must not be negative")
	}
	if c.Sessions.ExpirySweepInterval <= 0 {
		return fmt.Errorf("sessions.expiry_sweep_interval must be positive")
	}

	// Validate rate limiting
	if !c.RateLimiting.Enabled {
		return nil
	}
	switch c.RateLimiting.Store {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if len(c.Redis.Addresses) == 0 {
			return fmt.Errorf("redis.addresses is required when rate_limiting.store is redis")
		}
	default:
		return fmt.Errorf("invalid rate_limiting.store: %s (must be postgres, redis, or memory)", c.RateLimiting.Store)
	}
	if err := c.RateLimiting.Policies().Validate(); err != nil {
		return fmt.Errorf("invalid rate_limiting.categories: %w", err)
	}
	if c.RateLimiting.CleanupInterval <= 0 {
		return fmt.Errorf("rate_limiting.cleanup_interval must be positive")
	}
	if c.RateLimiting.Abuse.Threshold < 1 {
		return fmt.Errorf("rate_limiting.abuse.threshold must be at least 1")
	}
	if c.RateLimiting.Abuse.Lookback <= 0 {
		return fmt.Errorf("rate_limiting.abuse.lookback must be positive")
	}
	if c.RateLimiting.Abuse.RiskScore < 0 || c.RateLimiting.Abuse.RiskScore > 100 {
		return fmt.Errorf("rate_limiting.abuse.risk_score must be between 0 and 100")
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
