// Package config provides configuration management for the options lookup service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"options-dekho/internal/logging"
	"options-dekho/internal/security"
)

// Data source modes.
const (
	DataSourceLive      = "live"
	DataSourceSimulated = "simulated"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Kite       KiteConfig           `mapstructure:"kite"`
	DataSource DataSourceConfig     `mapstructure:"data_source"`
	Catalog    CatalogConfig        `mapstructure:"catalog"`
	Tokens     TokenConfig          `mapstructure:"tokens"`
	Store      StoreConfig          `mapstructure:"store"`
	Redis      RedisConfig          `mapstructure:"redis"`
	Auth       AuthConfig           `mapstructure:"auth"`
	Security   SecurityConfig       `mapstructure:"security"`
	Audit      security.AuditConfig `mapstructure:"audit"`
	Logging    logging.LogConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// KiteConfig holds Kite Connect configuration.
type KiteConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	BaseURL   string        `mapstructure:"base_url"`
	TickerURL string        `mapstructure:"ticker_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Segment   string        `mapstructure:"segment"`

	// Consecutive broker failures that open the circuit, and how long it stays open.
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`

	// Quote requests per second and burst; zero disables pacing.
	QuoteRate  float64 `mapstructure:"quote_rate"`
	QuoteBurst int     `mapstructure:"quote_burst"`
}

// DataSourceConfig selects live broker data or the simulated source.
type DataSourceConfig struct {
	Mode        string             `mapstructure:"mode"`
	Underlyings map[string]float64 `mapstructure:"underlyings"` // simulated base prices
}

// CatalogConfig holds instrument catalog configuration.
type CatalogConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MatchStrategy   string        `mapstructure:"match_strategy"` // name, prefix
}

// TokenConfig holds broker token lifecycle configuration.
type TokenConfig struct {
	CutoverHour  int           `mapstructure:"cutover_hour"`
	ExpiringSoon time.Duration `mapstructure:"expiring_soon"`
}

// StoreConfig selects the persistence adapter.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig holds the optional shared catalog tier configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AuthConfig holds end-user authentication configuration.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	JWTTTL     time.Duration `mapstructure:"jwt_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-dekho"
	}
	return filepath.Join(home, ".config", "options-dekho")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load(filepath.Join(configDir, ".env"), ".env")

	v := newViper()
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("kite.base_url", "https://api.kite.trade")
	v.SetDefault("kite.ticker_url", "wss://ws.kite.trade")
	v.SetDefault("kite.timeout", "10s")
	v.SetDefault("kite.segment", "NFO")
	v.SetDefault("kite.breaker_failures", 5)
	v.SetDefault("kite.breaker_cooldown", "30s")
	v.SetDefault("kite.quote_rate", 1.0)
	v.SetDefault("kite.quote_burst", 1)

	v.SetDefault("data_source.mode", DataSourceLive)

	v.SetDefault("catalog.refresh_interval", "24h")
	v.SetDefault("catalog.match_strategy", "name")

	v.SetDefault("tokens.cutover_hour", 6)
	v.SetDefault("tokens.expiring_soon", "1h")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", filepath.Join(DefaultConfigDir(), "options-dekho.db"))

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "options-dekho")

	v.SetDefault("auth.jwt_ttl", "24h")
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.log_dir", filepath.Join(DefaultConfigDir(), "audit"))
	v.SetDefault("audit.max_size", 50)
	v.SetDefault("audit.max_backups", 30)
	v.SetDefault("audit.max_age", 365)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "server.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Kite.APISecret = v
	}
	if v := os.Getenv("OPTIONS_DEKHO_DATA_SOURCE"); v != "" {
		cfg.DataSource.Mode = v
	}
	if v := os.Getenv("OPTIONS_DEKHO_STORE"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("OPTIONS_DEKHO_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("OPTIONS_DEKHO_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OPTIONS_DEKHO_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			cfg.Server.Addr = ":" + v
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.DataSource.Mode {
	case DataSourceLive:
		if c.Kite.APIKey == "" || c.Kite.APISecret == "" {
			return fmt.Errorf("kite api_key and api_secret are required for the live data source")
		}
	case DataSourceSimulated:
	default:
		return fmt.Errorf("invalid data_source mode: %s (must be 'live' or 'simulated')", c.DataSource.Mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be memory, sqlite or postgres)", c.Store.Driver)
	}

	if c.Catalog.MatchStrategy != "name" && c.Catalog.MatchStrategy != "prefix" {
		return fmt.Errorf("invalid catalog match_strategy: %s (must be 'name' or 'prefix')", c.Catalog.MatchStrategy)
	}
	if c.Catalog.RefreshInterval <= 0 {
		return fmt.Errorf("catalog refresh_interval must be positive")
	}
	if c.Kite.Timeout <= 0 {
		return fmt.Errorf("kite timeout must be positive")
	}
	if c.Kite.QuoteRate < 0 {
		return fmt.Errorf("kite quote_rate must not be negative")
	}
	if c.Tokens.CutoverHour < 1 || c.Tokens.CutoverHour > 23 {
		return fmt.Errorf("tokens cutover_hour must be between 1 and 23")
	}
	if c.Tokens.ExpiringSoon <= 0 {
		return fmt.Errorf("tokens expiring_soon must be positive")
	}
	if len(c.Security.EncryptionKey) < 16 {
		return fmt.Errorf("security encryption_key must be at least 16 characters")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth jwt_secret must be at least 16 characters")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	return nil
}

// IsSimulated returns true when market data comes from the simulated source.
func (c *Config) IsSimulated() bool {
	return c.DataSource.Mode == DataSourceSimulated
}
